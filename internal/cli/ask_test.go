package cli

import (
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskCommand(t *testing.T) {
	t.Run("plain reply", func(t *testing.T) {
		server := newCompletionServer(t, "Bus BUS-7 leaves the Depot every ten minutes.")
		path, _ := writeTestConfig(t, server.URL)

		out, err := execute(t, "ask", "--config", path, "rider-1", "how", "often", "does", "BUS-7", "run?")
		require.NoError(t, err)
		assert.Equal(t, "Bus BUS-7 leaves the Depot every ten minutes.\n", out)
		assert.Equal(t, 1, server.Calls())
	})

	t.Run("tool call then answer", func(t *testing.T) {
		server := newCompletionServer(t,
			`{"tool_name": "find_routes", "arguments": {"fromStop": "Depot", "toStop": "Harbour"}}`,
			"No bus is running from Depot to Harbour right now.",
		)
		path, _ := writeTestConfig(t, server.URL)

		out, err := execute(t, "ask", "--config", path, "--json", "rider-1", "Depot to Harbour?")
		require.NoError(t, err)

		var result struct {
			Reply    string `json:"replyText"`
			ToolUsed string `json:"toolUsed"`
			Summary  struct {
				MessageCount   int `json:"messageCount"`
				RecentSearches int `json:"recentSearches"`
			} `json:"sessionSummary"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, "No bus is running from Depot to Harbour right now.", result.Reply)
		assert.Equal(t, "find_routes", result.ToolUsed)
		assert.Equal(t, 1, result.Summary.RecentSearches)
		assert.Equal(t, 2, server.Calls())
	})

	t.Run("guardrail refuses without calling the model", func(t *testing.T) {
		server := newCompletionServer(t, "unused")
		path, _ := writeTestConfig(t, server.URL)

		out, err := execute(t, "ask", "--config", path, "rider-1", "get me an uber")
		require.NoError(t, err)
		assert.Contains(t, out, "I can only help with bus routes")
		assert.Equal(t, 0, server.Calls())
	})

	t.Run("requires user and text", func(t *testing.T) {
		_, err := execute(t, "ask", "rider-1")
		require.Error(t, err)
	})
}

func TestLocationFromFlags(t *testing.T) {
	newCmd := func(args ...string) *cobra.Command {
		cmd := &cobra.Command{}
		cmd.Flags().Float64Var(&askLat, "lat", 0, "")
		cmd.Flags().Float64Var(&askLng, "lng", 0, "")
		require.NoError(t, cmd.ParseFlags(args))
		return cmd
	}

	t.Run("absent", func(t *testing.T) {
		loc, err := locationFromFlags(newCmd())
		require.NoError(t, err)
		assert.Nil(t, loc)
	})

	t.Run("both", func(t *testing.T) {
		loc, err := locationFromFlags(newCmd("--lat", "-6.2", "--lng", "106.8"))
		require.NoError(t, err)
		require.NotNil(t, loc)
		assert.InDelta(t, -6.2, loc.Lat, 1e-9)
		assert.InDelta(t, 106.8, loc.Lng, 1e-9)
	})

	t.Run("only one", func(t *testing.T) {
		_, err := locationFromFlags(newCmd("--lat", "1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "together")
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := locationFromFlags(newCmd("--lat", "91", "--lng", "0"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "out of range")
	})
}
