package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		cmd := GetRootCmd()
		stopCmd := cmd.Commands()

		found := false
		for _, c := range stopCmd {
			if c.Name() == "stop" {
				found = true
				break
			}
		}
		assert.True(t, found, "stop command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"stop", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "Stop the halte daemon service")
		assert.Contains(t, helpText, "timeout")
	})
}

func TestStopDaemon(t *testing.T) {
	dir := t.TempDir()

	t.Run("no PID file", func(t *testing.T) {
		_, err := stopDaemon(filepath.Join(dir, "missing.pid"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})

	t.Run("stale PID file is removed", func(t *testing.T) {
		pidFile := filepath.Join(dir, "stale.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("-1"), 0644))

		_, err := stopDaemon(pidFile)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stale PID file removed")

		_, statErr := os.Stat(pidFile)
		assert.True(t, os.IsNotExist(statErr))
	})
}
