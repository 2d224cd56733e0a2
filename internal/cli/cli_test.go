package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

const testCatalog = `routes:
  - bus_id: BUS-7
    name: Harbour Line
    stops:
      - {name: Depot, lat: 1.30, lng: 103.80}
      - {name: Market, lat: 1.31, lng: 103.81}
      - {name: Harbour, lat: 1.32, lng: 103.82}
`

// completionServer answers chat completions with canned assistant replies in
// order, repeating the last one.
type completionServer struct {
	*httptest.Server
	mu      sync.Mutex
	replies []string
	calls   int
}

func newCompletionServer(t *testing.T, replies ...string) *completionServer {
	t.Helper()
	cs := &completionServer{replies: replies}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		reply := cs.replies[len(cs.replies)-1]
		if cs.calls < len(cs.replies) {
			reply = cs.replies[cs.calls]
		}
		cs.calls++
		cs.mu.Unlock()

		content, _ := json.Marshal(reply)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1714550400,
			"model": "test-model",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": %s}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`, string(content))
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *completionServer) Calls() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.calls
}

// writeTestConfig writes a config whose data lives in a temp dir and whose
// single AI profile points at baseURL.
func writeTestConfig(t *testing.T, baseURL string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	catalog := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(catalog, []byte(testCatalog), 0644))

	cfg := fmt.Sprintf(`data_dir: %s
logging:
  level: error
  pretty: false
agent:
  retry_base_delay: 1ms
ai:
  profiles:
    - id: local
      provider: openai
      model: test-model
      api_key: test-key
      base_url: %s/v1
livestate:
  routes_file: %s
  watch_routes: false
`, dir, baseURL, catalog)

	path := filepath.Join(dir, "halte.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path, dir
}

// resetFlags clears flag values left behind by earlier executions of the
// shared command tree.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(cmd)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
