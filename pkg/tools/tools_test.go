package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harun/agentloop/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, server *httptest.Server) *toolexecutor.Executor {
	t.Helper()

	registry := toolexecutor.NewRegistry()
	registry.MustRegister(Builtin(Config{
		IPServiceURL:       server.URL + "/ip",
		LocationServiceURL: server.URL + "/json/",
		HTTPClient:         server.Client(),
	})...)

	executor, err := toolexecutor.New(toolexecutor.Config{Registry: registry})
	require.NoError(t, err)
	return executor
}

func TestBuiltin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("203.0.113.7\n"))
	})
	mux.HandleFunc("/json/203.0.113.7", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","country":"Wonderland","city":"Rabbit Hole","query":"203.0.113.7"}`))
	})
	mux.HandleFunc("/json/10.0.0.1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"fail","message":"private range","query":"10.0.0.1"}`))
	})
	mux.HandleFunc("/json/198.51.100.1", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	executor := newTestExecutor(t, server)
	ctx := context.Background()

	t.Run("should expose both tools in order", func(t *testing.T) {
		catalogue := executor.Catalogue()
		require.Len(t, catalogue, 2)
		assert.Equal(t, "get_ip", catalogue[0].Name)
		assert.Equal(t, "get_location_info", catalogue[1].Name)
		assert.Equal(t, "object", catalogue[1].Parameters["type"])
	})

	t.Run("should return the trimmed public ip", func(t *testing.T) {
		out, err := executor.Dispatch(ctx, toolexecutor.ToolArguments{ToolName: "get_ip", Args: map[string]any{}})
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.7", out)
	})

	t.Run("should return location info", func(t *testing.T) {
		out, err := executor.Dispatch(ctx, toolexecutor.ToolArguments{
			ToolName: "get_location_info",
			Args:     map[string]any{"ip": "203.0.113.7"},
		})
		require.NoError(t, err)

		info, ok := out.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "Wonderland", info["country"])
		assert.Equal(t, "Rabbit Hole", info["city"])
	})

	t.Run("should fail permanently on a failed lookup", func(t *testing.T) {
		_, err := executor.Dispatch(ctx, toolexecutor.ToolArguments{
			ToolName: "get_location_info",
			Args:     map[string]any{"ip": "10.0.0.1"},
		})
		require.Error(t, err)
		assert.True(t, toolexecutor.IsKind(err, toolexecutor.KindExecutionFailure))
		assert.Contains(t, err.Error(), "private range")

		var nr interface{ NonRetryable() bool }
		require.ErrorAs(t, err, &nr)
		assert.True(t, nr.NonRetryable())
	})

	t.Run("should leave server errors retryable", func(t *testing.T) {
		_, err := executor.Dispatch(ctx, toolexecutor.ToolArguments{
			ToolName: "get_location_info",
			Args:     map[string]any{"ip": "198.51.100.1"},
		})
		require.Error(t, err)

		var toolErr *toolexecutor.ToolError
		require.ErrorAs(t, err, &toolErr)
		assert.False(t, toolErr.NonRetryable())
	})

	t.Run("should reject missing arguments before calling the service", func(t *testing.T) {
		_, err := executor.Dispatch(ctx, toolexecutor.ToolArguments{ToolName: "get_location_info", Args: map[string]any{}})
		assert.True(t, toolexecutor.IsKind(err, toolexecutor.KindArgumentValidation))
	})
}
