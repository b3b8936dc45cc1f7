package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/harun/agentloop/internal/config"
	"github.com/harun/agentloop/internal/daemon"
	"github.com/harun/agentloop/internal/logger"
	"github.com/harun/agentloop/pkg/completion"
	"github.com/harun/agentloop/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedCompletion struct {
	mu        sync.Mutex
	calls     int
	responses []completion.Response
}

func (s *scriptedCompletion) Complete(ctx context.Context, request completion.Request) (completion.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

func (s *scriptedCompletion) Provider() string {
	return "scripted"
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"text to echo back"`
}

// writeTestConfig writes a config file rooted in a temp dir and returns its path
func writeTestConfig(t *testing.T, extra map[string]any) string {
	t.Helper()

	tmpDir := t.TempDir()
	raw := map[string]any{
		"data_dir": tmpDir,
		"logging":  map[string]any{"console": false, "level": "info"},
		"metrics":  map[string]any{"enabled": false},
	}
	for k, v := range extra {
		raw[k] = v
	}

	data, err := json.Marshal(raw)
	require.NoError(t, err)

	path := filepath.Join(tmpDir, "agentloop.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// useScriptedDaemon swaps the daemon factory for one that talks to svc
func useScriptedDaemon(t *testing.T, svc completion.Service) {
	t.Helper()

	original := newDaemon
	newDaemon = func(cfg *config.Config, log *logger.Logger, opts ...daemon.Option) (*daemon.Daemon, error) {
		echo := toolexecutor.Typed("echo", "Echo text back", func(ctx context.Context, args echoArgs) (any, error) {
			return args.Text, nil
		})
		opts = append(opts, daemon.WithCompletion(svc), daemon.WithTools(echo))
		return daemon.New(cfg, log, opts...)
	}
	t.Cleanup(func() { newDaemon = original })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := GetRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	t.Cleanup(func() {
		cmd.SetOut(nil)
		cmd.SetErr(nil)
		runWorkflowID = ""
		listStatus = ""
		historyRaw = false
		toolsSchema = false
	})

	err := cmd.Execute()
	return stdout.String(), err
}

func TestRunCommand(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "AIza-test-key")

	configPath := writeTestConfig(t, nil)
	svc := &scriptedCompletion{responses: []completion.Response{
		{Parts: []completion.Part{{FunctionCall: &completion.FunctionCall{Name: "echo", Args: map[string]any{"text": "hi"}}}}},
		{Parts: []completion.Part{{Text: "The tool said hi"}}},
	}}
	useScriptedDaemon(t, svc)

	const workflowID = "agentic-loop-id-cli"

	out, err := execute(t, "run", "--config", configPath, "--workflow-id", workflowID, "say", "hi")
	require.NoError(t, err)
	assert.Equal(t, "Result: The tool said hi\n", out)

	t.Run("re-running returns the recorded answer", func(t *testing.T) {
		out, err := execute(t, "run", "--config", configPath, "--workflow-id", workflowID, "say", "hi")
		require.NoError(t, err)
		assert.Equal(t, "Result: The tool said hi\n", out)
		assert.Equal(t, 2, svc.calls)
	})

	t.Run("resume", func(t *testing.T) {
		out, err := execute(t, "resume", "--config", configPath, workflowID)
		require.NoError(t, err)
		assert.Equal(t, "Result: The tool said hi\n", out)
	})

	t.Run("status", func(t *testing.T) {
		out, err := execute(t, "status", "--config", configPath, workflowID)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: completed")
		assert.Contains(t, out, "Result: The tool said hi")
		assert.Contains(t, out, "tool:echo")
	})

	t.Run("list", func(t *testing.T) {
		out, err := execute(t, "list", "--config", configPath, "--status", "completed")
		require.NoError(t, err)
		assert.Contains(t, out, workflowID)

		out, err = execute(t, "list", "--config", configPath, "--status", "failed")
		require.NoError(t, err)
		assert.Equal(t, "No workflows\n", out)

		_, err = execute(t, "list", "--config", configPath, "--status", "paused")
		assert.Error(t, err)
	})

	t.Run("history", func(t *testing.T) {
		out, err := execute(t, "history", "--config", configPath, workflowID)
		require.NoError(t, err)
		assert.Contains(t, out, "user: say hi")
		assert.Contains(t, out, `call echo {"text":"hi"}`)
		assert.Contains(t, out, `result echo "hi"`)
		assert.Contains(t, out, "model: The tool said hi")
	})
}

func TestRunCommand_Errors(t *testing.T) {
	t.Run("missing query", func(t *testing.T) {
		_, err := execute(t, "run")
		assert.Error(t, err)
	})

	t.Run("blank query", func(t *testing.T) {
		_, err := execute(t, "run", "--config", writeTestConfig(t, nil), "   ")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "query cannot be empty")
	})

	t.Run("missing credentials", func(t *testing.T) {
		for _, key := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
			t.Setenv(key, "")
		}

		_, err := execute(t, "run", "--config", writeTestConfig(t, nil), "where am I?")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agentloop configure")
	})
}

func TestStatusCommand_UnknownWorkflow(t *testing.T) {
	configPath := writeTestConfig(t, nil)

	_, err := execute(t, "status", "--config", configPath, "agentic-loop-id-missing")
	assert.Error(t, err)
}

func TestStatusCommand_WorkerStopped(t *testing.T) {
	out, err := execute(t, "status", "--config", writeTestConfig(t, nil))
	require.NoError(t, err)
	assert.Contains(t, out, "Worker: stopped")
}

func TestStopCommand_NotRunning(t *testing.T) {
	out, err := execute(t, "stop", "--config", writeTestConfig(t, nil))
	require.NoError(t, err)
	assert.Contains(t, out, "Worker is not running")
}

func TestToolsCommand(t *testing.T) {
	t.Run("default policy lists builtin tools", func(t *testing.T) {
		out, err := execute(t, "tools", "--config", writeTestConfig(t, nil))
		require.NoError(t, err)
		assert.Contains(t, out, "get_ip")
		assert.Contains(t, out, "get_location_info")
	})

	t.Run("deny list hides tools", func(t *testing.T) {
		configPath := writeTestConfig(t, map[string]any{
			"agent": map[string]any{"tools": map[string]any{"allow": []string{"*"}, "deny": []string{"get_ip"}}},
		})

		out, err := execute(t, "tools", "--config", configPath)
		require.NoError(t, err)
		assert.NotContains(t, out, "get_ip ")
		assert.Contains(t, out, "get_location_info")
	})

	t.Run("deny everything", func(t *testing.T) {
		configPath := writeTestConfig(t, map[string]any{
			"agent": map[string]any{"tools": map[string]any{"deny": []string{"*"}}},
		})

		out, err := execute(t, "tools", "--config", configPath)
		require.NoError(t, err)
		assert.Equal(t, "No tools allowed by the current policy\n", out)
	})
}
