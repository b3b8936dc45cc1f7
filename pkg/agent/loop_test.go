package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/commandqueue"
	"github.com/harun/agentloop/pkg/completion"
	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/durable"
	"github.com/harun/agentloop/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCompletion struct {
	mock.Mock
}

func (m *mockCompletion) Complete(ctx context.Context, request completion.Request) (completion.Response, error) {
	args := m.Called(ctx, request)
	return args.Get(0).(completion.Response), args.Error(1)
}

func (m *mockCompletion) Provider() string {
	return "mock"
}

type recordingSink struct {
	mu      sync.Mutex
	lengths []int
	ctxIDs  []string
}

func (s *recordingSink) SyncLog(ctx context.Context, workflowID string, log *conversation.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lengths = append(s.lengths, log.Len())
	s.ctxIDs = append(s.ctxIDs, tracing.GetWorkflowID(ctx))
	return nil
}

type harness struct {
	engine    *durable.Engine
	journal   *durable.MemoryJournal
	svc       *mockCompletion
	toolCalls *atomic.Int32
	loop      *Loop
	workflow  *Workflow
}

func newHarness(t *testing.T, configure func(cfg *Config)) *harness {
	t.Helper()

	toolCalls := &atomic.Int32{}
	registry := toolexecutor.NewRegistry()
	registry.MustRegister(toolexecutor.NoArgs("get_ip", "Get the public IP address", func(ctx context.Context) (any, error) {
		toolCalls.Add(1)
		return "19.199.198.200", nil
	}))
	executor, err := toolexecutor.New(toolexecutor.Config{Registry: registry})
	require.NoError(t, err)

	svc := &mockCompletion{}
	cfg := Config{
		Completion:  svc,
		Executor:    executor,
		StepTimeout: time.Second,
		Logger:      zerolog.Nop(),
	}
	if configure != nil {
		configure(&cfg)
	}
	loop, err := NewLoop(cfg)
	require.NoError(t, err)

	queue := commandqueue.New()
	t.Cleanup(func() { _ = queue.Close() })

	journal := durable.NewMemoryJournal()
	engine, err := durable.NewEngine(durable.Config{
		Journal: journal,
		Queue:   queue,
		Logger:  zerolog.Nop(),
		DefaultRetry: durable.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    time.Millisecond,
			BackoffCoefficient: 1,
		},
	})
	require.NoError(t, err)

	workflow, err := NewWorkflow(engine, loop)
	require.NoError(t, err)

	return &harness{
		engine:    engine,
		journal:   journal,
		svc:       svc,
		toolCalls: toolCalls,
		loop:      loop,
		workflow:  workflow,
	}
}

func textResponse(text string) completion.Response {
	return completion.Response{Parts: []completion.Part{{Text: text}}}
}

func callResponse(name string, args map[string]any) completion.Response {
	return completion.Response{Parts: []completion.Part{{FunctionCall: &completion.FunctionCall{Name: name, Args: args}}}}
}

func promptIs(prompt string) interface{} {
	return mock.MatchedBy(func(r completion.Request) bool { return r.Prompt == prompt })
}

func TestNewLoop(t *testing.T) {
	_, err := NewLoop(Config{})
	assert.Error(t, err)

	_, err = NewLoop(Config{Completion: &mockCompletion{}})
	assert.Error(t, err)

	executor, err := toolexecutor.New(toolexecutor.Config{Registry: toolexecutor.NewRegistry()})
	require.NoError(t, err)

	_, err = NewLoop(Config{Completion: &mockCompletion{}, Executor: executor, MaxIterations: -1})
	assert.Error(t, err)

	loop, err := NewLoop(Config{Completion: &mockCompletion{}, Executor: executor})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, loop.model)
	assert.Equal(t, DefaultStepTimeout, loop.stepOptions.Timeout)
}

const recursionAnswer = "Recursion is when a function calls itself on a smaller version of the problem."

func TestWorkflow_DirectAnswer(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.On("Complete", mock.Anything, mock.MatchedBy(func(r completion.Request) bool {
		return r.Prompt == "Tell me about recursion" && len(r.History) == 0 && r.Model == DefaultModel && len(r.Tools) == 1
	})).Return(textResponse(recursionAnswer), nil).Once()

	answer, err := h.workflow.Run(context.Background(), "wf-a", "Tell me about recursion")
	require.NoError(t, err)
	assert.Equal(t, recursionAnswer, answer)

	h.svc.AssertNumberOfCalls(t, "Complete", 1)
	assert.Zero(t, h.toolCalls.Load())
}

func TestWorkflow_ToolRoundTrip(t *testing.T) {
	sink := &recordingSink{}
	h := newHarness(t, func(cfg *Config) { cfg.Transcripts = sink })

	h.svc.On("Complete", mock.Anything, promptIs("What is my IP?")).
		Return(callResponse("get_ip", map[string]any{}), nil).Once()
	h.svc.On("Complete", mock.Anything, mock.MatchedBy(func(r completion.Request) bool {
		if r.Prompt != conversation.ContinuationPrompt || len(r.History) != 3 {
			return false
		}
		resp := r.History[2].Parts[0].FunctionResponse
		return resp != nil && resp.Name == "get_ip" && resp.Response["result"] == "19.199.198.200"
	})).Return(textResponse("Your IP is 19.199.198.200."), nil).Once()

	answer, err := h.workflow.Run(context.Background(), "wf-b", "What is my IP?")
	require.NoError(t, err)
	assert.Equal(t, "Your IP is 19.199.198.200.", answer)

	h.svc.AssertNumberOfCalls(t, "Complete", 2)
	assert.Equal(t, int32(1), h.toolCalls.Load())

	steps, err := h.journal.ListSteps(context.Background(), "wf-b")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "completion", steps[0].Name)
	assert.Equal(t, "tool:get_ip", steps[1].Name)
	assert.Equal(t, "completion", steps[2].Name)

	assert.Equal(t, []int{2, 3, 4}, sink.lengths)
	assert.Equal(t, []string{"wf-b", "wf-b", "wf-b"}, sink.ctxIDs)

	again, err := h.workflow.Run(context.Background(), "wf-b", "What is my IP?")
	require.NoError(t, err)
	assert.Equal(t, answer, again)
	h.svc.AssertNumberOfCalls(t, "Complete", 2)
}

func TestWorkflow_ResumeAfterFirstStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	input, err := json.Marshal(RunInput{Query: "What is my IP?"})
	require.NoError(t, err)
	first, err := json.Marshal(callResponse("get_ip", map[string]any{}))
	require.NoError(t, err)

	require.NoError(t, h.journal.CreateWorkflow(ctx, durable.WorkflowRecord{ID: "wf-r", Type: WorkflowType, Input: input}))
	require.NoError(t, h.journal.RecordStep(ctx, durable.StepRecord{
		WorkflowID: "wf-r", Seq: 1, Name: "completion", Status: durable.StepCompleted,
		Result: first, Attempts: 1, AttemptID: "seeded",
	}))

	h.svc.On("Complete", mock.Anything, promptIs(conversation.ContinuationPrompt)).
		Return(textResponse("Your IP is 19.199.198.200."), nil).Once()

	answer, err := h.workflow.Resume(ctx, "wf-r")
	require.NoError(t, err)
	assert.Equal(t, "Your IP is 19.199.198.200.", answer)

	h.svc.AssertNumberOfCalls(t, "Complete", 1)
	h.svc.AssertNotCalled(t, "Complete", mock.Anything, promptIs("What is my IP?"))
	assert.Equal(t, int32(1), h.toolCalls.Load())
}

func TestWorkflow_ReplayDecisionLogs(t *testing.T) {
	tests := []struct {
		name     string
		seeded   bool
		expected []string
		absent   []string
	}{
		{
			name:     "should log every decision on a fresh run",
			expected: []string{"Model made a tool call", "No tools chosen, responding with a message"},
		},
		{
			name:     "should skip decisions served from the journal",
			seeded:   true,
			expected: []string{"No tools chosen, responding with a message"},
			absent:   []string{"Model made a tool call"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			var buf bytes.Buffer
			h := newHarness(t, func(cfg *Config) { cfg.Logger = zerolog.New(&buf) })

			if tt.seeded {
				input, err := json.Marshal(RunInput{Query: "What is my IP?"})
				require.NoError(t, err)
				require.NoError(t, h.journal.CreateWorkflow(ctx, durable.WorkflowRecord{ID: "wf-log", Type: WorkflowType, Input: input}))
				first, err := json.Marshal(callResponse("get_ip", map[string]any{}))
				require.NoError(t, err)
				require.NoError(t, h.journal.RecordStep(ctx, durable.StepRecord{
					WorkflowID: "wf-log", Seq: 1, Name: "completion", Status: durable.StepCompleted,
					Result: first, Attempts: 1, AttemptID: "seeded",
				}))
			} else {
				h.svc.On("Complete", mock.Anything, promptIs("What is my IP?")).
					Return(callResponse("get_ip", map[string]any{}), nil).Once()
			}
			h.svc.On("Complete", mock.Anything, promptIs(conversation.ContinuationPrompt)).
				Return(textResponse("Your IP is 19.199.198.200."), nil).Once()

			_, err := h.workflow.Run(ctx, "wf-log", "What is my IP?")
			require.NoError(t, err)

			for _, msg := range tt.expected {
				assert.Equal(t, 1, strings.Count(buf.String(), msg), msg)
			}
			for _, msg := range tt.absent {
				assert.NotContains(t, buf.String(), msg)
			}
		})
	}
}

func TestWorkflow_UnknownTool(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.On("Complete", mock.Anything, mock.Anything).
		Return(callResponse("launch_rockets", map[string]any{"count": 3}), nil).Once()

	_, err := h.workflow.Run(context.Background(), "wf-nf", "go")
	require.Error(t, err)

	var wfErr *durable.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, "ToolNotFound", wfErr.Type)
	assert.True(t, toolexecutor.IsKind(err, toolexecutor.KindToolNotFound))

	steps, err := h.journal.ListSteps(context.Background(), "wf-nf")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[1].Attempts)
	assert.Equal(t, durable.StepFailed, steps[1].Status)
	h.svc.AssertNumberOfCalls(t, "Complete", 1)
}

func TestWorkflow_MaxIterations(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxIterations = 2 })
	h.svc.On("Complete", mock.Anything, mock.Anything).
		Return(callResponse("get_ip", map[string]any{}), nil)

	_, err := h.workflow.Run(context.Background(), "wf-max", "loop forever")
	require.ErrorIs(t, err, ErrMaxIterations)

	h.svc.AssertNumberOfCalls(t, "Complete", 2)
	assert.Equal(t, int32(2), h.toolCalls.Load())

	rec, err := h.journal.GetWorkflow(context.Background(), "wf-max")
	require.NoError(t, err)
	assert.Equal(t, "MaxIterationsExceeded", rec.ErrorType)
}

func TestWorkflow_MalformedResponse(t *testing.T) {
	t.Run("should retry a response without content", func(t *testing.T) {
		h := newHarness(t, nil)
		h.svc.On("Complete", mock.Anything, mock.Anything).Return(completion.Response{}, nil).Once()
		h.svc.On("Complete", mock.Anything, mock.Anything).Return(textResponse("ok"), nil).Once()

		answer, err := h.workflow.Run(context.Background(), "wf-m", "hi")
		require.NoError(t, err)
		assert.Equal(t, "ok", answer)
		h.svc.AssertNumberOfCalls(t, "Complete", 2)
	})

	t.Run("should fail once retries are exhausted", func(t *testing.T) {
		h := newHarness(t, nil)
		h.svc.On("Complete", mock.Anything, mock.Anything).Return(completion.Response{}, nil)

		_, err := h.workflow.Run(context.Background(), "wf-mx", "hi")
		require.ErrorIs(t, err, ErrMalformedResponse)

		var wfErr *durable.WorkflowError
		require.ErrorAs(t, err, &wfErr)
		assert.Equal(t, "MalformedCompletionResponse", wfErr.Type)
		h.svc.AssertNumberOfCalls(t, "Complete", 3)
	})
}

func TestWorkflow_EmptyProviderChoices(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[]}`)
	}))
	defer server.Close()

	svc := completion.NewOpenAIService(completion.ProviderConfig{APIKey: "sk-test", BaseURL: server.URL})
	h := newHarness(t, func(cfg *Config) { cfg.Completion = svc })

	_, err := h.workflow.Run(context.Background(), "wf-empty", "What is my IP?")
	require.ErrorIs(t, err, ErrMalformedResponse)

	var wfErr *durable.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, "MalformedCompletionResponse", wfErr.Type)
	assert.Equal(t, int32(3), requests.Load())
	assert.Zero(t, h.toolCalls.Load())
}

func TestLoop_RunFrom(t *testing.T) {
	h := newHarness(t, nil)

	snapshots := map[string]*conversation.Log{}
	require.NoError(t, h.engine.RegisterWorkflow("Snapshot", func(wf *durable.Workflow, input json.RawMessage) (any, error) {
		return h.loop.RunFrom(wf, snapshots[wf.ID()])
	}))

	t.Run("should return a finished answer without calling anything", func(t *testing.T) {
		log, err := conversation.NewLogFromTurns([]conversation.Turn{
			conversation.UserMessage{Content: "hi"},
			conversation.ModelMessage{Content: "done"},
		})
		require.NoError(t, err)
		snapshots["done"] = log

		out, err := h.engine.Execute(context.Background(), "Snapshot", "done", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `"done"`, string(out))
		h.svc.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	})

	t.Run("should dispatch a pending call first", func(t *testing.T) {
		log, err := conversation.NewLogFromTurns([]conversation.Turn{
			conversation.UserMessage{Content: "What is my IP?"},
			conversation.ToolCall{Name: "get_ip", CallID: "get_ip", Arguments: map[string]any{}},
		})
		require.NoError(t, err)
		snapshots["pending"] = log

		h.svc.On("Complete", mock.Anything, promptIs(conversation.ContinuationPrompt)).
			Return(textResponse("19.199.198.200"), nil).Once()

		out, err := h.engine.Execute(context.Background(), "Snapshot", "pending", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `"19.199.198.200"`, string(out))
		assert.Equal(t, int32(1), h.toolCalls.Load())
		assert.Equal(t, 4, log.Len())
	})
}
