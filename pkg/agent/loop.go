package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/completion"
	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/durable"
	"github.com/harun/agentloop/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultModel is the model asked when none is configured
	DefaultModel = "gemini-2.0-flash-exp"

	// DefaultInstructions are the system instructions sent with every call
	DefaultInstructions = "You are a helpful agent. Use the tools you are given when they help " +
		"answer the user, and answer in plain text once you have what you need."

	// DefaultStepTimeout bounds one attempt of a completion or tool step
	DefaultStepTimeout = 30 * time.Second

	completionStep = "completion"
	toolStepPrefix = "tool:"
)

// State is the position of the loop in its state machine.
type State int

const (
	AwaitingCompletion State = iota
	AwaitingTool
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingCompletion:
		return "awaiting_completion"
	case AwaitingTool:
		return "awaiting_tool"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TranscriptSink receives the conversation log after every change.
// Implementations must tolerate being handed the same log more than once.
type TranscriptSink interface {
	SyncLog(ctx context.Context, workflowID string, log *conversation.Log) error
}

// Config holds loop configuration
type Config struct {
	Completion   completion.Service
	Executor     *toolexecutor.Executor
	Model        string
	Instructions string

	// StepTimeout bounds each attempt of a step. Zero means DefaultStepTimeout.
	StepTimeout time.Duration

	// MaxIterations caps the number of completion calls per run. Zero leaves
	// the loop unbounded.
	MaxIterations int

	// Retry overrides the engine's retry policy for loop steps when set.
	Retry durable.RetryPolicy

	Transcripts TranscriptSink
	Logger      zerolog.Logger
}

// Loop drives one conversation at a time per workflow. A Loop holds no
// per-run state and can serve many workflows concurrently.
type Loop struct {
	completion    completion.Service
	executor      *toolexecutor.Executor
	model         string
	instructions  string
	stepOptions   durable.StepOptions
	maxIterations int
	transcripts   TranscriptSink
	logger        zerolog.Logger
}

// NewLoop creates a new agent loop
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Completion == nil {
		return nil, fmt.Errorf("completion service is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.MaxIterations < 0 {
		return nil, fmt.Errorf("max iterations cannot be negative")
	}
	if cfg.StepTimeout < 0 {
		return nil, fmt.Errorf("step timeout cannot be negative")
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	instructions := cfg.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}
	timeout := cfg.StepTimeout
	if timeout == 0 {
		timeout = DefaultStepTimeout
	}

	return &Loop{
		completion:    cfg.Completion,
		executor:      cfg.Executor,
		model:         model,
		instructions:  instructions,
		stepOptions:   durable.StepOptions{Timeout: timeout, Retry: cfg.Retry},
		maxIterations: cfg.MaxIterations,
		transcripts:   cfg.Transcripts,
		logger:        cfg.Logger,
	}, nil
}

// Run starts a conversation from the user's input and drives it to a final
// answer.
func (l *Loop) Run(wf *durable.Workflow, input string) (string, error) {
	return l.RunFrom(wf, conversation.NewLog(input))
}

// RunFrom continues the conversation held in log. The starting state is
// derived from the last turn: a pending tool call is dispatched first, a
// model message means the run already ended.
func (l *Loop) RunFrom(wf *durable.Workflow, log *conversation.Log) (string, error) {
	if log == nil || log.Len() == 0 {
		return "", conversation.ErrEmptyLog
	}

	logger := tracing.LoggerFromContext(wf.Context(), l.logger)
	state, answer := initialState(log)
	iterations := 0

	for {
		switch state {
		case Terminated:
			return answer, nil

		case AwaitingCompletion:
			if l.maxIterations > 0 && iterations >= l.maxIterations {
				logger.Warn().Int("max_iterations", l.maxIterations).Msg("Agent loop hit its iteration limit")
				return "", fmt.Errorf("%w: %d completion calls without an answer", ErrMaxIterations, iterations)
			}
			iterations++

			decision, err := l.complete(wf, log, logger)
			if err != nil {
				return "", err
			}

			switch d := decision.(type) {
			case FinalAnswer:
				if !wf.Replaying() {
					logger.Info().Msg("No tools chosen, responding with a message")
				}
				if err := l.append(wf, log, conversation.ModelMessage{Content: d.Text}); err != nil {
					return "", err
				}
				state, answer = Terminated, d.Text
			case FunctionCall:
				if !wf.Replaying() {
					logger.Info().Str("tool", d.Name).Msg("Model made a tool call")
				}
				call := conversation.ToolCall{Name: d.Name, CallID: d.CallID, Arguments: d.Arguments}
				if err := l.append(wf, log, call); err != nil {
					return "", err
				}
				state = AwaitingTool
			default:
				return "", fmt.Errorf("unknown decision %T", decision)
			}

		case AwaitingTool:
			call, ok := log.PendingCall()
			if !ok {
				return "", fmt.Errorf("%w: no pending tool call", conversation.ErrOutOfOrder)
			}

			output, err := l.dispatch(wf, call, logger)
			if err != nil {
				return "", err
			}
			if err := l.append(wf, log, conversation.ToolResult{CallID: call.CallID, Output: output}); err != nil {
				return "", err
			}
			state = AwaitingCompletion
		}
	}
}

func initialState(log *conversation.Log) (State, string) {
	last, _ := log.Last()
	switch t := last.(type) {
	case conversation.ToolCall:
		return AwaitingTool, ""
	case conversation.ModelMessage:
		return Terminated, t.Content
	default:
		return AwaitingCompletion, ""
	}
}

// complete runs one completion step and interprets its response.
func (l *Loop) complete(wf *durable.Workflow, log *conversation.Log, logger zerolog.Logger) (Decision, error) {
	history, prompt, err := conversation.Encode(log)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation: %w", err)
	}

	request := completion.Request{
		Model:        l.model,
		Instructions: l.instructions,
		History:      history,
		Prompt:       prompt,
		Tools:        l.executor.Catalogue(),
	}

	resp, err := durable.ExecuteStep(wf, completionStep, l.stepOptions, func(ctx context.Context) (completion.Response, error) {
		return l.callCompletion(ctx, request)
	})
	if err != nil {
		return nil, fmt.Errorf("completion step failed: %w", err)
	}

	return interpret(resp, logger)
}

func (l *Loop) callCompletion(ctx context.Context, request completion.Request) (resp completion.Response, err error) {
	provider := l.completion.Provider()
	ctx, span := tracing.StartSpan(ctx, "agentloop.agent", "agent.completion",
		attribute.String("provider", provider),
		attribute.String("model", request.Model),
		attribute.Int("history_len", len(request.History)),
	)
	startTime := time.Now()
	defer func() {
		observability.RecordCompletion(provider, time.Since(startTime), err == nil)
		tracing.EndSpan(span, err)
	}()

	resp, err = l.completion.Complete(ctx, request)
	if err != nil {
		return completion.Response{}, err
	}
	if resp.Parts == nil {
		return completion.Response{}, ErrMalformedResponse
	}
	return resp, nil
}

// dispatch runs one tool step for the pending call.
func (l *Loop) dispatch(wf *durable.Workflow, call conversation.ToolCall, logger zerolog.Logger) (any, error) {
	args := toolexecutor.ToolArguments{ToolName: call.Name, Args: call.Arguments}

	output, err := durable.ExecuteStep(wf, toolStepPrefix+call.Name, l.stepOptions, func(ctx context.Context) (any, error) {
		return l.executor.Dispatch(ctx, args)
	})
	if err != nil {
		return nil, fmt.Errorf("tool step %s failed: %w", call.Name, err)
	}

	logger.Debug().
		Str("tool", call.Name).
		Interface("args", call.Arguments).
		Interface("result", output).
		Msg("Tool result received")
	return output, nil
}

func (l *Loop) append(wf *durable.Workflow, log *conversation.Log, turn conversation.Turn) error {
	if err := log.Append(turn); err != nil {
		return err
	}
	if l.transcripts == nil {
		return nil
	}
	if err := l.transcripts.SyncLog(wf.Context(), wf.ID(), log); err != nil {
		// Transcripts are a side record; the journal remains authoritative.
		logger := tracing.LoggerFromContext(wf.Context(), l.logger)
		logger.Warn().Err(err).Msg("Failed to write transcript")
	}
	return nil
}
