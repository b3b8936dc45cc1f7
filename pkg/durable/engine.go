package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/commandqueue"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WorkflowFunc is the body of a workflow. It must be deterministic with
// respect to its input and step results: every side effect goes through
// ExecuteStep.
type WorkflowFunc func(wf *Workflow, input json.RawMessage) (any, error)

// Config holds engine configuration
type Config struct {
	Journal Journal
	Queue   *commandqueue.CommandQueue
	Logger  zerolog.Logger
	// DefaultRetry applies to steps that do not set their own policy.
	DefaultRetry RetryPolicy
	// TaskQueue is recorded on workflows started by this engine.
	TaskQueue string
	// QueueWarnAfter logs when an execution waits behind another execution
	// of the same workflow for longer than this.
	QueueWarnAfter time.Duration
}

// Engine starts, resumes and replays registered workflows.
type Engine struct {
	journal        Journal
	queue          *commandqueue.CommandQueue
	logger         zerolog.Logger
	retry          RetryPolicy
	taskQueue      string
	queueWarnAfter time.Duration

	mu        sync.RWMutex
	workflows map[string]WorkflowFunc

	activeMu sync.Mutex
	active   map[string]struct{}
}

// NewEngine creates a new engine
func NewEngine(cfg Config) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Journal == nil {
		return nil, errors.New("journal is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("command queue is required")
	}

	retry := cfg.DefaultRetry
	if retry.IsZero() {
		retry = DefaultRetryPolicy()
	}

	return &Engine{
		journal:        cfg.Journal,
		queue:          cfg.Queue,
		logger:         cfg.Logger,
		retry:          retry.normalize(),
		taskQueue:      cfg.TaskQueue,
		queueWarnAfter: cfg.QueueWarnAfter,
		workflows:      make(map[string]WorkflowFunc),
		active:         make(map[string]struct{}),
	}, nil
}

// RegisterWorkflow makes a workflow type executable
func (e *Engine) RegisterWorkflow(name string, fn WorkflowFunc) error {
	if name == "" {
		return errors.New("workflow name cannot be empty")
	}
	if fn == nil {
		return errors.New("workflow function cannot be nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.workflows[name]; exists {
		return fmt.Errorf("workflow %s is already registered", name)
	}
	e.workflows[name] = fn
	return nil
}

func laneFor(workflowID string) string {
	return "workflow:" + workflowID
}

// Execute starts the workflow or continues it if it already exists. A
// completed workflow returns its journaled output and a failed one its
// journaled failure, without running again. For an existing running
// workflow the journaled input is used and input is ignored.
func (e *Engine) Execute(ctx context.Context, workflowType, workflowID string, input any) (json.RawMessage, error) {
	if workflowID == "" {
		return nil, errors.New("workflow ID is required")
	}
	if _, ok := e.lookup(workflowType); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflowType, workflowType)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow input: %w", err)
	}

	return e.enqueue(ctx, workflowID, func(ctx context.Context) (json.RawMessage, error) {
		return e.run(ctx, workflowType, workflowID, raw)
	})
}

// Resume continues an existing workflow from its journal.
func (e *Engine) Resume(ctx context.Context, workflowID string) (json.RawMessage, error) {
	return e.enqueue(ctx, workflowID, func(ctx context.Context) (json.RawMessage, error) {
		return e.run(ctx, "", workflowID, nil)
	})
}

func (e *Engine) enqueue(ctx context.Context, workflowID string, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	var opts *commandqueue.TaskOptions
	if e.queueWarnAfter > 0 {
		opts = &commandqueue.TaskOptions{WarnAfter: e.queueWarnAfter}
	}

	result, err := e.queue.EnqueueWithContext(ctx, laneFor(workflowID), func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	}, opts)
	if err != nil {
		return nil, err
	}
	out, _ := result.(json.RawMessage)
	return out, nil
}

// IsRunning reports whether the workflow is executing or queued in this process
func (e *Engine) IsRunning(workflowID string) bool {
	e.activeMu.Lock()
	_, active := e.active[workflowID]
	e.activeMu.Unlock()

	return active || e.queue.IsBusy(laneFor(workflowID))
}

// Describe returns a workflow and its journaled steps
func (e *Engine) Describe(ctx context.Context, workflowID string) (WorkflowRecord, []StepRecord, error) {
	rec, err := e.journal.GetWorkflow(ctx, workflowID)
	if err != nil {
		return WorkflowRecord{}, nil, err
	}
	steps, err := e.journal.ListSteps(ctx, workflowID)
	if err != nil {
		return WorkflowRecord{}, nil, err
	}
	return rec, steps, nil
}

// List returns workflows with the given status, or all when status is empty
func (e *Engine) List(ctx context.Context, status WorkflowStatus) ([]WorkflowRecord, error) {
	return e.journal.ListWorkflows(ctx, status)
}

func (e *Engine) lookup(workflowType string) (WorkflowFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	fn, ok := e.workflows[workflowType]
	return fn, ok
}

func (e *Engine) markActive(workflowID string) func() {
	e.activeMu.Lock()
	e.active[workflowID] = struct{}{}
	observability.SetActiveWorkflows(len(e.active))
	e.activeMu.Unlock()

	return func() {
		e.activeMu.Lock()
		delete(e.active, workflowID)
		observability.SetActiveWorkflows(len(e.active))
		e.activeMu.Unlock()
	}
}

// run executes one attempt of a workflow; callers serialize it per ID.
func (e *Engine) run(ctx context.Context, workflowType, workflowID string, input json.RawMessage) (json.RawMessage, error) {
	ctx = tracing.NewWorkflowRunContext(ctx, workflowID)
	logger := tracing.LoggerFromContext(ctx, e.logger)

	rec, err := e.journal.GetWorkflow(ctx, workflowID)
	switch {
	case errors.Is(err, ErrWorkflowNotFound):
		if workflowType == "" {
			return nil, err
		}
		rec = WorkflowRecord{
			ID:        workflowID,
			Type:      workflowType,
			TaskQueue: e.taskQueue,
			Input:     input,
			Status:    StatusRunning,
		}
		if err := e.journal.CreateWorkflow(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to start workflow: %w", err)
		}
		logger.Info().Str("workflow_type", workflowType).Msg("Workflow started")
		observability.RecordWorkflowAudit(ctx, "workflow_started", workflowID, "success", map[string]interface{}{
			"type": workflowType,
		})
	case err != nil:
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	case workflowType != "" && rec.Type != workflowType:
		return nil, fmt.Errorf("workflow %s has type %s, not %s", workflowID, rec.Type, workflowType)
	}

	switch rec.Status {
	case StatusCompleted:
		logger.Debug().Msg("Workflow already completed, returning journaled output")
		return rec.Output, nil
	case StatusFailed:
		logger.Debug().Msg("Workflow already failed, returning journaled failure")
		return nil, &WorkflowError{WorkflowID: workflowID, Type: rec.ErrorType, Message: rec.Error}
	}

	fn, ok := e.lookup(rec.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflowType, rec.Type)
	}

	ctx, span := tracing.StartSpan(ctx, "agentloop.durable", "durable.workflow",
		attribute.String("workflow_id", workflowID),
		attribute.String("workflow_type", rec.Type),
	)

	defer e.markActive(workflowID)()

	wf := &Workflow{
		id:        workflowID,
		typ:       rec.Type,
		ctx:       ctx,
		journal:   e.journal,
		logger:    logger,
		retry:     e.retry,
		replaying: true,
	}

	startTime := time.Now()
	output, runErr := invokeWorkflow(fn, wf, rec.Input)
	duration := time.Since(startTime)

	if runErr != nil {
		var je *journalError
		if ctx.Err() != nil || errors.As(runErr, &je) {
			tracing.EndSpan(span, runErr)
			logger.Warn().Err(runErr).Msg("Workflow interrupted, it can be resumed")
			observability.RecordWorkflowRun(rec.Type, duration, "interrupted")
			return nil, runErr
		}
		return nil, e.fail(ctx, span, logger, rec, duration, runErr)
	}

	data, err := json.Marshal(output)
	if err != nil {
		return nil, e.fail(ctx, span, logger, rec, duration, &encodingError{step: "output", err: err})
	}

	if err := e.journal.CompleteWorkflow(context.WithoutCancel(ctx), workflowID, data); err != nil {
		tracing.EndSpan(span, err)
		return nil, fmt.Errorf("failed to complete workflow: %w", err)
	}

	tracing.EndSpan(span, nil)
	logger.Info().Dur("duration", duration).Msg("Workflow completed")
	observability.RecordWorkflowRun(rec.Type, duration, string(StatusCompleted))
	observability.RecordWorkflowAudit(ctx, "workflow_completed", workflowID, "success", nil)

	return data, nil
}

// fail journals a terminal workflow failure and returns it as a WorkflowError.
func (e *Engine) fail(ctx context.Context, span trace.Span, logger zerolog.Logger, rec WorkflowRecord, duration time.Duration, runErr error) error {
	wfErr := &WorkflowError{
		WorkflowID: rec.ID,
		Type:       ErrorTypeOf(runErr),
		Message:    runErr.Error(),
		cause:      runErr,
	}
	tracing.EndSpan(span, wfErr)

	if err := e.journal.FailWorkflow(context.WithoutCancel(ctx), rec.ID, wfErr.Type, wfErr.Message); err != nil {
		return fmt.Errorf("failed to record workflow failure: %w", err)
	}

	logger.Error().
		Err(runErr).
		Str("error_type", wfErr.Type).
		Dur("duration", duration).
		Msg("Workflow failed")
	observability.RecordWorkflowRun(rec.Type, duration, string(StatusFailed))
	observability.RecordWorkflowAudit(ctx, "workflow_failed", rec.ID, "failure", map[string]interface{}{
		"error_type": wfErr.Type,
		"error":      wfErr.Message,
	})

	return wfErr
}

func invokeWorkflow(fn WorkflowFunc, wf *Workflow, input json.RawMessage) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
		}
	}()
	return fn(wf, input)
}
