package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// WorkflowIDKey is the context key for the durable workflow ID
	WorkflowIDKey ContextKey = "workflow_id"
	// RunIDKey is the context key for one execution attempt of a workflow
	RunIDKey ContextKey = "run_id"
	// StepKey is the context key for the durable step name
	StepKey ContextKey = "step"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	WorkflowID string
	RunID      string
	Step       string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithWorkflowID adds a workflow ID to the context
func WithWorkflowID(ctx context.Context, workflowID string) context.Context {
	return context.WithValue(ctx, WorkflowIDKey, workflowID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithStep adds a step name to the context
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, StepKey, step)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetWorkflowID retrieves the workflow ID from the context
func GetWorkflowID(ctx context.Context) string {
	return stringValue(ctx, WorkflowIDKey)
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	return stringValue(ctx, RunIDKey)
}

// GetStep retrieves the step name from the context
func GetStep(ctx context.Context) string {
	return stringValue(ctx, StepKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		WorkflowID: GetWorkflowID(ctx),
		RunID:      GetRunID(ctx),
		Step:       GetStep(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.WorkflowID != "" {
		ctx = WithWorkflowID(ctx, tc.WorkflowID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.Step != "" {
		ctx = WithStep(ctx, tc.Step)
	}
	return ctx
}

// NewWorkflowRunContext starts a new execution of a workflow. The trace ID
// is kept when present so resumed runs stay correlated with their caller.
func NewWorkflowRunContext(ctx context.Context, workflowID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithWorkflowID(ctx, workflowID)
	return WithRunID(ctx, NewRunID())
}

// LoggerFromContext adds tracing fields from ctx to a zerolog logger
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.WorkflowID != "" {
		lc = lc.Str("workflow_id", tc.WorkflowID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.Step != "" {
		lc = lc.Str("step", tc.Step)
	}
	return lc.Logger()
}
