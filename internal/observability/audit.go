package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/harun/agentloop/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event types
const (
	AuditTypeTool     = "tool"
	AuditTypeWorkflow = "workflow"
	AuditTypeConfig   = "config"
)

// Audit statuses
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Type      string
	Timestamp time.Time
	Actor     string // workflow ID, or the component for config events
	Action    string // e.g. "dispatch:get_ip", "workflow_completed"
	Status    string
	Step      string
	Metadata  map[string]interface{}
	TraceID   string
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var (
	auditOnce sync.Once
	auditInst *AuditLogger
)

func stderrAudit() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// GetAuditLogger returns the process audit logger. It writes to stderr
// until InitAuditLogger or SetOutput redirects it.
func GetAuditLogger() *AuditLogger {
	auditOnce.Do(func() {
		auditInst = &AuditLogger{logger: stderrAudit()}
	})
	return auditInst
}

// InitAuditLogger points the audit logger at an append-only file.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	GetAuditLogger().redirect(file, file)
	return nil
}

// SetOutput redirects the audit logger to w.
func SetOutput(w io.Writer) {
	GetAuditLogger().redirect(w, nil)
}

func (a *AuditLogger) redirect(w io.Writer, closer io.Closer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closer != nil {
		_ = a.closer.Close()
	}
	a.logger = zerolog.New(w).With().Timestamp().Logger()
	a.closer = closer
}

// Record writes event and mirrors it as an event on the active span.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Step == "" {
		event.Step = tracing.GetStep(ctx)
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	} else if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("at", event.Timestamp).
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.Step != "" {
		entry = entry.Str("step", event.Step)
	}
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// Close closes the audit file, if any, and falls back to stderr.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	a.logger = stderrAudit()
	return err
}

// RecordToolAudit logs one tool dispatch made on behalf of workflowID.
func RecordToolAudit(ctx context.Context, toolName, workflowID, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditTypeTool,
		Actor:    workflowID,
		Action:   "dispatch:" + toolName,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordWorkflowAudit logs a workflow lifecycle transition.
func RecordWorkflowAudit(ctx context.Context, action, workflowID, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditTypeWorkflow,
		Actor:    workflowID,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditTypeConfig,
		Actor:    actor,
		Action:   action,
		Status:   AuditSuccess,
		Metadata: metadata,
	})
}
