package toolexecutor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/completion"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// maxOutputSize bounds string outputs handed back to the model.
const maxOutputSize = 10 * 1024

// ToolArguments is a single dispatch request built from a model decision.
type ToolArguments struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
}

// Config configures an Executor
type Config struct {
	Registry *Registry
	// Policy restricts the tools exposed and callable. Nil allows all.
	Policy *ToolPolicy
}

// Executor dispatches tool calls against a registry
type Executor struct {
	registry *Registry
	policy   atomic.Pointer[ToolPolicy]
}

// New creates a new Executor
func New(cfg Config) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	e := &Executor{registry: cfg.Registry}
	e.SetPolicy(cfg.Policy)

	log.Info().Int("tools", cfg.Registry.Len()).Msg("Tool executor initialized")

	return e, nil
}

// SetPolicy replaces the active tool policy. Safe to call while dispatching.
func (e *Executor) SetPolicy(policy *ToolPolicy) {
	logPolicyWarnings(policy, e.registry.Names())
	e.policy.Store(policy)
}

// Policy returns the active tool policy
func (e *Executor) Policy() *ToolPolicy {
	return e.policy.Load()
}

// Catalogue returns the schemas of the tools the policy allows, in
// registration order.
func (e *Executor) Catalogue() []completion.ToolSchema {
	policy := e.Policy()
	all := e.registry.Catalogue()

	catalogue := make([]completion.ToolSchema, 0, len(all))
	for _, schema := range all {
		if policy.IsToolAllowed(schema.Name) {
			catalogue = append(catalogue, schema)
		}
	}
	return catalogue
}

// Names returns the names of the tools the policy allows.
func (e *Executor) Names() []string {
	return FilterToolsByPolicy(e.registry.Names(), e.Policy())
}

// Dispatch validates the arguments of a call and invokes the named tool once.
// Every failure is a *ToolError.
func (e *Executor) Dispatch(ctx context.Context, call ToolArguments) (result any, err error) {
	startTime := time.Now()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	ctx, span := tracing.StartSpan(ctx, "agentloop.toolexecutor", "toolexecutor.dispatch",
		attribute.String("tool", call.ToolName),
		attribute.String("workflow_id", tracing.GetWorkflowID(ctx)),
	)
	defer func() {
		e.record(ctx, call.ToolName, time.Since(startTime), err)
		tracing.EndSpan(span, err)
	}()

	if !e.Policy().IsToolAllowed(call.ToolName) {
		logger.Warn().Str("tool", call.ToolName).Msg("Tool dispatch blocked by policy")
		return nil, &ToolError{Kind: KindToolNotFound, Tool: call.ToolName}
	}

	tool, ok := e.registry.Get(call.ToolName)
	if !ok {
		logger.Error().Str("tool", call.ToolName).Msg("Tool not found")
		return nil, &ToolError{Kind: KindToolNotFound, Tool: call.ToolName}
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}

	if err := validateArguments(tool.schema, args); err != nil {
		logger.Error().Str("tool", tool.Name).Err(err).Msg("Argument validation failed")
		return nil, &ToolError{Kind: KindArgumentValidation, Tool: tool.Name, Err: err}
	}

	invoke, err := tool.bind(args)
	if err != nil {
		logger.Error().Str("tool", tool.Name).Err(err).Msg("Argument coercion failed")
		return nil, &ToolError{Kind: KindArgumentValidation, Tool: tool.Name, Err: err}
	}

	logger.Info().Str("tool", tool.Name).Interface("args", args).Msg("Dispatching tool")

	output, err := run(ctx, invoke)
	if err != nil {
		logger.Error().
			Str("tool", tool.Name).
			Dur("duration", time.Since(startTime)).
			Err(err).
			Msg("Tool execution failed")
		return nil, &ToolError{Kind: KindExecutionFailure, Tool: tool.Name, Err: err}
	}

	output, truncated := truncateOutput(output)

	logger.Info().
		Str("tool", tool.Name).
		Dur("duration", time.Since(startTime)).
		Bool("truncated", truncated).
		Interface("result", output).
		Msg("Tool execution completed")

	return output, nil
}

// run invokes a bound call, returning early if ctx ends first.
func run(ctx context.Context, invoke boundCall) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		value, err := invoke(ctx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("tool execution interrupted: %w", ctx.Err())
	}
}

func (e *Executor) record(ctx context.Context, tool string, duration time.Duration, err error) {
	kind := ""
	status := "success"
	metadata := map[string]interface{}{"duration_ms": duration.Milliseconds()}

	if err != nil {
		kind = string(KindExecutionFailure)
		if te, ok := err.(*ToolError); ok {
			kind = string(te.Kind)
		}
		status = "failure"
		metadata["error"] = err.Error()
	}

	observability.RecordToolDispatch(tool, duration, kind)
	observability.RecordToolAudit(ctx, tool, tracing.GetWorkflowID(ctx), status, metadata)
}

// truncateOutput truncates string output if it exceeds the size limit
func truncateOutput(output any) (any, bool) {
	str, ok := output.(string)
	if !ok || len(str) <= maxOutputSize {
		return output, false
	}

	log.Warn().
		Int("original", len(str)).
		Int("truncated", maxOutputSize).
		Msg("Output truncated")

	return str[:maxOutputSize] + "\n... [output truncated]", true
}
