// Package toolexecutor registers tools and dispatches model tool calls to them.
//
// Invariants:
// - Tool names are unique within a Registry.
// - Arguments are schema-validated and coerced before a tool is invoked.
// - Dispatch invokes a tool at most once and never retries.
// - Unknown or policy-denied tools are reported as non-retryable failures.
//
// Usage:
//
//	type echoArgs struct {
//		Text string `json:"text" jsonschema:"text to echo back"`
//	}
//
//	registry := toolexecutor.NewRegistry()
//	registry.MustRegister(toolexecutor.Typed("echo", "Echo input",
//		func(ctx context.Context, args echoArgs) (any, error) { return args.Text, nil }))
//
//	exec, _ := toolexecutor.New(toolexecutor.Config{Registry: registry})
//	out, err := exec.Dispatch(ctx, toolexecutor.ToolArguments{
//		ToolName: "echo",
//		Args:     map[string]any{"text": "hi"},
//	})
package toolexecutor
