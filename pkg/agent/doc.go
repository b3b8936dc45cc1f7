// Package agent runs the tool-invoking agent loop: it alternates between
// asking a completion service what to do next and dispatching the tool the
// model picked, until the model answers with plain text.
//
// Invariants:
// - Every completion call and every tool dispatch is a durable step, so a
//   resumed run replays finished steps instead of repeating them.
// - The conversation log is owned by one loop and only grows.
// - Only the first function call of a response is acted on.
//
// Usage:
//
//	loop, _ := agent.NewLoop(agent.Config{Completion: svc, Executor: exec})
//	wf, _ := agent.NewWorkflow(engine, loop)
//	answer, _ := wf.Run(ctx, "agentic-loop-id-1", "where am I?")
//	_ = answer
package agent
