// Package commandqueue serializes work per named lane. The workflow engine
// runs every execution of a workflow in the lane "workflow:<id>", so two
// callers that run or resume the same workflow never interleave steps.
//
// Invariants:
// - Tasks in one lane run one at a time, in the order they were enqueued.
// - Different lanes run concurrently.
// - A lane is dropped once it is idle, unless it was given a concurrency.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	out, err := queue.EnqueueWithContext(ctx, "workflow:agentic-loop-id-1", func(ctx context.Context) (interface{}, error) {
//		return engine.runOnce(ctx)
//	}, nil)
package commandqueue
