// Package durable runs workflows as journaled sequences of steps so they can
// resume after a crash without repeating completed work.
//
// Invariants:
// - Steps are numbered in call order; a journaled step is never executed again.
// - Replayed steps return exactly the value or failure that was journaled.
// - Executions of one workflow ID are serialized within a process.
// - A cancelled execution leaves the workflow running and resumable.
//
// Usage:
//
//	journal, _ := durable.OpenSQLiteJournal(durable.SQLiteConfig{Path: "/data/workflows.db"})
//	engine, _ := durable.NewEngine(durable.Config{Journal: journal, Queue: commandqueue.New()})
//	_ = engine.RegisterWorkflow("Greeting", func(wf *durable.Workflow, input json.RawMessage) (any, error) {
//		return durable.ExecuteStep(wf, "greet", durable.StepOptions{Timeout: time.Second},
//			func(ctx context.Context) (string, error) { return "hello", nil })
//	})
//	out, err := engine.Execute(ctx, "Greeting", "greeting-1", nil)
package durable
