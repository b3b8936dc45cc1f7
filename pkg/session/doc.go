// Package session persists agent conversation transcripts as JSONL files, one
// file per workflow.
//
// Invariants:
// - Transcript keys are workflow IDs and must be path-safe.
// - Writes for the same workflow are serialized.
// - SyncLog only appends turns that are not on disk yet, so replaying a
//   workflow never duplicates its transcript.
//
// Usage:
//
//	store, _ := session.New("/tmp/agentloop/transcripts")
//	_ = store.SyncLog(ctx, "agentic-loop-id-1", log)
//	restored, _ := store.LoadLog("agentic-loop-id-1")
//	_ = restored
package session
