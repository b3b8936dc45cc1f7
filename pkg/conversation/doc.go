// Package conversation holds the append-only turn log of an agent run and the
// codec that frames it for a completion service.
//
// Invariants:
// - A ToolCall is immediately followed by exactly one ToolResult with the
//   same call id.
// - Logs only grow; turns are never edited or removed.
// - Encode is a pure function: identical logs give identical payloads.
//
// Usage:
//
//	log := conversation.NewLog("What is my IP?")
//	history, prompt, _ := conversation.Encode(log)
//	_, _ = history, prompt
package conversation
