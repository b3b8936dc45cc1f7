// Package completion defines the provider-neutral request and response shapes
// exchanged with a language-model completion service, plus adapters for the
// Gemini, OpenAI and Anthropic APIs.
//
// Invariants:
// - History entries are role-tagged contents made of text, function-call or
//   function-response parts.
// - A Response with nil Parts carries no content and is treated as malformed
//   by callers; an empty non-nil slice is a valid empty answer.
// - Adapters never retry; retry belongs to the step that wraps the call.
//
// Usage:
//
//	svc, _ := completion.NewService(ctx, completion.ProviderConfig{Provider: "gemini", APIKey: key})
//	resp, _ := svc.Complete(ctx, completion.Request{Model: "gemini-2.0-flash-exp", Prompt: "hi"})
//	_ = resp
package completion
