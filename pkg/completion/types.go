package completion

import (
	"context"
	"strings"
)

// Role tags a history entry with its author.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Content is one provider-shaped history entry.
type Content struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is a single fragment of a Content or Response. Exactly one of its
// fields is expected to be set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

// FunctionCall is a structured request from the model to run a tool.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// FunctionResponse carries a tool outcome back to the model, keyed by call id.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ToolSchema describes one tool in the catalogue offered to the model.
// Parameters is a JSON Schema object.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is everything a completion service needs for one call.
type Request struct {
	Model        string       `json:"model"`
	Instructions string       `json:"instructions"`
	History      []Content    `json:"history"`
	Prompt       string       `json:"prompt"`
	Tools        []ToolSchema `json:"tools"`
}

// Response is the provider-neutral payload returned by a completion service.
type Response struct {
	Parts []Part      `json:"parts"`
	Usage *TokenUsage `json:"usage,omitempty"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Service is a language-model completion backend.
type Service interface {
	// Complete makes one completion call
	Complete(ctx context.Context, request Request) (Response, error)

	// Provider returns the provider name
	Provider() string
}

// ProviderError wraps a failure returned by a provider SDK.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return e.Provider + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) ErrorType() string {
	return "CompletionProviderError"
}

// NonRetryable reports whether retrying the call cannot succeed, e.g. a
// rejected API key or an unknown model.
func (e *ProviderError) NonRetryable() bool {
	return !IsRetryableError(e.Err)
}

// IsRetryableError checks if a provider error should be retried.
// Only clearly permanent request errors are classified as non-retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	// Client errors that a retry cannot fix
	for _, permanent := range []string{"400 Bad Request", "401 Unauthorized", "403 Forbidden", "404 Not Found", "API key not valid", "invalid x-api-key"} {
		if strings.Contains(errMsg, permanent) {
			return false
		}
	}

	return true
}

func wrapProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}
