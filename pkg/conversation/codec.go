package conversation

import (
	"fmt"

	"github.com/harun/agentloop/pkg/completion"
)

// ContinuationPrompt is sent after tool results so the model answers from them.
const ContinuationPrompt = "Please continue and provide your response based on the tool results."

// Encode turns a log into the history and prompt of the next completion call.
//
// When the last turn is a ToolResult the whole log becomes history and the
// prompt is ContinuationPrompt. Otherwise every turn but the last is history
// and the last turn's text is the prompt.
func Encode(log *Log) ([]completion.Content, string, error) {
	if log == nil || log.Len() == 0 {
		return nil, "", ErrEmptyLog
	}

	turns := log.turns
	last := turns[len(turns)-1]

	if _, ok := last.(ToolResult); ok {
		history, err := encodeTurns(turns)
		if err != nil {
			return nil, "", err
		}
		return history, ContinuationPrompt, nil
	}

	history, err := encodeTurns(turns[:len(turns)-1])
	if err != nil {
		return nil, "", err
	}

	prompt, err := promptText(last)
	if err != nil {
		return nil, "", err
	}
	return history, prompt, nil
}

func encodeTurns(turns []Turn) ([]completion.Content, error) {
	history := make([]completion.Content, 0, len(turns))
	for i, t := range turns {
		entry, err := EncodeEntry(t)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", i, err)
		}
		history = append(history, entry)
	}
	return history, nil
}

// promptText returns the text of a turn used as a prompt. A trailing
// ToolCall has no text of its own; its name stands in.
func promptText(t Turn) (string, error) {
	switch turn := t.(type) {
	case UserMessage:
		return turn.Content, nil
	case ModelMessage:
		return turn.Content, nil
	case ToolCall:
		return turn.Name, nil
	case ToolResult:
		return ContinuationPrompt, nil
	default:
		return "", fmt.Errorf("unknown turn type %T", t)
	}
}

// EncodeEntry maps a single turn to its provider-shaped history entry.
func EncodeEntry(t Turn) (completion.Content, error) {
	switch turn := t.(type) {
	case UserMessage:
		return completion.Content{
			Role:  completion.RoleUser,
			Parts: []completion.Part{{Text: turn.Content}},
		}, nil
	case ModelMessage:
		return completion.Content{
			Role:  completion.RoleModel,
			Parts: []completion.Part{{Text: turn.Content}},
		}, nil
	case ToolCall:
		return completion.Content{
			Role: completion.RoleModel,
			Parts: []completion.Part{{FunctionCall: &completion.FunctionCall{
				Name: turn.Name,
				Args: copyArgs(turn.Arguments),
			}}},
		}, nil
	case ToolResult:
		return completion.Content{
			Role: completion.RoleUser,
			Parts: []completion.Part{{FunctionResponse: &completion.FunctionResponse{
				Name:     turn.CallID,
				Response: map[string]any{"result": copyValue(turn.Output)},
			}}},
		}, nil
	default:
		return completion.Content{}, fmt.Errorf("unknown turn type %T", t)
	}
}

// DecodeEntry maps a history entry produced by EncodeEntry back to a turn.
// A decoded ToolCall takes its name as call id.
func DecodeEntry(content completion.Content) (Turn, error) {
	if len(content.Parts) != 1 {
		return nil, fmt.Errorf("history entry must have exactly one part, got %d", len(content.Parts))
	}
	part := content.Parts[0]

	switch {
	case part.FunctionCall != nil:
		if content.Role != completion.RoleModel {
			return nil, fmt.Errorf("function call with role %q", content.Role)
		}
		return ToolCall{
			Name:      part.FunctionCall.Name,
			CallID:    part.FunctionCall.Name,
			Arguments: copyArgs(part.FunctionCall.Args),
		}, nil
	case part.FunctionResponse != nil:
		if content.Role != completion.RoleUser {
			return nil, fmt.Errorf("function response with role %q", content.Role)
		}
		return ToolResult{
			CallID: part.FunctionResponse.Name,
			Output: copyValue(part.FunctionResponse.Response["result"]),
		}, nil
	}

	switch content.Role {
	case completion.RoleUser:
		return UserMessage{Content: part.Text}, nil
	case completion.RoleModel:
		return ModelMessage{Content: part.Text}, nil
	default:
		return nil, fmt.Errorf("unknown role %q", content.Role)
	}
}
