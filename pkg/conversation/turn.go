package conversation

// Turn is one entry of a conversation log. The set of implementations is
// closed: UserMessage, ModelMessage, ToolCall and ToolResult.
type Turn interface {
	isTurn()
}

// UserMessage is input typed by the user.
type UserMessage struct {
	Content string
}

// ModelMessage is the model's final text for a run.
type ModelMessage struct {
	Content string
}

// ToolCall records the model's decision to invoke a tool.
type ToolCall struct {
	Name      string
	CallID    string
	Arguments map[string]any
}

// ToolResult records the outcome of executing the ToolCall with CallID.
type ToolResult struct {
	CallID string
	Output any
}

func (UserMessage) isTurn()  {}
func (ModelMessage) isTurn() {}
func (ToolCall) isTurn()     {}
func (ToolResult) isTurn()   {}

// Kind names a turn variant in persisted form.
type Kind string

const (
	KindUserMessage  Kind = "user_message"
	KindModelMessage Kind = "model_message"
	KindToolCall     Kind = "tool_call"
	KindToolResult   Kind = "tool_result"
)

// KindOf returns the persisted name of a turn's variant.
func KindOf(t Turn) Kind {
	switch t.(type) {
	case UserMessage:
		return KindUserMessage
	case ModelMessage:
		return KindModelMessage
	case ToolCall:
		return KindToolCall
	case ToolResult:
		return KindToolResult
	default:
		return ""
	}
}

// copyValue deep-copies the JSON-like containers inside v so callers cannot
// mutate turns already in a log.
func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyArgs(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = copyValue(val[i])
		}
		return out
	default:
		return v
	}
}

func copyArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = copyValue(v)
	}
	return out
}

func cloneTurn(t Turn) Turn {
	switch turn := t.(type) {
	case ToolCall:
		turn.Arguments = copyArgs(turn.Arguments)
		return turn
	case ToolResult:
		turn.Output = copyValue(turn.Output)
		return turn
	default:
		return t
	}
}
