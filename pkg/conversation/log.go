package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrOutOfOrder is returned when an append would break call/result pairing.
	ErrOutOfOrder = errors.New("turn out of order")
	// ErrEmptyLog is returned when an operation needs at least one turn.
	ErrEmptyLog = errors.New("conversation log is empty")
)

// Log is the append-only conversation of one agent run. It is not safe for
// concurrent use; a run owns its log exclusively.
type Log struct {
	turns []Turn
}

// NewLog creates a log seeded with the user's initial input.
func NewLog(input string) *Log {
	return &Log{turns: []Turn{UserMessage{Content: input}}}
}

// NewLogFromTurns rebuilds a log, checking every append.
func NewLogFromTurns(turns []Turn) (*Log, error) {
	log := &Log{}
	for i, t := range turns {
		if err := log.Append(t); err != nil {
			return nil, fmt.Errorf("turn %d: %w", i, err)
		}
	}
	return log, nil
}

// Append adds a turn to the end of the log.
func (l *Log) Append(t Turn) error {
	if t == nil {
		return fmt.Errorf("%w: nil turn", ErrOutOfOrder)
	}

	pending, hasPending := l.PendingCall()
	switch turn := t.(type) {
	case ToolResult:
		if !hasPending {
			return fmt.Errorf("%w: tool result %q without a pending call", ErrOutOfOrder, turn.CallID)
		}
		if turn.CallID != pending.CallID {
			return fmt.Errorf("%w: tool result %q does not match pending call %q", ErrOutOfOrder, turn.CallID, pending.CallID)
		}
	default:
		if hasPending {
			return fmt.Errorf("%w: %s appended while call %q is pending", ErrOutOfOrder, KindOf(t), pending.CallID)
		}
	}

	l.turns = append(l.turns, cloneTurn(t))
	return nil
}

// Len returns the number of turns.
func (l *Log) Len() int {
	return len(l.turns)
}

// Turns returns a copy of the turns in order.
func (l *Log) Turns() []Turn {
	out := make([]Turn, len(l.turns))
	for i, t := range l.turns {
		out[i] = cloneTurn(t)
	}
	return out
}

// Last returns the most recent turn.
func (l *Log) Last() (Turn, bool) {
	if len(l.turns) == 0 {
		return nil, false
	}
	return cloneTurn(l.turns[len(l.turns)-1]), true
}

// PendingCall returns the last turn when it is a ToolCall still awaiting
// its result.
func (l *Log) PendingCall() (ToolCall, bool) {
	if len(l.turns) == 0 {
		return ToolCall{}, false
	}
	call, ok := l.turns[len(l.turns)-1].(ToolCall)
	return call, ok
}

// record is the persisted shape of a turn.
type record struct {
	Kind      Kind           `json:"kind"`
	Content   string         `json:"content,omitempty"`
	Name      string         `json:"name,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Output    any            `json:"output,omitempty"`
}

// MarshalTurn encodes a single turn with its kind discriminator.
func MarshalTurn(t Turn) ([]byte, error) {
	var rec record
	switch turn := t.(type) {
	case UserMessage:
		rec = record{Kind: KindUserMessage, Content: turn.Content}
	case ModelMessage:
		rec = record{Kind: KindModelMessage, Content: turn.Content}
	case ToolCall:
		rec = record{Kind: KindToolCall, Name: turn.Name, CallID: turn.CallID, Arguments: turn.Arguments}
	case ToolResult:
		rec = record{Kind: KindToolResult, CallID: turn.CallID, Output: turn.Output}
	default:
		return nil, fmt.Errorf("unknown turn type %T", t)
	}
	return json.Marshal(rec)
}

// UnmarshalTurn decodes a turn written by MarshalTurn.
func UnmarshalTurn(data []byte) (Turn, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode turn: %w", err)
	}

	switch rec.Kind {
	case KindUserMessage:
		return UserMessage{Content: rec.Content}, nil
	case KindModelMessage:
		return ModelMessage{Content: rec.Content}, nil
	case KindToolCall:
		return ToolCall{Name: rec.Name, CallID: rec.CallID, Arguments: copyArgs(rec.Arguments)}, nil
	case KindToolResult:
		return ToolResult{CallID: rec.CallID, Output: rec.Output}, nil
	default:
		return nil, fmt.Errorf("unknown turn kind %q", rec.Kind)
	}
}

// MarshalJSON encodes the log as an array of kind-tagged turns.
func (l *Log) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(l.turns))
	for _, t := range l.turns {
		data, err := MarshalTurn(t)
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes a log, re-checking pairing invariants.
func (l *Log) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		t, err := UnmarshalTurn(item)
		if err != nil {
			return err
		}
		turns = append(turns, t)
	}

	decoded, err := NewLogFromTurns(turns)
	if err != nil {
		return err
	}
	l.turns = decoded.turns
	return nil
}
