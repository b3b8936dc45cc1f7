package agent

import (
	"strings"

	"github.com/harun/agentloop/pkg/completion"
	"github.com/rs/zerolog"
)

// Decision is what the model asked the loop to do next. It is either a
// FunctionCall or a FinalAnswer.
type Decision interface {
	isDecision()
}

// FunctionCall asks the loop to dispatch a tool.
type FunctionCall struct {
	Name      string
	CallID    string
	Arguments map[string]any
}

// FinalAnswer ends the loop with the model's text.
type FinalAnswer struct {
	Text string
}

func (FunctionCall) isDecision() {}
func (FinalAnswer) isDecision()  {}

// Interpret turns a completion response into a Decision. The first function
// call part wins; with no function call the text parts are concatenated in
// order. A response with nil Parts is malformed.
func Interpret(resp completion.Response) (Decision, error) {
	return interpret(resp, zerolog.Nop())
}

func interpret(resp completion.Response, logger zerolog.Logger) (Decision, error) {
	if resp.Parts == nil {
		return nil, ErrMalformedResponse
	}

	var (
		call    *completion.FunctionCall
		dropped int
		text    strings.Builder
	)
	for _, part := range resp.Parts {
		switch {
		case part.FunctionCall != nil:
			if call == nil {
				call = part.FunctionCall
			} else {
				dropped++
			}
		case part.Text != "":
			text.WriteString(part.Text)
		}
	}

	if call == nil {
		return FinalAnswer{Text: text.String()}, nil
	}

	if dropped > 0 {
		logger.Warn().
			Str("tool", call.Name).
			Int("dropped_calls", dropped).
			Msg("Response has several function calls, only the first is dispatched")
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	// The call id is the tool name; two pending calls to the same tool
	// cannot be told apart.
	return FunctionCall{Name: call.Name, CallID: call.Name, Arguments: args}, nil
}
