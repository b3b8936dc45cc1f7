package agent

// loopError is a comparable error value carrying a stable type name.
type loopError struct {
	typ string
	msg string
}

func (e loopError) Error() string     { return e.msg }
func (e loopError) ErrorType() string { return e.typ }

var (
	// ErrMalformedResponse is returned when a completion response carries no
	// content at all. The completion step retries it.
	ErrMalformedResponse error = loopError{typ: "MalformedCompletionResponse", msg: "completion response has no content"}

	// ErrMaxIterations is returned when a loop with a positive MaxIterations
	// runs out of completion calls before the model answers.
	ErrMaxIterations error = loopError{typ: "MaxIterationsExceeded", msg: "agent loop exceeded its iteration limit"}
)
