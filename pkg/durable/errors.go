package durable

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNondeterminism is returned when a replay asks for a different step
	// than the one journaled at the same position.
	ErrNondeterminism = errors.New("nondeterministic workflow")
	// ErrUnknownWorkflowType is returned when executing an unregistered workflow.
	ErrUnknownWorkflowType = errors.New("unknown workflow type")
)

// StepTimeoutError reports a step attempt that exceeded its timeout.
type StepTimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %v", e.Step, e.Timeout)
}

func (e *StepTimeoutError) ErrorType() string {
	return "StepTimeout"
}

// StepError is the terminal failure of a step. Live failures unwrap to the
// error returned by the step function; replayed failures only carry the
// journaled type and message.
type StepError struct {
	Step    string
	Type    string
	Message string
	cause   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %s", e.Step, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.cause
}

func (e *StepError) ErrorType() string {
	return e.Type
}

// Replayed reports whether the failure was read from the journal.
func (e *StepError) Replayed() bool {
	return e.cause == nil
}

// WorkflowError is the terminal failure of a workflow.
type WorkflowError struct {
	WorkflowID string
	Type       string
	Message    string
	cause      error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow %s failed: %s", e.WorkflowID, e.Message)
}

func (e *WorkflowError) Unwrap() error {
	return e.cause
}

func (e *WorkflowError) ErrorType() string {
	return e.Type
}

// journalError marks infrastructure failures that must not fail a workflow.
type journalError struct {
	op  string
	err error
}

func (e *journalError) Error() string {
	return fmt.Sprintf("journal %s: %v", e.op, e.err)
}

func (e *journalError) Unwrap() error {
	return e.err
}

func wrapJournal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &journalError{op: op, err: err}
}

// ErrorTypeOf returns the stable type name journaled for err.
func ErrorTypeOf(err error) string {
	var typed interface{ ErrorType() string }
	if errors.As(err, &typed) {
		if t := typed.ErrorType(); t != "" {
			return t
		}
	}
	if errors.Is(err, ErrNondeterminism) {
		return "Nondeterminism"
	}
	return "Error"
}

// IsNonRetryable reports whether any error in err's chain declares itself
// non-retryable.
func IsNonRetryable(err error) bool {
	var nr interface{ NonRetryable() bool }
	return errors.As(err, &nr) && nr.NonRetryable()
}
