package toolexecutor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies dispatch failures.
type ErrorKind string

const (
	KindToolNotFound       ErrorKind = "tool_not_found"
	KindArgumentValidation ErrorKind = "argument_validation"
	KindExecutionFailure   ErrorKind = "execution_failure"
)

// ToolError is returned by Dispatch for every failure.
type ToolError struct {
	Kind ErrorKind
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	switch e.Kind {
	case KindToolNotFound:
		return fmt.Sprintf("tool not found: %s", e.Tool)
	case KindArgumentValidation:
		return fmt.Sprintf("invalid arguments for tool %s: %v", e.Tool, e.Err)
	default:
		return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
	}
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// NonRetryable reports whether a retry of the same call cannot succeed.
func (e *ToolError) NonRetryable() bool {
	switch e.Kind {
	case KindToolNotFound:
		return true
	case KindExecutionFailure:
		var nr interface{ NonRetryable() bool }
		return errors.As(e.Err, &nr) && nr.NonRetryable()
	default:
		return false
	}
}

// ErrorType is the stable failure name persisted in workflow journals.
func (e *ToolError) ErrorType() string {
	switch e.Kind {
	case KindToolNotFound:
		return "ToolNotFound"
	case KindArgumentValidation:
		return "ArgumentValidationFailed"
	default:
		return "ToolExecutionFailure"
	}
}

// IsKind reports whether err carries a ToolError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *ToolError
	return errors.As(err, &te) && te.Kind == kind
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string      { return e.err.Error() }
func (e *permanentError) Unwrap() error      { return e.err }
func (e *permanentError) NonRetryable() bool { return true }

// Permanent marks a tool failure as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
