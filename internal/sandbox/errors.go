package sandbox

import (
	"errors"
	"fmt"
)

// ErrorKind tags a sandbox failure for classification by callers above the
// Sandbox Executor, mirroring the execution_result error_kind field.
type ErrorKind string

const (
	KindCommandNotAllowed ErrorKind = "command_not_allowed"
	KindPathTraversal     ErrorKind = "path_traversal"
	KindTimeout           ErrorKind = "timeout"
	KindFileTooLarge      ErrorKind = "file_too_large"
	KindParseError        ErrorKind = "parse_error"
	KindExecutionError    ErrorKind = "execution_error"
	KindUnexpected        ErrorKind = "unexpected"
)

// Sentinel errors for errors.Is matching against a specific kind, independent
// of message text.
var (
	ErrCommandNotAllowed = errors.New("command not allowed")
	ErrPathTraversal     = errors.New("path traversal")
	ErrTimeout           = errors.New("execution timed out")
	ErrFileTooLarge      = errors.New("file too large")
	ErrParseError        = errors.New("command parse error")
)

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindCommandNotAllowed:
		return ErrCommandNotAllowed
	case KindPathTraversal:
		return ErrPathTraversal
	case KindTimeout:
		return ErrTimeout
	case KindFileTooLarge:
		return ErrFileTooLarge
	case KindParseError:
		return ErrParseError
	default:
		return nil
	}
}

// Error is the sandbox package's single exported error type. It carries a
// classification tag plus an optional wrapped cause.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

// NewError builds an Error of the given kind. Message is the user-facing
// description; cause, if non-nil, is wrapped for errors.Is/As traversal.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("sandbox: %s: %v", e.Message, e.cause)
	}
	return fmt.Sprintf("sandbox: %s", e.Message)
}

// Unwrap exposes both the wrapped cause and the kind's sentinel so
// errors.Is(err, sandbox.ErrPathTraversal) succeeds even when Error was built
// without an explicit cause.
func (e *Error) Unwrap() []error {
	sentinel := sentinelFor(e.Kind)
	if e.cause == nil && sentinel == nil {
		return nil
	}
	if e.cause == nil {
		return []error{sentinel}
	}
	if sentinel == nil {
		return []error{e.cause}
	}
	return []error{sentinel, e.cause}
}

// Kind extracts the ErrorKind from err if it is, or wraps, a *Error.
// Returns KindUnexpected for any other error, including nil.
func Kind(err error) ErrorKind {
	var sErr *Error
	if errors.As(err, &sErr) {
		return sErr.Kind
	}
	return KindUnexpected
}
