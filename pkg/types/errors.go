package types

import "fmt"

// ErrorKind tags a Tasklets error with the taxonomy kind from the error
// handling design: InvalidArgument, UnknownId, Timeout, UserError,
// Cancelled, MemoryPressure, PoolShutdown, Internal.
type ErrorKind string

const (
	KindInvalidArgument ErrorKind = "invalid_argument"
	KindUnknownID       ErrorKind = "unknown_id"
	KindTimeout         ErrorKind = "timeout"
	KindUserError       ErrorKind = "user_error"
	KindCancelled       ErrorKind = "cancelled"
	KindMemoryPressure  ErrorKind = "memory_pressure"
	KindPoolShutdown    ErrorKind = "pool_shutdown"
	KindInternal        ErrorKind = "internal"
)

// Error is a Tasklets error: a taxonomy Kind plus a human-readable message.
// Sentinel values below compare by Kind via errors.Is, so a wrapped or
// reconstructed error of the same kind still matches.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is implements errors.Is comparison by Kind, so callers can write
// errors.Is(err, types.ErrTimeout) regardless of the message attached.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// NewError builds an *Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Sentinel errors for errors.Is comparisons against a bare kind.
var (
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrUnknownID       = &Error{Kind: KindUnknownID}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrUserError       = &Error{Kind: KindUserError}
	ErrCancelled       = &Error{Kind: KindCancelled}
	ErrMemoryPressure  = &Error{Kind: KindMemoryPressure}
	ErrPoolShutdown    = &Error{Kind: KindPoolShutdown}
	ErrInternal        = &Error{Kind: KindInternal}
)
