package sectordisk

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a stable error-kind identifier shared across every backend and the
// worker. Callers branch on Kind, never on the Go error's concrete type or
// its message text.
type Kind string

const (
	KindAlignment         Kind = "Alignment"
	KindOutOfRange        Kind = "OutOfRange"
	KindReadOnly          Kind = "ReadOnly"
	KindNotFound          Kind = "NotFound"
	KindClosed            Kind = "Closed"
	KindCorrupt           Kind = "Corrupt"
	KindOverflow          Kind = "Overflow"
	KindIO                Kind = "IO"
	KindUnsupportedServer Kind = "UnsupportedServer"
	KindValidatorMismatch Kind = "ValidatorMismatch"
	KindSizeMismatch      Kind = "SizeMismatch"
	KindInvalidConfig     Kind = "InvalidConfig"
)

// Error is the structured error type returned by every operation in this
// module. It carries a stable Kind plus a human-readable message and
// optional cause, and renders via pkg/errors so a %+v format verb includes a
// stack trace captured at the point the error was created.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, sectordisk.New(KindCorrupt, "")) style kind-only
// comparisons when only the Kind field is populated on the target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs a *Error of the given kind, capturing a stack trace via
// pkg/errors for diagnostics.
func New(kind Kind, message string) error {
	return errors.WithStack(&Error{Kind: kind, Message: message})
}

// Newf is New with fmt.Sprintf-style formatting of message.
func Newf(kind Kind, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// Wrap attaches kind and message to an underlying cause, preserving it for
// errors.Unwrap / errors.As.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return New(kind, message)
	}
	return errors.WithStack(&Error{Kind: kind, Message: message, Cause: cause})
}

// As extracts the Kind of err if it is, or wraps, a *Error.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Of reports whether err carries the given Kind.
func Of(err error, kind Kind) bool {
	k, ok := As(err)
	return ok && k == kind
}
