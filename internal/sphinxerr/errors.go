// Package sphinxerr defines the tagged error-kind type shared by every
// component of the sphinx-mi protocol stack.
package sphinxerr

import "fmt"

// Kind classifies an error by the propagation policy it carries.
type Kind string

const (
	Integrity  Kind = "integrity"
	Framing    Kind = "framing"
	Sequencing Kind = "sequencing"
	Timeout    Kind = "timeout"
	Protocol   Kind = "protocol"
	Decode     Kind = "decode"
	Transport  Kind = "transport"
	Usage      Kind = "usage"
)

// Error is the common error shape returned by every sphinx-mi component.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	Offset  *int
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Field != "" && e.Offset != nil:
		return fmt.Sprintf("sphinx-mi: %s: %s (field=%s offset=%d)", e.Kind, e.Message, e.Field, *e.Offset)
	case e.Field != "":
		return fmt.Sprintf("sphinx-mi: %s: %s (field=%s)", e.Kind, e.Message, e.Field)
	case e.Offset != nil:
		return fmt.Sprintf("sphinx-mi: %s: %s (offset=%d)", e.Kind, e.Message, *e.Offset)
	default:
		return fmt.Sprintf("sphinx-mi: %s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, enabling
// errors.Is(err, sphinxerr.New(Integrity, "")) style kind checks.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	if other.Message == "" && other.Cause == nil && other.Field == "" && other.Offset == nil {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithField returns a copy of e annotated with the offending field name.
func (e *Error) WithField(field string) *Error {
	clone := *e
	clone.Field = field
	return &clone
}

// WithOffset returns a copy of e annotated with the offending byte offset.
func (e *Error) WithOffset(offset int) *Error {
	clone := *e
	clone.Offset = &offset
	return &clone
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}
