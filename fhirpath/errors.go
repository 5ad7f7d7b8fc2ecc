package fhirpath

import (
	"errors"
	"fmt"
)

// ErrorKind classifies evaluation failures.
//
// ErrorKind implements error so it can be used as an errors.Is target:
//
//	if errors.Is(err, fhirpath.TypeError) { ... }
type ErrorKind int

const (
	ParseError ErrorKind = iota + 1
	TypeError
	FunctionError
	EvaluationError
	InternalError
)

func (k ErrorKind) String() string {
	switch k {
	case ParseError:
		return "parse error"
	case TypeError:
		return "type error"
	case FunctionError:
		return "function error"
	case EvaluationError:
		return "evaluation error"
	case InternalError:
		return "internal error"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

func (k ErrorKind) Error() string {
	return k.String()
}

// Error is the error type returned by parsing and evaluation.
type Error struct {
	Kind    ErrorKind
	Message string
	// Position is the byte offset into the expression source, or -1 when
	// no location is known.
	Position int
	Err      error
}

// NewError creates an error of the given kind without location.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
		Position: -1,
	}
}

func (e *Error) Error() string {
	if e.Position >= 0 {
		return fmt.Sprintf("%s at position %d: %s", e.Kind, e.Position, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches an ErrorKind target against the error's kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

func typeError(format string, args ...any) error {
	return NewError(TypeError, format, args...)
}

func functionError(format string, args ...any) error {
	return NewError(FunctionError, format, args...)
}

func evaluationError(format string, args ...any) error {
	return NewError(EvaluationError, format, args...)
}

func internalError(format string, args ...any) error {
	return NewError(InternalError, format, args...)
}

// withKind returns err unchanged when it already is an *Error and wraps it
// with the given kind otherwise.
func withKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var fpErr *Error
	if errors.As(err, &fpErr) {
		return err
	}
	return &Error{Kind: kind, Message: err.Error(), Position: -1, Err: err}
}
