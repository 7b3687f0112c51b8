package build

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record doesn't exist.
var ErrNotFound = errors.New("not found")

// Kind classifies errors that cross the pipeline boundary.
type Kind string

const (
	KindAuth         Kind = "auth"
	KindValidation   Kind = "validation"
	KindTaskNotFound Kind = "task_not_found"
	KindAttachment   Kind = "attachment"
	KindGeneration   Kind = "generation"
	KindRepository   Kind = "repository"
	KindDeployment   Kind = "deployment"
	KindNotification Kind = "notification"
	KindInternal     Kind = "internal"
)

// Error is an error with a Kind.
type Error struct {
	Kind Kind
	Op   string // optional
	Err  error  // required
}

// Errorf returns an *Error of the given kind with a formatted message.
// The %w verb is supported.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WrapError returns an *Error of the given kind wrapping err.
// It returns nil if err is nil and keeps the kind of an existing *Error.
func WrapError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain.
// It returns KindInternal for errors without a kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailOf returns the user-visible detail of err.
func DetailOf(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	return &ErrorDetail{Kind: KindOf(err), Message: err.Error()}
}
