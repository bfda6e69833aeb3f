package workflowerrors

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// PanicError is returned when an activity, a bookmark callback, or a host event handler panicked.
type PanicError struct {
	message    string
	stacktrace string
}

func (pe *PanicError) Error() string {
	return pe.message
}

func (pe *PanicError) Stack() string {
	return pe.stacktrace
}

// NewPanicError creates a panic error recording the stack of its caller's caller.
func NewPanicError(msg string) *PanicError {
	return &PanicError{
		message:    msg,
		stacktrace: captureStack(3),
	}
}

// Call invokes fn and turns a panic raised by it into a *PanicError.
func Call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPanicError(fmt.Sprintf("panic: %v", r))
		}
	}()

	return fn()
}

// captureStack formats the stack of the current goroutine without the innermost skip frames.
func captureStack(skip int) string {
	return string(goerrors.Wrap("", skip).Stack())
}
