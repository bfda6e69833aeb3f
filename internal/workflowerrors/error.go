package workflowerrors

import (
	"errors"
	"reflect"
)

// Error is the persistable form of a workflow fault. It is what gets written under the Exception key when a
// workflow completes faulted, and what hosts get back after loading such an instance.
type Error struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`

	// ActivityID is the activity the fault originated in, if known.
	ActivityID string `json:"activity_id,omitempty"`

	Cause      *Error `json:"cause,omitempty"`
	Stacktrace string `json:"stacktrace,omitempty"`
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}

	return e.Cause
}

func (e *Error) Stack() string {
	return e.Stacktrace
}

// FromError converts err and its chain of wrapped errors into their persistable form. An *Error is returned as is.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	if e, ok := err.(*Error); ok {
		return e
	}

	e := &Error{
		Type:    errorType(err),
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}

	if st, ok := err.(interface{ Stack() string }); ok {
		e.Stacktrace = st.Stack()
	}

	return e
}

// WithActivity returns a copy of the error that records the activity it originated in.
func WithActivity(err error, activityID string) *Error {
	e := *FromError(err)
	e.ActivityID = activityID

	return &e
}

// ToError restores a persisted fault. Panics come back as *PanicError, everything else stays an *Error.
func ToError(err *Error) error {
	if err == nil {
		return nil
	}

	if err.Type == errorType(&PanicError{}) {
		return &PanicError{message: err.Message, stacktrace: err.Stacktrace}
	}

	e := *err

	return &e
}

// errorType names the concrete type of err. Plain errors.New errors have no type name.
func errorType(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.PkgPath() == "errors" && t.Name() == "errorString" {
		return ""
	}

	return t.Name()
}
