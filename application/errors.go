package application

import (
	"errors"
	"fmt"
)

var (
	ErrAborted          = errors.New("workflow instance has been aborted")
	ErrTerminated       = errors.New("workflow instance has been terminated")
	ErrCompleted        = errors.New("workflow instance has completed")
	ErrUnloaded         = errors.New("workflow instance has been unloaded")
	ErrAlreadyHasID     = errors.New("workflow application already has an instance id")
	ErrReadOnly         = errors.New("workflow application has already been initialized")
	ErrNoInstanceStore  = errors.New("workflow application has no instance store")
	ErrHandlerReentrant = errors.New("operation called from within an event handler of the same instance")

	// ErrTimeout is returned when an operation could not acquire its turn or finish in time. It wraps the
	// context error.
	ErrTimeout = errors.New("workflow application operation timed out")

	// ErrCanceled is returned by Invoke for an instance that completed as canceled.
	ErrCanceled = errors.New("workflow instance was canceled")

	ErrInputsWithLoad        = errors.New("cannot load an instance into an application created with inputs")
	ErrNoRunnableInstance    = errors.New("no runnable workflow instance found")
	ErrInstanceAlreadyLoaded = errors.New("workflow application instance has already been used")
)

type StateErrorKind int

const (
	StateAborted StateErrorKind = iota
	StateTerminated
	StateCompleted
	StateUnloaded
	StateAlreadyHasID
	StateReadOnly
	StateNoInstanceStore
	StateHandlerReentrant
)

var stateSentinels = [...]error{
	StateAborted:          ErrAborted,
	StateTerminated:       ErrTerminated,
	StateCompleted:        ErrCompleted,
	StateUnloaded:         ErrUnloaded,
	StateAlreadyHasID:     ErrAlreadyHasID,
	StateReadOnly:         ErrReadOnly,
	StateNoInstanceStore:  ErrNoInstanceStore,
	StateHandlerReentrant: ErrHandlerReentrant,
}

// StateError is returned when the lifecycle state of an instance does not allow an operation. Err is the
// reason the instance got there, for example the abort reason or the fault that terminated it.
type StateError struct {
	InstanceID string
	Kind       StateErrorKind
	Err        error
}

func newStateError(instanceID string, kind StateErrorKind, cause error) *StateError {
	return &StateError{InstanceID: instanceID, Kind: kind, Err: cause}
}

func (e *StateError) Error() string {
	msg := stateSentinels[e.Kind].Error()
	if e.InstanceID != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.InstanceID)
	}

	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *StateError) Is(target error) bool {
	return target == stateSentinels[e.Kind]
}

func (e *StateError) Unwrap() error {
	return e.Err
}
