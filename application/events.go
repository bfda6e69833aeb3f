package application

import (
	"context"
	"errors"
	"sort"

	"github.com/cschleiden/go-workflowapp/converter"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/payload"
)

// PersistableIdleAction tells the application what to do when an instance with an instance store becomes idle
// at a point where it can be persisted.
type PersistableIdleAction int

const (
	PersistableIdleNone PersistableIdleAction = iota
	PersistableIdlePersist
	PersistableIdleUnload
)

func (a PersistableIdleAction) String() string {
	switch a {
	case PersistableIdleNone:
		return "None"
	case PersistableIdlePersist:
		return "Persist"
	case PersistableIdleUnload:
		return "Unload"
	}

	return "Unknown"
}

// UnhandledExceptionAction tells the application what to do with a fault no activity handled.
type UnhandledExceptionAction int

const (
	UnhandledExceptionTerminate UnhandledExceptionAction = iota
	UnhandledExceptionCancel
	UnhandledExceptionAbort
)

func (a UnhandledExceptionAction) String() string {
	switch a {
	case UnhandledExceptionTerminate:
		return "Terminate"
	case UnhandledExceptionCancel:
		return "Cancel"
	case UnhandledExceptionAbort:
		return "Abort"
	}

	return "Unknown"
}

type IdleEvent struct {
	InstanceID string
	Bookmarks  []core.BookmarkInfo
}

type CompletedEvent struct {
	InstanceID      string
	CompletionState core.ActivityInstanceState
	Outputs         *Outputs

	// TerminationError is the fault the instance completed with, if any.
	TerminationError error
}

type AbortedEvent struct {
	InstanceID string
	Reason     error
}

type UnloadedEvent struct {
	InstanceID string
}

type UnhandledExceptionEvent struct {
	InstanceID       string
	Err              error
	SourceActivityID string
}

// Handlers are called on the goroutine that drives the instance. Returning an error, or panicking, aborts the
// instance. The context passed to a handler cannot be used to call operations on the same instance.
type Handlers struct {
	OnIdle               func(ctx context.Context, ev IdleEvent) error
	OnPersistableIdle    func(ctx context.Context, ev IdleEvent) (PersistableIdleAction, error)
	OnCompleted          func(ctx context.Context, ev CompletedEvent) error
	OnAborted            func(ctx context.Context, ev AbortedEvent)
	OnUnloaded           func(ctx context.Context, ev UnloadedEvent) error
	OnUnhandledException func(ctx context.Context, ev UnhandledExceptionEvent) (UnhandledExceptionAction, error)
}

var ErrOutputNotFound = errors.New("output not found")

// Outputs are the outputs of a completed instance.
type Outputs struct {
	values map[string]payload.Payload
	conv   converter.Converter
}

func newOutputs(values map[string]payload.Payload, conv converter.Converter) *Outputs {
	return &Outputs{values: values, conv: conv}
}

func (o *Outputs) Names() []string {
	if o == nil {
		return nil
	}

	names := make([]string, 0, len(o.values))
	for name := range o.values {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Get decodes the named output into vptr.
func (o *Outputs) Get(name string, vptr any) error {
	if o == nil {
		return ErrOutputNotFound
	}

	p, ok := o.values[name]
	if !ok {
		return ErrOutputNotFound
	}

	return o.conv.From(p, vptr)
}

func (o *Outputs) Payloads() map[string]payload.Payload {
	if o == nil {
		return nil
	}

	return o.values
}
