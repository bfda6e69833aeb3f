// Package activity contains the surface workflow authors program against.
//
// An activity is scheduled by its parent, executes, and may create bookmarks or schedule its own children. It
// completes once Execute (or the last of its callbacks) returned and it has neither executing children nor
// blocking bookmarks left.
//
// Callbacks passed to CreateBookmark, ScheduleActivity and ScheduleDelegate must be exported methods of the
// activity registering them. Only the method name is persisted, and it is bound to the activity again when an
// instance is loaded.
package activity

import (
	"reflect"
)

// Activity is a unit of workflow logic.
type Activity interface {
	Execute(ctx Context) error
}

// Parent is implemented by activities that schedule child activities. Only activities returned from Children can
// be scheduled by the parent.
type Parent interface {
	Children() []Activity
}

// DelegateOwner is implemented by activities that schedule delegates.
type DelegateOwner interface {
	Delegates() []*Delegate
}

// VariableDeclarer is implemented by activities that declare variables visible to themselves and their
// descendants.
type VariableDeclarer interface {
	Variables() []Variable
}

// IdleInducer is implemented by activities that create bookmarks.
type IdleInducer interface {
	CanInduceIdle() bool
}

// Canceler is implemented by activities with custom cancellation logic. Activities without it cancel their
// children, drop their bookmarks, and complete as canceled.
type Canceler interface {
	Cancel(ctx Context) error
}

// Named is implemented by activities that want a display name other than their type name.
type Named interface {
	DisplayName() string
}

// DisplayName returns the display name of the given activity.
func DisplayName(a Activity) string {
	if n, ok := a.(Named); ok {
		return n.DisplayName()
	}

	t := reflect.TypeOf(a)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	return t.Name()
}

// Variable declares a variable in the environment of an activity.
type Variable struct {
	Name    string
	Default any

	// Mapped variables are written to the instance store with every save so they can be queried.
	Mapped bool
}

// Delegate is a placeholder for an activity supplied by the user of a composite activity. Parameters are the
// names of the inputs the handler receives as variables.
type Delegate struct {
	Name       string
	Handler    Activity
	Parameters []string
}
