package core

import "fmt"

// InstanceState is the coarse state an execution controller reports for a workflow instance.
type InstanceState int

const (
	InstanceStateRunnable InstanceState = iota
	InstanceStateIdle
	InstanceStateComplete
	InstanceStateAborted
)

func (s InstanceState) String() string {
	switch s {
	case InstanceStateRunnable:
		return "Runnable"
	case InstanceStateIdle:
		return "Idle"
	case InstanceStateComplete:
		return "Complete"
	case InstanceStateAborted:
		return "Aborted"
	}

	return fmt.Sprintf("InstanceState(%d)", int(s))
}

// ActivityInstanceState is the state of a single activity instance, and of the workflow as a whole once
// its root activity has completed.
type ActivityInstanceState int

const (
	ActivityInstanceStateExecuting ActivityInstanceState = iota
	ActivityInstanceStateClosed
	ActivityInstanceStateCanceled
	ActivityInstanceStateFaulted
)

func (s ActivityInstanceState) String() string {
	switch s {
	case ActivityInstanceStateExecuting:
		return "Executing"
	case ActivityInstanceStateClosed:
		return "Closed"
	case ActivityInstanceStateCanceled:
		return "Canceled"
	case ActivityInstanceStateFaulted:
		return "Faulted"
	}

	return fmt.Sprintf("ActivityInstanceState(%d)", int(s))
}

// Completed returns true if the state is one of the final states.
func (s ActivityInstanceState) Completed() bool {
	return s != ActivityInstanceStateExecuting
}

// DefinitionIdentity identifies the version of a workflow definition an instance was started from.
type DefinitionIdentity struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

func (di *DefinitionIdentity) String() string {
	if di == nil {
		return ""
	}

	if di.Version == "" {
		return di.Name
	}

	return fmt.Sprintf("%s; Version=%s", di.Name, di.Version)
}

// Equal compares two identities. Two nil identities are equal.
func (di *DefinitionIdentity) Equal(other *DefinitionIdentity) bool {
	if di == nil || other == nil {
		return di == nil && other == nil
	}

	return *di == *other
}
