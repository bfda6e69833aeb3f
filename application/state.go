package application

import (
	"github.com/cschleiden/go-workflowapp/core"
)

type lifecycleState int32

const (
	// statePaused is the initial state and the state after a persist that released the scheduler.
	statePaused lifecycleState = iota
	stateRunnable
	stateUnloaded
	stateAborted
)

func (s lifecycleState) String() string {
	switch s {
	case statePaused:
		return "Paused"
	case stateRunnable:
		return "Runnable"
	case stateUnloaded:
		return "Unloaded"
	case stateAborted:
		return "Aborted"
	}

	return "Unknown"
}

func (a *Application) lifecycle() lifecycleState {
	return lifecycleState(a.state.Load())
}

// setLifecycle moves the instance to s. Unloaded and Aborted are final, the only transition out of them is
// from Unloaded to Aborted.
func (a *Application) setLifecycle(s lifecycleState) bool {
	for {
		cur := a.lifecycle()
		switch {
		case cur == s:
			return false
		case cur == stateAborted:
			return false
		case cur == stateUnloaded && s != stateAborted:
			return false
		}

		if a.state.CompareAndSwap(int32(cur), int32(s)) {
			return true
		}
	}
}

// setAborted moves the instance to Aborted and records the first abort reason.
func (a *Application) setAborted(reason error) bool {
	a.abortMu.Lock()
	defer a.abortMu.Unlock()

	if a.lifecycle() == stateAborted {
		return false
	}

	a.abortReason = reason

	return a.setLifecycle(stateAborted)
}

func (a *Application) isTerminal() bool {
	s := a.lifecycle()

	return s == stateUnloaded || s == stateAborted
}

func (a *Application) throwIfAborted() error {
	if a.lifecycle() == stateAborted {
		a.abortMu.Lock()
		defer a.abortMu.Unlock()

		return newStateError(a.id, StateAborted, a.abortReason)
	}

	return nil
}

func (a *Application) throwIfTerminatedOrCompleted() error {
	if !a.hasRaisedCompleted {
		return nil
	}

	if _, _, err := a.controller.CompletionState(); err != nil {
		return newStateError(a.id, StateTerminated, err)
	}

	return newStateError(a.id, StateCompleted, nil)
}

func (a *Application) throwIfUnloaded() error {
	if a.lifecycle() == stateUnloaded {
		return newStateError(a.id, StateUnloaded, nil)
	}

	return nil
}

func firstError(checks ...func() error) error {
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}

	return nil
}

func (a *Application) validateStateForRun() error {
	return firstError(a.throwIfAborted, a.throwIfTerminatedOrCompleted, a.throwIfUnloaded)
}

func (a *Application) validateStateForGetBookmarks() error {
	return a.validateStateForRun()
}

func (a *Application) validateStateForTerminate() error {
	return a.validateStateForRun()
}

func (a *Application) validateStateForCancel() error {
	return a.throwIfAborted()
}

func (a *Application) validateStateForPersist() error {
	if err := a.validateStateForRun(); err != nil {
		return err
	}

	return a.throwIfNoStore()
}

func (a *Application) validateStateForUnload() error {
	if err := a.throwIfAborted(); err != nil {
		return err
	}

	if a.controller.State() == core.InstanceStateComplete {
		return nil
	}

	return a.throwIfNoStore()
}

func (a *Application) validateStateForLoad() error {
	if err := a.throwIfAborted(); err != nil {
		return err
	}

	if a.controller != nil {
		return newStateError(a.id, StateReadOnly, nil)
	}

	if a.idSet {
		return newStateError(a.id, StateAlreadyHasID, nil)
	}

	return nil
}

func (a *Application) throwIfNoStore() error {
	if a.options.Store == nil {
		return newStateError(a.id, StateNoInstanceStore, nil)
	}

	return nil
}
