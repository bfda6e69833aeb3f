package application

import (
	"sync/atomic"

	"github.com/cschleiden/go-workflowapp/core"
)

type claimState int32

const (
	claimPending claimState = iota
	claimNotified
	claimAbandoned
)

// operation is a queued request for exclusive access to an instance. It is granted at most once: the scheduler
// moves it from pending to notified, a waiter that gave up moves it from pending to abandoned, and whoever
// loses the race leaves it alone.
type operation struct {
	name string

	actionID int64
	stamped  bool

	interruptsScheduler bool
	requiresInitialized bool

	// canRun decides whether the operation may be granted right now. It is called with the queue lock held.
	canRun func(a *Application, op *operation) bool

	claim atomic.Int32

	// turn is closed when a synchronous waiter is granted.
	turn chan struct{}

	// onTurn is called instead of closing turn for asynchronous waiters.
	onTurn func()
}

func alwaysRunnable(*Application, *operation) bool {
	return true
}

// requiresIdle waits for the scheduler to stop. With requiresRunnable the instance must also have been run.
func requiresIdle(requiresRunnable bool) func(*Application, *operation) bool {
	return func(a *Application, _ *operation) bool {
		if a.controller == nil {
			return false
		}

		s := a.controller.State()
		if s != core.InstanceStateIdle && s != core.InstanceStateComplete {
			return false
		}

		return !requiresRunnable || a.lifecycle() == stateRunnable
	}
}

// deferredRequiresIdle waits for the scheduler to have run at least once since the operation was queued.
func deferredRequiresIdle(a *Application, op *operation) bool {
	if a.controller == nil {
		return false
	}

	s := a.controller.State()

	return (op.actionID != a.actionCount && s == core.InstanceStateIdle) || s == core.InstanceStateComplete
}

// requiresPersistence waits for the instance to leave all no-persist regions, asking the scheduler to stop as
// soon as it does.
func requiresPersistence(a *Application, _ *operation) bool {
	if a.controller == nil {
		return false
	}

	if a.controller.IsPersistable() || a.controller.State() == core.InstanceStateComplete {
		return true
	}

	a.controller.PauseWhenPersistable()

	return false
}

var (
	runnable = func(name string) *operation {
		return &operation{name: name, interruptsScheduler: true, requiresInitialized: true, canRun: alwaysRunnable}
	}

	idle = func(name string, requiresRunnable bool) *operation {
		return &operation{name: name, requiresInitialized: true, canRun: requiresIdle(requiresRunnable)}
	}

	deferredIdle = func(name string) *operation {
		return &operation{name: name, requiresInitialized: true, canRun: deferredRequiresIdle}
	}

	persistable = func(name string) *operation {
		return &operation{name: name, interruptsScheduler: true, requiresInitialized: true, canRun: requiresPersistence}
	}

	loading = func(name string) *operation {
		return &operation{name: name, interruptsScheduler: true, canRun: alwaysRunnable}
	}
)

func (op *operation) tryNotify() bool {
	return op.claim.CompareAndSwap(int32(claimPending), int32(claimNotified))
}

func (op *operation) tryAbandon() bool {
	return op.claim.CompareAndSwap(int32(claimPending), int32(claimAbandoned))
}

func (op *operation) abandoned() bool {
	return claimState(op.claim.Load()) == claimAbandoned
}

// granted wakes up the waiter. Must only be called after a successful tryNotify.
func (op *operation) granted() {
	if op.onTurn != nil {
		op.onTurn()
		return
	}

	close(op.turn)
}
