package application

import (
	"context"
	"fmt"
	"slices"

	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/internal/metrickeys"
	"github.com/cschleiden/go-workflowapp/log"
	"github.com/cschleiden/go-workflowapp/metrics"
)

// enqueue stamps the operation and either grants it right away or adds it to the pending list. It returns
// true if the caller holds the turn.
func (a *Application) enqueue(op *operation, pushFront bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !op.stamped {
		op.actionID = a.actionCount
	}

	if a.busy {
		if op.interruptsScheduler && a.controller != nil {
			a.controller.RequestPause()
		}

		a.addToPending(op, pushFront)

		return false
	}

	if op.requiresInitialized {
		a.ensureInitialized()
	}

	if !a.isTerminal() && !op.canRun(a, op) {
		a.addToPending(op, pushFront)

		return false
	}

	if !op.tryNotify() {
		// Waiter gave up before it was queued
		return false
	}

	a.actionCount++
	a.busy = true

	return true
}

func (a *Application) addToPending(op *operation, pushFront bool) {
	if a.controller != nil {
		op.requiresInitialized = false
	}

	if pushFront {
		a.pending = slices.Insert(a.pending, 0, op)
	} else {
		a.pending = append(a.pending, op)
	}

	a.log().Debug("operation queued", log.OperationKey, op.name, log.ActionIDKey, op.actionID, log.PendingItemsKey, len(a.pending))
}

func (a *Application) removePending(op *operation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i := slices.Index(a.pending, op); i >= 0 {
		a.pending = slices.Delete(a.pending, i, i+1)
	}
}

// waitForTurn blocks until the operation is granted or ctx is done. An operation that timed out is never run.
func (a *Application) waitForTurn(ctx context.Context, op *operation) error {
	op.turn = make(chan struct{})

	if a.enqueue(op, false) {
		return nil
	}

	if op.abandoned() {
		return a.timedOut(ctx, op)
	}

	select {
	case <-op.turn:
		return nil
	case <-ctx.Done():
	}

	if op.tryAbandon() {
		a.removePending(op)
		return a.timedOut(ctx, op)
	}

	// Lost the race against the scheduler, the operation has been granted.
	<-op.turn

	return nil
}

// waitForTurnAsync registers cont to be called once the operation is granted, or with an error once ctx is
// done. cont is always called on a new goroutine.
func (a *Application) waitForTurnAsync(ctx context.Context, op *operation, pushFront bool, cont func(error)) {
	stop := context.AfterFunc(ctx, func() {
		if op.tryAbandon() {
			a.removePending(op)
			cont(a.timedOut(ctx, op))
		}
	})

	op.onTurn = func() {
		stop()
		go cont(nil)
	}

	if a.enqueue(op, pushFront) {
		stop()
		go cont(nil)
	}
}

func (a *Application) timedOut(ctx context.Context, op *operation) error {
	a.metrics.Counter(metrickeys.OperationTimeout, metrics.Tags{metrickeys.Operation: op.name}, 1)
	a.log().Debug("operation timed out waiting for its turn", log.OperationKey, op.name, log.ActionIDKey, op.actionID)

	return fmt.Errorf("%w: %s: %w", ErrTimeout, op.name, ctx.Err())
}

// findOperation grants the first operation that can run. The oldest operation is also granted once the instance
// is unloaded or aborted so it can observe that. Must be called with the queue lock held.
func (a *Application) findOperation() *operation {
	for i := 0; i < len(a.pending); {
		op := a.pending[i]

		if op.abandoned() {
			a.pending = slices.Delete(a.pending, i, i+1)
			continue
		}

		if op.requiresInitialized {
			a.ensureInitialized()
		}

		if (i == 0 && a.isTerminal()) || op.canRun(a, op) {
			a.pending = slices.Delete(a.pending, i, i+1)
			if !op.tryNotify() {
				continue
			}

			a.actionCount++

			return op
		}

		i++
	}

	return nil
}

// notifyOperationComplete hands the instance back to the scheduler after an operation finished.
func (a *Application) notifyOperationComplete(op *operation) {
	a.log().Debug("operation completed", log.OperationKey, op.name, log.ActionIDKey, op.actionID)

	a.onNotifyPaused()
}

// onNotifyPaused decides what happens next whenever nothing runs on the instance: raise completion, grant a
// queued operation, raise idle, continue the scheduler, or release the instance.
func (a *Application) onNotifyPaused() {
	for {
		if a.controller != nil && !a.hasRaisedCompleted && a.controller.State() == core.InstanceStateComplete {
			a.hasRaisedCompleted = true
			a.runPipeline(newPipeline(pipelineCompletion))
			continue
		}

		a.mu.Lock()

		op := a.findOperation()

		var shouldRunNow, shouldRaiseIdle bool
		if op == nil && a.controller != nil {
			s := a.controller.State()
			shouldRunNow = s == core.InstanceStateRunnable && a.lifecycle() == stateRunnable
			shouldRaiseIdle = a.hasExecutionOccurredSinceLastIdle && s == core.InstanceStateIdle &&
				!a.hasRaisedCompleted && a.pendingUnenqueued == 0
		}

		switch {
		case op != nil:
			a.mu.Unlock()
			op.granted()

			return

		case shouldRaiseIdle:
			a.mu.Unlock()
			a.hasExecutionOccurredSinceLastIdle = false
			a.runPipeline(newPipeline(pipelineIdle))

		case shouldRunNow:
			a.hasExecutionOccurredSinceLastIdle = true
			a.actionCount++
			a.mu.Unlock()
			a.controller.Run()

			return

		default:
			a.busy = false
			a.mu.Unlock()

			return
		}
	}
}
