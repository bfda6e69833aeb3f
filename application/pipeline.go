package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/internal/metrickeys"
	"github.com/cschleiden/go-workflowapp/log"
	"github.com/cschleiden/go-workflowapp/metrics"
	"github.com/cschleiden/go-workflowapp/persistence"
	"github.com/cschleiden/go-workflowapp/tracking"
)

type pipelineKind int

const (
	pipelineIdle pipelineKind = iota
	pipelineCompletion
	pipelineUnhandled
)

func (k pipelineKind) String() string {
	switch k {
	case pipelineIdle:
		return "idle"
	case pipelineCompletion:
		return "completion"
	case pipelineUnhandled:
		return "unhandled_exception"
	}

	return "unknown"
}

type pipelineStage int

const (
	stageTracking pipelineStage = iota
	stageRaise
	stageAct
	stageDone
)

func (s pipelineStage) String() string {
	switch s {
	case stageTracking:
		return "tracking"
	case stageRaise:
		return "raise"
	case stageAct:
		return "act"
	case stageDone:
		return "done"
	}

	return "unknown"
}

// pipeline records how far an event pipeline got and what earlier stages decided.
type pipeline struct {
	kind  pipelineKind
	stage pipelineStage

	// Unhandled exception
	err      error
	sourceID string
	action   UnhandledExceptionAction

	// Idle
	idleAction PersistableIdleAction
}

func newPipeline(kind pipelineKind) *pipeline {
	return &pipeline{kind: kind}
}

type stageFunc func(a *Application, p *pipeline) error

// stages returns the stage table of a pipeline kind.
func stages(kind pipelineKind) [stageDone]stageFunc {
	switch kind {
	case pipelineIdle:
		return [stageDone]stageFunc{
			stageTracking: (*Application).idleTracking,
			stageRaise:    (*Application).raiseIdle,
			stageAct:      (*Application).persistIdle,
		}

	case pipelineCompletion:
		return [stageDone]stageFunc{
			stageTracking: (*Application).completionTracking,
			stageRaise:    (*Application).raiseCompleted,
			stageAct:      (*Application).unloadCompleted,
		}
	}

	return [stageDone]stageFunc{
		stageTracking: (*Application).unhandledTracking,
		stageRaise:    (*Application).raiseUnhandledException,
		stageAct:      (*Application).applyUnhandledException,
	}
}

// runPipeline advances p until it is done. Any stage failing aborts the instance.
func (a *Application) runPipeline(p *pipeline) {
	table := stages(p.kind)

	for p.stage < stageDone {
		a.log().Debug("running pipeline stage", log.PipelineKey, p.kind.String(), log.PipelineStageKey, p.stage.String())

		stage := p.stage
		if err := table[stage](a, p); err != nil {
			a.log().Error("pipeline stage failed, aborting instance",
				log.PipelineKey, p.kind.String(), log.PipelineStageKey, stage.String(), "error", err)
			a.abortInstance(err, true)

			return
		}

		if p.stage == stage {
			p.stage++
		}
	}

	if p.kind == pipelineCompletion && a.invokeCompleted != nil {
		a.invokeCompleted()
	}
}

func (a *Application) idleTracking(p *pipeline) error {
	a.trackInstance(tracking.StateIdle)

	ctx, cancel := a.internalContext()
	defer cancel()

	return a.flushTracking(ctx)
}

func (a *Application) raiseIdle(p *pipeline) error {
	a.metrics.Counter(metrickeys.InstanceIdle, metrics.Tags{}, 1)

	ev := IdleEvent{InstanceID: a.id, Bookmarks: a.controller.Bookmarks()}

	if h := a.options.Handlers.OnIdle; h != nil {
		if err := callHandler(func() error { return h(a.handlerContext(), ev) }); err != nil {
			return fmt.Errorf("idle handler: %w", err)
		}
	}

	if a.lifecycle() == stateAborted {
		p.stage = stageDone
		return nil
	}

	if h := a.options.Handlers.OnPersistableIdle; h != nil && a.manager != nil && a.controller.IsPersistable() {
		err := callHandler(func() error {
			action, err := h(a.handlerContext(), ev)
			p.idleAction = action
			return err
		})
		if err != nil {
			return fmt.Errorf("persistable idle handler: %w", err)
		}
	}

	return nil
}

func (a *Application) persistIdle(p *pipeline) error {
	var op persistence.SaveOperation
	switch p.idleAction {
	case PersistableIdleNone:
		return nil
	case PersistableIdlePersist:
		op = persistence.SaveOperationSave
	case PersistableIdleUnload:
		op = persistence.SaveOperationUnload
	default:
		return fmt.Errorf("invalid persistable idle action %d", p.idleAction)
	}

	ctx, cancel := a.internalContext()
	defer cancel()

	return a.persistCore(ctx, op)
}

func (a *Application) completionTracking(p *pipeline) error {
	ctx, cancel := a.internalContext()
	defer cancel()

	return a.flushTracking(ctx)
}

func (a *Application) raiseCompleted(p *pipeline) error {
	state, outputs, err := a.controller.CompletionState()

	a.metrics.Counter(metrickeys.InstanceCompleted, metrics.Tags{metrickeys.CompletionState: state.String()}, 1)
	a.log().Debug("workflow instance completed", log.StateKey, state.String())

	h := a.options.Handlers.OnCompleted
	if h == nil || a.invokeCompleted != nil {
		return nil
	}

	ev := CompletedEvent{
		InstanceID:       a.id,
		CompletionState:  state,
		Outputs:          newOutputs(outputs, a.options.Converter),
		TerminationError: err,
	}

	if err := callHandler(func() error { return h(a.handlerContext(), ev) }); err != nil {
		return fmt.Errorf("completed handler: %w", err)
	}

	return nil
}

func (a *Application) unloadCompleted(p *pipeline) error {
	if a.lifecycle() == stateAborted {
		return nil
	}

	if a.manager == nil && len(a.participants) <= 1 {
		return a.markUnloaded()
	}

	ctx, cancel := a.internalContext()
	defer cancel()

	return a.persistCore(ctx, persistence.SaveOperationComplete)
}

func (a *Application) unhandledTracking(p *pipeline) error {
	ctx, cancel := a.internalContext()
	defer cancel()

	return a.flushTracking(ctx)
}

func (a *Application) raiseUnhandledException(p *pipeline) error {
	p.action = UnhandledExceptionTerminate

	h := a.options.Handlers.OnUnhandledException
	if h == nil || a.invokeCompleted != nil {
		return nil
	}

	ev := UnhandledExceptionEvent{InstanceID: a.id, Err: p.err, SourceActivityID: p.sourceID}

	err := callHandler(func() error {
		action, err := h(a.handlerContext(), ev)
		p.action = action
		return err
	})
	if err != nil {
		return fmt.Errorf("unhandled exception handler: %w", err)
	}

	return nil
}

func (a *Application) applyUnhandledException(p *pipeline) error {
	if a.lifecycle() == stateAborted {
		return nil
	}

	a.log().Debug("applying unhandled exception action", log.UnhandledActionKey, p.action.String(), "error", p.err)

	switch p.action {
	case UnhandledExceptionAbort:
		a.abortInstance(p.err, true)
	case UnhandledExceptionCancel:
		a.controller.ScheduleCancel()
	case UnhandledExceptionTerminate:
		a.controller.Terminate(p.err)
	default:
		return fmt.Errorf("invalid unhandled exception action %d", p.action)
	}

	return nil
}

func (a *Application) onNotifyUnhandledException(err error, sourceActivityID string) {
	p := newPipeline(pipelineUnhandled)
	p.err = err
	p.sourceID = sourceActivityID

	a.runPipeline(p)
	a.onNotifyPaused()
}

// markUnloaded releases an instance that has been unloaded or completed without a store.
func (a *Application) markUnloaded() error {
	if !a.setLifecycle(stateUnloaded) {
		return nil
	}

	if a.controller.State() != core.InstanceStateComplete {
		a.controller.Abort(nil)
	}

	a.disposeExtensions()

	a.metrics.Counter(metrickeys.InstanceUnloaded, metrics.Tags{}, 1)
	a.log().Debug("workflow instance unloaded")

	if h := a.options.Handlers.OnUnloaded; h != nil {
		ev := UnloadedEvent{InstanceID: a.id}
		if err := callHandler(func() error { return h(a.handlerContext(), ev) }); err != nil {
			return fmt.Errorf("unloaded handler: %w", err)
		}
	}

	return nil
}

// abortInstance aborts the instance. On the goroutine that holds the turn the controller is aborted right away,
// from anywhere else the abort is queued at the front.
func (a *Application) abortInstance(reason error, holdsTurn bool) {
	a.setAborted(reason)
	a.abortPersistence()

	if holdsTurn {
		if a.hasCalledAbort {
			return
		}

		a.hasCalledAbort = true
		a.abortController(reason)
		go a.raiseAborted(reason)

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.options.AcquireLockTimeout)
	a.waitForTurnAsync(ctx, runnable("Abort"), true, func(err error) {
		defer cancel()

		if err != nil {
			a.log().Warn("could not acquire instance to abort it", "error", err)
			return
		}

		raise := !a.hasCalledAbort
		if raise {
			a.hasCalledAbort = true
			a.abortController(reason)
		}

		a.onNotifyPaused()

		if raise {
			a.raiseAborted(reason)
		}
	})
}

func (a *Application) abortController(reason error) {
	a.metrics.Counter(metrickeys.InstanceAborted, metrics.Tags{}, 1)
	a.log().Warn("aborting workflow instance", "reason", reason)

	if a.controller == nil {
		return
	}

	a.controller.Abort(reason)

	ctx, cancel := context.WithTimeout(context.Background(), a.options.TrackingTimeout)
	defer cancel()

	if err := a.flushTracking(ctx); err != nil {
		a.log().Warn("could not flush tracking records of aborted instance", "error", err)
	}

	a.disposeExtensions()
}

func (a *Application) raiseAborted(reason error) {
	if a.invokeCompleted != nil {
		a.invokeCompleted()
		return
	}

	h := a.options.Handlers.OnAborted
	if h == nil {
		return
	}

	ev := AbortedEvent{InstanceID: a.id, Reason: reason}
	if err := callHandler(func() error { h(a.handlerContext(), ev); return nil }); err != nil {
		a.log().Error("aborted handler failed", "error", err)
	}
}

func (a *Application) abortPersistence() {
	if a.manager != nil {
		a.manager.Abort()
	}

	if p := a.pipelineInUse.Load(); p != nil {
		p.Abort()
	}
}

// Abort aborts the instance and discards its in-memory state. It does not wait for the abort to happen.
func (a *Application) Abort(reason error) {
	if reason == nil {
		reason = errors.New("aborted by host")
	}

	a.abortInstance(reason, false)
}
