package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/internal/workflowerrors"
	"github.com/cschleiden/go-workflowapp/log"
	"github.com/cschleiden/go-workflowapp/payload"
	"github.com/cschleiden/go-workflowapp/persistence"
	"github.com/cschleiden/go-workflowapp/tracking"
	"go.uber.org/multierr"
)

// Persist saves the instance and keeps it loaded. It waits until the instance can be persisted.
func (a *Application) Persist(ctx context.Context) error {
	_, err := do(ctx, a, persistable("Persist"), noValue(a.persistBody))

	return err
}

func (a *Application) PersistAsync(ctx context.Context) *Future[struct{}] {
	return doAsync(ctx, a, persistable("Persist"), noValue(a.persistBody))
}

func (a *Application) persistBody(ctx context.Context) error {
	if err := a.validateStateForPersist(); err != nil {
		return err
	}

	return a.persistCore(ctx, persistence.SaveOperationSave)
}

// Unload saves the instance, releases its lock and discards it from memory. Unloading a completed instance does
// not require an instance store, unloading an unloaded instance does nothing.
func (a *Application) Unload(ctx context.Context) error {
	_, err := do(ctx, a, persistable("Unload"), noValue(a.unloadBody))

	return err
}

func (a *Application) UnloadAsync(ctx context.Context) *Future[struct{}] {
	return doAsync(ctx, a, persistable("Unload"), noValue(a.unloadBody))
}

func (a *Application) unloadBody(ctx context.Context) error {
	if err := a.validateStateForUnload(); err != nil {
		return err
	}

	if a.lifecycle() == stateUnloaded {
		return nil
	}

	op := persistence.SaveOperationUnload
	if a.controller.State() == core.InstanceStateComplete {
		op = persistence.SaveOperationComplete
	}

	return a.persistCore(ctx, op)
}

// persistCore saves the instance through the persistence pipeline. Must be called while holding the turn.
func (a *Application) persistCore(ctx context.Context, op persistence.SaveOperation) error {
	if err := a.throwIfAborted(); err != nil {
		return err
	}

	if a.manager != nil {
		if err := a.manager.Initialize(ctx); err != nil {
			return err
		}
	}

	switch op {
	case persistence.SaveOperationSave:
		a.trackInstance(tracking.StatePersisted)
	case persistence.SaveOperationUnload:
		a.trackInstance(tracking.StateUnloaded)
	case persistence.SaveOperationComplete:
		a.trackInstance(tracking.StateDeleted)
	}

	if err := a.flushTracking(ctx); err != nil {
		return err
	}

	pipeline := persistence.NewPipeline(a.log(), a.participants...)
	if err := pipeline.Collect(); err != nil {
		return err
	}

	if err := pipeline.Map(); err != nil {
		return err
	}

	a.pipelineInUse.Store(pipeline)
	defer a.pipelineInUse.Store(nil)

	if err := a.save(ctx, pipeline, op); err != nil {
		a.log().Error("could not persist workflow instance", log.PersistOpKey, op.String(), "error", err)
		return err
	}

	if op == persistence.SaveOperationSave {
		return nil
	}

	a.setLifecycle(statePaused)

	if a.manager != nil {
		dctx, cancel := context.WithTimeout(context.Background(), a.options.DeleteOwnerTimeout)
		defer cancel()

		if err := a.manager.DeleteOwner(dctx); err != nil && !errors.Is(err, persistence.ErrOwnerNotFound) {
			a.log().Warn("could not delete instance owner", "error", err)
		}
	}

	return a.markUnloaded()
}

// save writes the instance and runs the pipeline's own I/O. Both happen in one scope if the context carries one
// or a participant requires it.
func (a *Application) save(ctx context.Context, pipeline *persistence.Pipeline, op persistence.SaveOperation) error {
	data := pipeline.Values()

	if hostScope := persistence.ScopeFromContext(ctx); hostScope != nil {
		dep := hostScope.DependentClone()

		if err := a.saveValues(ctx, pipeline, data, op); err != nil {
			dep.Rollback(err)
			return err
		}

		dep.Complete()

		return nil
	}

	if !pipeline.RequiresTransaction() {
		return a.saveValues(ctx, pipeline, data, op)
	}

	scope := persistence.NewScope()
	if err := a.saveValues(persistence.WithScope(ctx, scope), pipeline, data, op); err != nil {
		return multierr.Append(err, scope.Rollback(ctx))
	}

	return scope.Complete(ctx)
}

func (a *Application) saveValues(ctx context.Context, pipeline *persistence.Pipeline, data persistence.Values, op persistence.SaveOperation) error {
	if a.manager != nil {
		if err := a.manager.Save(ctx, data, op); err != nil {
			return err
		}
	}

	if err := a.throwIfAborted(); err != nil {
		return err
	}

	return pipeline.Save(ctx)
}

// coreValues contributes the instance state itself to every save.
type coreValues struct {
	a *Application
}

var _ persistence.Participant = (*coreValues)(nil)

func (cv *coreValues) CollectValues() (map[persistence.Key]payload.Payload, map[persistence.Key]payload.Payload, error) {
	a := cv.a
	conv := a.options.Converter

	rw := map[persistence.Key]payload.Payload{}
	wo := map[persistence.Key]payload.Payload{}

	snapshot, err := a.controller.Snapshot()
	if err != nil {
		return nil, nil, fmt.Errorf("taking snapshot: %w", err)
	}

	rw[persistence.KeyWorkflow] = snapshot

	add := func(k persistence.Key, v any) error {
		p, err := conv.To(v)
		if err != nil {
			return fmt.Errorf("converting %s: %w", k, err)
		}

		wo[k] = p

		return nil
	}

	status := persistence.StatusIdle
	switch a.controller.State() {
	case core.InstanceStateRunnable:
		status = persistence.StatusExecuting
	case core.InstanceStateComplete:
		state, outputs, terr := a.controller.CompletionState()
		status = state.String()

		if terr != nil {
			if err := add(persistence.KeyException, workflowerrors.FromError(terr)); err != nil {
				return nil, nil, err
			}
		}

		for name, p := range outputs {
			wo[persistence.OutputKey(name)] = p
		}
	}

	if err := add(persistence.KeyStatus, status); err != nil {
		return nil, nil, err
	}

	if err := add(persistence.KeyBookmarks, a.controller.Bookmarks()); err != nil {
		return nil, nil, err
	}

	if err := add(persistence.KeyLastUpdate, a.options.Clock.Now().UTC()); err != nil {
		return nil, nil, err
	}

	for name, p := range a.controller.MappedVariables() {
		wo[persistence.VariableKey(name)] = p
	}

	return rw, wo, nil
}

func (cv *coreValues) MapValues(map[persistence.Key]payload.Payload, map[persistence.Key]payload.Payload) (map[persistence.Key]payload.Payload, error) {
	return nil, nil
}

// PublishValues does nothing, the controller is restored from the loaded values before they are published.
func (cv *coreValues) PublishValues(map[persistence.Key]payload.Payload) error {
	return nil
}
