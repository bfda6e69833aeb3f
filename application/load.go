package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/internal/executor"
	"github.com/cschleiden/go-workflowapp/log"
	"github.com/cschleiden/go-workflowapp/persistence"
)

// Load locks and loads the persisted instance with the given id. The application must have been created with an
// instance store and without inputs.
func (a *Application) Load(ctx context.Context, instanceID string) error {
	if err := a.checkLoadable(true); err != nil {
		return err
	}

	_, err := do(ctx, a, loading("Load"), noValue(func(ctx context.Context) error {
		return a.loadBody(ctx, instanceID)
	}))

	return err
}

func (a *Application) LoadAsync(ctx context.Context, instanceID string) *Future[struct{}] {
	if err := a.checkLoadable(true); err != nil {
		return resolved(none{}, err)
	}

	return doAsync(ctx, a, loading("Load"), noValue(func(ctx context.Context) error {
		return a.loadBody(ctx, instanceID)
	}))
}

func (a *Application) loadBody(ctx context.Context, instanceID string) error {
	if err := a.validateStateForLoad(); err != nil {
		return err
	}

	a.setID(instanceID)
	a.manager = persistence.NewManager(a.options.Store, instanceID, a.options.HostType, a.options.Identity)

	values, err := a.manager.Load(ctx)
	if err != nil {
		return a.loadFailed(ctx, err)
	}

	return a.loadCore(ctx, values)
}

// LoadRunnableInstance locks and loads any instance of the application's host type that is ready to run.
func (a *Application) LoadRunnableInstance(ctx context.Context) error {
	if err := a.checkLoadable(true); err != nil {
		return err
	}

	_, err := do(ctx, a, loading("LoadRunnableInstance"), noValue(a.loadRunnableBody))

	return err
}

func (a *Application) LoadRunnableInstanceAsync(ctx context.Context) *Future[struct{}] {
	if err := a.checkLoadable(true); err != nil {
		return resolved(none{}, err)
	}

	return doAsync(ctx, a, loading("LoadRunnableInstance"), noValue(a.loadRunnableBody))
}

func (a *Application) loadRunnableBody(ctx context.Context) error {
	if err := a.validateStateForLoad(); err != nil {
		return err
	}

	a.manager = persistence.NewManager(a.options.Store, "", a.options.HostType, a.options.Identity)

	ok, values, err := a.manager.TryLoadRunnable(ctx)
	if err != nil {
		return a.loadFailed(ctx, err)
	}

	if !ok {
		return a.loadFailed(ctx, ErrNoRunnableInstance)
	}

	a.setID(a.manager.InstanceID())

	return a.loadCore(ctx, values)
}

// LoadInstance loads an instance previously retrieved with GetInstance or GetRunnableInstance. The instance
// must have been created from the same definition identity as the application.
func (a *Application) LoadInstance(ctx context.Context, inst *WorkflowApplicationInstance) error {
	if err := a.checkLoadable(false); err != nil {
		return err
	}

	_, err := do(ctx, a, loading("LoadInstance"), noValue(func(ctx context.Context) error {
		return a.loadInstanceBody(ctx, inst)
	}))

	return err
}

func (a *Application) LoadInstanceAsync(ctx context.Context, inst *WorkflowApplicationInstance) *Future[struct{}] {
	if err := a.checkLoadable(false); err != nil {
		return resolved(none{}, err)
	}

	return doAsync(ctx, a, loading("LoadInstance"), noValue(func(ctx context.Context) error {
		return a.loadInstanceBody(ctx, inst)
	}))
}

func (a *Application) loadInstanceBody(ctx context.Context, inst *WorkflowApplicationInstance) error {
	if err := a.validateStateForLoad(); err != nil {
		return err
	}

	if id := inst.DefinitionIdentity(); !id.Equal(a.options.Identity) {
		return fmt.Errorf("%w: instance %q, definition %q", persistence.ErrIdentityMismatch, id.String(), a.options.Identity.String())
	}

	m, values, err := inst.take()
	if err != nil {
		return err
	}

	m.SetHostType(a.options.HostType)

	a.setID(m.InstanceID())
	a.manager = m

	return a.loadCore(ctx, values)
}

func (a *Application) checkLoadable(requiresStore bool) error {
	if requiresStore && a.options.Store == nil {
		return newStateError("", StateNoInstanceStore, nil)
	}

	if len(a.options.Inputs) > 0 {
		return ErrInputsWithLoad
	}

	return nil
}

func (a *Application) setID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.id = id
	a.idSet = true
	a.logger.Store(a.options.Logger.With(log.InstanceIDKey, id))
}

// loadCore restores the controller from loaded values and hands them to the persistence participants.
func (a *Application) loadCore(ctx context.Context, values persistence.Values) error {
	a.registerExtensions()

	pipeline := persistence.NewPipeline(a.log(), a.participants...)
	pipeline.SetLoadedValues(values)

	a.pipelineInUse.Store(pipeline)
	defer a.pipelineInUse.Store(nil)

	if err := pipeline.Load(ctx); err != nil {
		return a.loadFailed(ctx, err)
	}

	wf, ok := values[persistence.KeyWorkflow]
	if !ok {
		return a.loadFailed(ctx, fmt.Errorf("instance %s has no workflow state", a.id))
	}

	e, err := executor.Restore(a.id, a.root, wf.Data, &controllerHost{a}, a.executorOptions())
	if err != nil {
		return a.loadFailed(ctx, err)
	}

	a.mu.Lock()
	a.controller = e
	a.mu.Unlock()

	if err := pipeline.Publish(); err != nil {
		return a.loadFailed(ctx, err)
	}

	a.log().Debug("loaded workflow instance")

	return nil
}

// loadFailed releases whatever the failed load acquired and aborts the application.
func (a *Application) loadFailed(ctx context.Context, err error) error {
	if a.manager != nil {
		if uerr := a.manager.Unlock(ctx); uerr != nil {
			a.log().Warn("could not unlock instance after failed load", "error", uerr)
		}

		dctx, cancel := context.WithTimeout(context.Background(), a.options.DeleteOwnerTimeout)
		defer cancel()

		if derr := a.manager.DeleteOwner(dctx); derr != nil && !errors.Is(derr, persistence.ErrOwnerNotFound) {
			a.log().Warn("could not delete instance owner after failed load", "error", derr)
		}
	}

	a.abortInstance(fmt.Errorf("aborting due to load failure: %w", err), false)

	return err
}

func resolved[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(v, err)

	return f
}

// WorkflowApplicationInstance is a persisted instance that has been locked but not loaded into an application.
// It must either be loaded with Application.LoadInstance or released with Abandon.
type WorkflowApplicationInstance struct {
	mu      sync.Mutex
	manager *persistence.Manager
	values  persistence.Values
	used    bool
}

func (i *WorkflowApplicationInstance) InstanceID() string {
	return i.manager.InstanceID()
}

// DefinitionIdentity returns the identity of the definition the instance was created from.
func (i *WorkflowApplicationInstance) DefinitionIdentity() *core.DefinitionIdentity {
	return i.manager.DefinitionIdentity()
}

func (i *WorkflowApplicationInstance) take() (*persistence.Manager, persistence.Values, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.used {
		return nil, nil, ErrInstanceAlreadyLoaded
	}

	i.used = true

	return i.manager, i.values, nil
}

// Abandon unlocks the instance without loading it.
func (i *WorkflowApplicationInstance) Abandon(ctx context.Context) error {
	m, _, err := i.take()
	if err != nil {
		return err
	}

	if err := m.Unlock(ctx); err != nil {
		return err
	}

	if err := m.DeleteOwner(ctx); err != nil && !errors.Is(err, persistence.ErrOwnerNotFound) {
		return err
	}

	return nil
}

// GetInstance locks the persisted instance with the given id without loading it into an application.
func GetInstance(ctx context.Context, store *persistence.InstanceStore, instanceID string) (*WorkflowApplicationInstance, error) {
	m := persistence.NewManager(store, instanceID, "", persistence.UnknownIdentity)

	values, err := m.Load(ctx)
	if err != nil {
		return nil, releaseManager(ctx, m, err)
	}

	return &WorkflowApplicationInstance{manager: m, values: values}, nil
}

// GetRunnableInstance locks any runnable instance without loading it into an application.
func GetRunnableInstance(ctx context.Context, store *persistence.InstanceStore) (*WorkflowApplicationInstance, error) {
	m := persistence.NewManager(store, "", "", persistence.UnknownIdentity)

	ok, values, err := m.TryLoadRunnable(ctx)
	if err != nil {
		return nil, releaseManager(ctx, m, err)
	}

	if !ok {
		return nil, releaseManager(ctx, m, ErrNoRunnableInstance)
	}

	return &WorkflowApplicationInstance{manager: m, values: values}, nil
}

func releaseManager(ctx context.Context, m *persistence.Manager, err error) error {
	if derr := m.DeleteOwner(ctx); derr != nil && !errors.Is(derr, persistence.ErrOwnerNotFound) {
		return fmt.Errorf("%w (deleting owner: %v)", err, derr)
	}

	return err
}

// CreateDefaultInstanceOwner creates the owner that every application using store shares. Runnable instances
// are only loaded for owners of the same host type.
func CreateDefaultInstanceOwner(ctx context.Context, store *persistence.InstanceStore, hostType string) (*persistence.Owner, error) {
	if hostType == "" {
		hostType = DefaultHostType
	}

	return store.CreateDefaultOwner(ctx, hostType)
}

// DeleteDefaultInstanceOwner deletes the default owner of store and releases all its locks.
func DeleteDefaultInstanceOwner(ctx context.Context, store *persistence.InstanceStore) error {
	return store.DeleteDefaultOwner(ctx)
}
