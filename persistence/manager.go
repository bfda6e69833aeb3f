package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/internal/metrickeys"
	im "github.com/cschleiden/go-workflowapp/internal/metrics"
	"github.com/cschleiden/go-workflowapp/internal/tracing"
	"github.com/cschleiden/go-workflowapp/log"
	"github.com/cschleiden/go-workflowapp/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

type SaveOperation int

const (
	// SaveOperationSave persists the instance and keeps it locked.
	SaveOperationSave SaveOperation = iota

	// SaveOperationUnload persists the instance and releases the lock.
	SaveOperationUnload

	// SaveOperationComplete persists a completed instance and releases the lock.
	SaveOperationComplete
)

func (o SaveOperation) String() string {
	switch o {
	case SaveOperationSave:
		return "save"
	case SaveOperationUnload:
		return "unload"
	case SaveOperationComplete:
		return "complete"
	}

	return "unknown"
}

// UnknownIdentity is used by managers that load an instance without knowing which definition it was created from.
// The identity stored with the instance is not checked and can be read with DefinitionIdentity after loading.
var UnknownIdentity = &core.DefinitionIdentity{Name: "unknown"}

// Manager coordinates persistence for a single workflow instance: the owner it saves on behalf of, the lock it
// holds, and the metadata written with the first save.
type Manager struct {
	store    *InstanceStore
	provider Provider
	options  *Options
	logger   *slog.Logger
	metrics  metrics.Client
	tracer   trace.Tracer

	instanceID string
	hostType   string
	identity   *core.DefinitionIdentity
	loadedID   *core.DefinitionIdentity

	owner         *Owner
	createdOwner  bool
	initialized   bool
	locked        atomic.Bool
	metadataSaved atomic.Bool
	initialValues Values

	aborted atomic.Bool
}

func NewManager(store *InstanceStore, instanceID, hostType string, identity *core.DefinitionIdentity) *Manager {
	options := store.Options()

	return &Manager{
		store:      store,
		provider:   store.Provider(),
		options:    options,
		logger:     options.Logger,
		metrics:    options.Metrics,
		tracer:     options.TracerProvider.Tracer(TracerName),
		instanceID: instanceID,
		hostType:   hostType,
		identity:   identity,
	}
}

func (m *Manager) InstanceID() string {
	return m.instanceID
}

func (m *Manager) SetInstanceID(id string) {
	m.instanceID = id
}

func (m *Manager) OwnerID() string {
	if m.owner == nil {
		return ""
	}

	return m.owner.ID
}

// DefinitionIdentity returns the identity stored with the loaded instance, or the identity the manager was
// created with if nothing has been loaded yet.
func (m *Manager) DefinitionIdentity() *core.DefinitionIdentity {
	if m.loadedID != nil || m.identity == UnknownIdentity {
		return m.loadedID
	}

	return m.identity
}

func (m *Manager) HostType() string {
	return m.hostType
}

// SetHostType changes the host type written with every save. It does not touch already saved metadata.
func (m *Manager) SetHostType(hostType string) {
	m.hostType = hostType
}

// OwnerCreated reports whether the manager created its own owner instead of using the store's default owner.
func (m *Manager) OwnerCreated() bool {
	return m.createdOwner
}

func (m *Manager) IsInitialized() bool {
	return m.initialized
}

func (m *Manager) IsLocked() bool {
	return m.locked.Load()
}

// AddInitialValues adds write-only metadata that is merged into the first save.
func (m *Manager) AddInitialValues(v Values) {
	if m.initialValues == nil {
		m.initialValues = Values{}
	}

	for k, val := range v {
		val.Options |= WriteOnly
		m.initialValues[k] = val
	}
}

// Abort marks the manager as unusable. It is safe to call from any goroutine and does not perform I/O.
func (m *Manager) Abort() {
	m.aborted.Store(true)
}

func (m *Manager) check() error {
	if m.aborted.Load() {
		return ErrManagerAborted
	}

	return nil
}

// Initialize binds the manager to the store's default owner, or creates an owner of its own.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}

	if m.initialized {
		return nil
	}

	if o := m.store.DefaultOwner(); o != nil {
		m.owner = o
	} else {
		o := &Owner{ID: uuid.NewString(), HostType: m.hostType}
		if err := m.provider.CreateOwner(ctx, o); err != nil {
			return fmt.Errorf("creating instance owner: %w", err)
		}

		m.owner = o
		m.createdOwner = true
		m.logger.Debug("created instance owner", log.OwnerIDKey, o.ID, log.InstanceIDKey, m.instanceID)
	}

	m.initialized = true

	return nil
}

// EnsureReadiness initializes the manager if that has not happened yet.
func (m *Manager) EnsureReadiness(ctx context.Context) error {
	return m.Initialize(ctx)
}

// Save writes the instance data. If ctx carries a Scope and the store supports it, the save is enlisted in the
// scope instead of being committed right away.
func (m *Manager) Save(ctx context.Context, data Values, op SaveOperation) (err error) {
	if err := m.EnsureReadiness(ctx); err != nil {
		return err
	}

	ctx, span := tracing.StartInstanceSpan(ctx, m.tracer, "Persistence.Save", m.instanceID,
		attribute.String(tracing.PersistenceOperation, op.String()))
	defer span.End()

	tags := metrics.Tags{metrickeys.PersistenceOperation: op.String()}
	timer := im.NewTimer(m.metrics, m.options.Clock, metrickeys.PersistenceDuration, tags)
	defer timer.Stop()

	defer func() {
		if err != nil {
			m.metrics.Counter(metrickeys.PersistenceFailed, tags, 1)
		}
	}()

	cmd, err := m.saveCommand(data, op)
	if err != nil {
		return tracing.WithSpanError(span, err)
	}

	scope := ScopeFromContext(ctx)
	tp, transactional := m.provider.(TransactionalProvider)

	switch {
	case scope != nil && transactional:
		if err := m.enlist(ctx, scope, tp, cmd); err != nil {
			return tracing.WithSpanError(span, err)
		}
	default:
		if scope != nil {
			m.logger.Warn("instance store does not support transaction scopes, saving directly", log.InstanceIDKey, m.instanceID)
		}

		if err := m.provider.SaveInstance(ctx, cmd); err != nil {
			return tracing.WithSpanError(span, err)
		}

		m.saved(cmd)
	}

	m.metrics.Counter(metrickeys.InstancePersisted, tags, 1)
	m.logger.Debug("saved instance", log.InstanceIDKey, m.instanceID, log.PersistOpKey, op.String())

	return nil
}

func (m *Manager) enlist(ctx context.Context, scope *Scope, tp TransactionalProvider, cmd *SaveCommand) error {
	dep := scope.DependentClone()

	en, err := tp.BeginSaveInstance(ctx, cmd)
	if err != nil {
		dep.Rollback(err)
		return err
	}

	en = &savedEnlistment{Enlistment: en, m: m, cmd: cmd}
	if err := scope.Enlist(en); err != nil {
		dep.Complete()
		return multierr.Append(err, en.Rollback(ctx))
	}

	dep.Complete()

	return nil
}

// saved records that cmd reached the store.
func (m *Manager) saved(cmd *SaveCommand) {
	m.metadataSaved.Store(true)
	m.locked.Store(!cmd.Unlock)
}

// savedEnlistment applies the effects of an enlisted save on the manager once the scope commits it.
type savedEnlistment struct {
	Enlistment

	m   *Manager
	cmd *SaveCommand
}

func (e *savedEnlistment) Commit(ctx context.Context) error {
	if err := e.Enlistment.Commit(ctx); err != nil {
		return err
	}

	e.m.saved(e.cmd)

	return nil
}

func (m *Manager) saveCommand(data Values, op SaveOperation) (*SaveCommand, error) {
	cmd := &SaveCommand{
		InstanceID: m.instanceID,
		OwnerID:    m.owner.ID,
		Data:       data,
		HostType:   m.hostType,
		Unlock:     op != SaveOperationSave,
		Complete:   op == SaveOperationComplete,
	}

	if v, ok := data[KeyStatus]; ok {
		var status string
		if err := m.options.Converter.From(v.Data, &status); err != nil {
			return nil, fmt.Errorf("decoding instance status: %w", err)
		}

		cmd.Runnable = status == StatusExecuting
	}

	if v, ok := data[KeyNextTimer]; ok && len(v.Data) > 0 {
		var next time.Time
		if err := m.options.Converter.From(v.Data, &next); err != nil {
			return nil, fmt.Errorf("decoding next timer: %w", err)
		}

		cmd.NextTimer = next
	}

	if !m.metadataSaved.Load() {
		md, err := m.metadata()
		if err != nil {
			return nil, err
		}

		cmd.Metadata = md
	}

	return cmd, nil
}

func (m *Manager) metadata() (Values, error) {
	md := Values{}

	ht, err := m.options.Converter.To(m.hostType)
	if err != nil {
		return nil, err
	}

	md[KeyWorkflowHostType] = Value{Data: ht}

	if m.identity != nil && m.identity != UnknownIdentity {
		id, err := m.options.Converter.To(m.identity)
		if err != nil {
			return nil, err
		}

		md[KeyDefinitionIdentity] = Value{Data: id}
	}

	md.Merge(m.initialValues)

	return md, nil
}

// Load locks and loads the instance.
func (m *Manager) Load(ctx context.Context) (Values, error) {
	if err := m.EnsureReadiness(ctx); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartInstanceSpan(ctx, m.tracer, "Persistence.Load", m.instanceID)
	defer span.End()

	view, err := m.provider.LoadInstance(ctx, m.owner.ID, m.instanceID)
	if err != nil {
		return nil, tracing.WithSpanError(span, err)
	}

	data, err := m.loaded(ctx, view)
	return data, tracing.WithSpanError(span, err)
}

// TryLoadRunnable locks and loads any runnable instance. It returns false if there is none.
func (m *Manager) TryLoadRunnable(ctx context.Context) (bool, Values, error) {
	if err := m.EnsureReadiness(ctx); err != nil {
		return false, nil, err
	}

	view, err := m.provider.TryLoadRunnableInstance(ctx, m.owner.ID, m.options.Clock.Now())
	if err != nil {
		return false, nil, err
	}

	if view == nil {
		return false, nil, nil
	}

	m.instanceID = view.InstanceID

	data, err := m.loaded(ctx, view)
	if err != nil {
		return false, nil, err
	}

	return true, data, nil
}

func (m *Manager) loaded(ctx context.Context, view *InstanceView) (Values, error) {
	m.locked.Store(true)

	if err := m.checkMetadata(view.Metadata); err != nil {
		if uerr := m.Unlock(ctx); uerr != nil {
			m.logger.Warn("could not unlock instance after metadata mismatch", log.InstanceIDKey, m.instanceID, "error", uerr)
		}

		return nil, err
	}

	m.metadataSaved.Store(true)
	m.metrics.Counter(metrickeys.InstanceLoaded, metrics.Tags{}, 1)

	return view.Data, nil
}

func (m *Manager) checkMetadata(md Values) error {
	if v, ok := md[KeyWorkflowHostType]; ok {
		var hostType string
		if err := m.options.Converter.From(v.Data, &hostType); err != nil {
			return fmt.Errorf("decoding host type: %w", err)
		}

		if hostType != "" && m.hostType != "" && hostType != m.hostType {
			return fmt.Errorf("%w: instance %s, host %s", ErrHostTypeMismatch, hostType, m.hostType)
		}
	}

	var stored *core.DefinitionIdentity
	if v, ok := md[KeyDefinitionIdentity]; ok {
		if err := m.options.Converter.From(v.Data, &stored); err != nil {
			return fmt.Errorf("decoding definition identity: %w", err)
		}
	}

	m.loadedID = stored

	if m.identity == UnknownIdentity {
		return nil
	}

	if !stored.Equal(m.identity) {
		return fmt.Errorf("%w: instance %q, definition %q", ErrIdentityMismatch, stored.String(), m.identity.String())
	}

	return nil
}

// Unlock releases the instance lock if the manager holds it.
func (m *Manager) Unlock(ctx context.Context) error {
	if !m.locked.Load() {
		return nil
	}

	if err := m.provider.UnlockInstance(ctx, m.owner.ID, m.instanceID); err != nil {
		return err
	}

	m.locked.Store(false)

	return nil
}

// DeleteOwner deletes the owner if the manager created it. Locks held by the owner are released.
func (m *Manager) DeleteOwner(ctx context.Context) error {
	if !m.createdOwner {
		return nil
	}

	if err := m.provider.DeleteOwner(ctx, m.owner.ID); err != nil {
		return err
	}

	m.createdOwner = false
	m.locked.Store(false)
	m.logger.Debug("deleted instance owner", log.OwnerIDKey, m.owner.ID, log.InstanceIDKey, m.instanceID)

	return nil
}
