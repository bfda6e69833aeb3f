// Package application hosts a single workflow instance. It serializes every host operation through an
// operation queue, drives the execution controller, raises idle, completion and fault events, and coordinates
// persistence with the instance store.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/internal/executor"
	"github.com/cschleiden/go-workflowapp/internal/metrickeys"
	"github.com/cschleiden/go-workflowapp/internal/workflowerrors"
	"github.com/cschleiden/go-workflowapp/log"
	"github.com/cschleiden/go-workflowapp/metrics"
	"github.com/cschleiden/go-workflowapp/payload"
	"github.com/cschleiden/go-workflowapp/persistence"
	"github.com/cschleiden/go-workflowapp/tracking"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Controller runs the activities of one instance. All methods except RequestPause must only be called by the
// holder of the instance's turn.
type Controller interface {
	Run()
	RequestPause()
	PauseWhenPersistable()

	State() core.InstanceState
	IsPersistable() bool
	CompletionState() (core.ActivityInstanceState, map[string]payload.Payload, error)

	ScheduleBookmarkResumption(b core.Bookmark, value any) (core.BookmarkResumptionResult, error)
	ScheduleCancel()
	Terminate(reason error)
	Abort(reason error)

	Bookmarks() []core.BookmarkInfo
	MappedVariables() map[string]payload.Payload

	HasPendingTrackingRecords() bool
	Track(r tracking.Record)
	FlushTrackingRecords(ctx context.Context) error

	Snapshot() ([]byte, error)
}

var _ Controller = (*executor.Executor)(nil)

type Application struct {
	root    activity.Activity
	options *Options

	logger  atomic.Pointer[slog.Logger]
	metrics metrics.Client
	tracer  trace.Tracer

	// mu guards the queue and the fields it decides on.
	mu                sync.Mutex
	pending           []*operation
	busy              bool
	actionCount       int64
	pendingUnenqueued int

	state        atomic.Int32
	hasCalledRun atomic.Bool
	abortMu      sync.Mutex
	abortReason  error

	// Owned by the holder of the turn.
	id                                string
	idSet                             bool
	controller                        Controller
	manager                           *persistence.Manager
	initialValues                     persistence.Values
	hasRaisedCompleted                bool
	hasExecutionOccurredSinceLastIdle bool
	hasCalledAbort                    bool
	extensionsRegistered              bool
	participants                      []persistence.Participant

	pipelineInUse atomic.Pointer[persistence.Pipeline]

	// invokeCompleted replaces the completed and aborted handlers for Invoke.
	invokeCompleted func()
}

// New creates an application for a new instance of root. Use Load and its variants instead of Run to continue
// a persisted instance.
func New(root activity.Activity, opts ...Option) *Application {
	options := ApplyOptions(opts...)

	a := &Application{
		root:    root,
		options: options,
		metrics: options.Metrics,
		tracer:  options.TracerProvider.Tracer(TracerName),
	}
	a.logger.Store(options.Logger)

	return a
}

func (a *Application) log() *slog.Logger {
	return a.logger.Load()
}

// ID returns the instance id. It is assigned when the first operation runs, or when an instance is loaded.
func (a *Application) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.id
}

// SetID sets the id of a new instance. It fails once the application has been initialized.
func (a *Application) SetID(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.controller != nil {
		return newStateError(a.id, StateReadOnly, nil)
	}

	if a.idSet {
		return newStateError(a.id, StateAlreadyHasID, nil)
	}

	a.id = id
	a.idSet = true

	return nil
}

// AddInitialInstanceValues adds write-only metadata to the first save of the instance.
func (a *Application) AddInitialInstanceValues(values map[persistence.Key]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.controller != nil {
		return newStateError(a.id, StateReadOnly, nil)
	}

	if a.initialValues == nil {
		a.initialValues = persistence.Values{}
	}

	for k, v := range values {
		p, err := a.options.Converter.To(v)
		if err != nil {
			return fmt.Errorf("converting initial value %s: %w", k, err)
		}

		a.initialValues[k] = persistence.Value{Data: p, Options: persistence.WriteOnly}
	}

	return nil
}

// ensureInitialized creates the controller for a new instance. Must be called with the queue lock held.
func (a *Application) ensureInitialized() {
	if a.controller != nil || a.lifecycle() == stateAborted {
		return
	}

	if !a.idSet {
		a.id = uuid.NewString()
		a.idSet = true
	}

	a.logger.Store(a.options.Logger.With(log.InstanceIDKey, a.id))

	e, err := executor.New(a.id, a.root, a.options.Inputs, &controllerHost{a}, a.executorOptions())
	if err != nil {
		a.log().Error("could not create workflow instance", "error", err)
		a.setAborted(fmt.Errorf("creating workflow instance: %w", err))
		return
	}

	a.controller = e

	if a.options.Store != nil && a.manager == nil {
		a.manager = persistence.NewManager(a.options.Store, a.id, a.options.HostType, a.options.Identity)
		a.manager.AddInitialValues(a.initialValues)
	}

	a.registerExtensions()

	a.metrics.Counter(metrickeys.InstanceCreated, metrics.Tags{}, 1)
	a.log().Debug("created workflow instance")
}

func (a *Application) executorOptions() executor.Options {
	return executor.Options{
		Logger:               a.options.Logger,
		Clock:                a.options.Clock,
		Converter:            a.options.Converter,
		Dispatcher:           a.options.Dispatcher,
		Extensions:           a.options.Extensions,
		TrackingParticipants: a.options.TrackingParticipants,
	}
}

// InstanceExtension is implemented by extensions that need to act on the instance they are attached to.
type InstanceExtension interface {
	SetInstance(proxy *InstanceProxy)
}

// Disposer is implemented by extensions that hold resources until the instance completes or is unloaded.
type Disposer interface {
	Dispose()
}

func (a *Application) registerExtensions() {
	if a.extensionsRegistered {
		return
	}

	a.extensionsRegistered = true
	a.participants = []persistence.Participant{&coreValues{a}}

	proxy := &InstanceProxy{a: a}
	for _, ext := range a.options.Extensions {
		if ie, ok := ext.(InstanceExtension); ok {
			ie.SetInstance(proxy)
		}

		if p, ok := ext.(persistence.Participant); ok {
			a.participants = append(a.participants, p)
		}
	}
}

func (a *Application) disposeExtensions() {
	for _, ext := range a.options.Extensions {
		if d, ok := ext.(Disposer); ok {
			d.Dispose()
		}
	}
}

// controllerHost receives the controller's notifications without exposing them on Application.
type controllerHost struct {
	a *Application
}

func (h *controllerHost) NotifyPaused() {
	h.a.onNotifyPaused()
}

func (h *controllerHost) NotifyUnhandledException(err error, sourceActivityID string) {
	h.a.onNotifyUnhandledException(err, sourceActivityID)
}

type handlerKey struct{}

// handlerContext returns the context passed to event handlers.
func (a *Application) handlerContext() context.Context {
	return context.WithValue(context.Background(), handlerKey{}, a)
}

func (a *Application) checkHandler(ctx context.Context) error {
	if h, ok := ctx.Value(handlerKey{}).(*Application); ok && h == a {
		return newStateError(a.id, StateHandlerReentrant, nil)
	}

	return nil
}

// callHandler invokes a user handler and turns a panic into an error.
func callHandler(fn func() error) error {
	err := workflowerrors.Call(fn)

	var pe *workflowerrors.PanicError
	if errors.As(err, &pe) {
		return fmt.Errorf("event handler panicked: %w", err)
	}

	return err
}

func (a *Application) internalContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.options.InternalSaveTimeout)
}

func (a *Application) flushTracking(ctx context.Context) error {
	if a.controller == nil || !a.controller.HasPendingTrackingRecords() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.options.TrackingTimeout)
	defer cancel()

	return a.controller.FlushTrackingRecords(ctx)
}

func (a *Application) trackInstance(state string) {
	if a.controller != nil {
		a.controller.Track(tracking.Record{Kind: tracking.KindWorkflowInstance, State: state})
	}
}
