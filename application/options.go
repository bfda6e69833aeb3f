package application

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-workflowapp/converter"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/internal/executor"
	mi "github.com/cschleiden/go-workflowapp/internal/metrics"
	"github.com/cschleiden/go-workflowapp/metrics"
	"github.com/cschleiden/go-workflowapp/persistence"
	"github.com/cschleiden/go-workflowapp/tracking"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const TracerName = "go-workflowapp/application"

// DefaultHostType is written with every instance saved by an application and used as the host type of owners
// created for it.
const DefaultHostType = "WorkflowApplication"

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	// Converter is used for inputs, bookmark values and persisted properties. If not explicitly set
	// converter.DefaultConverter is used.
	Converter converter.Converter

	Clock clock.Clock

	// Store persists the instance. Without a store the instance cannot be persisted or unloaded.
	Store *persistence.InstanceStore

	// Identity is the version of the workflow definition. It is saved with the instance and checked on load.
	Identity *core.DefinitionIdentity

	HostType string

	Inputs map[string]any

	Extensions []any

	TrackingParticipants []tracking.Participant

	// Dispatcher runs the activity scheduler. Defaults to a new goroutine per run.
	Dispatcher executor.Dispatcher

	Handlers Handlers

	// AcquireLockTimeout bounds how long an operation without a context deadline waits for its turn.
	AcquireLockTimeout time.Duration

	// InternalSaveTimeout bounds persistence started by the idle and completion pipelines.
	InternalSaveTimeout time.Duration

	// TrackingTimeout bounds flushing tracking records.
	TrackingTimeout time.Duration

	// DeleteOwnerTimeout bounds deleting an owner the application created for itself.
	DeleteOwnerTimeout time.Duration
}

var DefaultOptions Options = Options{
	Logger:              slog.Default(),
	Metrics:             mi.NewNoopMetricsClient(),
	TracerProvider:      noop.NewTracerProvider(),
	Converter:           converter.DefaultConverter,
	Clock:               clock.New(),
	HostType:            DefaultHostType,
	AcquireLockTimeout:  30 * time.Second,
	InternalSaveTimeout: 30 * time.Second,
	TrackingTimeout:     30 * time.Second,
	DeleteOwnerTimeout:  5 * time.Second,
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) Option {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithConverter(c converter.Converter) Option {
	return func(o *Options) {
		o.Converter = c
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithInstanceStore(store *persistence.InstanceStore) Option {
	return func(o *Options) {
		o.Store = store
	}
}

func WithIdentity(identity *core.DefinitionIdentity) Option {
	return func(o *Options) {
		o.Identity = identity
	}
}

func WithHostType(hostType string) Option {
	return func(o *Options) {
		o.HostType = hostType
	}
}

func WithInputs(inputs map[string]any) Option {
	return func(o *Options) {
		o.Inputs = inputs
	}
}

// WithExtension registers an extension. Extensions implementing InstanceExtension receive a proxy to the
// instance, extensions implementing persistence.Participant take part in every save and load, and activities
// can look up any extension by type.
func WithExtension(ext any) Option {
	return func(o *Options) {
		o.Extensions = append(o.Extensions, ext)
	}
}

func WithTrackingParticipant(p tracking.Participant) Option {
	return func(o *Options) {
		o.TrackingParticipants = append(o.TrackingParticipants, p)
	}
}

func WithDispatcher(d executor.Dispatcher) Option {
	return func(o *Options) {
		o.Dispatcher = d
	}
}

func WithHandlers(h Handlers) Option {
	return func(o *Options) {
		o.Handlers = h
	}
}

func WithAcquireLockTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.AcquireLockTimeout = d
	}
}

func WithInternalSaveTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.InternalSaveTimeout = d
	}
}

func ApplyOptions(opts ...Option) *Options {
	options := DefaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Metrics == nil {
		options.Metrics = mi.NewNoopMetricsClient()
	}

	if options.TracerProvider == nil {
		options.TracerProvider = noop.NewTracerProvider()
	}

	if options.Converter == nil {
		options.Converter = converter.DefaultConverter
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	return &options
}
