package manager

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-workflowapp/application"
	mi "github.com/cschleiden/go-workflowapp/internal/metrics"
	"github.com/cschleiden/go-workflowapp/metrics"
)

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	// Clock drives polling and retries. Instances use the clock passed with ApplicationOptions.
	Clock clock.Clock

	// CacheSize is the maximum number of live instances. The least recently used instance is unloaded when a new
	// one does not fit.
	CacheSize int

	// CacheTTL is how long an instance stays loaded after it was last used.
	CacheTTL time.Duration

	// IdleAction is taken whenever a cached instance becomes idle at a persistable point.
	IdleAction application.PersistableIdleAction

	// Handlers are called for every instance in addition to the bookkeeping of the manager.
	Handlers application.Handlers

	// ApplicationOptions returns the options for a new application. It is called once per application, so
	// extensions holding per-instance state must be created inside it.
	ApplicationOptions func() []application.Option

	// LockRetryTimeout bounds how long loading waits for an instance locked by another owner.
	LockRetryTimeout time.Duration

	// MaxPollInterval caps the backoff between looking for runnable instances.
	MaxPollInterval time.Duration

	// UnloadTimeout bounds unloading an evicted instance.
	UnloadTimeout time.Duration
}

var DefaultOptions Options = Options{
	Logger:           slog.Default(),
	Metrics:          mi.NewNoopMetricsClient(),
	Clock:            clock.New(),
	CacheSize:        128,
	CacheTTL:         10 * time.Minute,
	IdleAction:       application.PersistableIdlePersist,
	LockRetryTimeout: 30 * time.Second,
	MaxPollInterval:  5 * time.Second,
	UnloadTimeout:    30 * time.Second,
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

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithCacheSize(size int) Option {
	return func(o *Options) {
		o.CacheSize = size
	}
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.CacheTTL = ttl
	}
}

func WithIdleAction(action application.PersistableIdleAction) Option {
	return func(o *Options) {
		o.IdleAction = action
	}
}

func WithHandlers(h application.Handlers) Option {
	return func(o *Options) {
		o.Handlers = h
	}
}

func WithApplicationOptions(f func() []application.Option) Option {
	return func(o *Options) {
		o.ApplicationOptions = f
	}
}

func WithLockRetryTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.LockRetryTimeout = d
	}
}

func WithMaxPollInterval(d time.Duration) Option {
	return func(o *Options) {
		o.MaxPollInterval = d
	}
}

func ApplyOptions(opts ...Option) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	return options
}
