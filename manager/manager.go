// Package manager hosts many instances of one workflow definition. It keeps live instances in a cache, loads
// persisted instances on demand and picks up instances that became runnable in the instance store.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/application"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/internal/metrickeys"
	"github.com/cschleiden/go-workflowapp/log"
	"github.com/cschleiden/go-workflowapp/metrics"
	"github.com/cschleiden/go-workflowapp/persistence"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var ErrClosed = errors.New("instance manager is closed")

type cache = ttlcache.Cache[string, *application.Application]

type Manager struct {
	root    activity.Activity
	store   *persistence.InstanceStore
	options Options
	logger  *slog.Logger

	cache        *cache
	stopEviction func()
	loads        singleflight.Group

	closed atomic.Bool
}

// New creates a manager for instances of root persisted in store.
func New(root activity.Activity, store *persistence.InstanceStore, opts ...Option) *Manager {
	options := ApplyOptions(opts...)

	m := &Manager{
		root:    root,
		store:   store,
		options: options,
		logger:  options.Logger,
		cache: ttlcache.New(
			ttlcache.WithCapacity[string, *application.Application](uint64(options.CacheSize)),
			ttlcache.WithTTL[string, *application.Application](options.CacheTTL),
		),
	}

	m.stopEviction = m.cache.OnEviction(m.onEviction)

	go m.cache.Start()

	return m
}

// Start creates and runs a new instance with the given inputs and returns its id.
func (m *Manager) Start(ctx context.Context, inputs map[string]any) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}

	a := m.newApplication(application.WithInputs(inputs))

	id := uuid.NewString()
	if err := a.SetID(id); err != nil {
		return "", err
	}

	m.cache.Set(id, a, ttlcache.DefaultTTL)
	m.reportSize()

	if err := a.Run(ctx); err != nil {
		m.forget(id, a)
		return "", fmt.Errorf("starting instance: %w", err)
	}

	m.logger.Debug("started instance", log.InstanceIDKey, id)

	return id, nil
}

// ResumeBookmark resumes a bookmark of the instance with the given id, loading the instance if it is not live.
func (m *Manager) ResumeBookmark(ctx context.Context, instanceID string, b core.Bookmark, value any) (core.BookmarkResumptionResult, error) {
	for attempt := 0; ; attempt++ {
		a, err := m.Instance(ctx, instanceID)
		if err != nil {
			return core.ResumptionNotFound, err
		}

		result, err := a.ResumeBookmark(ctx, b, value)
		if attempt == 0 && stale(result, err) {
			// Unloaded after it was looked up, load it again.
			m.forget(instanceID, a)
			continue
		}

		return result, err
	}
}

// Instance returns the live application of an instance. Instances that are not live are loaded from the store
// but not run, the first resumption runs them. Loading an instance locked by another owner is retried until
// LockRetryTimeout.
func (m *Manager) Instance(ctx context.Context, instanceID string) (*application.Application, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	if item := m.cache.Get(instanceID); item != nil {
		return item.Value(), nil
	}

	v, err, _ := m.loads.Do(instanceID, func() (any, error) {
		if item := m.cache.Get(instanceID); item != nil {
			return item.Value(), nil
		}

		return m.load(ctx, instanceID)
	})
	if err != nil {
		return nil, err
	}

	return v.(*application.Application), nil
}

// Len returns the number of live instances.
func (m *Manager) Len() int {
	return m.cache.Len()
}

func (m *Manager) load(ctx context.Context, instanceID string) (*application.Application, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 5,
		MaxInterval:         time.Second * 1,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      m.options.LockRetryTimeout,
		Stop:                backoff.Stop,
		Clock:               m.options.Clock,
	}
	b.Reset()

	var a *application.Application
	err := backoff.RetryNotify(func() error {
		a = m.newApplication()

		err := a.Load(ctx, instanceID)
		if err == nil || errors.Is(err, persistence.ErrInstanceLocked) {
			return err
		}

		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		m.logger.Debug("instance is locked, retrying", log.InstanceIDKey, instanceID, log.DurationKey, d.Milliseconds())
	})
	if err != nil {
		return nil, fmt.Errorf("loading instance %s: %w", instanceID, err)
	}

	m.cache.Set(instanceID, a, ttlcache.DefaultTTL)
	m.reportSize()

	m.logger.Debug("loaded instance", log.InstanceIDKey, instanceID)

	return a, nil
}

// RunRunnable loads and runs instances that are ready to run until ctx is done. When there is nothing to run the
// store is polled with an exponential backoff capped at MaxPollInterval.
func (m *Manager) RunRunnable(ctx context.Context) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 10,
		MaxInterval:         m.options.MaxPollInterval,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		Stop:                backoff.Stop,
		Clock:               m.options.Clock,
	}
	b.Reset()

	for {
		if m.closed.Load() {
			return ErrClosed
		}

		loaded, err := m.loadRunnable(ctx)
		if err != nil {
			return err
		}

		if loaded {
			b.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.options.Clock.After(b.NextBackOff()):
		}
	}
}

func (m *Manager) loadRunnable(ctx context.Context) (bool, error) {
	a := m.newApplication()

	if err := a.LoadRunnableInstance(ctx); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if !errors.Is(err, application.ErrNoRunnableInstance) {
			m.logger.Warn("could not load runnable instance", "error", err)
		}

		return false, nil
	}

	id := a.ID()
	m.cache.Set(id, a, ttlcache.DefaultTTL)
	m.reportSize()

	if err := a.Run(ctx); err != nil {
		m.forget(id, a)
		m.logger.Warn("could not run instance", log.InstanceIDKey, id, "error", err)

		return false, nil
	}

	m.logger.Debug("loaded runnable instance", log.InstanceIDKey, id)

	return true, nil
}

// Close unloads all live instances.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.cache.Stop()

	var (
		mu   sync.Mutex
		errs error
	)

	g := errgroup.Group{}
	g.SetLimit(8)

	for id, item := range m.cache.Items() {
		a := item.Value()

		g.Go(func() error {
			if err := a.Unload(ctx); err != nil && !finished(err) {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("unloading instance %s: %w", id, err))
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	m.cache.DeleteAll()
	m.stopEviction()

	return errs
}

func (m *Manager) newApplication(opts ...application.Option) *application.Application {
	appOpts := []application.Option{
		application.WithLogger(m.options.Logger),
		application.WithMetrics(m.options.Metrics),
	}

	if m.options.ApplicationOptions != nil {
		appOpts = append(appOpts, m.options.ApplicationOptions()...)
	}

	appOpts = append(appOpts, application.WithInstanceStore(m.store))
	appOpts = append(appOpts, opts...)

	e := &entry{m: m}
	e.app = application.New(m.root, append(appOpts, application.WithHandlers(e.handlers()))...)

	return e.app
}

// forget removes a from the cache if it is still the live application of the instance.
func (m *Manager) forget(instanceID string, a *application.Application) {
	item := m.cache.Get(instanceID, ttlcache.WithDisableTouchOnHit[string, *application.Application]())
	if item == nil || item.Value() != a {
		return
	}

	m.cache.Delete(instanceID)
	m.reportSize()
}

func (m *Manager) onEviction(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *application.Application]) {
	m.options.Metrics.Counter(metrickeys.InstanceCacheEviction, metrics.Tags{metrickeys.EvictionReason: evictionReason(reason)}, 1)
	m.reportSize()

	if reason == ttlcache.EvictionReasonDeleted {
		return
	}

	m.logger.Debug("unloading evicted instance", log.InstanceIDKey, item.Key(), "reason", evictionReason(reason))

	ctx, cancel := context.WithTimeout(context.Background(), m.options.UnloadTimeout)
	defer cancel()

	if err := item.Value().Unload(ctx); err != nil && !finished(err) {
		m.logger.Error("could not unload evicted instance", log.InstanceIDKey, item.Key(), "error", err)
	}
}

func (m *Manager) reportSize() {
	m.options.Metrics.Gauge(metrickeys.InstanceCacheSize, metrics.Tags{}, int64(m.cache.Len()))
}

func evictionReason(r ttlcache.EvictionReason) string {
	switch r {
	case ttlcache.EvictionReasonDeleted:
		return "deleted"
	case ttlcache.EvictionReasonCapacityReached:
		return "capacity"
	case ttlcache.EvictionReasonExpired:
		return "expired"
	}

	return "unknown"
}

// stale reports whether a resumption hit an application that was unloaded after it was looked up.
func stale(result core.BookmarkResumptionResult, err error) bool {
	if err != nil {
		return errors.Is(err, application.ErrUnloaded)
	}

	return result == core.ResumptionNotReady
}

// finished reports whether err says the instance is gone anyway.
func finished(err error) bool {
	return errors.Is(err, application.ErrCompleted) ||
		errors.Is(err, application.ErrAborted) ||
		errors.Is(err, application.ErrTerminated) ||
		errors.Is(err, application.ErrUnloaded)
}
