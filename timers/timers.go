// Package timers provides durable timers for workflow instances. Activities register a bookmark with a due
// time, the extension resumes it once the time has come and saves pending timers with the instance.
package timers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-workflowapp/application"
	"github.com/cschleiden/go-workflowapp/converter"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/log"
	"github.com/cschleiden/go-workflowapp/payload"
	"github.com/cschleiden/go-workflowapp/persistence"
)

type timer struct {
	Bookmark core.Bookmark `json:"bookmark"`
	At       time.Time     `json:"at"`

	// firing is set while a resumption of the bookmark is in flight.
	firing bool
}

type Option func(*Extension)

// WithClock sets the clock timers are scheduled on. It should be the clock of the application.
func WithClock(c clock.Clock) Option {
	return func(e *Extension) {
		e.clock = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) {
		e.logger = logger
	}
}

// WithRetryDelay sets how long to wait before firing a timer again whose instance was not ready.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Extension) {
		e.retryDelay = d
	}
}

// Extension is the timer table of a single instance. Every application needs its own extension.
type Extension struct {
	clock      clock.Clock
	logger     *slog.Logger
	conv       converter.Converter
	retryDelay time.Duration

	mu       sync.Mutex
	proxy    *application.InstanceProxy
	timers   []*timer
	armed    *clock.Timer
	armedFor *timer
	disposed bool
}

var (
	_ application.InstanceExtension = (*Extension)(nil)
	_ application.Disposer          = (*Extension)(nil)
	_ persistence.Participant       = (*Extension)(nil)
)

func New(opts ...Option) *Extension {
	e := &Extension{
		clock:      clock.New(),
		logger:     slog.Default(),
		conv:       converter.DefaultConverter,
		retryDelay: time.Second,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Extension) SetInstance(proxy *application.InstanceProxy) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.proxy = proxy
	e.schedule()
}

// Register resumes b once at has passed. The bookmark is resumed with a nil value.
func (e *Extension) Register(b core.Bookmark, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Debug("registering timer", log.BookmarkKey, b.String(), log.NowKey, e.clock.Now(), log.AtKey, at)

	t := &timer{Bookmark: b, At: at}
	i, _ := slices.BinarySearchFunc(e.timers, t, compareTimers)
	e.timers = slices.Insert(e.timers, i, t)

	e.schedule()
}

// Unregister removes the timer of b and reports whether there was one.
func (e *Extension) Unregister(b core.Bookmark) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := slices.IndexFunc(e.timers, func(t *timer) bool { return t.Bookmark == b })
	if i < 0 {
		return false
	}

	e.timers = slices.Delete(e.timers, i, i+1)
	e.schedule()

	return true
}

// NextTimer returns the due time of the earliest pending timer.
func (e *Extension) NextTimer() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.timers) == 0 {
		return time.Time{}, false
	}

	return e.timers[0].At, true
}

// Dispose stops all timers. It is called once the instance completed or was unloaded.
func (e *Extension) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.disposed = true
	e.timers = nil
	e.stop()
}

func compareTimers(a, b *timer) int {
	return a.At.Compare(b.At)
}

// schedule arms the wall-clock timer for the earliest entry that is not firing. Must be called with the lock
// held.
func (e *Extension) schedule() {
	if e.disposed || e.proxy == nil {
		e.stop()
		return
	}

	i := slices.IndexFunc(e.timers, func(t *timer) bool { return !t.firing })
	if i < 0 {
		e.stop()
		return
	}

	next := e.timers[i]
	if e.armedFor == next {
		return
	}

	e.stop()
	e.armedFor = next
	e.armed = e.clock.AfterFunc(next.At.Sub(e.clock.Now()), func() {
		e.fire(next)
	})
}

func (e *Extension) stop() {
	if e.armed != nil {
		e.armed.Stop()
	}

	e.armed = nil
	e.armedFor = nil
}

func (e *Extension) pending(t *timer) bool {
	return !e.disposed && slices.Index(e.timers, t) >= 0
}

func (e *Extension) fire(t *timer) {
	e.mu.Lock()
	if e.disposed || e.armedFor != t {
		e.mu.Unlock()
		return
	}

	e.armed = nil
	e.armedFor = nil
	t.firing = true
	e.schedule()

	proxy := e.proxy
	e.mu.Unlock()

	e.resume(proxy, t)
}

// retry resumes t again after it could not be resumed before.
func (e *Extension) retry(t *timer) {
	e.mu.Lock()
	if !e.pending(t) {
		e.mu.Unlock()
		return
	}

	proxy := e.proxy
	e.mu.Unlock()

	e.resume(proxy, t)
}

func (e *Extension) resume(proxy *application.InstanceProxy, t *timer) {
	e.logger.Debug("timer fired", log.InstanceIDKey, proxy.ID(), log.BookmarkKey, t.Bookmark.String(), log.AtKey, t.At)

	result, err := proxy.ResumeBookmark(context.Background(), t.Bookmark, nil)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.settle(t, result, err)
}

// resumeDue queues the resumption of a timer that was already due when the instance was loaded. The operation
// is queued before the instance can raise idle. Must be called with the lock held.
func (e *Extension) resumeDue(t *timer) {
	f := e.proxy.ResumeBookmarkAsync(context.Background(), t.Bookmark, nil)

	go func() {
		result, err := f.Get(context.Background())

		e.mu.Lock()
		defer e.mu.Unlock()

		e.settle(t, result, err)
	}()
}

// settle removes a resumed timer from the table, or schedules another attempt if the instance was not ready.
// Must be called with the lock held.
func (e *Extension) settle(t *timer, result core.BookmarkResumptionResult, err error) {
	if !e.pending(t) {
		t.firing = false
		return
	}

	if (err == nil && result == core.ResumptionNotReady) || errors.Is(err, application.ErrTimeout) {
		e.logger.Debug("instance not ready for timer, retrying", log.BookmarkKey, t.Bookmark.String(), "error", err)
		e.clock.AfterFunc(e.retryDelay, func() {
			e.retry(t)
		})

		return
	}

	if err != nil {
		e.logger.Warn("could not resume timer bookmark", log.BookmarkKey, t.Bookmark.String(), "error", err)
	}

	i := slices.Index(e.timers, t)
	e.timers = slices.Delete(e.timers, i, i+1)
	t.firing = false
	e.schedule()
}

func (e *Extension) CollectValues() (map[persistence.Key]payload.Payload, map[persistence.Key]payload.Payload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.timers) == 0 {
		return nil, nil, nil
	}

	table, err := e.conv.To(e.timers)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding timers: %w", err)
	}

	next, err := e.conv.To(e.timers[0].At.UTC())
	if err != nil {
		return nil, nil, fmt.Errorf("encoding next timer: %w", err)
	}

	return map[persistence.Key]payload.Payload{persistence.KeyTimers: table},
		map[persistence.Key]payload.Payload{persistence.KeyNextTimer: next},
		nil
}

func (e *Extension) MapValues(map[persistence.Key]payload.Payload, map[persistence.Key]payload.Payload) (map[persistence.Key]payload.Payload, error) {
	return nil, nil
}

// PublishValues restores the timer table of a loaded instance. Timers that are already due are resumed once the
// instance runs, the earliest of the others is armed.
func (e *Extension) PublishValues(readWrite map[persistence.Key]payload.Payload) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stop()
	e.timers = nil

	p, ok := readWrite[persistence.KeyTimers]
	if !ok {
		return nil
	}

	if err := e.conv.From(p, &e.timers); err != nil {
		return fmt.Errorf("decoding timers: %w", err)
	}

	slices.SortStableFunc(e.timers, compareTimers)

	now := e.clock.Now()
	for _, t := range e.timers {
		if e.proxy == nil || t.At.After(now) {
			break
		}

		t.firing = true
		e.resumeDue(t)
	}

	e.schedule()

	return nil
}
