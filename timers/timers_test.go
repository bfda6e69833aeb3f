package timers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/application"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/persistence"
	"github.com/cschleiden/go-workflowapp/persistence/memory"
	"github.com/cschleiden/go-workflowapp/timers"
	"github.com/stretchr/testify/require"
)

type sleep struct {
	d time.Duration
}

func (s *sleep) CanInduceIdle() bool { return true }

func (s *sleep) Execute(ctx activity.Context) error {
	ext, ok := activity.GetExtension[*timers.Extension](ctx)
	if !ok {
		return errors.New("timer extension missing")
	}

	b, err := ctx.CreateBookmark("", s.OnTimer)
	if err != nil {
		return err
	}

	ext.Register(b, ctx.Now().Add(s.d))

	return nil
}

func (s *sleep) OnTimer(ctx activity.Context, b core.Bookmark, v activity.Value) error {
	return ctx.SetOutput("woke", ctx.Now())
}

type events struct {
	idle      chan struct{}
	completed chan application.CompletedEvent
}

func newEvents() *events {
	return &events{
		idle:      make(chan struct{}, 10),
		completed: make(chan application.CompletedEvent, 10),
	}
}

func (ev *events) handlers() application.Handlers {
	return application.Handlers{
		OnIdle: func(ctx context.Context, _ application.IdleEvent) error {
			ev.idle <- struct{}{}
			return nil
		},
		OnCompleted: func(ctx context.Context, e application.CompletedEvent) error {
			ev.completed <- e
			return nil
		},
	}
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	var zero T
	return zero
}

// advance moves the clock until a completion was observed. Timer callbacks of the mock clock run on their own
// goroutines.
func advance(t *testing.T, mc *clock.Mock, d time.Duration, completed <-chan application.CompletedEvent) application.CompletedEvent {
	t.Helper()

	mc.Add(d)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-completed:
			return ev
		case <-deadline:
			t.Fatal("instance did not complete")
		case <-time.After(10 * time.Millisecond):
			mc.Add(time.Millisecond)
		}
	}
}

func Test_Extension_ResumesDueTimer(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMock()
	ext := timers.New(timers.WithClock(mc))
	ev := newEvents()

	a := application.New(&sleep{d: time.Minute},
		application.WithClock(mc), application.WithExtension(ext), application.WithHandlers(ev.handlers()))

	require.NoError(t, a.Run(ctx))
	wait(t, ev.idle)

	at, ok := ext.NextTimer()
	require.True(t, ok)
	require.Equal(t, mc.Now().Add(time.Minute), at)

	mc.Add(30 * time.Second)
	select {
	case <-ev.completed:
		t.Fatal("timer fired early")
	case <-time.After(20 * time.Millisecond):
	}

	completed := advance(t, mc, 30*time.Second, ev.completed)
	require.Equal(t, core.ActivityInstanceStateClosed, completed.CompletionState)

	require.Eventually(t, func() bool {
		_, ok := ext.NextTimer()
		return !ok
	}, 5*time.Second, time.Millisecond)
}

func Test_Extension_Unregister(t *testing.T) {
	ext := timers.New()
	b := core.Bookmark{ID: 1}

	ext.Register(b, time.Now().Add(time.Hour))
	ext.Register(core.Bookmark{ID: 2}, time.Now().Add(time.Minute))

	at, ok := ext.NextTimer()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(time.Minute), at, time.Second)

	require.True(t, ext.Unregister(core.Bookmark{ID: 2}))
	require.False(t, ext.Unregister(core.Bookmark{ID: 2}))

	at, ok = ext.NextTimer()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(time.Hour), at, time.Second)

	ext.Dispose()
}

func Test_Extension_SurvivesUnload(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMock()
	store := persistence.NewInstanceStore(memory.NewMemoryStore(), persistence.WithClock(mc))
	ev := newEvents()

	a := application.New(&sleep{d: time.Minute},
		application.WithClock(mc),
		application.WithExtension(timers.New(timers.WithClock(mc))),
		application.WithInstanceStore(store),
		application.WithHandlers(ev.handlers()))

	require.NoError(t, a.Run(ctx))
	wait(t, ev.idle)
	require.NoError(t, a.Unload(ctx))

	// Nothing is runnable before the timer is due.
	a2 := application.New(&sleep{d: time.Minute}, application.WithClock(mc), application.WithInstanceStore(store))
	require.ErrorIs(t, a2.LoadRunnableInstance(ctx), application.ErrNoRunnableInstance)

	mc.Add(time.Minute)

	ev3 := newEvents()
	ext := timers.New(timers.WithClock(mc), timers.WithRetryDelay(time.Millisecond))
	a3 := application.New(&sleep{d: time.Minute},
		application.WithClock(mc),
		application.WithExtension(ext),
		application.WithInstanceStore(store),
		application.WithHandlers(ev3.handlers()))

	require.NoError(t, a3.LoadRunnableInstance(ctx))
	require.Equal(t, a.ID(), a3.ID())

	_, ok := ext.NextTimer()
	require.True(t, ok)

	require.NoError(t, a3.Run(ctx))

	completed := advance(t, mc, 0, ev3.completed)
	require.Equal(t, core.ActivityInstanceStateClosed, completed.CompletionState)
}

func Test_Extension_DueTimerResumesBeforeIdle(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMock()
	store := persistence.NewInstanceStore(memory.NewMemoryStore(), persistence.WithClock(mc))
	ev := newEvents()

	a := application.New(&sleep{d: time.Minute},
		application.WithClock(mc),
		application.WithExtension(timers.New(timers.WithClock(mc))),
		application.WithInstanceStore(store),
		application.WithHandlers(ev.handlers()))

	require.NoError(t, a.Run(ctx))
	wait(t, ev.idle)
	require.NoError(t, a.Unload(ctx))

	mc.Add(time.Minute)

	ev2 := newEvents()
	h := ev2.handlers()
	h.OnPersistableIdle = func(context.Context, application.IdleEvent) (application.PersistableIdleAction, error) {
		return application.PersistableIdleUnload, nil
	}

	a2 := application.New(&sleep{d: time.Minute},
		application.WithClock(mc),
		application.WithExtension(timers.New(timers.WithClock(mc))),
		application.WithInstanceStore(store),
		application.WithHandlers(h))

	require.NoError(t, a2.LoadRunnableInstance(ctx))
	require.NoError(t, a2.Run(ctx))

	// The clock is not advanced again, the due timer is resumed as part of running the loaded instance.
	completed := wait(t, ev2.completed)
	require.Equal(t, core.ActivityInstanceStateClosed, completed.CompletionState)
	require.Empty(t, ev2.idle)
}
