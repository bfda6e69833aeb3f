package application

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/persistence"
	"github.com/cschleiden/go-workflowapp/persistence/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// receive waits for a bookmark and completes with the value it was resumed with.
type receive struct {
	bookmark string
}

func (r *receive) CanInduceIdle() bool { return true }

func (r *receive) Execute(ctx activity.Context) error {
	_, err := ctx.CreateBookmark(r.bookmark, r.OnResume)
	return err
}

func (r *receive) OnResume(ctx activity.Context, b core.Bookmark, v activity.Value) error {
	var i int
	if err := v.Decode(&i); err != nil {
		return err
	}

	return ctx.SetOutput("result", i)
}

type echo struct{}

func (e *echo) Execute(ctx activity.Context) error {
	var v string
	if err := ctx.GetVariable("in", &v); err != nil {
		return err
	}

	return ctx.SetOutput("out", v)
}

type fail struct{}

func (f *fail) Execute(ctx activity.Context) error {
	return errors.New("activity failed")
}

type recorder struct {
	idle      chan IdleEvent
	completed chan CompletedEvent
	aborted   chan AbortedEvent
	unloaded  chan UnloadedEvent
}

func newRecorder() *recorder {
	return &recorder{
		idle:      make(chan IdleEvent, 10),
		completed: make(chan CompletedEvent, 10),
		aborted:   make(chan AbortedEvent, 10),
		unloaded:  make(chan UnloadedEvent, 10),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnIdle: func(ctx context.Context, ev IdleEvent) error {
			r.idle <- ev
			return nil
		},
		OnCompleted: func(ctx context.Context, ev CompletedEvent) error {
			r.completed <- ev
			return nil
		},
		OnAborted: func(ctx context.Context, ev AbortedEvent) {
			r.aborted <- ev
		},
		OnUnloaded: func(ctx context.Context, ev UnloadedEvent) error {
			r.unloaded <- ev
			return nil
		},
	}
}

func receiveEvent[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	var zero T
	return zero
}

func requireNoEvent[T any](t *testing.T, ch <-chan T) {
	t.Helper()

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// waitReleased waits until nothing holds the instance anymore.
func waitReleased(t *testing.T, a *Application) {
	t.Helper()

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()

		return !a.busy
	}, 5*time.Second, time.Millisecond)
}

// hold acquires the turn of a without running anything.
func hold(t *testing.T, a *Application) *operation {
	t.Helper()

	op := runnable("Hold")
	require.NoError(t, a.waitForTurn(context.Background(), op))

	return op
}

func Test_Application_ResumeCompletesInstance(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	r := newRecorder()
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()))

	require.NoError(t, a.Run(ctx))

	ev := receiveEvent(t, r.idle)
	require.Equal(t, a.ID(), ev.InstanceID)
	require.Equal(t, []core.BookmarkInfo{{Name: "B1", OwnerDisplayName: "receive"}}, ev.Bookmarks)

	result, err := a.ResumeBookmark(ctx, core.NewBookmark("B1"), 42)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionSuccess, result)

	completed := receiveEvent(t, r.completed)
	require.Equal(t, core.ActivityInstanceStateClosed, completed.CompletionState)
	require.NoError(t, completed.TerminationError)

	var out int
	require.NoError(t, completed.Outputs.Get("result", &out))
	require.Equal(t, 42, out)

	receiveEvent(t, r.unloaded)

	result, err = a.ResumeBookmark(ctx, core.NewBookmark("B1"), 43)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionNotFound, result)

	requireNoEvent(t, r.completed)
	waitReleased(t, a)
}

func Test_Application_ResumeUnknownBookmark(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()))

	require.NoError(t, a.Run(ctx))
	receiveEvent(t, r.idle)

	result, err := a.ResumeBookmark(ctx, core.NewBookmark("B2"), 1)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionNotFound, result)

	bookmarks, err := a.GetBookmarks(ctx)
	require.NoError(t, err)
	require.Len(t, bookmarks, 1)
}

func Test_Application_ResumeBeforeRun(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()))

	result, err := a.ResumeBookmark(ctx, core.NewBookmark("B1"), 7)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionSuccess, result)

	completed := receiveEvent(t, r.completed)

	var out int
	require.NoError(t, completed.Outputs.Get("result", &out))
	require.Equal(t, 7, out)

	// The instance went idle only while the resumption was waiting for its turn.
	requireNoEvent(t, r.idle)
	waitReleased(t, a)
}

func Test_Application_ResumeAsync(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()))

	_, err := a.RunAsync(ctx).Get(ctx)
	require.NoError(t, err)
	receiveEvent(t, r.idle)

	result, err := a.ResumeBookmarkAsync(ctx, core.NewBookmark("B1"), 5).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionSuccess, result)

	completed := receiveEvent(t, r.completed)

	var out int
	require.NoError(t, completed.Outputs.Get("result", &out))
	require.Equal(t, 5, out)

	waitReleased(t, a)
}

func Test_Application_ResumeAfterUnloadIsNotReady(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()
	store := persistence.NewInstanceStore(memory.NewMemoryStore())
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()), WithInstanceStore(store))

	require.NoError(t, a.Run(ctx))
	receiveEvent(t, r.idle)

	require.NoError(t, a.Unload(ctx))
	receiveEvent(t, r.unloaded)
	require.Equal(t, stateUnloaded, a.lifecycle())

	result, err := a.ResumeBookmark(ctx, core.NewBookmark("B1"), 1)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionNotReady, result)

	err = a.Run(ctx)
	require.ErrorIs(t, err, ErrUnloaded)

	// Unloading twice is allowed.
	require.NoError(t, a.Unload(ctx))
}

func Test_Application_UnloadAndLoad(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInstanceStore(memory.NewMemoryStore())
	identity := &core.DefinitionIdentity{Name: "receive", Version: "1"}

	r := newRecorder()
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()), WithInstanceStore(store), WithIdentity(identity))

	require.NoError(t, a.Run(ctx))
	receiveEvent(t, r.idle)
	require.NoError(t, a.Unload(ctx))
	receiveEvent(t, r.unloaded)

	r2 := newRecorder()
	a2 := New(&receive{bookmark: "B1"}, WithHandlers(r2.handlers()), WithInstanceStore(store), WithIdentity(identity))
	require.NoError(t, a2.Load(ctx, a.ID()))
	require.Equal(t, a.ID(), a2.ID())

	bookmarks, err := a2.GetBookmarks(ctx)
	require.NoError(t, err)
	require.Equal(t, []core.BookmarkInfo{{Name: "B1", OwnerDisplayName: "receive"}}, bookmarks)

	result, err := a2.ResumeBookmark(ctx, core.NewBookmark("B1"), 42)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionSuccess, result)

	completed := receiveEvent(t, r2.completed)

	var out int
	require.NoError(t, completed.Outputs.Get("result", &out))
	require.Equal(t, 42, out)

	receiveEvent(t, r2.unloaded)

	// Completed instances cannot be loaded again.
	a3 := New(&receive{bookmark: "B1"}, WithInstanceStore(store), WithIdentity(identity))
	require.Error(t, a3.Load(ctx, a.ID()))
	waitReleased(t, a3)
}

func Test_Application_LoadWithOtherIdentity(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInstanceStore(memory.NewMemoryStore())

	r := newRecorder()
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()), WithInstanceStore(store),
		WithIdentity(&core.DefinitionIdentity{Name: "receive", Version: "1"}))

	require.NoError(t, a.Run(ctx))
	receiveEvent(t, r.idle)
	require.NoError(t, a.Unload(ctx))

	inst, err := GetInstance(ctx, store, a.ID())
	require.NoError(t, err)
	require.Equal(t, "receive; Version=1", inst.DefinitionIdentity().String())

	a2 := New(&receive{bookmark: "B1"}, WithInstanceStore(store), WithIdentity(&core.DefinitionIdentity{Name: "receive", Version: "2"}))
	require.ErrorIs(t, a2.LoadInstance(ctx, inst), persistence.ErrIdentityMismatch)

	require.NoError(t, inst.Abandon(ctx))
	require.ErrorIs(t, inst.Abandon(ctx), ErrInstanceAlreadyLoaded)
}

func Test_Application_LoadRequiresStore(t *testing.T) {
	a := New(&receive{bookmark: "B1"})

	require.ErrorIs(t, a.Load(context.Background(), "i1"), ErrNoInstanceStore)

	store := persistence.NewInstanceStore(memory.NewMemoryStore())
	a = New(&echo{}, WithInstanceStore(store), WithInputs(map[string]any{"in": "x"}))

	require.ErrorIs(t, a.Load(context.Background(), "i1"), ErrInputsWithLoad)
}

func Test_Application_LoadRunnableInstance(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInstanceStore(memory.NewMemoryStore())

	a := New(&receive{bookmark: "B1"}, WithInstanceStore(store))
	require.ErrorIs(t, a.LoadRunnableInstance(ctx), ErrNoRunnableInstance)
	waitReleased(t, a)

	_, err := a.GetBookmarks(ctx)
	require.ErrorIs(t, err, ErrAborted)
}

func Test_Application_PersistKeepsInstanceLoaded(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()
	store := persistence.NewInstanceStore(memory.NewMemoryStore())
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()), WithInstanceStore(store))

	require.NoError(t, a.Run(ctx))
	receiveEvent(t, r.idle)

	require.NoError(t, a.Persist(ctx))
	require.Equal(t, stateRunnable, a.lifecycle())

	result, err := a.ResumeBookmark(ctx, core.NewBookmark("B1"), 3)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionSuccess, result)

	receiveEvent(t, r.completed)
	receiveEvent(t, r.unloaded)
	waitReleased(t, a)
}

func Test_Application_PersistRequiresStore(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()))

	require.NoError(t, a.Run(ctx))
	receiveEvent(t, r.idle)

	require.ErrorIs(t, a.Persist(ctx), ErrNoInstanceStore)
	require.ErrorIs(t, a.Unload(ctx), ErrNoInstanceStore)

	var se *StateError
	require.ErrorAs(t, a.Persist(ctx), &se)
	require.Equal(t, StateNoInstanceStore, se.Kind)
	require.Equal(t, a.ID(), se.InstanceID)
}

func Test_Application_PersistableIdleUnload(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInstanceStore(memory.NewMemoryStore())

	r := newRecorder()
	h := r.handlers()
	h.OnPersistableIdle = func(ctx context.Context, ev IdleEvent) (PersistableIdleAction, error) {
		return PersistableIdleUnload, nil
	}

	a := New(&receive{bookmark: "B1"}, WithHandlers(h), WithInstanceStore(store))
	require.NoError(t, a.Run(ctx))

	receiveEvent(t, r.idle)
	receiveEvent(t, r.unloaded)
	waitReleased(t, a)

	a2 := New(&receive{bookmark: "B1"}, WithInstanceStore(store))
	require.NoError(t, a2.Load(ctx, a.ID()))
	require.NoError(t, a2.Unload(ctx))
}

func Test_Application_Cancel(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()))

	require.NoError(t, a.Run(ctx))
	receiveEvent(t, r.idle)

	require.NoError(t, a.Cancel(ctx))

	completed := receiveEvent(t, r.completed)
	require.Equal(t, core.ActivityInstanceStateCanceled, completed.CompletionState)
	waitReleased(t, a)

	_, err := a.GetBookmarks(ctx)
	require.ErrorIs(t, err, ErrCompleted)
}

func Test_Application_CancelBeforeRun(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()))

	require.NoError(t, a.Cancel(ctx))

	completed := receiveEvent(t, r.completed)
	require.Equal(t, core.ActivityInstanceStateCanceled, completed.CompletionState)
	waitReleased(t, a)
}

func Test_Application_Terminate(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()))

	require.NoError(t, a.Run(ctx))
	receiveEvent(t, r.idle)

	reason := errors.New("no longer needed")
	require.NoError(t, a.Terminate(ctx, reason))

	completed := receiveEvent(t, r.completed)
	require.Equal(t, core.ActivityInstanceStateFaulted, completed.CompletionState)
	require.ErrorIs(t, completed.TerminationError, reason)
	waitReleased(t, a)

	err := a.Run(ctx)
	require.ErrorIs(t, err, ErrTerminated)
	require.ErrorIs(t, err, reason)
}

func Test_Application_UnhandledExceptionTerminates(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()
	unhandled := make(chan UnhandledExceptionEvent, 1)

	h := r.handlers()
	h.OnUnhandledException = func(ctx context.Context, ev UnhandledExceptionEvent) (UnhandledExceptionAction, error) {
		unhandled <- ev
		return UnhandledExceptionTerminate, nil
	}

	a := New(&fail{}, WithHandlers(h))
	require.NoError(t, a.Run(ctx))

	ev := receiveEvent(t, unhandled)
	require.ErrorContains(t, ev.Err, "activity failed")
	require.NotEmpty(t, ev.SourceActivityID)

	completed := receiveEvent(t, r.completed)
	require.Equal(t, core.ActivityInstanceStateFaulted, completed.CompletionState)
	require.ErrorContains(t, completed.TerminationError, "activity failed")
	waitReleased(t, a)
}

func Test_Application_UnhandledExceptionAborts(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()

	h := r.handlers()
	h.OnUnhandledException = func(ctx context.Context, ev UnhandledExceptionEvent) (UnhandledExceptionAction, error) {
		return UnhandledExceptionAbort, nil
	}

	a := New(&fail{}, WithHandlers(h))
	require.NoError(t, a.Run(ctx))

	ev := receiveEvent(t, r.aborted)
	require.ErrorContains(t, ev.Reason, "activity failed")
	requireNoEvent(t, r.completed)

	waitReleased(t, a)
	require.ErrorIs(t, a.Run(ctx), ErrAborted)
}

func Test_Application_AbortFromIdleHandler(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()

	var a *Application
	h := r.handlers()
	h.OnIdle = func(ctx context.Context, ev IdleEvent) error {
		a.Abort(errors.New("stop"))
		return nil
	}

	a = New(&receive{bookmark: "B1"}, WithHandlers(h))
	require.NoError(t, a.Run(ctx))

	ev := receiveEvent(t, r.aborted)
	require.EqualError(t, ev.Reason, "stop")

	waitReleased(t, a)

	_, err := a.GetBookmarks(ctx)
	require.ErrorIs(t, err, ErrAborted)
	require.ErrorContains(t, err, "stop")

	result, err := a.ResumeBookmark(ctx, core.NewBookmark("B1"), 1)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionNotReady, result)

	a.Abort(errors.New("again"))
	requireNoEvent(t, r.aborted)
}

func Test_Application_HandlerCannotCallOperations(t *testing.T) {
	ctx := context.Background()
	errs := make(chan error, 1)

	var a *Application
	a = New(&receive{bookmark: "B1"}, WithHandlers(Handlers{
		OnIdle: func(ctx context.Context, ev IdleEvent) error {
			_, err := a.GetBookmarks(ctx)
			errs <- err
			return nil
		},
	}))

	require.NoError(t, a.Run(ctx))

	err := receiveEvent(t, errs)
	require.ErrorIs(t, err, ErrHandlerReentrant)
	waitReleased(t, a)
}

func Test_Application_FailingHandlerAborts(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()

	h := r.handlers()
	h.OnIdle = func(ctx context.Context, ev IdleEvent) error {
		panic("boom")
	}

	a := New(&receive{bookmark: "B1"}, WithHandlers(h))
	require.NoError(t, a.Run(ctx))

	ev := receiveEvent(t, r.aborted)
	require.ErrorContains(t, ev.Reason, "boom")
	waitReleased(t, a)
}

func Test_Application_SetID(t *testing.T) {
	ctx := context.Background()
	a := New(&receive{bookmark: "B1"})

	require.NoError(t, a.SetID("order-1"))
	require.ErrorIs(t, a.SetID("order-2"), ErrAlreadyHasID)

	_, err := a.GetBookmarks(ctx)
	require.NoError(t, err)
	require.Equal(t, "order-1", a.ID())

	require.ErrorIs(t, a.AddInitialInstanceValues(map[persistence.Key]any{persistence.PropertyKey("Tenant"): "acme"}), ErrReadOnly)
}

func Test_Application_LifecycleIsMonotonic(t *testing.T) {
	a := New(&receive{bookmark: "B1"})

	require.True(t, a.setLifecycle(stateRunnable))
	require.True(t, a.setLifecycle(statePaused))
	require.True(t, a.setLifecycle(stateUnloaded))
	require.False(t, a.setLifecycle(stateRunnable))
	require.False(t, a.setLifecycle(statePaused))
	require.True(t, a.setLifecycle(stateAborted))
	require.False(t, a.setLifecycle(stateUnloaded))
	require.False(t, a.setLifecycle(stateRunnable))
	require.Equal(t, stateAborted, a.lifecycle())
}

func Test_Application_SnapshotsDifferOnlyInLastUpdate(t *testing.T) {
	ctx := context.Background()
	mc := clock.NewMock()
	r := newRecorder()
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()), WithClock(mc))

	require.NoError(t, a.Run(ctx))
	receiveEvent(t, r.idle)

	op := hold(t, a)

	cv := &coreValues{a}
	rw1, wo1, err := cv.CollectValues()
	require.NoError(t, err)

	mc.Add(time.Minute)

	rw2, wo2, err := cv.CollectValues()
	require.NoError(t, err)

	a.notifyOperationComplete(op)

	require.Equal(t, rw1, rw2)
	require.NotEqual(t, wo1[persistence.KeyLastUpdate], wo2[persistence.KeyLastUpdate])

	delete(wo1, persistence.KeyLastUpdate)
	delete(wo2, persistence.KeyLastUpdate)
	require.Equal(t, wo1, wo2)
	require.Equal(t, `"Idle"`, string(wo1[persistence.KeyStatus]))
}

func Test_Application_DefaultInstanceOwner(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInstanceStore(memory.NewMemoryStore())

	owner, err := CreateDefaultInstanceOwner(ctx, store, "")
	require.NoError(t, err)
	require.Equal(t, DefaultHostType, owner.HostType)
	require.Same(t, owner, store.DefaultOwner())

	_, err = CreateDefaultInstanceOwner(ctx, store, "")
	require.ErrorIs(t, err, persistence.ErrDefaultOwnerExists)

	r := newRecorder()
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()), WithInstanceStore(store))
	require.NoError(t, a.Run(ctx))
	receiveEvent(t, r.idle)
	require.NoError(t, a.Unload(ctx))

	// Unloading does not delete the shared owner.
	require.Same(t, owner, store.DefaultOwner())

	require.NoError(t, DeleteDefaultInstanceOwner(ctx, store))
	require.Nil(t, store.DefaultOwner())
	require.ErrorIs(t, DeleteDefaultInstanceOwner(ctx, store), persistence.ErrNoDefaultOwner)
}

func Test_Application_GetRunnableInstance(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInstanceStore(memory.NewMemoryStore())
	identity := &core.DefinitionIdentity{Name: "receive", Version: "1"}

	_, err := GetRunnableInstance(ctx, store)
	require.ErrorIs(t, err, ErrNoRunnableInstance)

	// Unloaded before it ran, the root is still waiting to execute.
	a := New(&receive{bookmark: "B1"}, WithInstanceStore(store), WithIdentity(identity))
	require.NoError(t, a.Unload(ctx))

	inst, err := GetRunnableInstance(ctx, store)
	require.NoError(t, err)
	require.Equal(t, a.ID(), inst.InstanceID())

	r := newRecorder()
	a2 := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()), WithInstanceStore(store), WithIdentity(identity))
	require.NoError(t, a2.LoadInstance(ctx, inst))
	require.Equal(t, a.ID(), a2.ID())
	require.NoError(t, a2.Run(ctx))

	result, err := a2.ResumeBookmark(ctx, core.NewBookmark("B1"), 42)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionSuccess, result)

	completed := receiveEvent(t, r.completed)

	var out int
	require.NoError(t, completed.Outputs.Get("result", &out))
	require.Equal(t, 42, out)
}

// counter keeps a mapped variable and reports it once resumed.
type counter struct{}

func (c *counter) CanInduceIdle() bool { return true }

func (c *counter) Variables() []activity.Variable {
	return []activity.Variable{{Name: "count", Default: 0, Mapped: true}}
}

func (c *counter) Execute(ctx activity.Context) error {
	if err := ctx.SetVariable("count", 7); err != nil {
		return err
	}

	_, err := ctx.CreateBookmark("B1", c.OnResume)
	return err
}

func (c *counter) OnResume(ctx activity.Context, _ core.Bookmark, _ activity.Value) error {
	var n int
	if err := ctx.GetVariable("count", &n); err != nil {
		return err
	}

	return ctx.SetOutput("count", n)
}

// recordingProvider keeps the data of the last save.
type recordingProvider struct {
	persistence.Provider

	mu   sync.Mutex
	last persistence.Values
}

func (p *recordingProvider) SaveInstance(ctx context.Context, cmd *persistence.SaveCommand) error {
	p.mu.Lock()
	p.last = cmd.Data.Clone()
	p.mu.Unlock()

	return p.Provider.SaveInstance(ctx, cmd)
}

func (p *recordingProvider) lastSave() persistence.Values {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.last
}

func decodeValue[T any](t *testing.T, values persistence.Values, key persistence.Key) T {
	t.Helper()

	v, ok := values[key]
	require.True(t, ok, "missing %s", key)

	var out T
	require.NoError(t, json.Unmarshal(v.Data, &out))

	return out
}

func Test_Application_SaveLoadKeepsVariablesAndStatus(t *testing.T) {
	ctx := context.Background()
	provider := &recordingProvider{Provider: memory.NewMemoryStore()}
	store := persistence.NewInstanceStore(provider)

	r := newRecorder()
	a := New(&counter{}, WithHandlers(r.handlers()), WithInstanceStore(store))
	require.NoError(t, a.Run(ctx))
	receiveEvent(t, r.idle)
	require.NoError(t, a.Unload(ctx))

	saved := provider.lastSave()
	require.Equal(t, persistence.StatusIdle, decodeValue[string](t, saved, persistence.KeyStatus))
	require.Equal(t, 7, decodeValue[int](t, saved, persistence.VariableKey("count")))
	require.True(t, saved[persistence.VariableKey("count")].Options.Has(persistence.WriteOnly))

	inst, err := GetInstance(ctx, store, a.ID())
	require.NoError(t, err)
	require.Equal(t, persistence.StatusIdle, decodeValue[string](t, inst.values, persistence.KeyStatus))
	require.NotContains(t, inst.values, persistence.VariableKey("count"))

	r2 := newRecorder()
	a2 := New(&counter{}, WithHandlers(r2.handlers()), WithInstanceStore(store))
	require.NoError(t, a2.LoadInstance(ctx, inst))

	bookmarks, err := a2.GetBookmarks(ctx)
	require.NoError(t, err)
	require.Equal(t, []core.BookmarkInfo{{Name: "B1", OwnerDisplayName: "counter"}}, bookmarks)

	result, err := a2.ResumeBookmark(ctx, core.NewBookmark("B1"), nil)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionSuccess, result)

	completed := receiveEvent(t, r2.completed)

	var n int
	require.NoError(t, completed.Outputs.Get("count", &n))
	require.Equal(t, 7, n)

	receiveEvent(t, r2.unloaded)
	require.Equal(t, persistence.StatusClosed, decodeValue[string](t, provider.lastSave(), persistence.KeyStatus))
}

func Test_Application_IdleHandlerErrorFailsQueuedOperations(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()
	inIdle := make(chan struct{})

	var a *Application

	h := r.handlers()
	h.OnIdle = func(context.Context, IdleEvent) error {
		close(inIdle)

		// Give the test time to queue an operation behind the handler.
		for i := 0; i < 500; i++ {
			a.mu.Lock()
			n := len(a.pending)
			a.mu.Unlock()

			if n > 0 {
				break
			}

			time.Sleep(time.Millisecond)
		}

		return errors.New("idle boom")
	}

	a = New(&receive{bookmark: "B1"}, WithHandlers(h))
	require.NoError(t, a.Run(ctx))
	<-inIdle

	_, err := a.GetBookmarks(ctx)
	require.ErrorIs(t, err, ErrAborted)
	require.ErrorContains(t, err, "idle boom")

	ev := receiveEvent(t, r.aborted)
	require.ErrorContains(t, ev.Reason, "idle boom")
	requireNoEvent(t, r.aborted)
	waitReleased(t, a)
}
