package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/internal/tracing"
	"github.com/cschleiden/go-workflowapp/payload"
	"github.com/cschleiden/go-workflowapp/tracking"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func Test_Queue_SingleWriter(t *testing.T) {
	ctx := context.Background()
	a := New(&receive{bookmark: "B1"})

	var inTurn atomic.Bool
	var overlaps atomic.Int32
	count := 0

	errs := make(chan error, 20)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := do(ctx, a, runnable("Increment"), noValue(func(context.Context) error {
				if !inTurn.CompareAndSwap(false, true) {
					overlaps.Add(1)
				}

				count++
				time.Sleep(time.Millisecond)
				inTurn.Store(false)

				return nil
			}))
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 20, count)
	require.Zero(t, overlaps.Load())
	waitReleased(t, a)
}

func Test_Queue_TimedOutOperationNeverRuns(t *testing.T) {
	a := New(&receive{bookmark: "B1"})
	op := hold(t, a)

	a.mu.Lock()
	before := a.actionCount
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	_, err := do(ctx, a, runnable("Late"), noValue(func(context.Context) error {
		ran = true
		return nil
	}))
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	a.mu.Lock()
	require.Equal(t, before, a.actionCount)
	require.Empty(t, a.pending)
	a.mu.Unlock()

	a.notifyOperationComplete(op)
	waitReleased(t, a)
	require.False(t, ran)
}

func Test_Queue_AsyncTimeout(t *testing.T) {
	a := New(&receive{bookmark: "B1"})
	op := hold(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	f := a.GetBookmarksAsync(ctx)

	_, err := f.Get(context.Background())
	require.ErrorIs(t, err, ErrTimeout)

	a.mu.Lock()
	require.Empty(t, a.pending)
	a.mu.Unlock()

	a.notifyOperationComplete(op)
	waitReleased(t, a)
}

func Test_Queue_AsyncWaitsForTurn(t *testing.T) {
	ctx := context.Background()
	a := New(&receive{bookmark: "B1"})
	op := hold(t, a)

	f := a.GetBookmarksAsync(ctx)

	select {
	case <-f.Done():
		t.Fatal("operation ran while the turn was held")
	case <-time.After(20 * time.Millisecond):
	}

	a.notifyOperationComplete(op)

	bookmarks, err := f.Get(ctx)
	require.NoError(t, err)
	require.Empty(t, bookmarks)
	waitReleased(t, a)
}

func Test_Queue_AbortGoesFirst(t *testing.T) {
	ctx := context.Background()
	r := newRecorder()
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()))
	op := hold(t, a)

	late := doAsync(ctx, a, runnable("Late"), func(context.Context) (bool, error) {
		return a.hasCalledAbort, nil
	})

	a.Abort(errors.New("stop"))

	a.mu.Lock()
	require.Len(t, a.pending, 2)
	require.Equal(t, "Abort", a.pending[0].name)
	a.mu.Unlock()

	a.notifyOperationComplete(op)

	aborted, err := late.Get(ctx)
	require.NoError(t, err)
	require.True(t, aborted)

	ev := receiveEvent(t, r.aborted)
	require.EqualError(t, ev.Reason, "stop")
	waitReleased(t, a)
}

// scriptedController reports NotReady for the first resumptions it is asked for.
type scriptedController struct {
	a *Application

	mu      sync.Mutex
	state   core.InstanceState
	results []core.BookmarkResumptionResult
	runs    int
	resumes int
}

var _ Controller = (*scriptedController)(nil)

func (c *scriptedController) Run() {
	go func() {
		c.mu.Lock()
		c.runs++
		if c.state == core.InstanceStateRunnable {
			c.state = core.InstanceStateIdle
		}
		c.mu.Unlock()

		c.a.onNotifyPaused()
	}()
}

func (c *scriptedController) RequestPause()         {}
func (c *scriptedController) PauseWhenPersistable() {}

func (c *scriptedController) State() core.InstanceState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *scriptedController) IsPersistable() bool { return true }

func (c *scriptedController) CompletionState() (core.ActivityInstanceState, map[string]payload.Payload, error) {
	return core.ActivityInstanceStateExecuting, nil, nil
}

func (c *scriptedController) ScheduleBookmarkResumption(core.Bookmark, any) (core.BookmarkResumptionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resumes++

	result := core.ResumptionSuccess
	if len(c.results) > 0 {
		result = c.results[0]
		c.results = c.results[1:]
	}

	// Both outcomes leave work for the scheduler.
	c.state = core.InstanceStateRunnable

	return result, nil
}

func (c *scriptedController) ScheduleCancel()                                {}
func (c *scriptedController) Terminate(error)                                {}
func (c *scriptedController) Abort(error)                                    {}
func (c *scriptedController) Bookmarks() []core.BookmarkInfo                 { return nil }
func (c *scriptedController) MappedVariables() map[string]payload.Payload    { return nil }
func (c *scriptedController) HasPendingTrackingRecords() bool                { return false }
func (c *scriptedController) Track(tracking.Record)                          {}
func (c *scriptedController) FlushTrackingRecords(ctx context.Context) error { return nil }
func (c *scriptedController) Snapshot() ([]byte, error)                      { return nil, nil }

func Test_Queue_NotReadyIsRetriedAfterRun(t *testing.T) {
	ctx := context.Background()
	a := New(&receive{bookmark: "B1"})

	c := &scriptedController{
		a:       a,
		state:   core.InstanceStateIdle,
		results: []core.BookmarkResumptionResult{core.ResumptionNotReady, core.ResumptionNotReady},
	}
	a.controller = c
	a.id = "scripted"
	a.idSet = true

	result, err := a.ResumeBookmark(ctx, core.NewBookmark("B1"), 1)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionSuccess, result)

	waitReleased(t, a)

	c.mu.Lock()
	defer c.mu.Unlock()

	require.Equal(t, 3, c.resumes)
	require.GreaterOrEqual(t, c.runs, 2)
}

func Test_Queue_ExtensionSeesNotReady(t *testing.T) {
	ctx := context.Background()
	a := New(&receive{bookmark: "B1"})

	c := &scriptedController{
		a:       a,
		state:   core.InstanceStateIdle,
		results: []core.BookmarkResumptionResult{core.ResumptionNotReady},
	}
	a.controller = c
	a.id = "scripted"
	a.idSet = true

	// Extensions resume only once the instance has been run.
	require.NoError(t, a.Run(ctx))
	waitReleased(t, a)

	proxy := &InstanceProxy{a: a}
	result, err := proxy.ResumeBookmark(ctx, core.NewBookmark("B1"), 1)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionNotReady, result)

	waitReleased(t, a)
}

func Test_Application_OperationsAreTraced(t *testing.T) {
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))

	r := newRecorder()
	a := New(&receive{bookmark: "B1"}, WithHandlers(r.handlers()), WithTracerProvider(tp))

	require.NoError(t, a.Run(ctx))
	receiveEvent(t, r.idle)

	result, err := a.ResumeBookmark(ctx, core.NewBookmark("B2"), 1)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionNotFound, result)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	require.Equal(t, "Application.Run", spans[0].Name)
	require.Equal(t, "Application.ResumeBookmark", spans[1].Name)

	attrs := map[string]string{}
	for _, kv := range spans[1].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}

	require.Equal(t, "B2", attrs[tracing.BookmarkName])
	require.Equal(t, "NotFound", attrs[tracing.BookmarkResult])

	waitReleased(t, a)
}

func Test_Invoke(t *testing.T) {
	outputs, err := Invoke(context.Background(), &echo{}, map[string]any{"in": "hello"})
	require.NoError(t, err)
	require.Equal(t, []string{"out"}, outputs.Names())

	var out string
	require.NoError(t, outputs.Get("out", &out))
	require.Equal(t, "hello", out)
}

func Test_Invoke_Fault(t *testing.T) {
	_, err := Invoke(context.Background(), &fail{}, nil)
	require.ErrorContains(t, err, "activity failed")
}

func Test_Invoke_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Invoke(ctx, &receive{bookmark: "B1"}, nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func Test_Pump_CloseRunsPendingAndLaterWork(t *testing.T) {
	p := newPump()

	ran := make(chan string, 2)
	p.Post(func() { ran <- "pending" })
	p.close()
	p.Post(func() { ran <- "later" })

	got := []string{receiveEvent(t, ran), receiveEvent(t, ran)}
	require.ElementsMatch(t, []string{"pending", "later"}, got)
}

// resumer resumes a bookmark of its instance from inside the running activity.
type resumer struct {
	proxy    *InstanceProxy
	disposed chan struct{}
}

func (r *resumer) SetInstance(proxy *InstanceProxy) { r.proxy = proxy }

func (r *resumer) Dispose() { close(r.disposed) }

type resumeLate struct {
	cancel context.CancelFunc
}

func (s *resumeLate) CanInduceIdle() bool { return true }

func (s *resumeLate) Execute(ctx activity.Context) error {
	b, err := ctx.CreateBookmark("B1", s.onResume)
	if err != nil {
		return err
	}

	r, _ := activity.GetExtension[*resumer](ctx)
	r.proxy.ResumeBookmarkAsync(context.Background(), b, 1)
	s.cancel()

	return nil
}

func (s *resumeLate) onResume(ctx activity.Context, b core.Bookmark, v activity.Value) error {
	_, err := ctx.CreateBookmark("B2", s.onResume)
	return err
}

func Test_Invoke_TimeoutAbortsWithRunPosted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &resumer{disposed: make(chan struct{})}
	_, err := Invoke(ctx, &resumeLate{cancel: cancel}, nil, WithExtension(r), WithAcquireLockTimeout(10*time.Second))
	require.ErrorIs(t, err, ErrTimeout)

	select {
	case <-r.disposed:
	case <-time.After(2 * time.Second):
		t.Fatal("instance was not aborted")
	}

	require.Equal(t, stateAborted, r.proxy.a.lifecycle())
}
