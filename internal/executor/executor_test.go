package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/internal/workflowerrors"
	"github.com/cschleiden/go-workflowapp/tracking"
	"github.com/stretchr/testify/require"
)

type unhandledNote struct {
	err        error
	activityID string
}

type testHost struct {
	paused    chan struct{}
	unhandled chan unhandledNote
}

func newTestHost() *testHost {
	return &testHost{
		paused:    make(chan struct{}, 10),
		unhandled: make(chan unhandledNote, 10),
	}
}

func (h *testHost) NotifyPaused() {
	h.paused <- struct{}{}
}

func (h *testHost) NotifyUnhandledException(err error, sourceActivityID string) {
	h.unhandled <- unhandledNote{err, sourceActivityID}
}

func runToPause(t *testing.T, e *Executor, h *testHost) {
	t.Helper()

	e.Run()

	select {
	case <-h.paused:
	case n := <-h.unhandled:
		t.Fatalf("unexpected unhandled fault in %s: %v", n.activityID, n.err)
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not pause")
	}
}

func runToFault(t *testing.T, e *Executor, h *testHost) unhandledNote {
	t.Helper()

	e.Run()

	select {
	case <-h.paused:
		t.Fatal("expected unhandled fault")
	case n := <-h.unhandled:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not stop")
	}

	return unhandledNote{}
}

type wait struct {
	name string
	opts core.BookmarkOptions
}

func (w *wait) CanInduceIdle() bool { return true }

func (w *wait) Execute(ctx activity.Context) error {
	_, err := ctx.CreateBookmark(w.name, w.OnResume, activity.WithBookmarkOptions(w.opts))
	return err
}

func (w *wait) OnResume(ctx activity.Context, b core.Bookmark, v activity.Value) error {
	var i int
	if err := v.Decode(&i); err != nil {
		return err
	}

	return ctx.SetOutput("value", i)
}

type seq struct {
	activities []activity.Activity
}

func (s *seq) Children() []activity.Activity { return s.activities }

func (s *seq) Execute(ctx activity.Context) error {
	if len(s.activities) == 0 {
		return nil
	}

	return ctx.ScheduleActivity(s.activities[0], s.OnChildCompleted, nil)
}

func (s *seq) OnChildCompleted(ctx activity.Context, completed *activity.Instance) error {
	var count int
	_ = ctx.GetVariable("count", &count)
	if err := ctx.SetVariable("count", count+1); err != nil {
		return err
	}

	for i, a := range s.activities {
		if a == completed.Activity && i+1 < len(s.activities) {
			return ctx.ScheduleActivity(s.activities[i+1], s.OnChildCompleted, nil)
		}
	}

	return ctx.SetOutput("count", count+1)
}

func (s *seq) Variables() []activity.Variable {
	return []activity.Variable{{Name: "count", Default: 0, Mapped: true}}
}

type noop struct {
	name string
}

func (n *noop) Execute(ctx activity.Context) error { return nil }

type fail struct {
	msg string
}

func (f *fail) Execute(ctx activity.Context) error {
	return errors.New(f.msg)
}

type panics struct{}

func (p *panics) Execute(ctx activity.Context) error {
	panic("boom")
}

type catcher struct {
	body activity.Activity
}

func (c *catcher) Children() []activity.Activity { return []activity.Activity{c.body} }

func (c *catcher) Execute(ctx activity.Context) error {
	return ctx.ScheduleActivity(c.body, nil, c.OnFaulted)
}

func (c *catcher) OnFaulted(ctx activity.Context, fault error, source *activity.Instance) error {
	return ctx.SetOutput("caught", source.ActivityID+": "+fault.Error())
}

type noPersistWait struct{}

func (n *noPersistWait) CanInduceIdle() bool { return true }

func (n *noPersistWait) Execute(ctx activity.Context) error {
	ctx.EnterNoPersist()
	_, err := ctx.CreateBookmark("np", n.OnResume)
	return err
}

func (n *noPersistWait) OnResume(ctx activity.Context, b core.Bookmark, v activity.Value) error {
	return ctx.ExitNoPersist()
}

type recorder struct {
	records []tracking.Record
}

func (r *recorder) Track(ctx context.Context, record tracking.Record) error {
	r.records = append(r.records, record)
	return nil
}

func Test_Executor_RunsSequence(t *testing.T) {
	h := newTestHost()
	root := &seq{activities: []activity.Activity{&noop{}, &noop{}, &noop{}}}

	e, err := New("i1", root, nil, h, Options{})
	require.NoError(t, err)
	require.Equal(t, core.InstanceStateRunnable, e.State())

	runToPause(t, e, h)

	require.Equal(t, core.InstanceStateComplete, e.State())

	state, outputs, err := e.CompletionState()
	require.NoError(t, err)
	require.Equal(t, core.ActivityInstanceStateClosed, state)
	require.Equal(t, "3", string(outputs["count"]))
}

func Test_Executor_BookmarkResumption(t *testing.T) {
	h := newTestHost()
	e, err := New("i1", &wait{name: "B1"}, nil, h, Options{})
	require.NoError(t, err)

	res, err := e.ScheduleBookmarkResumption(core.NewBookmark("B1"), 42)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionNotReady, res)

	runToPause(t, e, h)
	require.Equal(t, core.InstanceStateIdle, e.State())
	require.Equal(t, []core.BookmarkInfo{{Name: "B1", OwnerDisplayName: "wait"}}, e.Bookmarks())

	res, err = e.ScheduleBookmarkResumption(core.NewBookmark("unknown"), 42)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionNotFound, res)

	res, err = e.ScheduleBookmarkResumption(core.NewBookmark("B1"), 42)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionSuccess, res)
	require.Empty(t, e.Bookmarks())

	res, err = e.ScheduleBookmarkResumption(core.NewBookmark("B1"), 43)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionNotReady, res)

	runToPause(t, e, h)
	require.Equal(t, core.InstanceStateComplete, e.State())

	_, outputs, _ := e.CompletionState()
	require.Equal(t, "42", string(outputs["value"]))

	res, err = e.ScheduleBookmarkResumption(core.NewBookmark("B1"), 42)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionNotFound, res)
}

func Test_Executor_MultipleResumeBookmark(t *testing.T) {
	h := newTestHost()
	e, err := New("i1", &wait{name: "B1", opts: core.MultipleResume | core.NonBlocking}, nil, h, Options{})
	require.NoError(t, err)

	runToPause(t, e, h)

	// A non-blocking bookmark does not keep its owner alive.
	require.Equal(t, core.InstanceStateComplete, e.State())
}

func Test_Executor_HandledFault(t *testing.T) {
	h := newTestHost()
	e, err := New("i1", &catcher{body: &fail{msg: "broken"}}, nil, h, Options{})
	require.NoError(t, err)

	runToPause(t, e, h)

	state, outputs, err := e.CompletionState()
	require.NoError(t, err)
	require.Equal(t, core.ActivityInstanceStateClosed, state)
	require.Equal(t, `"1.1: broken"`, string(outputs["caught"]))
}

func Test_Executor_UnhandledFault(t *testing.T) {
	h := newTestHost()
	e, err := New("i1", &seq{activities: []activity.Activity{&fail{msg: "broken"}}}, nil, h, Options{})
	require.NoError(t, err)

	n := runToFault(t, e, h)
	require.Equal(t, "1.1", n.activityID)
	require.EqualError(t, n.err, "broken")
	require.Equal(t, core.InstanceStateRunnable, e.State())

	e.Terminate(n.err)

	require.Equal(t, core.InstanceStateComplete, e.State())
	state, _, err := e.CompletionState()
	require.Equal(t, core.ActivityInstanceStateFaulted, state)
	require.EqualError(t, err, "broken")
}

func Test_Executor_UnhandledFault_Cancel(t *testing.T) {
	h := newTestHost()
	e, err := New("i1", &seq{activities: []activity.Activity{&fail{msg: "broken"}, &noop{}}}, nil, h, Options{})
	require.NoError(t, err)

	runToFault(t, e, h)

	e.ScheduleCancel()
	runToPause(t, e, h)

	state, _, err := e.CompletionState()
	require.NoError(t, err)
	require.Equal(t, core.InstanceStateComplete, e.State())
	require.Equal(t, core.ActivityInstanceStateCanceled, state)
}

func Test_Executor_PanicBecomesFault(t *testing.T) {
	h := newTestHost()
	e, err := New("i1", &panics{}, nil, h, Options{})
	require.NoError(t, err)

	n := runToFault(t, e, h)

	var pe *workflowerrors.PanicError
	require.ErrorAs(t, n.err, &pe)
	require.Contains(t, pe.Error(), "boom")
}

func Test_Executor_Cancel(t *testing.T) {
	h := newTestHost()
	e, err := New("i1", &seq{activities: []activity.Activity{&wait{name: "B1"}, &noop{}}}, nil, h, Options{})
	require.NoError(t, err)

	runToPause(t, e, h)
	require.Len(t, e.Bookmarks(), 1)

	e.ScheduleCancel()
	require.Equal(t, core.InstanceStateRunnable, e.State())

	runToPause(t, e, h)

	state, _, _ := e.CompletionState()
	require.Equal(t, core.ActivityInstanceStateCanceled, state)
	require.Empty(t, e.Bookmarks())
}

func Test_Executor_CancelBeforeRun(t *testing.T) {
	h := newTestHost()
	e, err := New("i1", &wait{name: "B1"}, nil, h, Options{})
	require.NoError(t, err)

	e.ScheduleCancel()
	runToPause(t, e, h)

	state, _, _ := e.CompletionState()
	require.Equal(t, core.ActivityInstanceStateCanceled, state)
}

func Test_Executor_NoPersist(t *testing.T) {
	h := newTestHost()
	e, err := New("i1", &noPersistWait{}, nil, h, Options{})
	require.NoError(t, err)
	require.True(t, e.IsPersistable())

	runToPause(t, e, h)
	require.False(t, e.IsPersistable())

	res, err := e.ScheduleBookmarkResumption(core.NewBookmark("np"), nil)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionSuccess, res)

	e.PauseWhenPersistable()
	runToPause(t, e, h)
	require.True(t, e.IsPersistable())
}

func Test_Executor_RequestPause(t *testing.T) {
	h := newTestHost()
	e, err := New("i1", &seq{activities: []activity.Activity{&noop{}, &noop{}}}, nil, h, Options{})
	require.NoError(t, err)

	e.RequestPause()
	runToPause(t, e, h)
	require.Equal(t, core.InstanceStateRunnable, e.State())

	runToPause(t, e, h)
	require.Equal(t, core.InstanceStateComplete, e.State())
}

func Test_Executor_Abort(t *testing.T) {
	h := newTestHost()
	e, err := New("i1", &wait{name: "B1"}, nil, h, Options{})
	require.NoError(t, err)

	runToPause(t, e, h)
	e.Abort(errors.New("stop"))

	require.Equal(t, core.InstanceStateAborted, e.State())
	require.Empty(t, e.Bookmarks())

	res, err := e.ScheduleBookmarkResumption(core.NewBookmark("B1"), 1)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionNotFound, res)

	_, err = e.Snapshot()
	require.Error(t, err)
}

func Test_Executor_SnapshotRestore(t *testing.T) {
	newRoot := func() activity.Activity {
		return &seq{activities: []activity.Activity{&noop{}, &wait{name: "B1"}}}
	}

	h := newTestHost()
	e, err := New("i1", newRoot(), map[string]any{"input": "hello"}, h, Options{})
	require.NoError(t, err)

	runToPause(t, e, h)

	s1, err := e.Snapshot()
	require.NoError(t, err)

	s2, err := e.Snapshot()
	require.NoError(t, err)
	require.Equal(t, s1, s2)

	h2 := newTestHost()
	r, err := Restore("i1", newRoot(), s1, h2, Options{})
	require.NoError(t, err)
	require.Equal(t, core.InstanceStateIdle, r.State())
	require.Equal(t, e.Bookmarks(), r.Bookmarks())
	require.Equal(t, e.MappedVariables(), r.MappedVariables())

	s3, err := r.Snapshot()
	require.NoError(t, err)
	require.Equal(t, s1, s3)

	res, err := r.ScheduleBookmarkResumption(core.NewBookmark("B1"), 7)
	require.NoError(t, err)
	require.Equal(t, core.ResumptionSuccess, res)

	runToPause(t, r, h2)

	state, outputs, err := r.CompletionState()
	require.NoError(t, err)
	require.Equal(t, core.ActivityInstanceStateClosed, state)
	require.Equal(t, "2", string(outputs["count"]))
}

func Test_Executor_Restore_DefinitionMismatch(t *testing.T) {
	h := newTestHost()
	e, err := New("i1", &seq{activities: []activity.Activity{&noop{}, &wait{name: "B1"}}}, nil, h, Options{})
	require.NoError(t, err)

	runToPause(t, e, h)

	s, err := e.Snapshot()
	require.NoError(t, err)

	_, err = Restore("i1", &seq{activities: []activity.Activity{&noop{}}}, s, h, Options{})
	require.ErrorIs(t, err, ErrDefinitionChange)
}

type schedulesStranger struct {
	child    activity.Activity
	stranger activity.Activity
}

func (s *schedulesStranger) Children() []activity.Activity { return []activity.Activity{s.child} }

func (s *schedulesStranger) Execute(ctx activity.Context) error {
	return ctx.ScheduleActivity(s.stranger, nil, nil)
}

func Test_Executor_ScheduleNonChild(t *testing.T) {
	h := newTestHost()
	e, err := New("i1", &schedulesStranger{child: &noop{}, stranger: &noop{}}, nil, h, Options{})
	require.NoError(t, err)

	n := runToFault(t, e, h)
	require.ErrorIs(t, n.err, ErrNotInDefinition)
}

type bookmarkWithoutIdle struct{}

func (b *bookmarkWithoutIdle) Execute(ctx activity.Context) error {
	_, err := ctx.CreateBookmark("b", nil)
	return err
}

func Test_Executor_CreateBookmark_RequiresIdleInducer(t *testing.T) {
	h := newTestHost()
	e, err := New("i1", &bookmarkWithoutIdle{}, nil, h, Options{})
	require.NoError(t, err)

	n := runToFault(t, e, h)
	require.ErrorIs(t, n.err, ErrCannotInduceIdle)
}

func Test_Executor_DuplicateActivity(t *testing.T) {
	child := &noop{}
	_, err := New("i1", &seq{activities: []activity.Activity{child, child}}, nil, newTestHost(), Options{})
	require.Error(t, err)
}

func Test_Executor_Tracking(t *testing.T) {
	h := newTestHost()
	rec := &recorder{}
	e, err := New("i1", &noop{}, nil, h, Options{TrackingParticipants: []tracking.Participant{rec}})
	require.NoError(t, err)

	runToPause(t, e, h)
	require.True(t, e.HasPendingTrackingRecords())

	require.NoError(t, e.FlushTrackingRecords(context.Background()))
	require.False(t, e.HasPendingTrackingRecords())

	var states []string
	for _, r := range rec.records {
		require.Equal(t, "i1", r.InstanceID)
		states = append(states, r.Kind.String()+":"+r.State)
	}

	require.Equal(t, []string{
		"WorkflowInstance:Started",
		"Activity:Executing",
		"Activity:Closed",
		"WorkflowInstance:Completed",
	}, states)
}
