// Package executor is the reference execution controller. It runs the activity tree of a single workflow
// instance on a work-item queue and reports back to its host whenever it stops.
package executor

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/converter"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/log"
	"github.com/cschleiden/go-workflowapp/payload"
	"github.com/cschleiden/go-workflowapp/tracking"
	"go.uber.org/multierr"
)

// Host receives notifications from the executor. Both methods are called on the dispatcher the executor runs
// on, and the executor does not touch its state again until the host calls Run.
type Host interface {
	NotifyPaused()
	NotifyUnhandledException(err error, sourceActivityID string)
}

// Dispatcher runs the executor loop.
type Dispatcher interface {
	Post(func())
}

type goroutineDispatcher struct{}

func (goroutineDispatcher) Post(f func()) {
	go f()
}

// GoroutineDispatcher starts a new goroutine for every run.
var GoroutineDispatcher Dispatcher = goroutineDispatcher{}

type Options struct {
	Logger     *slog.Logger
	Clock      clock.Clock
	Converter  converter.Converter
	Dispatcher Dispatcher

	Extensions           []any
	TrackingParticipants []tracking.Participant
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.Clock == nil {
		o.Clock = clock.New()
	}

	if o.Converter == nil {
		o.Converter = converter.DefaultConverter
	}

	if o.Dispatcher == nil {
		o.Dispatcher = GoroutineDispatcher
	}
}

type unhandledFault struct {
	err    error
	source *activityInstance
}

type Executor struct {
	instanceID string
	def        *definition
	host       Host

	logger     *slog.Logger
	clock      clock.Clock
	conv       converter.Converter
	dispatcher Dispatcher

	extensions   []any
	participants []tracking.Participant

	nextInstanceID int64
	root           *activityInstance
	instances      map[int64]*activityInstance
	bookmarks      *bookmarkManager
	queue          []*workItem

	pauseRequested       atomic.Bool
	pauseWhenPersistable bool
	noPersist            int

	unhandled *unhandledFault

	completed       bool
	completionState core.ActivityInstanceState
	outputs         map[string]payload.Payload
	completionErr   error

	aborted     bool
	abortReason error

	records []tracking.Record
}

func newExecutor(instanceID string, root activity.Activity, host Host, opts Options) (*Executor, error) {
	opts.applyDefaults()

	def, err := buildDefinition(root)
	if err != nil {
		return nil, err
	}

	return &Executor{
		instanceID:   instanceID,
		def:          def,
		host:         host,
		logger:       opts.Logger.With(log.InstanceIDKey, instanceID),
		clock:        opts.Clock,
		conv:         opts.Converter,
		dispatcher:   opts.Dispatcher,
		extensions:   opts.Extensions,
		participants: opts.TrackingParticipants,
		instances:    map[int64]*activityInstance{},
		bookmarks:    newBookmarkManager(),
	}, nil
}

// New creates an executor for a new workflow instance. The root activity is scheduled with the given inputs
// but does not execute until Run is called.
func New(instanceID string, root activity.Activity, inputs map[string]any, host Host, opts Options) (*Executor, error) {
	e, err := newExecutor(instanceID, root, host, opts)
	if err != nil {
		return nil, err
	}

	ri, err := e.newInstance(e.def.root, nil)
	if err != nil {
		return nil, err
	}

	if len(inputs) > 0 && ri.env == nil {
		ri.env = make(map[string]payload.Payload, len(inputs))
	}

	for name, v := range inputs {
		p, err := e.conv.To(v)
		if err != nil {
			return nil, err
		}

		ri.env[name] = p
	}

	e.root = ri
	e.enqueue(&workItem{kind: workExecute, target: ri})
	e.trackWorkflow(tracking.StateStarted)

	return e, nil
}

// Run continues execution on the dispatcher.
func (e *Executor) Run() {
	e.dispatcher.Post(e.run)
}

func (e *Executor) run() {
	for !e.aborted && !e.completed && e.unhandled == nil {
		if e.pauseRequested.CompareAndSwap(true, false) {
			break
		}

		if e.pauseWhenPersistable && e.noPersist == 0 {
			e.pauseWhenPersistable = false
			break
		}

		if len(e.queue) == 0 {
			break
		}

		wi := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]

		e.execute(wi)
	}

	e.pauseWhenPersistable = false

	if u := e.unhandled; u != nil && !e.aborted && !e.completed {
		e.logger.Debug("unhandled fault", log.ActivityIDKey, u.source.node.id, "error", u.err)
		e.trackWorkflowData(tracking.StateUnhandledException, map[string]any{"error": u.err.Error()})
		e.host.NotifyUnhandledException(u.err, u.source.node.id)
		return
	}

	e.host.NotifyPaused()
}

// RequestPause asks a running executor to stop after the current work item. It is safe to call from any
// goroutine.
func (e *Executor) RequestPause() {
	e.pauseRequested.Store(true)
}

// PauseWhenPersistable asks the executor to stop at the next point at which no no-persist region is open.
func (e *Executor) PauseWhenPersistable() {
	e.pauseWhenPersistable = true
}

func (e *Executor) State() core.InstanceState {
	switch {
	case e.aborted:
		return core.InstanceStateAborted
	case e.completed:
		return core.InstanceStateComplete
	case len(e.queue) > 0 || e.unhandled != nil:
		return core.InstanceStateRunnable
	}

	return core.InstanceStateIdle
}

func (e *Executor) IsPersistable() bool {
	return e.noPersist == 0
}

// ScheduleBookmarkResumption queues the callback of the given bookmark.
func (e *Executor) ScheduleBookmarkResumption(b core.Bookmark, value any) (core.BookmarkResumptionResult, error) {
	if e.completed || e.aborted {
		return core.ResumptionNotFound, nil
	}

	if len(e.queue) > 0 || e.unhandled != nil {
		return core.ResumptionNotReady, nil
	}

	r := e.bookmarks.find(b)
	if r == nil {
		return core.ResumptionNotFound, nil
	}

	p, err := e.conv.To(value)
	if err != nil {
		return core.ResumptionNotFound, err
	}

	if !r.options.Has(core.MultipleResume) {
		e.dropBookmark(r)
	}

	e.enqueue(&workItem{
		kind:     workResumeBookmark,
		target:   r.owner,
		callback: r.callback,
		bookmark: r.bookmark,
		value:    p,
	})

	bookmark := r.bookmark
	e.track(tracking.Record{
		Kind:       tracking.KindBookmarkResumption,
		State:      tracking.StateResumed,
		ActivityID: r.owner.node.id,
		Bookmark:   &bookmark,
	})

	return core.ResumptionSuccess, nil
}

// ScheduleCancel requests cancellation of the root activity. If an unhandled fault is pending, the faulted
// subtree is aborted first.
func (e *Executor) ScheduleCancel() {
	if e.completed || e.aborted {
		return
	}

	if u := e.unhandled; u != nil {
		e.unhandled = nil
		if u.source == e.root {
			e.abortSubtree(e.root, core.ActivityInstanceStateFaulted)
			e.completeWorkflow(core.ActivityInstanceStateCanceled, nil, nil)
			return
		}

		e.abortSubtree(u.source, core.ActivityInstanceStateFaulted)
	}

	e.enqueueFront(&workItem{kind: workCancel, target: e.root})
}

// Terminate completes the workflow as faulted with the given reason without running any more activity code.
func (e *Executor) Terminate(reason error) {
	if e.completed || e.aborted {
		return
	}

	e.unhandled = nil
	e.abortSubtree(e.root, core.ActivityInstanceStateFaulted)
	e.trackWorkflow(tracking.StateTerminated)
	e.completeWorkflow(core.ActivityInstanceStateFaulted, nil, reason)
}

// Abort discards all in-memory state. Nothing about the instance can be observed afterwards.
func (e *Executor) Abort(reason error) {
	if e.aborted {
		return
	}

	e.aborted = true
	e.abortReason = reason
	e.unhandled = nil
	e.queue = nil
	e.instances = map[int64]*activityInstance{}
	e.bookmarks = newBookmarkManager()
	e.noPersist = 0
	e.trackWorkflow(tracking.StateAborted)
}

// Bookmarks returns the named bookmarks ordered by scope and name.
func (e *Executor) Bookmarks() []core.BookmarkInfo {
	var bis []core.BookmarkInfo
	for _, r := range e.bookmarks.all() {
		if !r.bookmark.IsNamed() {
			continue
		}

		bis = append(bis, core.BookmarkInfo{
			Name:             r.bookmark.Name,
			Scope:            r.bookmark.Scope,
			OwnerDisplayName: r.owner.node.name,
		})
	}

	return bis
}

// MappedVariables returns the current values of all variables declared as mapped by executing activities.
func (e *Executor) MappedVariables() map[string]payload.Payload {
	vars := map[string]payload.Payload{}
	for _, inst := range e.sortedInstances() {
		for _, v := range inst.node.variables {
			if !v.Mapped {
				continue
			}

			if _, ok := vars[v.Name]; ok {
				continue
			}

			vars[v.Name] = inst.env[v.Name]
		}
	}

	return vars
}

// CompletionState returns the final state of the root activity, its outputs, and the terminating fault, if any.
func (e *Executor) CompletionState() (core.ActivityInstanceState, map[string]payload.Payload, error) {
	if !e.completed {
		return core.ActivityInstanceStateExecuting, nil, nil
	}

	return e.completionState, e.outputs, e.completionErr
}

func (e *Executor) sortedInstances() []*activityInstance {
	is := make([]*activityInstance, 0, len(e.instances))
	for _, inst := range e.instances {
		is = append(is, inst)
	}

	sort.Slice(is, func(i, j int) bool {
		return is[i].id < is[j].id
	})

	return is
}

func (e *Executor) execute(wi *workItem) {
	inst := wi.target
	if wi.counted() {
		inst.pendingWork--
	}

	if inst.state != core.ActivityInstanceStateExecuting {
		return
	}

	e.logger.Debug("executing work item", log.WorkItemKey, wi.kind.String(), log.ActivityIDKey, inst.node.id)

	switch wi.kind {
	case workExecute:
		inst.started = true
		e.trackActivity(inst, core.ActivityInstanceStateExecuting.String())
		e.afterCallback(inst, e.invoke(inst, inst.node.activity.Execute))

	case workResumeBookmark:
		e.afterCallback(inst, e.invokeCallback(inst, wi.callback, func(ctx activity.Context, owner any) error {
			cb, err := bindCallback[activity.BookmarkCallback](owner, wi.callback)
			if err != nil {
				return err
			}

			return cb(ctx, wi.bookmark, activity.NewValue(wi.value, e.conv))
		}))

	case workCompletion:
		e.afterCallback(inst, e.invokeCallback(inst, wi.callback, func(ctx activity.Context, owner any) error {
			cb, err := bindCallback[activity.CompletionCallback](owner, wi.callback)
			if err != nil {
				return err
			}

			return cb(ctx, e.completedInstance(wi.child))
		}))

	case workFault:
		e.afterCallback(inst, e.invokeCallback(inst, wi.callback, func(ctx activity.Context, owner any) error {
			cb, err := bindCallback[activity.FaultCallback](owner, wi.callback)
			if err != nil {
				return err
			}

			return cb(ctx, wi.fault, e.completedInstance(wi.child))
		}))

	case workCancel:
		e.cancel(inst)
	}
}

func (e *Executor) completedInstance(c *completedChild) *activity.Instance {
	var a activity.Activity
	if n, ok := e.def.byID[c.activityID]; ok {
		a = n.activity
	}

	return activity.NewInstance(c.activityID, a, c.state, c.outputs, e.conv)
}

func (e *Executor) invoke(inst *activityInstance, f func(ctx activity.Context) error) error {
	ctx := &activityContext{e: e, inst: inst}
	defer ctx.dispose()

	return callActivity(func() error {
		return f(ctx)
	})
}

func (e *Executor) invokeCallback(inst *activityInstance, name string, f func(ctx activity.Context, owner any) error) error {
	if name == "" {
		return nil
	}

	return e.invoke(inst, func(ctx activity.Context) error {
		return f(ctx, inst.node.activity)
	})
}

func (e *Executor) afterCallback(inst *activityInstance, err error) {
	if err != nil {
		e.fault(inst, err)
		return
	}

	e.checkComplete(inst)
}

func (e *Executor) checkComplete(inst *activityInstance) {
	if inst.state != core.ActivityInstanceStateExecuting || !inst.started {
		return
	}

	if len(inst.children) > 0 || inst.blockingBookmarks > 0 || inst.pendingWork > 0 {
		return
	}

	state := core.ActivityInstanceStateClosed
	if inst.markedCanceled || (inst.cancelRequested && inst.defaultCancel) {
		state = core.ActivityInstanceStateCanceled
	}

	e.complete(inst, state)
}

func (e *Executor) complete(inst *activityInstance, state core.ActivityInstanceState) {
	inst.state = state
	e.release(inst)
	e.trackActivity(inst, state.String())

	if inst.parent == nil {
		e.completeWorkflow(state, inst.outputs, nil)
		return
	}

	parent := inst.parent
	parent.removeChild(inst)

	if inst.onCompleted != "" {
		e.enqueue(&workItem{
			kind:     workCompletion,
			target:   parent,
			callback: inst.onCompleted,
			child:    &completedChild{activityID: inst.node.id, state: state, outputs: inst.outputs},
		})

		return
	}

	e.checkComplete(parent)
}

// release drops everything an instance holds on to once it left the Executing state.
func (e *Executor) release(inst *activityInstance) {
	for _, r := range e.bookmarks.ownedBy(inst) {
		e.dropBookmark(r)
	}

	e.noPersist -= inst.noPersist
	inst.noPersist = 0

	delete(e.instances, inst.id)
}

func (e *Executor) dropBookmark(r *bookmarkRecord) {
	e.bookmarks.remove(r)
	if !r.options.Has(core.NonBlocking) {
		r.owner.blockingBookmarks--
	}
}

// abortSubtree moves inst and all its descendants to the given final state without running any callbacks.
func (e *Executor) abortSubtree(inst *activityInstance, state core.ActivityInstanceState) {
	e.dropWork(inst)

	var walk func(ai *activityInstance)
	walk = func(ai *activityInstance) {
		for _, c := range ai.children {
			walk(c)
		}

		ai.children = nil
		ai.state = state
		e.release(ai)
		e.trackActivity(ai, state.String())
	}

	walk(inst)

	if inst.parent != nil {
		inst.parent.removeChild(inst)
	}
}

func (e *Executor) fault(inst *activityInstance, err error) {
	e.logger.Debug("activity faulted", log.ActivityIDKey, inst.node.id, "error", err)

	for cur := inst; cur.parent != nil; cur = cur.parent {
		if cur.onFaulted == "" {
			continue
		}

		parent := cur.parent
		child := &completedChild{activityID: inst.node.id, state: core.ActivityInstanceStateFaulted, outputs: inst.outputs}
		e.abortSubtree(cur, core.ActivityInstanceStateFaulted)
		e.enqueue(&workItem{
			kind:     workFault,
			target:   parent,
			callback: cur.onFaulted,
			child:    child,
			fault:    err,
		})

		return
	}

	e.unhandled = &unhandledFault{err: err, source: inst}
}

func (e *Executor) cancel(inst *activityInstance) {
	if inst.cancelRequested {
		return
	}

	inst.cancelRequested = true

	if !inst.started {
		// Never executed, complete it right away.
		e.dropWork(inst)
		inst.started = true
		inst.defaultCancel = true
		e.checkComplete(inst)
		return
	}

	if c, ok := inst.node.activity.(activity.Canceler); ok {
		e.afterCallback(inst, e.invoke(inst, c.Cancel))
		return
	}

	inst.defaultCancel = true
	for _, r := range e.bookmarks.ownedBy(inst) {
		e.dropBookmark(r)
	}

	for _, c := range inst.children {
		e.enqueue(&workItem{kind: workCancel, target: c})
	}

	e.checkComplete(inst)
}

func (e *Executor) completeWorkflow(state core.ActivityInstanceState, outputs map[string]payload.Payload, err error) {
	e.completed = true
	e.completionState = state
	e.outputs = outputs
	e.completionErr = err
	e.queue = nil

	switch state {
	case core.ActivityInstanceStateCanceled:
		e.trackWorkflow(tracking.StateCanceled)
	case core.ActivityInstanceStateFaulted:
		e.trackWorkflow(tracking.StateUnhandledException)
	default:
		e.trackWorkflow(tracking.StateCompleted)
	}
}

// HasPendingTrackingRecords reports whether there are records waiting to be flushed.
func (e *Executor) HasPendingTrackingRecords() bool {
	return len(e.records) > 0
}

// Track buffers a record on behalf of the host.
func (e *Executor) Track(r tracking.Record) {
	e.track(r)
}

// FlushTrackingRecords delivers all buffered records to every participant.
func (e *Executor) FlushTrackingRecords(ctx context.Context) error {
	records := e.records
	e.records = nil

	var err error
	for _, r := range records {
		for _, p := range e.participants {
			if ctx.Err() != nil {
				return multierr.Append(err, ctx.Err())
			}

			err = multierr.Append(err, p.Track(ctx, r))
		}
	}

	return err
}

func (e *Executor) track(r tracking.Record) {
	if len(e.participants) == 0 {
		return
	}

	r.InstanceID = e.instanceID
	if r.Time.IsZero() {
		r.Time = e.clock.Now()
	}

	e.records = append(e.records, r)
}

func (e *Executor) trackWorkflow(state string) {
	e.trackWorkflowData(state, nil)
}

func (e *Executor) trackWorkflowData(state string, data map[string]any) {
	e.track(tracking.Record{Kind: tracking.KindWorkflowInstance, State: state, Data: data})
}

func (e *Executor) trackActivity(inst *activityInstance, state string) {
	e.track(tracking.Record{Kind: tracking.KindActivity, State: state, ActivityID: inst.node.id})
}
