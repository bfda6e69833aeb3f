package application

import (
	"context"
	"sync/atomic"

	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/internal/metrickeys"
	"github.com/cschleiden/go-workflowapp/internal/tracing"
	"github.com/cschleiden/go-workflowapp/log"
	"github.com/cschleiden/go-workflowapp/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ResumeBookmark resumes the given bookmark with value once the instance is idle. An instance that has not been
// run yet is run first. NotReady from the scheduler is retried after it has run again, so callers only see
// NotReady if the instance has been unloaded or aborted.
func (a *Application) ResumeBookmark(ctx context.Context, b core.Bookmark, value any) (core.BookmarkResumptionResult, error) {
	return a.resumeBookmark(ctx, b, value, false)
}

func (a *Application) ResumeBookmarkAsync(ctx context.Context, b core.Bookmark, value any) *Future[core.BookmarkResumptionResult] {
	f := newFuture[core.BookmarkResumptionResult]()
	a.resumeBookmarkThen(ctx, b, value, false, f.resolve)

	return f
}

// resumption tracks one ResumeBookmark call across the operations it needs.
type resumption struct {
	a             *Application
	bookmark      core.Bookmark
	value         any
	fromExtension bool

	pendingRun atomic.Bool

	// next is the operation to retry with after the scheduler reported NotReady.
	next *operation
}

func (a *Application) newResumption(b core.Bookmark, value any, fromExtension bool) *resumption {
	return &resumption{a: a, bookmark: b, value: value, fromExtension: fromExtension}
}

// needsRun marks the internal run that precedes the first resumption of an instance that was never run.
func (r *resumption) needsRun() bool {
	if r.fromExtension || r.a.hasCalledRun.Load() {
		return false
	}

	r.a.mu.Lock()
	r.a.pendingUnenqueued++
	r.a.mu.Unlock()
	r.pendingRun.Store(true)

	return true
}

func (r *resumption) releasePending() {
	if r.pendingRun.Swap(false) {
		r.a.mu.Lock()
		r.a.pendingUnenqueued--
		r.a.mu.Unlock()
	}
}

func (r *resumption) run(ctx context.Context) (none, error) {
	return none{}, r.a.runBody(ctx, false)
}

// retryAfterNextRun returns an operation that is granted once the scheduler ran after the current turn. Must
// be called while holding the turn.
func (r *resumption) retryAfterNextRun() *operation {
	op := deferredIdle("ResumeBookmark")

	r.a.mu.Lock()
	op.actionID = r.a.actionCount
	op.stamped = true
	r.a.mu.Unlock()

	return op
}

func (r *resumption) body(ctx context.Context) (core.BookmarkResumptionResult, error) {
	r.releasePending()
	r.next = nil

	a := r.a

	trace.SpanFromContext(ctx).SetAttributes(attribute.String(tracing.BookmarkName, r.bookmark.String()))

	result, err := a.resumeBody(ctx, r.bookmark, r.value)
	if err == nil && result == core.ResumptionNotReady && !r.fromExtension && !a.isTerminal() {
		r.next = r.retryAfterNextRun()
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String(tracing.BookmarkResult, result.String()))

	return result, err
}

func (a *Application) resumeBookmark(ctx context.Context, b core.Bookmark, value any, fromExtension bool) (core.BookmarkResumptionResult, error) {
	if err := a.checkHandler(ctx); err != nil {
		return core.ResumptionNotFound, err
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	r := a.newResumption(b, value, fromExtension)
	defer r.releasePending()

	if r.needsRun() {
		if _, err := do(ctx, a, runnable("Run"), r.run); err != nil {
			return core.ResumptionNotFound, err
		}
	}

	op := idle("ResumeBookmark", fromExtension)
	for {
		result, err := do(ctx, a, op, r.body)
		if err != nil || r.next == nil {
			return result, err
		}

		op = r.next
	}
}

func (a *Application) resumeBookmarkThen(ctx context.Context, b core.Bookmark, value any, fromExtension bool, then func(core.BookmarkResumptionResult, error)) {
	if err := a.checkHandler(ctx); err != nil {
		then(core.ResumptionNotFound, err)
		return
	}

	ctx, cancel := a.withTimeout(ctx)
	r := a.newResumption(b, value, fromExtension)

	finish := func(result core.BookmarkResumptionResult, err error) {
		r.releasePending()
		cancel()
		then(result, err)
	}

	var step func(op *operation)
	step = func(op *operation) {
		doThen(ctx, a, op, r.body, func(result core.BookmarkResumptionResult, err error) {
			if err == nil && r.next != nil {
				step(r.next)
				return
			}

			finish(result, err)
		})
	}

	first := idle("ResumeBookmark", fromExtension)

	if !r.needsRun() {
		step(first)
		return
	}

	doThen(ctx, a, runnable("Run"), r.run, func(_ none, err error) {
		if err != nil {
			finish(core.ResumptionNotFound, err)
			return
		}

		step(first)
	})
}

// resumeBody schedules the bookmark callback. Must be called while holding the turn.
func (a *Application) resumeBody(ctx context.Context, b core.Bookmark, value any) (core.BookmarkResumptionResult, error) {
	if a.hasRaisedCompleted {
		return a.resumed(b, core.ResumptionNotFound), nil
	}

	if a.isTerminal() {
		return a.resumed(b, core.ResumptionNotReady), nil
	}

	result, err := a.controller.ScheduleBookmarkResumption(b, value)
	if err != nil {
		return core.ResumptionNotFound, err
	}

	if result == core.ResumptionSuccess {
		a.runCore()

		if err := a.flushTracking(ctx); err != nil {
			return result, err
		}
	}

	return a.resumed(b, result), nil
}

func (a *Application) resumed(b core.Bookmark, result core.BookmarkResumptionResult) core.BookmarkResumptionResult {
	a.metrics.Counter(metrickeys.BookmarkResumed, metrics.Tags{metrickeys.BookmarkResult: result.String()}, 1)
	a.log().Debug("resumed bookmark", log.BookmarkKey, b.String(), log.BookmarkResultKey, result.String())

	return result
}

// InstanceProxy gives extensions restricted access to the instance they are attached to.
type InstanceProxy struct {
	a *Application
}

func (p *InstanceProxy) ID() string {
	return p.a.ID()
}

// ResumeBookmark resumes a bookmark on behalf of an extension. Unlike Application.ResumeBookmark it does not
// run the instance and returns NotReady instead of waiting for the scheduler to run again.
func (p *InstanceProxy) ResumeBookmark(ctx context.Context, b core.Bookmark, value any) (core.BookmarkResumptionResult, error) {
	return p.a.resumeBookmark(ctx, b, value, true)
}

func (p *InstanceProxy) ResumeBookmarkAsync(ctx context.Context, b core.Bookmark, value any) *Future[core.BookmarkResumptionResult] {
	f := newFuture[core.BookmarkResumptionResult]()
	p.a.resumeBookmarkThen(ctx, b, value, true, f.resolve)

	return f
}

func (p *InstanceProxy) Bookmarks(ctx context.Context) ([]core.BookmarkInfo, error) {
	return p.a.GetBookmarks(ctx)
}
