package application

import (
	"context"
	"errors"

	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/log"
)

// Run starts or continues the instance. The call returns once the scheduler has been asked to run, not when the
// instance becomes idle or completes.
func (a *Application) Run(ctx context.Context) error {
	_, err := do(ctx, a, runnable("Run"), noValue(func(ctx context.Context) error {
		return a.runBody(ctx, true)
	}))

	return err
}

func (a *Application) RunAsync(ctx context.Context) *Future[struct{}] {
	return doAsync(ctx, a, runnable("Run"), noValue(func(ctx context.Context) error {
		return a.runBody(ctx, true)
	}))
}

func (a *Application) runBody(ctx context.Context, isUserRun bool) error {
	if err := a.validateStateForRun(); err != nil {
		return err
	}

	if isUserRun {
		// Every user run raises idle at least once, even if no work item ran.
		a.hasExecutionOccurredSinceLastIdle = true
	}

	a.runCore()

	return a.flushTracking(ctx)
}

func (a *Application) runCore() {
	if !a.hasCalledRun.Swap(true) {
		a.log().Debug("running workflow instance")
	}

	a.setLifecycle(stateRunnable)
}

// Cancel requests cancellation of the root activity. An instance that has never been run is run so that its
// cancellation logic executes.
func (a *Application) Cancel(ctx context.Context) error {
	_, err := do(ctx, a, runnable("Cancel"), noValue(a.cancelBody))

	return err
}

func (a *Application) CancelAsync(ctx context.Context) *Future[struct{}] {
	return doAsync(ctx, a, runnable("Cancel"), noValue(a.cancelBody))
}

func (a *Application) cancelBody(ctx context.Context) error {
	if err := a.validateStateForCancel(); err != nil {
		return err
	}

	if !a.hasRaisedCompleted && a.lifecycle() != stateUnloaded {
		a.controller.ScheduleCancel()

		if !a.hasCalledRun.Load() {
			a.runCore()
		}
	}

	return a.flushTracking(ctx)
}

// Terminate completes the instance as faulted with the given reason without running any more activity code.
func (a *Application) Terminate(ctx context.Context, reason error) error {
	_, err := do(ctx, a, runnable("Terminate"), noValue(func(ctx context.Context) error {
		return a.terminateBody(ctx, reason)
	}))

	return err
}

func (a *Application) TerminateAsync(ctx context.Context, reason error) *Future[struct{}] {
	return doAsync(ctx, a, runnable("Terminate"), noValue(func(ctx context.Context) error {
		return a.terminateBody(ctx, reason)
	}))
}

func (a *Application) terminateBody(ctx context.Context, reason error) error {
	if reason == nil {
		reason = errors.New("terminated by host")
	}

	if err := a.validateStateForTerminate(); err != nil {
		return err
	}

	a.log().Debug("terminating workflow instance", "reason", reason)
	a.controller.Terminate(reason)

	return a.flushTracking(ctx)
}

// GetBookmarks returns the named bookmarks of the instance.
func (a *Application) GetBookmarks(ctx context.Context) ([]core.BookmarkInfo, error) {
	return do(ctx, a, runnable("GetBookmarks"), a.getBookmarksBody)
}

func (a *Application) GetBookmarksAsync(ctx context.Context) *Future[[]core.BookmarkInfo] {
	return doAsync(ctx, a, runnable("GetBookmarks"), a.getBookmarksBody)
}

func (a *Application) getBookmarksBody(context.Context) ([]core.BookmarkInfo, error) {
	if err := a.validateStateForGetBookmarks(); err != nil {
		return nil, err
	}

	bookmarks := a.controller.Bookmarks()
	a.log().Debug("returning bookmarks", log.PendingItemsKey, len(bookmarks))

	return bookmarks, nil
}
