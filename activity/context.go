package activity

import (
	"log/slog"
	"time"

	"github.com/cschleiden/go-workflowapp/core"
)

type (
	// BookmarkCallback is invoked when the host resumes a bookmark.
	BookmarkCallback func(ctx Context, bookmark core.Bookmark, value Value) error

	// CompletionCallback is invoked on the parent when a scheduled child completes.
	CompletionCallback func(ctx Context, completed *Instance) error

	// FaultCallback is invoked on the parent when a scheduled child faulted. Returning nil handles the fault,
	// returning an error propagates it further up the tree.
	FaultCallback func(ctx Context, fault error, source *Instance) error
)

// Context is handed to activities and their callbacks. It is only valid for the duration of the call it was
// passed to.
type Context interface {
	WorkflowInstanceID() string
	ActivityID() string
	DisplayName() string

	IsCancellationRequested() bool

	// CreateBookmark registers a point at which the workflow waits for external input. An empty name creates an
	// anonymous bookmark that can only be resumed with the returned token.
	CreateBookmark(name string, callback BookmarkCallback, opts ...BookmarkOption) (core.Bookmark, error)

	// RemoveBookmark removes a bookmark created by the current activity and reports whether it was registered.
	RemoveBookmark(bookmark core.Bookmark) bool

	// RemoveAllBookmarks removes all bookmarks created by the current activity.
	RemoveAllBookmarks()

	ScheduleActivity(child Activity, onCompleted CompletionCallback, onFaulted FaultCallback) error

	ScheduleDelegate(d *Delegate, inputs map[string]any, onCompleted CompletionCallback, onFaulted FaultCallback) error

	CancelChildren()

	// MarkCanceled completes the current activity as canceled. Only valid while cancellation is requested.
	MarkCanceled() error

	GetVariable(name string, vptr any) error

	SetVariable(name string, value any) error

	SetOutput(name string, value any) error

	// EnterNoPersist starts a region in which the instance cannot be persisted. Regions nest and end with
	// ExitNoPersist or when the activity completes.
	EnterNoPersist()

	ExitNoPersist() error

	// Track emits a custom tracking record.
	Track(name string, data map[string]any)

	Logger() *slog.Logger

	Now() time.Time

	// Extension finds the first extension assignable to target, which must be a non-nil pointer, and sets target
	// to it.
	Extension(target any) bool
}

// GetExtension returns the first extension of type T.
func GetExtension[T any](ctx Context) (T, bool) {
	var t T
	ok := ctx.Extension(&t)
	return t, ok
}

type BookmarkConfig struct {
	Scope   string
	Options core.BookmarkOptions
}

type BookmarkOption func(*BookmarkConfig)

// WithScope creates the bookmark in the given scope.
func WithScope(scope string) BookmarkOption {
	return func(c *BookmarkConfig) {
		c.Scope = scope
	}
}

// WithBookmarkOptions sets the resumption behavior of the bookmark.
func WithBookmarkOptions(o core.BookmarkOptions) BookmarkOption {
	return func(c *BookmarkConfig) {
		c.Options = o
	}
}

func ApplyBookmarkOptions(opts ...BookmarkOption) BookmarkConfig {
	var c BookmarkConfig
	for _, opt := range opts {
		opt(&c)
	}

	return c
}
