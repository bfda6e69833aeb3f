package activity

type Bookmark struct{}

type Instance struct{}

type Delegate struct{}

type Activity interface {
	Execute(ctx Context) error
}

type (
	BookmarkCallback   func(ctx Context, bookmark Bookmark, value any) error
	CompletionCallback func(ctx Context, completed *Instance) error
	FaultCallback      func(ctx Context, fault error, source *Instance) error
)

type Context interface {
	CreateBookmark(name string, callback BookmarkCallback) (Bookmark, error)
	ScheduleActivity(child Activity, onCompleted CompletionCallback, onFaulted FaultCallback) error
	ScheduleDelegate(d *Delegate, inputs map[string]any, onCompleted CompletionCallback, onFaulted FaultCallback) error
}
