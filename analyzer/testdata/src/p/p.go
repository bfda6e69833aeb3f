package p

import (
	"activity"
	"fmt"
)

type wait struct {
	child    activity.Activity
	delegate *activity.Delegate
}

func (w *wait) Execute(ctx activity.Context) error {
	if _, err := ctx.CreateBookmark("b", w.OnResumed); err != nil {
		return err
	}

	if _, err := ctx.CreateBookmark("c", w.onResumed); err != nil { // want "callback onResumed must be an exported method of the activity"
		return err
	}

	if _, err := ctx.CreateBookmark("d", func(ctx activity.Context, b activity.Bookmark, v any) error { return nil }); err != nil { // want "callbacks must be exported methods of the activity, not function literals"
		return err
	}

	other := &wait{}
	if _, err := ctx.CreateBookmark("e", other.OnResumed); err != nil { // want "callback other.OnResumed is not a method of the activity"
		return err
	}

	go func() { // want "activity contexts are only valid during the call, do not start goroutines in activities"
		fmt.Println("hello")
	}()

	if err := ctx.ScheduleDelegate(w.delegate, nil, nil, w.OnFaulted); err != nil {
		return err
	}

	return ctx.ScheduleActivity(w.child, w.OnCompleted, completed) // want "callback completed must be an exported method of the activity"
}

func (w *wait) OnResumed(ctx activity.Context, b activity.Bookmark, v any) error {
	return nil
}

func (w *wait) onResumed(ctx activity.Context, b activity.Bookmark, v any) error {
	return nil
}

func (w *wait) OnCompleted(ctx activity.Context, i *activity.Instance) error {
	return nil
}

func (w *wait) OnFaulted(ctx activity.Context, err error, i *activity.Instance) error {
	return nil
}

func completed(ctx activity.Context, err error, i *activity.Instance) error {
	return nil
}
