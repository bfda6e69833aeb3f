package activities

import (
	"errors"
	"time"

	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/timers"
)

var ErrNoTimerExtension = errors.New("delay requires the timers extension")

const delayBookmark = "delay.bookmark"

// Delay completes once Duration has passed. The instance needs a timers.Extension.
type Delay struct {
	Duration time.Duration
}

var (
	_ activity.IdleInducer      = (*Delay)(nil)
	_ activity.VariableDeclarer = (*Delay)(nil)
	_ activity.Canceler         = (*Delay)(nil)
)

func (d *Delay) CanInduceIdle() bool {
	return true
}

func (d *Delay) Variables() []activity.Variable {
	return []activity.Variable{{Name: delayBookmark}}
}

func (d *Delay) Execute(ctx activity.Context) error {
	ext, ok := activity.GetExtension[*timers.Extension](ctx)
	if !ok {
		return ErrNoTimerExtension
	}

	b, err := ctx.CreateBookmark("", d.OnElapsed)
	if err != nil {
		return err
	}

	if err := ctx.SetVariable(delayBookmark, b); err != nil {
		return err
	}

	ext.Register(b, ctx.Now().Add(d.Duration))

	return nil
}

func (d *Delay) OnElapsed(activity.Context, core.Bookmark, activity.Value) error {
	return nil
}

func (d *Delay) Cancel(ctx activity.Context) error {
	var b core.Bookmark
	if err := ctx.GetVariable(delayBookmark, &b); err != nil {
		return err
	}

	if ext, ok := activity.GetExtension[*timers.Extension](ctx); ok {
		ext.Unregister(b)
	}

	ctx.RemoveAllBookmarks()

	return ctx.MarkCanceled()
}
