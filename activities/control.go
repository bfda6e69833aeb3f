package activities

import (
	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/core"
)

// If runs Then when Condition holds and Else otherwise. Condition is an expr-lang expression over the variables
// named in Inputs and must evaluate to a bool.
type If struct {
	Condition string
	Inputs    []string
	Then      activity.Activity
	Else      activity.Activity
}

var _ activity.Parent = (*If)(nil)

func (i *If) Children() []activity.Activity {
	var children []activity.Activity
	if i.Then != nil {
		children = append(children, i.Then)
	}

	if i.Else != nil {
		children = append(children, i.Else)
	}

	return children
}

func (i *If) Execute(ctx activity.Context) error {
	ok, err := evaluateCondition(ctx, i.Condition, i.Inputs)
	if err != nil {
		return err
	}

	branch := i.Else
	if ok {
		branch = i.Then
	}

	if branch == nil {
		return nil
	}

	return ctx.ScheduleActivity(branch, i.OnCompleted, nil)
}

func (i *If) OnCompleted(ctx activity.Context, completed *activity.Instance) error {
	return forwardOutputs(ctx, completed)
}

// While runs Body for as long as Condition holds. The condition is checked before every iteration.
type While struct {
	Condition string
	Inputs    []string
	Body      activity.Activity
}

var _ activity.Parent = (*While)(nil)

func (w *While) Children() []activity.Activity {
	if w.Body == nil {
		return nil
	}

	return []activity.Activity{w.Body}
}

func (w *While) Execute(ctx activity.Context) error {
	return w.iterate(ctx)
}

func (w *While) OnCompleted(ctx activity.Context, completed *activity.Instance) error {
	if completed.State != core.ActivityInstanceStateClosed || ctx.IsCancellationRequested() {
		return nil
	}

	return w.iterate(ctx)
}

func (w *While) iterate(ctx activity.Context) error {
	ok, err := evaluateCondition(ctx, w.Condition, w.Inputs)
	if err != nil || !ok {
		return err
	}

	if w.Body == nil {
		return nil
	}

	return ctx.ScheduleActivity(w.Body, w.OnCompleted, nil)
}
