package activities

import (
	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/core"
)

// Parallel schedules all branches at once and completes when all of them completed. If Condition is set it is
// evaluated after every branch that closed, and the remaining branches are canceled once it holds.
type Parallel struct {
	Branches  []activity.Activity
	Condition string
	Inputs    []string
}

var _ activity.Parent = (*Parallel)(nil)

func (p *Parallel) Children() []activity.Activity {
	return p.Branches
}

func (p *Parallel) Execute(ctx activity.Context) error {
	for _, b := range p.Branches {
		if err := ctx.ScheduleActivity(b, p.OnCompleted, nil); err != nil {
			return err
		}
	}

	return nil
}

func (p *Parallel) OnCompleted(ctx activity.Context, completed *activity.Instance) error {
	if err := forwardOutputs(ctx, completed); err != nil {
		return err
	}

	if p.Condition == "" || completed.State != core.ActivityInstanceStateClosed || ctx.IsCancellationRequested() {
		return nil
	}

	done, err := evaluateCondition(ctx, p.Condition, p.Inputs)
	if err != nil || !done {
		return err
	}

	ctx.CancelChildren()

	return nil
}

// InvokeDelegate runs Delegate with Inputs and forwards the outputs of its handler.
type InvokeDelegate struct {
	Delegate *activity.Delegate
	Inputs   map[string]any
}

var _ activity.DelegateOwner = (*InvokeDelegate)(nil)

func (i *InvokeDelegate) Delegates() []*activity.Delegate {
	return []*activity.Delegate{i.Delegate}
}

func (i *InvokeDelegate) Execute(ctx activity.Context) error {
	if i.Delegate == nil {
		return nil
	}

	return ctx.ScheduleDelegate(i.Delegate, i.Inputs, i.OnCompleted, nil)
}

func (i *InvokeDelegate) OnCompleted(ctx activity.Context, completed *activity.Instance) error {
	return forwardOutputs(ctx, completed)
}
