// Package activities contains composite and primitive activities to build workflows from.
package activities

import (
	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/core"
)

const sequenceIndex = "sequence.index"

// Sequence runs its activities one after another. It declares Vars for its activities and collects the outputs
// of every activity it ran.
type Sequence struct {
	Vars       []activity.Variable
	Activities []activity.Activity
}

var (
	_ activity.Parent           = (*Sequence)(nil)
	_ activity.VariableDeclarer = (*Sequence)(nil)
)

func (s *Sequence) Children() []activity.Activity {
	return s.Activities
}

func (s *Sequence) Variables() []activity.Variable {
	return append(s.Vars[:len(s.Vars):len(s.Vars)], activity.Variable{Name: sequenceIndex, Default: 0})
}

func (s *Sequence) Execute(ctx activity.Context) error {
	return s.scheduleAt(ctx, 0)
}

func (s *Sequence) OnCompleted(ctx activity.Context, completed *activity.Instance) error {
	if err := forwardOutputs(ctx, completed); err != nil {
		return err
	}

	if completed.State != core.ActivityInstanceStateClosed || ctx.IsCancellationRequested() {
		return nil
	}

	var next int
	if err := ctx.GetVariable(sequenceIndex, &next); err != nil {
		return err
	}

	return s.scheduleAt(ctx, next)
}

func (s *Sequence) scheduleAt(ctx activity.Context, i int) error {
	if i >= len(s.Activities) {
		return nil
	}

	if err := ctx.SetVariable(sequenceIndex, i+1); err != nil {
		return err
	}

	return ctx.ScheduleActivity(s.Activities[i], s.OnCompleted, nil)
}
