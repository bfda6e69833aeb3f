package activities

import (
	"slices"

	"github.com/cschleiden/go-workflowapp/activity"
)

// NoPersistScope keeps the instance from being persisted while Body runs.
type NoPersistScope struct {
	Body activity.Activity
}

var _ activity.Parent = (*NoPersistScope)(nil)

func (s *NoPersistScope) Children() []activity.Activity {
	if s.Body == nil {
		return nil
	}

	return []activity.Activity{s.Body}
}

func (s *NoPersistScope) Execute(ctx activity.Context) error {
	if s.Body == nil {
		return nil
	}

	ctx.EnterNoPersist()

	return ctx.ScheduleActivity(s.Body, s.OnCompleted, nil)
}

func (s *NoPersistScope) OnCompleted(ctx activity.Context, completed *activity.Instance) error {
	if err := ctx.ExitNoPersist(); err != nil {
		return err
	}

	return forwardOutputs(ctx, completed)
}

// CatchParameter is the delegate parameter the message of a caught fault is passed in.
const CatchParameter = "error"

// TryCatch runs Try. If it faults, the fault is handled and the Catch delegate runs, receiving the fault message
// as CatchParameter if it declares it. A nil Catch swallows the fault. Finally runs last in either case.
type TryCatch struct {
	Try     activity.Activity
	Catch   *activity.Delegate
	Finally activity.Activity
}

var (
	_ activity.Parent        = (*TryCatch)(nil)
	_ activity.DelegateOwner = (*TryCatch)(nil)
)

func (t *TryCatch) Children() []activity.Activity {
	var children []activity.Activity
	if t.Try != nil {
		children = append(children, t.Try)
	}

	if t.Finally != nil {
		children = append(children, t.Finally)
	}

	return children
}

func (t *TryCatch) Delegates() []*activity.Delegate {
	if t.Catch == nil {
		return nil
	}

	return []*activity.Delegate{t.Catch}
}

func (t *TryCatch) Execute(ctx activity.Context) error {
	if t.Try == nil {
		return t.runFinally(ctx)
	}

	return ctx.ScheduleActivity(t.Try, t.OnTryCompleted, t.OnTryFaulted)
}

func (t *TryCatch) OnTryCompleted(ctx activity.Context, completed *activity.Instance) error {
	if err := forwardOutputs(ctx, completed); err != nil {
		return err
	}

	return t.runFinally(ctx)
}

func (t *TryCatch) OnTryFaulted(ctx activity.Context, fault error, source *activity.Instance) error {
	ctx.Logger().Debug("caught fault", "source", source.ActivityID, "error", fault)

	if t.Catch == nil {
		return t.runFinally(ctx)
	}

	var inputs map[string]any
	if slices.Contains(t.Catch.Parameters, CatchParameter) {
		inputs = map[string]any{CatchParameter: fault.Error()}
	}

	return ctx.ScheduleDelegate(t.Catch, inputs, t.OnCatchCompleted, nil)
}

func (t *TryCatch) OnCatchCompleted(ctx activity.Context, completed *activity.Instance) error {
	if err := forwardOutputs(ctx, completed); err != nil {
		return err
	}

	return t.runFinally(ctx)
}

func (t *TryCatch) OnFinallyCompleted(ctx activity.Context, completed *activity.Instance) error {
	return forwardOutputs(ctx, completed)
}

func (t *TryCatch) runFinally(ctx activity.Context) error {
	if t.Finally == nil || ctx.IsCancellationRequested() {
		return nil
	}

	return ctx.ScheduleActivity(t.Finally, t.OnFinallyCompleted, nil)
}
