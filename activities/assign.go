package activities

import (
	"errors"

	"github.com/cschleiden/go-workflowapp/activity"
)

// Assign sets Variable to Value, or to the result of Expression evaluated over Inputs if an expression is given.
type Assign struct {
	Variable   string
	Value      any
	Expression string
	Inputs     []string
}

func (a *Assign) Execute(ctx activity.Context) error {
	v := a.Value
	if a.Expression != "" {
		var err error
		if v, err = evaluate(ctx, a.Expression, a.Inputs); err != nil {
			return err
		}
	}

	return ctx.SetVariable(a.Variable, v)
}

// Throw faults with Message.
type Throw struct {
	Message string
}

func (t *Throw) Execute(activity.Context) error {
	return errors.New(t.Message)
}

// Output publishes Variable as the output Name. Name defaults to the variable name.
type Output struct {
	Name     string
	Variable string
}

func (o *Output) Execute(ctx activity.Context) error {
	var v any
	if err := ctx.GetVariable(o.Variable, &v); err != nil {
		return err
	}

	name := o.Name
	if name == "" {
		name = o.Variable
	}

	return ctx.SetOutput(name, v)
}
