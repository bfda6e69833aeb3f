package activities

import (
	"errors"

	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/core"
)

// ValueOutput is the output Receive sets to the value its bookmark was resumed with.
const ValueOutput = "value"

// Receive waits until the named bookmark is resumed. The value is stored in Variable, if set, and in the
// ValueOutput output.
type Receive struct {
	Bookmark string
	Scope    string
	Variable string
}

var _ activity.IdleInducer = (*Receive)(nil)

func (r *Receive) CanInduceIdle() bool {
	return true
}

func (r *Receive) Execute(ctx activity.Context) error {
	_, err := ctx.CreateBookmark(r.Bookmark, r.OnResumed, activity.WithScope(r.Scope))
	return err
}

func (r *Receive) OnResumed(ctx activity.Context, _ core.Bookmark, value activity.Value) error {
	var v any
	if err := value.Decode(&v); err != nil && !errors.Is(err, activity.ErrNoValue) {
		return err
	}

	if r.Variable != "" {
		if err := ctx.SetVariable(r.Variable, v); err != nil {
			return err
		}
	}

	return ctx.SetOutput(ValueOutput, v)
}
