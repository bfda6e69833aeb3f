package activity

import (
	"errors"
	"fmt"

	"github.com/cschleiden/go-workflowapp/converter"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/payload"
)

var (
	ErrNoValue          = errors.New("no value")
	ErrVariableNotFound = errors.New("variable not found")
	ErrOutputNotFound   = errors.New("output not found")
)

// Value is a serialized value handed to a bookmark callback.
type Value struct {
	data payload.Payload
	conv converter.Converter
}

func NewValue(data payload.Payload, conv converter.Converter) Value {
	return Value{data: data, conv: conv}
}

func (v Value) IsEmpty() bool {
	return len(v.data) == 0
}

func (v Value) Payload() payload.Payload {
	return v.data
}

// Decode deserializes the value into vptr.
func (v Value) Decode(vptr any) error {
	if v.IsEmpty() {
		return ErrNoValue
	}

	conv := v.conv
	if conv == nil {
		conv = converter.DefaultConverter
	}

	return conv.From(v.data, vptr)
}

// Instance describes a completed child activity instance.
type Instance struct {
	ActivityID string
	Activity   Activity
	State      core.ActivityInstanceState

	outputs map[string]payload.Payload
	conv    converter.Converter
}

func NewInstance(activityID string, a Activity, state core.ActivityInstanceState, outputs map[string]payload.Payload, conv converter.Converter) *Instance {
	return &Instance{
		ActivityID: activityID,
		Activity:   a,
		State:      state,
		outputs:    outputs,
		conv:       conv,
	}
}

// Output deserializes the named output of the completed activity into vptr.
func (i *Instance) Output(name string, vptr any) error {
	p, ok := i.outputs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOutputNotFound, name)
	}

	return NewValue(p, i.conv).Decode(vptr)
}

func (i *Instance) Outputs() map[string]payload.Payload {
	return i.outputs
}
