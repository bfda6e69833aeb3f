package converter

import (
	"encoding/json"

	"github.com/cschleiden/go-workflowapp/payload"
)

// Converter serializes variables, outputs and bookmark values for persistence.
type Converter interface {
	// To converts the given value to a payload
	To(v any) (payload.Payload, error)

	// From converts the given payload to a value
	From(data payload.Payload, vptr any) error
}

// DefaultConverter encodes values as JSON.
var DefaultConverter Converter = jsonConverter{}

type jsonConverter struct{}

func (jsonConverter) To(v any) (payload.Payload, error) {
	return json.Marshal(v)
}

func (jsonConverter) From(data payload.Payload, vptr any) error {
	return json.Unmarshal(data, vptr)
}
