package persistence

import (
	"encoding/json"
	"maps"

	"github.com/cschleiden/go-workflowapp/payload"
)

type ValueOptions int

const (
	ValueOptionsNone ValueOptions = 0

	// WriteOnly values are saved but not handed back on load. Stores may use them for queries.
	WriteOnly ValueOptions = 1

	// Optional values may be dropped by stores that cannot hold them.
	Optional ValueOptions = 2
)

func (o ValueOptions) Has(flag ValueOptions) bool {
	return o&flag == flag
}

type Value struct {
	Data    payload.Payload `json:"data,omitempty"`
	Options ValueOptions    `json:"options,omitempty"`
}

// Values is the set of values persisted for an instance.
type Values map[Key]Value

// Readable returns all values that are not write-only.
func (v Values) Readable() Values {
	r := make(Values, len(v))
	for k, val := range v {
		if !val.Options.Has(WriteOnly) {
			r[k] = val
		}
	}

	return r
}

// Payloads returns the raw data of all values.
func (v Values) Payloads() map[Key]payload.Payload {
	r := make(map[Key]payload.Payload, len(v))
	for k, val := range v {
		r[k] = val.Data
	}

	return r
}

func (v Values) Clone() Values {
	return maps.Clone(v)
}

// Merge copies all values from other, overwriting existing keys.
func (v Values) Merge(other Values) {
	maps.Copy(v, other)
}

func MarshalValues(v Values) ([]byte, error) {
	if v == nil {
		v = Values{}
	}

	return json.Marshal(v)
}

func UnmarshalValues(data []byte) (Values, error) {
	v := Values{}
	if len(data) == 0 {
		return v, nil
	}

	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}

	return v, nil
}
