package payload

// Payload is a value serialized by a converter.
type Payload []byte
