package contracts

import (
	"encoding/json"
)

// CorrelationKey is the well-known field carrying the correlation id
// inside a correlated push message.
const CorrelationKey = "correlationId"

// PushMessage is a structured record delivered asynchronously over the
// persistent connection. Apart from the correlation id field, all
// fields are opaque payload forwarded verbatim to the waiting caller.
type PushMessage map[string]interface{}

// CorrelationID returns the correlation id carried by the message, or
// the empty string if the field is absent or not a string.
func (m PushMessage) CorrelationID() string {
	id, _ := m[CorrelationKey].(string)
	return id
}

// DecodePushMessage parses a JSON-encoded push message body.
func DecodePushMessage(data []byte) (PushMessage, error) {
	var m PushMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode serializes the message back to JSON.
func (m PushMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}
