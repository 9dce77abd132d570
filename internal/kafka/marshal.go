package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the wire format of every domain event.
// event, data and timestamp are the contract; id and producer are metadata.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Producer  string          `json:"producer,omitempty"`
}

const (
	HeaderRoutingKey = "x-routing-key"
	HeaderEventID    = "x-event-id"
)

func MarshalEnvelope(id, event, producer string, payload any, at time.Time) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload of %s: %w", event, err)
	}
	return json.Marshal(Envelope{
		ID:        id,
		Event:     event,
		Data:      data,
		Timestamp: at.UTC(),
		Producer:  producer,
	})
}

func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return env, errors.New("decode envelope: missing event name")
	}
	return env, nil
}

// UnwrapPayload decodes the data of an envelope into T.
func UnwrapPayload[T any](env Envelope) (T, error) {
	var t T
	if err := json.Unmarshal(env.Data, &t); err != nil {
		return t, fmt.Errorf("decode payload of %s: %w", env.Event, err)
	}
	return t, nil
}
