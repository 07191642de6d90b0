package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the JSON envelope exchanged on the transport channel
type Message struct {
	Type          EventType       `json:"type"`
	Source        Source          `json:"source,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewMessage wraps payload into an envelope of type t
func NewMessage(t EventType, source Source, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Message{
		Type:      t,
		Source:    source,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// EventMessage wraps a SyncEvent for transmission
func EventMessage(e SyncEvent) (Message, error) {
	msg, err := NewMessage(e.Type, e.Source, e)
	if err != nil {
		return Message{}, err
	}
	msg.CorrelationID = e.CorrelationID
	return msg, nil
}

// Decode unmarshals the payload into v
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}
