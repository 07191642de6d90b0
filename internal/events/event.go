package events

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change would regress
var ErrInvalidTransition = errors.New("invalid status transition")

// Actor identifies who caused a state change
type Actor struct {
	UserID    string `json:"user_id" validate:"required"`
	ClientID  string `json:"client_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty" validate:"omitempty,ip"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Context carries structured processing information for an event
type Context struct {
	Operation      OperationKind  `json:"operation"`
	RiskAssessment RiskAssessment `json:"risk_assessment"`
	RetryCount     int            `json:"retry_count"`
	DataSize       int            `json:"data_size"`
	Tags           []string       `json:"tags,omitempty"`
}

// SyncEvent describes one state change flowing between surfaces and the backend
type SyncEvent struct {
	ID            string                 `json:"id"`
	TraceID       string                 `json:"trace_id"`
	CorrelationID string                 `json:"correlation_id"`
	Type          EventType              `json:"type"`
	Source        Source                 `json:"source"`
	Priority      Priority               `json:"priority"`
	SecurityLevel SecurityLevel          `json:"security_level"`
	Actor         Actor                  `json:"actor"`
	EntityID      string                 `json:"entity_id,omitempty"`
	Data          map[string]interface{} `json:"data"`
	CreatedAt     time.Time              `json:"created_at"`
	Timestamp     time.Time              `json:"timestamp"`
	ScheduledFor  *time.Time             `json:"scheduled_for,omitempty"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	Status        Status                 `json:"status"`
	Attempts      int                    `json:"attempts"`
	Context       Context                `json:"context"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
}

// Transition moves the event to a new processing status.
// Terminal states are final and the status never moves backwards.
func (e *SyncEvent) Transition(to Status) error {
	if to.rank() < 0 {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if e.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, e.Status)
	}
	if to.rank() < e.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	return nil
}

// RecordAttempt increments the delivery attempt counter
func (e *SyncEvent) RecordAttempt() int {
	e.Attempts++
	e.Context.RetryCount = e.Attempts - 1
	return e.Attempts
}

// Expired reports whether the event is past its expiry at now
func (e *SyncEvent) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Clone returns a deep copy so the event can be handed to another stage by value
func (e SyncEvent) Clone() SyncEvent {
	out := e
	out.Data = cloneMap(e.Data)
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	if e.Context.Tags != nil {
		out.Context.Tags = append([]string(nil), e.Context.Tags...)
	}
	if e.ScheduledFor != nil {
		t := *e.ScheduledFor
		out.ScheduledFor = &t
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch typed := v.(type) {
		case map[string]interface{}:
			out[k] = cloneMap(typed)
		case []interface{}:
			cp := make([]interface{}, len(typed))
			copy(cp, typed)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
