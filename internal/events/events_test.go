package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedBuilder() *Builder {
	n := 0
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewBuilder(
		WithClock(func() time.Time { return clock }),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		}),
	)
}

func validRequest() ActionRequest {
	return ActionRequest{
		Type:     EventIncidentUpdated,
		Source:   SourceClientPortal,
		Actor:    Actor{UserID: "user-1", ClientID: "client-9", IPAddress: "10.0.0.4"},
		EntityID: "INC-1",
		Data:     map[string]interface{}{"status": "resolved"},
		Priority: PriorityHigh,
	}
}

func TestBuilder_Build(t *testing.T) {
	t.Run("Fills identity and defaults", func(t *testing.T) {
		b := fixedBuilder()
		event, err := b.Build(validRequest())
		require.NoError(t, err)

		assert.Equal(t, "id-2", event.ID)
		assert.Equal(t, "id-1", event.TraceID)
		assert.Equal(t, event.TraceID, event.CorrelationID, "correlation falls back to trace id")
		assert.Equal(t, StatusPending, event.Status)
		assert.Equal(t, SecurityInternal, event.SecurityLevel)
		assert.Equal(t, OperationUpdate, event.Context.Operation)
		assert.Equal(t, len(`{"status":"resolved"}`), event.Context.DataSize)
		assert.Equal(t, RiskMedium, event.Context.RiskAssessment)
	})

	t.Run("Reuses caller correlation id", func(t *testing.T) {
		req := validRequest()
		req.CorrelationID = "bulk-42"
		event, err := fixedBuilder().Build(req)
		require.NoError(t, err)
		assert.Equal(t, "bulk-42", event.CorrelationID)
	})

	t.Run("Generates unique ids", func(t *testing.T) {
		b := NewBuilder()
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			event, err := b.Build(validRequest())
			require.NoError(t, err)
			assert.False(t, seen[event.ID], "duplicate id %s", event.ID)
			seen[event.ID] = true
		}
	})

	t.Run("Payload is copied", func(t *testing.T) {
		req := validRequest()
		event, err := fixedBuilder().Build(req)
		require.NoError(t, err)
		req.Data["status"] = "mutated"
		assert.Equal(t, "resolved", event.Data["status"])
	})

	t.Run("TTL sets expiry", func(t *testing.T) {
		req := validRequest()
		req.TTL = time.Minute
		event, err := fixedBuilder().Build(req)
		require.NoError(t, err)
		require.NotNil(t, event.ExpiresAt)
		assert.True(t, event.Expired(event.CreatedAt.Add(2*time.Minute)))
		assert.False(t, event.Expired(event.CreatedAt))
	})
}

func TestBuilder_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ActionRequest)
		field  string
	}{
		{"missing actor", func(r *ActionRequest) { r.Actor.UserID = "" }, "UserID"},
		{"missing payload", func(r *ActionRequest) { r.Data = nil }, "Data"},
		{"missing entity", func(r *ActionRequest) { r.EntityID = "" }, "EntityID"},
		{"bad address", func(r *ActionRequest) { r.Actor.IPAddress = "not-an-ip" }, "IPAddress"},
		{"unknown type", func(r *ActionRequest) { r.Type = "video_uploaded" }, "Type"},
		{"unknown source", func(r *ActionRequest) { r.Source = "fax" }, "Source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := fixedBuilder().Build(req)
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Error(), tt.field)
		})
	}
}

func TestSyncEvent_Transition(t *testing.T) {
	event, err := fixedBuilder().Build(validRequest())
	require.NoError(t, err)

	require.NoError(t, event.Transition(StatusProcessing))
	assert.ErrorIs(t, event.Transition(StatusPending), ErrInvalidTransition)
	require.NoError(t, event.Transition(StatusCompleted))

	for _, next := range []Status{StatusPending, StatusProcessing, StatusFailed, StatusCancelled} {
		assert.ErrorIs(t, event.Transition(next), ErrInvalidTransition, "completed must stay completed")
	}
	assert.Equal(t, StatusCompleted, event.Status)
}

func TestSyncEvent_RecordAttempt(t *testing.T) {
	var event SyncEvent
	assert.Equal(t, 1, event.RecordAttempt())
	assert.Equal(t, 2, event.RecordAttempt())
	assert.Equal(t, 1, event.Context.RetryCount)
}

func TestOrderedEnums(t *testing.T) {
	assert.Less(t, int(PriorityLow), int(PriorityEmergency))
	assert.Less(t, int(SecurityPublic), int(SecurityTopSecret))

	raw, err := json.Marshal(struct {
		P Priority      `json:"p"`
		L SecurityLevel `json:"l"`
	}{PriorityCritical, SecurityTopSecret})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"CRITICAL","l":"TOP_SECRET"}`, string(raw))

	p, err := ParsePriority("emergency")
	require.NoError(t, err)
	assert.Equal(t, PriorityEmergency, p)

	_, err = ParseSecurityLevel("cosmic")
	assert.Error(t, err)

	assert.Equal(t, RiskCritical, AssessRisk(PriorityEmergency, SecurityPublic))
	assert.Equal(t, RiskLow, AssessRisk(PriorityLow, SecurityPublic))
}

func TestMessage_RoundTrip(t *testing.T) {
	event, err := fixedBuilder().Build(validRequest())
	require.NoError(t, err)

	msg, err := EventMessage(event)
	require.NoError(t, err)
	assert.Equal(t, EventIncidentUpdated, msg.Type)
	assert.Equal(t, event.CorrelationID, msg.CorrelationID)

	var decoded SyncEvent
	require.NoError(t, msg.Decode(&decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, PriorityHigh, decoded.Priority)

	assert.Error(t, Message{Type: EventSyncCompleted}.Decode(&decoded))
}
