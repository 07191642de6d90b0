package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ValidationError reports malformed or missing fields on an action request
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", strings.Join(e.Fields, ", "), e.Reason)
}

// ActionRequest is the caller's description of a state change
type ActionRequest struct {
	Type          EventType              `validate:"required"`
	Source        Source                 `validate:"required"`
	Actor         Actor
	EntityID      string                 `validate:"required"`
	Data          map[string]interface{} `validate:"required"`
	Priority      Priority               `validate:"omitempty,min=1,max=5"`
	SecurityLevel SecurityLevel          `validate:"omitempty,min=1,max=5"`
	Operation     OperationKind
	CorrelationID string
	ScheduledFor  *time.Time
	TTL           time.Duration
	Tags          []string
	Metadata      map[string]string
}

// Builder produces SyncEvents from action requests. It has no side effects.
type Builder struct {
	now      func() time.Time
	newID    func() string
	validate *validator.Validate
}

// BuilderOption customises a Builder
type BuilderOption func(*Builder)

// WithClock overrides the time source
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithIDGenerator overrides id generation
func WithIDGenerator(gen func() string) BuilderOption {
	return func(b *Builder) { b.newID = gen }
}

// NewBuilder creates a new event builder
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build validates req and returns a new pending SyncEvent
func (b *Builder) Build(req ActionRequest) (SyncEvent, error) {
	if err := b.check(req); err != nil {
		return SyncEvent{}, err
	}

	priority := req.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	level := req.SecurityLevel
	if level == 0 {
		level = SecurityInternal
	}
	operation := req.Operation
	if operation == "" {
		operation = OperationUpdate
	}

	payload, err := json.Marshal(req.Data)
	if err != nil {
		return SyncEvent{}, &ValidationError{Fields: []string{"Data"}, Reason: "payload is not serialisable: " + err.Error()}
	}

	now := b.now().UTC()
	traceID := b.newID()
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = traceID
	}

	event := SyncEvent{
		ID:            b.newID(),
		TraceID:       traceID,
		CorrelationID: correlationID,
		Type:          req.Type,
		Source:        req.Source,
		Priority:      priority,
		SecurityLevel: level,
		Actor:         req.Actor,
		EntityID:      req.EntityID,
		Data:          cloneMap(req.Data),
		CreatedAt:     now,
		Timestamp:     now,
		Status:        StatusPending,
		Context: Context{
			Operation:      operation,
			RiskAssessment: AssessRisk(priority, level),
			DataSize:       len(payload),
			Tags:           append([]string(nil), req.Tags...),
		},
	}
	if req.ScheduledFor != nil {
		t := req.ScheduledFor.UTC()
		event.ScheduledFor = &t
	}
	if req.TTL > 0 {
		t := now.Add(req.TTL)
		event.ExpiresAt = &t
	}
	if len(req.Metadata) > 0 {
		event.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			event.Metadata[k] = v
		}
	}
	return event, nil
}

func (b *Builder) check(req ActionRequest) error {
	if err := b.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace())
			}
			return &ValidationError{Fields: fields, Reason: "missing or malformed"}
		}
		return &ValidationError{Reason: err.Error()}
	}
	if !req.Type.Valid() {
		return &ValidationError{Fields: []string{"Type"}, Reason: fmt.Sprintf("unknown event type %q", req.Type)}
	}
	if !req.Source.Valid() {
		return &ValidationError{Fields: []string{"Source"}, Reason: fmt.Sprintf("unknown source %q", req.Source)}
	}
	return nil
}
