// Package audit turns sync actions and security-relevant system events into
// a hash-chained, integrity-checked audit trail that is buffered, batched and
// shipped to a remote sink with a local fallback store.
package audit

import (
	"time"

	"github.com/aegisshield/realtime-sync/internal/events"
)

// EventType classifies an audit entry
type EventType string

const (
	EventSyncProcessed     EventType = "sync_event_processed"
	EventDataAccess        EventType = "data_access"
	EventDataModification  EventType = "data_modification"
	EventAuthentication    EventType = "authentication"
	EventAuthorization     EventType = "authorization"
	EventConfiguration     EventType = "configuration_change"
	EventSecurityViolation EventType = "security_violation"
	EventExport            EventType = "export_operation"
	EventSystemError       EventType = "system_error"
	EventConflict          EventType = "conflict_resolution"
	EventSystemLifecycle   EventType = "system_lifecycle"
)

// Category groups event types for retention and reporting
type Category string

const (
	CategorySync           Category = "sync"
	CategorySecurity       Category = "security"
	CategoryDataAccess     Category = "data_access"
	CategorySystem         Category = "system"
	CategoryCompliance     Category = "compliance"
	CategoryAuthentication Category = "authentication"
)

// Status is the outcome recorded on an entry
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusError   Status = "error"
	StatusWarning Status = "warning"
)

// Severity grades security violations
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Compliance flags
const (
	FlagPIIRedacted       = "PII_REDACTED"
	FlagHighRisk          = "HIGH_RISK"
	FlagSecurityViolation = "SECURITY_VIOLATION"
	FlagDataExport        = "DATA_EXPORT"
)

// Geolocation is the optional approximate origin of an action
type Geolocation struct {
	Country string  `json:"country,omitempty"`
	Region  string  `json:"region,omitempty"`
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// DataChange is one field-level modification
type DataChange struct {
	Field    string      `json:"field"`
	OldValue interface{} `json:"old_value,omitempty"`
	NewValue interface{} `json:"new_value,omitempty"`
}

// Performance captures timing of the audited operation
type Performance struct {
	DurationMs   int64 `json:"duration_ms,omitempty"`
	PayloadBytes int   `json:"payload_bytes,omitempty"`
	Retries      int   `json:"retries,omitempty"`
}

// ErrorDetail describes a failed operation
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Entry is one record of the audit trail
type Entry struct {
	// identity
	ID            string `json:"id"`
	TraceID       string `json:"trace_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// actor and security
	UserID        string               `json:"user_id"`
	UserRole      string               `json:"user_role,omitempty"`
	ClientID      string               `json:"client_id,omitempty"`
	SessionID     string               `json:"session_id,omitempty"`
	SecurityLevel events.SecurityLevel `json:"security_level"`
	IPAddress     string               `json:"ip_address,omitempty"`
	UserAgent     string               `json:"user_agent,omitempty"`
	Geolocation   *Geolocation         `json:"geolocation,omitempty"`

	// classification
	EventType     EventType `json:"event_type"`
	EventCategory Category  `json:"event_category"`
	EventSource   string    `json:"event_source"`
	Description   string    `json:"description,omitempty"`

	// domain context
	ResourceID      string                 `json:"resource_id,omitempty"`
	ResourceType    string                 `json:"resource_type,omitempty"`
	ActionPerformed string                 `json:"action_performed"`
	DataChanges     []DataChange           `json:"data_changes,omitempty"`
	ContextData     map[string]interface{} `json:"context_data,omitempty"`

	// timestamps
	ClientTimestamp    time.Time `json:"client_timestamp"`
	ServerTimestamp    time.Time `json:"server_timestamp,omitempty"`
	CanonicalTimestamp time.Time `json:"canonical_timestamp"`

	// integrity
	Checksum          string `json:"checksum"`
	DigitalSignature  string `json:"digital_signature,omitempty"`
	PreviousEntryHash string `json:"previous_entry_hash,omitempty"`

	// risk
	RiskScore       int      `json:"risk_score"`
	ComplianceFlags []string `json:"compliance_flags,omitempty"`
	RequiresReview  bool     `json:"requires_review"`

	Performance *Performance `json:"performance,omitempty"`

	// outcome
	Status Status       `json:"status"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// HasFlag reports whether the entry carries a compliance flag
func (e *Entry) HasFlag(flag string) bool {
	for _, f := range e.ComplianceFlags {
		if f == flag {
			return true
		}
	}
	return false
}

func (e *Entry) addFlag(flag string) {
	if !e.HasFlag(flag) {
		e.ComplianceFlags = append(e.ComplianceFlags, flag)
	}
}

// Filter selects entries from a store
type Filter struct {
	EventType EventType  `json:"event_type,omitempty"`
	Category  Category   `json:"category,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Resource  string     `json:"resource_id,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// Matches reports whether e satisfies every set criterion
func (f Filter) Matches(e *Entry) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Category != "" && e.EventCategory != f.Category {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Resource != "" && e.ResourceID != f.Resource {
		return false
	}
	if f.StartTime != nil && e.CanonicalTimestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.CanonicalTimestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Statistics summarises a set of entries
type Statistics struct {
	TotalEntries    int            `json:"total_entries"`
	CategoryCounts  map[string]int `json:"category_counts"`
	EventTypeCounts map[string]int `json:"event_type_counts"`
	StatusCounts    map[string]int `json:"status_counts"`
	UserCounts      map[string]int `json:"user_counts"`
	HourlyTrends    map[int]int    `json:"hourly_trends"`
	RequiresReview  int            `json:"requires_review"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// Summarise builds statistics over entries
func Summarise(entries []*Entry, now time.Time) *Statistics {
	stats := &Statistics{
		CategoryCounts:  make(map[string]int),
		EventTypeCounts: make(map[string]int),
		StatusCounts:    make(map[string]int),
		UserCounts:      make(map[string]int),
		HourlyTrends:    make(map[int]int),
		GeneratedAt:     now,
	}
	for _, e := range entries {
		stats.TotalEntries++
		stats.CategoryCounts[string(e.EventCategory)]++
		stats.EventTypeCounts[string(e.EventType)]++
		stats.StatusCounts[string(e.Status)]++
		stats.UserCounts[e.UserID]++
		stats.HourlyTrends[e.CanonicalTimestamp.Hour()]++
		if e.RequiresReview {
			stats.RequiresReview++
		}
	}
	return stats
}

func categoryOf(t EventType) Category {
	switch t {
	case EventSyncProcessed, EventConflict:
		return CategorySync
	case EventSecurityViolation, EventAuthorization:
		return CategorySecurity
	case EventAuthentication:
		return CategoryAuthentication
	case EventDataAccess, EventDataModification:
		return CategoryDataAccess
	case EventExport:
		return CategoryCompliance
	}
	return CategorySystem
}
