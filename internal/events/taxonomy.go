package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType represents the kind of state change carried by a SyncEvent
type EventType string

const (
	EventPropertyCreated     EventType = "property_created"
	EventPropertyUpdated     EventType = "property_updated"
	EventPropertyDeleted     EventType = "property_deleted"
	EventPropertySynced      EventType = "property_synced"
	EventIncidentCreated     EventType = "incident_created"
	EventIncidentUpdated     EventType = "incident_updated"
	EventIncidentResolved    EventType = "incident_resolved"
	EventIncidentEscalated   EventType = "incident_escalated"
	EventIncidentSynced      EventType = "incident_synced"
	EventEvidenceAdded       EventType = "evidence_added"
	EventContactUpdated      EventType = "contact_updated"
	EventPermissionChanged   EventType = "permission_changed"
	EventDetectionReceived   EventType = "detection_received"
	EventCameraStatusChanged EventType = "camera_status_changed"
	EventHealthUpdated       EventType = "health_updated"
	EventDispatchRequested   EventType = "dispatch_requested"
	EventPatrolLogged        EventType = "patrol_logged"
	EventManualEntry         EventType = "manual_entry"
	EventBulkUpload          EventType = "bulk_upload"
	EventConfigurationChange EventType = "configuration_changed"
	EventEmergencyAlert      EventType = "emergency_alert"
	EventFullRefresh         EventType = "full_refresh"

	// Channel control types
	EventSyncCompleted    EventType = "sync_completed"
	EventConflictDetected EventType = "conflict_detected"
	EventConflictResolved EventType = "conflict_resolved"
)

var knownEventTypes = map[EventType]bool{
	EventPropertyCreated:     true,
	EventPropertyUpdated:     true,
	EventPropertyDeleted:     true,
	EventPropertySynced:      true,
	EventIncidentCreated:     true,
	EventIncidentUpdated:     true,
	EventIncidentResolved:    true,
	EventIncidentEscalated:   true,
	EventIncidentSynced:      true,
	EventEvidenceAdded:       true,
	EventContactUpdated:      true,
	EventPermissionChanged:   true,
	EventDetectionReceived:   true,
	EventCameraStatusChanged: true,
	EventHealthUpdated:       true,
	EventDispatchRequested:   true,
	EventPatrolLogged:        true,
	EventManualEntry:         true,
	EventBulkUpload:          true,
	EventConfigurationChange: true,
	EventEmergencyAlert:      true,
	EventFullRefresh:         true,
	EventSyncCompleted:       true,
	EventConflictDetected:    true,
	EventConflictResolved:    true,
}

// Valid reports whether t belongs to the closed event taxonomy
func (t EventType) Valid() bool {
	return knownEventTypes[t]
}

// IsProperty reports whether the event concerns a property record
func (t EventType) IsProperty() bool {
	return strings.HasPrefix(string(t), "property_")
}

// IsIncident reports whether the event concerns an incident record
func (t EventType) IsIncident() bool {
	return strings.HasPrefix(string(t), "incident_")
}

// Source identifies the surface or subsystem that originated an event
type Source string

const (
	SourceAdminDashboard  Source = "admin_dashboard"
	SourceClientPortal    Source = "client_portal"
	SourceLiveMonitoring  Source = "live_monitoring"
	SourceAIEngine        Source = "ai_engine"
	SourceCameraFeed      Source = "camera_feed"
	SourceMobileApp       Source = "mobile_app"
	SourceAPIIntegration  Source = "api_integration"
	SourceScheduledTask   Source = "scheduled_task"
	SourceSystemAutomated Source = "system_automated"
)

// Valid reports whether s is a known source
func (s Source) Valid() bool {
	switch s {
	case SourceAdminDashboard, SourceClientPortal, SourceLiveMonitoring, SourceAIEngine,
		SourceCameraFeed, SourceMobileApp, SourceAPIIntegration, SourceScheduledTask,
		SourceSystemAutomated:
		return true
	}
	return false
}

// Authoritative reports whether values from s win under admin_wins resolution
func (s Source) Authoritative() bool {
	return s == SourceAdminDashboard || s == SourceSystemAutomated
}

// Priority is an ordered event urgency
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityEmergency
)

var priorityNames = map[Priority]string{
	PriorityLow:       "LOW",
	PriorityNormal:    "NORMAL",
	PriorityHigh:      "HIGH",
	PriorityCritical:  "CRITICAL",
	PriorityEmergency: "EMERGENCY",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PRIORITY(%d)", int(p))
}

// ParsePriority parses a priority name case-insensitively
func ParsePriority(s string) (Priority, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == upper {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a string: %w", err)
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// SecurityLevel is an ordered data classification
type SecurityLevel int

const (
	SecurityPublic SecurityLevel = iota + 1
	SecurityInternal
	SecurityConfidential
	SecurityRestricted
	SecurityTopSecret
)

var securityLevelNames = map[SecurityLevel]string{
	SecurityPublic:       "PUBLIC",
	SecurityInternal:     "INTERNAL",
	SecurityConfidential: "CONFIDENTIAL",
	SecurityRestricted:   "RESTRICTED",
	SecurityTopSecret:    "TOP_SECRET",
}

func (l SecurityLevel) String() string {
	if name, ok := securityLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("SECURITY(%d)", int(l))
}

// ParseSecurityLevel parses a classification name case-insensitively
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for l, name := range securityLevelNames {
		if name == upper {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown security level %q", s)
}

func (l SecurityLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *SecurityLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("security level must be a string: %w", err)
	}
	parsed, err := ParseSecurityLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Status is the processing state of a SyncEvent
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 2
	}
	return -1
}

// OperationKind classifies what the originating action did
type OperationKind string

const (
	OperationCreate  OperationKind = "create"
	OperationUpdate  OperationKind = "update"
	OperationDelete  OperationKind = "delete"
	OperationSync    OperationKind = "sync"
	OperationResolve OperationKind = "resolve"
)

// RiskAssessment is the coarse risk bucket attached to an event
type RiskAssessment string

const (
	RiskLow      RiskAssessment = "low"
	RiskMedium   RiskAssessment = "medium"
	RiskHigh     RiskAssessment = "high"
	RiskCritical RiskAssessment = "critical"
)

// AssessRisk derives a risk bucket from priority and classification
func AssessRisk(p Priority, l SecurityLevel) RiskAssessment {
	score := int(p) + int(l)
	switch {
	case p == PriorityEmergency || score >= 9:
		return RiskCritical
	case score >= 7:
		return RiskHigh
	case score >= 5:
		return RiskMedium
	default:
		return RiskLow
	}
}
