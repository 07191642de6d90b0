// Package models holds the versioned entity snapshots kept by the sync client
// and the conflict records pairing divergent snapshots.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityKind names a synchronised entity class
type EntityKind string

const (
	KindProperty     EntityKind = "property"
	KindIncident     EntityKind = "incident"
	KindSystemHealth EntityKind = "system_health"
)

// SyncStatus is the reconciliation state of a snapshot
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusError    SyncStatus = "error"
)

// FieldValue is one field of a snapshot together with the time it was last written
type FieldValue struct {
	Value     interface{}
	UpdatedAt time.Time
}

// Record is implemented by every entity snapshot
type Record interface {
	EntityID() string
	EntityKind() EntityKind
	GetVersion() int64
	GetSyncStatus() SyncStatus
	LastModified() time.Time
	// Fields returns the comparable payload, excluding version and sync status
	Fields() map[string]FieldValue
	WithVersion(v int64) Record
	WithStatus(s SyncStatus) Record
	// WithFields returns a copy with the given payload fields applied
	WithFields(fields map[string]FieldValue) Record
}

// PropertySyncData is a snapshot of a monitored property
type PropertySyncData struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Address     string     `json:"address"`
	ClientID    string     `json:"client_id"`
	Status      string     `json:"status"`
	CameraCount int        `json:"camera_count"`
	Armed       bool       `json:"armed"`
	UpdatedAt   time.Time  `json:"updated_at"`
	UpdatedBy   string     `json:"updated_by,omitempty"`
	Version     int64      `json:"version"`
	SyncStatus  SyncStatus `json:"sync_status"`
}

func (p PropertySyncData) EntityID() string          { return p.ID }
func (p PropertySyncData) EntityKind() EntityKind    { return KindProperty }
func (p PropertySyncData) GetVersion() int64         { return p.Version }
func (p PropertySyncData) GetSyncStatus() SyncStatus { return p.SyncStatus }
func (p PropertySyncData) LastModified() time.Time   { return p.UpdatedAt }

func (p PropertySyncData) Fields() map[string]FieldValue {
	at := p.UpdatedAt
	return map[string]FieldValue{
		"name":         {p.Name, at},
		"address":      {p.Address, at},
		"client_id":    {p.ClientID, at},
		"status":       {p.Status, at},
		"camera_count": {p.CameraCount, at},
		"armed":        {p.Armed, at},
	}
}

func (p PropertySyncData) WithVersion(v int64) Record {
	p.Version = v
	return p
}

func (p PropertySyncData) WithStatus(s SyncStatus) Record {
	p.SyncStatus = s
	return p
}

func (p PropertySyncData) WithFields(fields map[string]FieldValue) Record {
	for name, f := range fields {
		switch name {
		case "name":
			p.Name, _ = f.Value.(string)
		case "address":
			p.Address, _ = f.Value.(string)
		case "client_id":
			p.ClientID, _ = f.Value.(string)
		case "status":
			p.Status, _ = f.Value.(string)
		case "camera_count":
			p.CameraCount = toInt(f.Value)
		case "armed":
			p.Armed, _ = f.Value.(bool)
		default:
			continue
		}
		if f.UpdatedAt.After(p.UpdatedAt) {
			p.UpdatedAt = f.UpdatedAt
		}
	}
	return p
}

// IncidentSyncData is a snapshot of a security incident
type IncidentSyncData struct {
	ID            string     `json:"id"`
	PropertyID    string     `json:"property_id"`
	Title         string     `json:"title"`
	Status        string     `json:"status"`
	Severity      string     `json:"severity"`
	AssignedGuard string     `json:"assigned_guard,omitempty"`
	ReportedAt    time.Time  `json:"reported_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	UpdatedBy     string     `json:"updated_by,omitempty"`
	Version       int64      `json:"version"`
	SyncStatus    SyncStatus `json:"sync_status"`
}

func (i IncidentSyncData) EntityID() string          { return i.ID }
func (i IncidentSyncData) EntityKind() EntityKind    { return KindIncident }
func (i IncidentSyncData) GetVersion() int64         { return i.Version }
func (i IncidentSyncData) GetSyncStatus() SyncStatus { return i.SyncStatus }
func (i IncidentSyncData) LastModified() time.Time   { return i.UpdatedAt }

func (i IncidentSyncData) Fields() map[string]FieldValue {
	at := i.UpdatedAt
	return map[string]FieldValue{
		"property_id":    {i.PropertyID, at},
		"title":          {i.Title, at},
		"status":         {i.Status, at},
		"severity":       {i.Severity, at},
		"assigned_guard": {i.AssignedGuard, at},
	}
}

func (i IncidentSyncData) WithVersion(v int64) Record {
	i.Version = v
	return i
}

func (i IncidentSyncData) WithStatus(s SyncStatus) Record {
	i.SyncStatus = s
	return i
}

func (i IncidentSyncData) WithFields(fields map[string]FieldValue) Record {
	for name, f := range fields {
		s, _ := f.Value.(string)
		switch name {
		case "property_id":
			i.PropertyID = s
		case "title":
			i.Title = s
		case "status":
			i.Status = s
		case "severity":
			i.Severity = s
		case "assigned_guard":
			i.AssignedGuard = s
		default:
			continue
		}
		if f.UpdatedAt.After(i.UpdatedAt) {
			i.UpdatedAt = f.UpdatedAt
		}
	}
	return i
}

// SystemHealthSyncData is a snapshot of one monitored platform component
type SystemHealthSyncData struct {
	Component     string     `json:"component"`
	Status        string     `json:"status"`
	LatencyMs     int64      `json:"latency_ms"`
	UptimePercent float64    `json:"uptime_percent"`
	Message       string     `json:"message,omitempty"`
	CheckedAt     time.Time  `json:"checked_at"`
	Version       int64      `json:"version"`
	SyncStatus    SyncStatus `json:"sync_status"`
}

func (h SystemHealthSyncData) EntityID() string          { return h.Component }
func (h SystemHealthSyncData) EntityKind() EntityKind    { return KindSystemHealth }
func (h SystemHealthSyncData) GetVersion() int64         { return h.Version }
func (h SystemHealthSyncData) GetSyncStatus() SyncStatus { return h.SyncStatus }
func (h SystemHealthSyncData) LastModified() time.Time   { return h.CheckedAt }

func (h SystemHealthSyncData) Fields() map[string]FieldValue {
	at := h.CheckedAt
	return map[string]FieldValue{
		"status":         {h.Status, at},
		"latency_ms":     {h.LatencyMs, at},
		"uptime_percent": {h.UptimePercent, at},
		"message":        {h.Message, at},
	}
}

func (h SystemHealthSyncData) WithVersion(v int64) Record {
	h.Version = v
	return h
}

func (h SystemHealthSyncData) WithStatus(s SyncStatus) Record {
	h.SyncStatus = s
	return h
}

func (h SystemHealthSyncData) WithFields(fields map[string]FieldValue) Record {
	for name, f := range fields {
		switch name {
		case "status":
			h.Status, _ = f.Value.(string)
		case "latency_ms":
			h.LatencyMs = int64(toInt(f.Value))
		case "uptime_percent":
			h.UptimePercent, _ = f.Value.(float64)
		case "message":
			h.Message, _ = f.Value.(string)
		default:
			continue
		}
		if f.UpdatedAt.After(h.CheckedAt) {
			h.CheckedAt = f.UpdatedAt
		}
	}
	return h
}

// SamePayload reports whether two snapshots carry identical field values
func SamePayload(a, b Record) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	fa, fb := a.Fields(), b.Fields()
	if len(fa) != len(fb) {
		return false
	}
	for name, va := range fa {
		vb, ok := fb[name]
		if !ok || va.Value != vb.Value {
			return false
		}
	}
	return true
}

// DecodeRecord unmarshals a JSON snapshot of the given kind
func DecodeRecord(kind EntityKind, data []byte) (Record, error) {
	var (
		rec Record
		err error
	)
	switch kind {
	case KindProperty:
		var p PropertySyncData
		err = json.Unmarshal(data, &p)
		rec = p
	case KindIncident:
		var i IncidentSyncData
		err = json.Unmarshal(data, &i)
		rec = i
	case KindSystemHealth:
		var h SystemHealthSyncData
		err = json.Unmarshal(data, &h)
		rec = h
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s snapshot: %w", kind, err)
	}
	return rec, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
