package models

import (
	"encoding/json"
	"fmt"
)

// Snapshot is the wire form of a record: its kind, its JSON and the agreed
// version the sender based it on.
type Snapshot struct {
	Kind        EntityKind      `json:"entity_kind"`
	Record      json.RawMessage `json:"record"`
	BaseVersion int64           `json:"base_version"`
}

// NewSnapshot wraps rec for transmission
func NewSnapshot(rec Record, baseVersion int64) (Snapshot, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to marshal %s snapshot: %w", rec.EntityKind(), err)
	}
	return Snapshot{Kind: rec.EntityKind(), Record: raw, BaseVersion: baseVersion}, nil
}

// Decode returns the record carried by the snapshot
func (s Snapshot) Decode() (Record, error) {
	return DecodeRecord(s.Kind, s.Record)
}

// Data renders the snapshot as an event data map
func (s Snapshot) Data() map[string]interface{} {
	var rec map[string]interface{}
	_ = json.Unmarshal(s.Record, &rec)
	return map[string]interface{}{
		"entity_kind":  string(s.Kind),
		"record":       rec,
		"base_version": s.BaseVersion,
	}
}

// SnapshotFromData is the inverse of Snapshot.Data
func SnapshotFromData(data map[string]interface{}) (Snapshot, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to marshal event data: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("event data is not a snapshot: %w", err)
	}
	if s.Kind == "" || len(s.Record) == 0 || string(s.Record) == "null" {
		return Snapshot{}, fmt.Errorf("event data carries no snapshot")
	}
	return s, nil
}
