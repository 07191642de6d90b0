package models

import "time"

// ResolutionStrategy selects how a SyncConflict is settled
type ResolutionStrategy string

const (
	StrategyManual     ResolutionStrategy = "manual"
	StrategyAdminWins  ResolutionStrategy = "admin_wins"
	StrategyClientWins ResolutionStrategy = "client_wins"
	StrategyMerge      ResolutionStrategy = "merge"
	StrategyReject     ResolutionStrategy = "reject"
)

// Valid reports whether s is a known strategy
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyManual, StrategyAdminWins, StrategyClientWins, StrategyMerge, StrategyReject:
		return true
	}
	return false
}

// SyncConflict pairs two divergent snapshots of the same entity
type SyncConflict struct {
	ID           string             `json:"id"`
	EntityID     string             `json:"entity_id"`
	EntityKind   EntityKind         `json:"entity_kind"`
	Local        Record             `json:"local"`
	Remote       Record             `json:"remote"`
	Base         Record             `json:"base,omitempty"`
	LocalSource  string             `json:"local_source"`
	RemoteSource string             `json:"remote_source"`
	BaseVersion  int64              `json:"base_version"`
	DetectedAt   time.Time          `json:"detected_at"`
	Strategy     ResolutionStrategy `json:"strategy"`
	ResolvedAt   *time.Time         `json:"resolved_at,omitempty"`
	ResolvedBy   string             `json:"resolved_by,omitempty"`
	DismissedBy  string             `json:"dismissed_by,omitempty"`
}
