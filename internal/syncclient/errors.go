package syncclient

import (
	"errors"
	"fmt"

	"github.com/aegisshield/realtime-sync/internal/transport"
)

// Error codes carried by SyncError and recorded in the audit trail
const (
	CodeConnectionFailed      = "CONNECTION_FAILED"
	CodeAuthenticationFailed  = "AUTHENTICATION_FAILED"
	CodePropertySyncFailed    = "PROPERTY_SYNC_FAILED"
	CodeIncidentSyncFailed    = "INCIDENT_SYNC_FAILED"
	CodeHealthSyncFailed      = "HEALTH_SYNC_FAILED"
	CodeFullSyncFailed        = "FULL_SYNC_FAILED"
	CodeRefreshFailed         = "REFRESH_FAILED"
	CodeConflictResolveFailed = "CONFLICT_RESOLUTION_FAILED"
	CodeValidationFailed      = "VALIDATION_FAILED"
)

var (
	ErrSyncDisabled   = errors.New("sync is disabled for this entity class")
	ErrNoBackend      = errors.New("no backend configured for reads")
	ErrSyncInProgress = errors.New("full sync already in progress")
	ErrClosed         = errors.New("sync client is closed")
)

// SyncError is a classified sync failure
type SyncError struct {
	Code     string
	EntityID string
	Err      error
}

func (e *SyncError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.EntityID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// ErrorCode returns the classification code
func (e *SyncError) ErrorCode() string { return e.Code }

// Temporary reports whether the failure may clear on retry
func (e *SyncError) Temporary() bool { return retryable(e.Err) }

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, transport.ErrNotConnected) {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}
