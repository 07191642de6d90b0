package conflict

import (
	"fmt"

	"github.com/aegisshield/realtime-sync/internal/models"
)

// Merger combines two divergent snapshots of one entity
type Merger interface {
	Merge(local, remote models.Record) (models.Record, error)
}

// MergerFunc adapts a function to Merger
type MergerFunc func(local, remote models.Record) (models.Record, error)

func (f MergerFunc) Merge(local, remote models.Record) (models.Record, error) {
	return f(local, remote)
}

// LastWriteWinsMerger keeps, field by field, the value written last.
// Ties go to the remote snapshot.
type LastWriteWinsMerger struct{}

func (LastWriteWinsMerger) Merge(local, remote models.Record) (models.Record, error) {
	if local == nil || remote == nil {
		return nil, fmt.Errorf("cannot merge a missing snapshot")
	}
	if local.EntityKind() != remote.EntityKind() || local.EntityID() != remote.EntityID() {
		return nil, fmt.Errorf("cannot merge %s/%s into %s/%s",
			local.EntityKind(), local.EntityID(), remote.EntityKind(), remote.EntityID())
	}

	remoteFields := remote.Fields()
	winners := make(map[string]models.FieldValue)
	for name, lv := range local.Fields() {
		rv, ok := remoteFields[name]
		if !ok || lv.UpdatedAt.After(rv.UpdatedAt) {
			winners[name] = lv
		}
	}
	return remote.WithFields(winners), nil
}
