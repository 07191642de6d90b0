// Package conflict reconciles inbound authoritative snapshots against the
// locally held (possibly optimistic) entity table and manages the set of
// open conflicts.
package conflict

import (
	"time"

	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/models"
)

// Entry is the locally held state of one entity
type Entry struct {
	Record models.Record
	// Base is the last snapshot both sides agreed on; nil for entities
	// created locally and not yet acknowledged.
	Base         models.Record
	BaseVersion  int64
	Optimistic   bool
	OptimisticAt time.Time
	Source       events.Source
}

// Table maps entity id to its entry. Treat it as immutable: Reduce and
// ApplyLocal return a modified copy.
type Table map[string]Entry

func (t Table) clone() Table {
	out := make(Table, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Records returns the current snapshots of entries of the given kind
func (t Table) Records(kind models.EntityKind) []models.Record {
	out := make([]models.Record, 0, len(t))
	for _, e := range t {
		if e.Record != nil && e.Record.EntityKind() == kind {
			out = append(out, e.Record)
		}
	}
	return out
}

// Pending counts entries with an unacknowledged optimistic write
func (t Table) Pending() int {
	n := 0
	for _, e := range t {
		if e.Optimistic {
			n++
		}
	}
	return n
}

// Incoming is an authoritative snapshot received from the channel
type Incoming struct {
	Record models.Record
	Source events.Source
}

// OutcomeKind classifies the effect of an incoming snapshot
type OutcomeKind string

const (
	// Applied means the snapshot superseded the stored one
	Applied OutcomeKind = "applied"
	// Stale means the snapshot was not newer than what is held; no-op
	Stale OutcomeKind = "stale"
	// Conflict means local optimistic and incoming snapshots diverged
	Conflict OutcomeKind = "conflict"
	// Acknowledged means the backend confirmed the local optimistic value
	Acknowledged OutcomeKind = "acknowledged"
)

// Outcome describes what Reduce did
type Outcome struct {
	Kind     OutcomeKind
	EntityID string
	Previous models.Record
	Current  models.Record
	// Set for Conflict outcomes
	Local       models.Record
	Remote      models.Record
	Base        models.Record
	BaseVersion int64
	LocalSource events.Source
}

// Reduce applies an incoming authoritative snapshot to table. It has no side
// effects; the returned table is a copy when anything changed.
//
// A conflict exists when a local optimistic write is pending, the incoming
// version is newer than the last agreed version and the payloads differ.
// Without a pending write, an incoming version at or below the stored one
// is a no-op so late messages never regress the table.
func Reduce(table Table, in Incoming) (Table, Outcome) {
	id := in.Record.EntityID()
	out := Outcome{EntityID: id}

	cur, ok := table[id]
	if !ok {
		rec := in.Record.WithStatus(models.SyncStatusSynced)
		next := table.clone()
		next[id] = Entry{Record: rec, Base: rec, BaseVersion: rec.GetVersion(), Source: in.Source}
		out.Kind = Applied
		out.Current = rec
		return next, out
	}
	out.Previous = cur.Record

	if cur.Optimistic {
		if in.Record.GetVersion() <= cur.BaseVersion {
			out.Kind = Stale
			out.Current = cur.Record
			return table, out
		}

		if models.SamePayload(cur.Record, in.Record) {
			version := in.Record.GetVersion()
			if v := cur.Record.GetVersion(); v > version {
				version = v
			}
			rec := in.Record.WithVersion(version).WithStatus(models.SyncStatusSynced)
			next := table.clone()
			next[id] = Entry{Record: rec, Base: rec, BaseVersion: version, Source: in.Source}
			out.Kind = Acknowledged
			out.Current = rec
			return next, out
		}

		local := cur.Record.WithStatus(models.SyncStatusConflict)
		next := table.clone()
		entry := cur
		entry.Record = local
		next[id] = entry

		out.Kind = Conflict
		out.Current = local
		out.Local = cur.Record
		out.Remote = in.Record
		out.Base = cur.Base
		out.BaseVersion = cur.BaseVersion
		out.LocalSource = cur.Source
		return next, out
	}

	if in.Record.GetVersion() <= cur.Record.GetVersion() {
		out.Kind = Stale
		out.Current = cur.Record
		return table, out
	}

	rec := in.Record.WithStatus(models.SyncStatusSynced)
	next := table.clone()
	next[id] = Entry{Record: rec, Base: rec, BaseVersion: rec.GetVersion(), Source: in.Source}
	out.Kind = Applied
	out.Current = rec
	return next, out
}

// ApplyLocal records an optimistic local write. The snapshot is stored as
// pending at the version following the last agreed one.
func ApplyLocal(table Table, rec models.Record, source events.Source, now time.Time) (Table, models.Record) {
	id := rec.EntityID()
	entry, ok := table[id]
	if !ok {
		entry = Entry{BaseVersion: rec.GetVersion()}
	}

	local := rec.WithVersion(entry.BaseVersion + 1).WithStatus(models.SyncStatusPending)
	entry.Record = local
	entry.Optimistic = true
	entry.OptimisticAt = now
	entry.Source = source

	next := table.clone()
	next[id] = entry
	return next, local
}

// Settle stores rec as the agreed state of its entity, clearing any
// pending optimistic write. A nil rec for an entity without an agreed base
// removes it.
func Settle(table Table, id string, rec models.Record, source events.Source) Table {
	next := table.clone()
	if rec == nil {
		delete(next, id)
		return next
	}
	next[id] = Entry{Record: rec, Base: rec, BaseVersion: rec.GetVersion(), Source: source}
	return next
}

// MarkPending stores rec as a pending optimistic write on top of the
// current base, as after a client_wins or merge resolution that must be
// resent.
func MarkPending(table Table, rec models.Record, source events.Source, now time.Time) Table {
	id := rec.EntityID()
	entry := table[id]
	entry.Record = rec.WithStatus(models.SyncStatusPending)
	entry.Optimistic = true
	entry.OptimisticAt = now
	entry.Source = source
	if rec.GetVersion() > entry.BaseVersion+1 {
		// versions below rec were already seen; replays of them are stale
		entry.BaseVersion = rec.GetVersion() - 1
	}

	next := table.clone()
	next[id] = entry
	return next
}

// Remove deletes an entity from the table
func Remove(table Table, id string) Table {
	if _, ok := table[id]; !ok {
		return table
	}
	next := table.clone()
	delete(next, id)
	return next
}

// MarkError flags the entry's snapshot as failed to sync, keeping its value
func MarkError(table Table, id string) Table {
	entry, ok := table[id]
	if !ok || entry.Record == nil {
		return table
	}
	next := table.clone()
	entry.Record = entry.Record.WithStatus(models.SyncStatusError)
	next[id] = entry
	return next
}
