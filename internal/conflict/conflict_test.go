package conflict

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/models"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func incident(status string, version int64, at time.Time) models.IncidentSyncData {
	return models.IncidentSyncData{
		ID:         "INC-1",
		PropertyID: "P-1",
		Title:      "Perimeter breach",
		Status:     status,
		Severity:   "high",
		UpdatedAt:  at,
		Version:    version,
	}
}

func agreed(rec models.Record) Table {
	return Settle(Table{}, rec.EntityID(), rec, events.SourceAdminDashboard)
}

func TestReduce(t *testing.T) {
	t.Run("Unknown entity is applied", func(t *testing.T) {
		next, out := Reduce(Table{}, Incoming{Record: incident("open", 1, t0), Source: events.SourceAdminDashboard})
		assert.Equal(t, Applied, out.Kind)
		assert.Equal(t, models.SyncStatusSynced, next["INC-1"].Record.GetSyncStatus())
		assert.Equal(t, int64(1), next["INC-1"].BaseVersion)
	})

	t.Run("Newer version supersedes", func(t *testing.T) {
		table := agreed(incident("open", 2, t0))
		next, out := Reduce(table, Incoming{Record: incident("dispatched", 3, t0.Add(time.Minute))})
		assert.Equal(t, Applied, out.Kind)
		assert.Equal(t, "dispatched", next["INC-1"].Record.(models.IncidentSyncData).Status)
		assert.Equal(t, "open", table["INC-1"].Record.(models.IncidentSyncData).Status, "input table is not mutated")
	})

	t.Run("Equal or older version is a no-op", func(t *testing.T) {
		table := agreed(incident("open", 3, t0))
		for _, v := range []int64{1, 3} {
			next, out := Reduce(table, Incoming{Record: incident("closed", v, t0)})
			assert.Equal(t, Stale, out.Kind)
			assert.Equal(t, "open", next["INC-1"].Record.(models.IncidentSyncData).Status)
		}
	})

	t.Run("Matching payload acknowledges optimistic write", func(t *testing.T) {
		table := agreed(incident("open", 2, t0))
		table, local := ApplyLocal(table, incident("resolved", 2, t0.Add(time.Minute)), events.SourceClientPortal, t0)
		assert.Equal(t, int64(3), local.GetVersion())
		assert.Equal(t, 1, table.Pending())

		next, out := Reduce(table, Incoming{Record: incident("resolved", 3, t0.Add(time.Minute))})
		assert.Equal(t, Acknowledged, out.Kind)
		assert.False(t, next["INC-1"].Optimistic)
		assert.Equal(t, int64(3), next["INC-1"].BaseVersion)
		assert.Equal(t, 0, next.Pending())
	})

	t.Run("Late message during optimistic write is stale", func(t *testing.T) {
		table := agreed(incident("open", 2, t0))
		table, _ = ApplyLocal(table, incident("resolved", 2, t0), events.SourceClientPortal, t0)

		_, out := Reduce(table, Incoming{Record: incident("open", 2, t0)})
		assert.Equal(t, Stale, out.Kind)
	})

	t.Run("Divergent authoritative snapshot conflicts", func(t *testing.T) {
		table := agreed(incident("open", 2, t0))
		table, _ = ApplyLocal(table, incident("resolved", 2, t0.Add(time.Minute)), events.SourceClientPortal, t0)

		next, out := Reduce(table, Incoming{Record: incident("escalated", 3, t0.Add(2*time.Minute)), Source: events.SourceAdminDashboard})
		require.Equal(t, Conflict, out.Kind)
		assert.Equal(t, "resolved", out.Local.(models.IncidentSyncData).Status)
		assert.Equal(t, "escalated", out.Remote.(models.IncidentSyncData).Status)
		assert.Equal(t, int64(2), out.BaseVersion)
		assert.Equal(t, events.SourceClientPortal, out.LocalSource)
		assert.Equal(t, models.SyncStatusConflict, next["INC-1"].Record.GetSyncStatus())
		assert.True(t, next["INC-1"].Optimistic)
	})
}

func TestReduce_VersionMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	versions := rng.Perm(50)

	table := Table{}
	var maxSeen int64
	for _, v := range versions {
		version := int64(v + 1)
		table, _ = Reduce(table, Incoming{Record: incident(fmt.Sprintf("s%d", version), version, t0)})
		got := table["INC-1"].Record.GetVersion()
		require.GreaterOrEqual(t, got, maxSeen)
		maxSeen = got
	}
	assert.Equal(t, int64(50), maxSeen)
	assert.Equal(t, "s50", table["INC-1"].Record.(models.IncidentSyncData).Status)
}

func newResolver() *Resolver {
	return NewResolver(WithClock(func() time.Time { return t0 }), WithSource(events.SourceClientPortal))
}

func conflicted(t *testing.T) (*Resolver, Outcome) {
	t.Helper()
	table := agreed(incident("open", 2, t0))
	table, _ = ApplyLocal(table, incident("resolved", 2, t0.Add(time.Minute)), events.SourceClientPortal, t0)
	_, out := Reduce(table, Incoming{Record: incident("escalated", 3, t0.Add(2*time.Minute)), Source: events.SourceAdminDashboard})
	require.Equal(t, Conflict, out.Kind)

	r := newResolver()
	_, created := r.Detect(out, events.SourceAdminDashboard)
	require.True(t, created)
	return r, out
}

var operator = events.Actor{UserID: "op-7", ClientID: "acme"}

func TestResolver_Lifecycle(t *testing.T) {
	t.Run("One open conflict per entity", func(t *testing.T) {
		r, out := conflicted(t)
		c, created := r.Detect(out, events.SourceAdminDashboard)
		assert.False(t, created)
		assert.Equal(t, 1, r.Len())

		byEntity, ok := r.Get("INC-1")
		require.True(t, ok)
		byID, ok := r.Get(c.ID)
		require.True(t, ok)
		assert.Equal(t, byEntity.ID, byID.ID)
	})

	t.Run("Admin wins on the escalation scenario", func(t *testing.T) {
		r, _ := conflicted(t)
		res, err := r.Resolve("INC-1", models.StrategyAdminWins, operator)
		require.NoError(t, err)

		inc := res.Record.(models.IncidentSyncData)
		assert.Equal(t, "escalated", inc.Status)
		assert.Equal(t, int64(4), inc.Version)
		assert.False(t, res.Resend)
		assert.Equal(t, 0, r.Len())
		assert.Empty(t, r.Open())

		assert.Equal(t, events.EventConflictResolved, res.Event.Type)
		assert.Equal(t, "admin_wins", res.Event.Data["strategy"])
		assert.Equal(t, "op-7", res.Conflict.ResolvedBy)
		require.NotNil(t, res.Conflict.ResolvedAt)
	})

	t.Run("Client wins resends local value", func(t *testing.T) {
		r, _ := conflicted(t)
		res, err := r.Resolve("INC-1", models.StrategyClientWins, operator)
		require.NoError(t, err)
		assert.True(t, res.Resend)
		assert.Equal(t, "resolved", res.Record.(models.IncidentSyncData).Status)
		assert.Equal(t, int64(4), res.Record.GetVersion())
		assert.Equal(t, models.SyncStatusPending, res.Record.GetSyncStatus())
	})

	t.Run("Reject restores agreed base", func(t *testing.T) {
		r, _ := conflicted(t)
		res, err := r.Resolve("INC-1", models.StrategyReject, operator)
		require.NoError(t, err)
		assert.Equal(t, "open", res.Record.(models.IncidentSyncData).Status)
		assert.Equal(t, int64(2), res.Record.GetVersion())
	})

	t.Run("Manual keeps the conflict open", func(t *testing.T) {
		r, _ := conflicted(t)
		res, err := r.Resolve("INC-1", models.StrategyManual, operator)
		require.NoError(t, err)
		assert.True(t, res.Open)
		assert.Empty(t, res.Event.ID)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("Dismiss requires an actor", func(t *testing.T) {
		r, _ := conflicted(t)
		_, err := r.Dismiss("INC-1", "")
		assert.ErrorIs(t, err, ErrUnattributed)

		c, err := r.Dismiss("INC-1", "op-7")
		require.NoError(t, err)
		assert.Equal(t, "op-7", c.DismissedBy)
		assert.Equal(t, 0, r.Len())

		_, err = r.Dismiss("INC-1", "op-7")
		assert.ErrorIs(t, err, ErrConflictNotFound)
	})

	t.Run("Resolve errors", func(t *testing.T) {
		r, _ := conflicted(t)
		_, err := r.Resolve("INC-1", "coin_flip", operator)
		assert.ErrorIs(t, err, ErrUnknownStrategy)

		_, err = r.Resolve("INC-1", models.StrategyAdminWins, events.Actor{})
		assert.ErrorIs(t, err, ErrUnattributed)

		_, err = r.Resolve("INC-404", models.StrategyAdminWins, operator)
		assert.ErrorIs(t, err, ErrConflictNotFound)
		assert.Equal(t, 1, r.Len())
	})
}

func TestResolver_Merge(t *testing.T) {
	t.Run("Last write wins per field", func(t *testing.T) {
		r, _ := conflicted(t)
		res, err := r.Resolve("INC-1", models.StrategyMerge, operator)
		require.NoError(t, err)
		assert.Equal(t, "escalated", res.Record.(models.IncidentSyncData).Status, "remote written later")
		assert.True(t, res.Resend)
	})

	t.Run("Custom merger", func(t *testing.T) {
		table := agreed(incident("open", 2, t0))
		table, _ = ApplyLocal(table, incident("resolved", 2, t0), events.SourceClientPortal, t0)
		_, out := Reduce(table, Incoming{Record: incident("escalated", 3, t0)})

		r := NewResolver(WithMerger(MergerFunc(func(local, remote models.Record) (models.Record, error) {
			return local, nil
		})))
		r.Detect(out, events.SourceAdminDashboard)
		res, err := r.Resolve("INC-1", models.StrategyMerge, operator)
		require.NoError(t, err)
		assert.Equal(t, "resolved", res.Record.(models.IncidentSyncData).Status)
	})

	t.Run("Merger failure keeps conflict open", func(t *testing.T) {
		table := agreed(incident("open", 2, t0))
		table, _ = ApplyLocal(table, incident("resolved", 2, t0), events.SourceClientPortal, t0)
		_, out := Reduce(table, Incoming{Record: incident("escalated", 3, t0)})

		r := NewResolver(WithMerger(MergerFunc(func(models.Record, models.Record) (models.Record, error) {
			return nil, errors.New("incompatible")
		})))
		r.Detect(out, events.SourceAdminDashboard)
		_, err := r.Resolve("INC-1", models.StrategyMerge, operator)
		assert.Error(t, err)
		assert.Equal(t, 1, r.Len())
	})
}

func TestLastWriteWinsMerger(t *testing.T) {
	local := models.PropertySyncData{ID: "P-1", Name: "HQ", Armed: true, UpdatedAt: t0.Add(time.Hour)}
	remote := models.PropertySyncData{ID: "P-1", Name: "Headquarters", Armed: false, UpdatedAt: t0}

	merged, err := LastWriteWinsMerger{}.Merge(local, remote)
	require.NoError(t, err)
	p := merged.(models.PropertySyncData)
	assert.Equal(t, "HQ", p.Name)
	assert.True(t, p.Armed)

	_, err = LastWriteWinsMerger{}.Merge(local, models.PropertySyncData{ID: "P-2"})
	assert.Error(t, err)
}
