package syncclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aegisshield/realtime-sync/internal/audit"
	"github.com/aegisshield/realtime-sync/internal/conflict"
	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/metrics"
	"github.com/aegisshield/realtime-sync/internal/models"
	"github.com/aegisshield/realtime-sync/internal/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeBackend struct {
	mu           sync.Mutex
	properties   []models.PropertySyncData
	incidents    []models.IncidentSyncData
	health       []models.SystemHealthSyncData
	incidentErr  error
	propertyHits int
}

func (f *fakeBackend) ListProperties(context.Context) ([]models.PropertySyncData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.propertyHits++
	return append([]models.PropertySyncData(nil), f.properties...), nil
}

func (f *fakeBackend) ListIncidents(context.Context) ([]models.IncidentSyncData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incidentErr != nil {
		return nil, f.incidentErr
	}
	return append([]models.IncidentSyncData(nil), f.incidents...), nil
}

func (f *fakeBackend) GetSystemHealth(context.Context) ([]models.SystemHealthSyncData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.SystemHealthSyncData(nil), f.health...), nil
}

func (f *fakeBackend) hits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.propertyHits
}

type harness struct {
	client  *Client
	channel *transport.MemoryChannel
	audit   *audit.Logger
	clock   *fakeClock
	metrics *metrics.Collector

	mu        sync.Mutex
	errs      []*SyncError
	conflicts []models.SyncConflict
	changes   []transport.StateChange
	completes int
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryDelay = time.Millisecond
	opts.Actor = events.Actor{UserID: "op-7", ClientID: "acme"}
	return opts
}

func newHarness(t *testing.T, opts Options, fetcher Fetcher, sub audit.Submitter, extra ...ClientOption) *harness {
	t.Helper()
	h := &harness{channel: transport.NewMemoryChannel(), clock: newFakeClock(), metrics: metrics.NewCollector("test")}

	cfg := audit.DefaultConfig()
	cfg.BatchSize = 1000
	cfg.RetryDelay = time.Millisecond
	h.audit = audit.NewLogger(context.Background(), cfg, sub, audit.NewMemoryStore(), zap.NewNop())

	opts.Callbacks = Callbacks{
		OnError: func(e *SyncError) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.errs = append(h.errs, e)
		},
		OnConflict: func(c models.SyncConflict) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.conflicts = append(h.conflicts, c)
		},
		OnConnectionChange: func(s transport.StateChange) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.changes = append(h.changes, s)
		},
		OnSyncComplete: func(Status) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.completes++
		},
	}
	options := append([]ClientOption{WithClock(h.clock.Now), WithMetrics(h.metrics)}, extra...)
	h.client = New(h.channel, fetcher, h.audit, opts, zap.NewNop(), options...)
	require.NoError(t, h.client.Start(context.Background()))
	t.Cleanup(func() { _ = h.client.Close(context.Background()) })
	return h
}

func (h *harness) deliver(t *testing.T, typ events.EventType, source events.Source, rec models.Record) {
	t.Helper()
	snap, err := models.NewSnapshot(rec, 0)
	require.NoError(t, err)
	msg, err := events.NewMessage(typ, source, snap)
	require.NoError(t, err)
	h.channel.Deliver(msg)
}

func (h *harness) failures() []*SyncError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*SyncError(nil), h.errs...)
}

func sentSnapshot(t *testing.T, msg events.Message) (events.SyncEvent, models.Snapshot, models.Record) {
	t.Helper()
	var ev events.SyncEvent
	require.NoError(t, msg.Decode(&ev))
	snap, err := models.SnapshotFromData(ev.Data)
	require.NoError(t, err)
	rec, err := snap.Decode()
	require.NoError(t, err)
	return ev, snap, rec
}

func auditActions(t *testing.T, l *audit.Logger) []string {
	t.Helper()
	entries, err := l.Query(context.Background(), audit.Filter{})
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ActionPerformed)
	}
	return out
}

func openIncident() models.IncidentSyncData {
	return models.IncidentSyncData{
		ID:         "INC-1",
		PropertyID: "PROP-1",
		Title:      "Perimeter breach",
		Status:     "open",
		Severity:   "high",
		UpdatedAt:  time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC),
		Version:    2,
	}
}

func TestClient_ConflictScenario(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	ctx := context.Background()

	h.deliver(t, events.EventIncidentSynced, events.SourceAdminDashboard, openIncident())
	held, ok := h.client.Incident("INC-1")
	require.True(t, ok)
	assert.Equal(t, int64(2), held.Version)
	assert.Equal(t, models.SyncStatusSynced, held.SyncStatus)

	// client resolves locally
	local := openIncident()
	local.Status = "resolved"
	require.NoError(t, h.client.SyncIncident(ctx, "INC-1", &local))

	held, _ = h.client.Incident("INC-1")
	assert.Equal(t, "resolved", held.Status)
	assert.Equal(t, int64(3), held.Version)
	assert.Equal(t, models.SyncStatusPending, held.SyncStatus)

	sent := h.channel.SentOfType(events.EventIncidentUpdated)
	require.Len(t, sent, 1)
	ev, snap, rec := sentSnapshot(t, sent[0])
	assert.Equal(t, "INC-1", ev.EntityID)
	assert.Equal(t, "op-7", ev.Actor.UserID)
	assert.Equal(t, int64(2), snap.BaseVersion)
	assert.Equal(t, int64(3), rec.GetVersion())

	// admin escalates the same incident before the write is acknowledged
	remote := openIncident()
	remote.Status = "escalated"
	remote.Version = 3
	h.deliver(t, events.EventIncidentSynced, events.SourceAdminDashboard, remote)

	conflicts := h.client.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "INC-1", conflicts[0].EntityID)
	assert.Equal(t, string(events.SourceAdminDashboard), conflicts[0].RemoteSource)
	assert.Len(t, h.conflicts, 1)
	held, _ = h.client.Incident("INC-1")
	assert.Equal(t, models.SyncStatusConflict, held.SyncStatus)

	// a replay of the same broadcast does not duplicate it
	h.deliver(t, events.EventIncidentSynced, events.SourceAdminDashboard, remote)
	assert.Len(t, h.client.Conflicts(), 1)
	assert.Len(t, h.conflicts, 1)

	res, err := h.client.ResolveConflict(ctx, "INC-1", models.StrategyAdminWins)
	require.NoError(t, err)
	assert.False(t, res.Resend)

	held, _ = h.client.Incident("INC-1")
	assert.Equal(t, "escalated", held.Status)
	assert.Equal(t, int64(4), held.Version)
	assert.Equal(t, models.SyncStatusSynced, held.SyncStatus)
	assert.Empty(t, h.client.Conflicts())
	assert.Equal(t, 0, h.client.Status().PendingWrites)

	assert.Len(t, h.channel.SentOfType(events.EventConflictResolved), 1)
	assert.Contains(t, auditActions(t, h.audit), string(events.EventConflictResolved))
}

func TestClient_ClientWinsResends(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	ctx := context.Background()

	h.deliver(t, events.EventIncidentSynced, events.SourceAdminDashboard, openIncident())
	local := openIncident()
	local.AssignedGuard = "guard-12"
	require.NoError(t, h.client.SyncIncident(ctx, "INC-1", &local))

	remote := openIncident()
	remote.Severity = "critical"
	remote.Version = 5
	h.deliver(t, events.EventIncidentSynced, events.SourceLiveMonitoring, remote)
	require.Len(t, h.client.Conflicts(), 1)

	h.channel.Reset()
	res, err := h.client.ResolveConflict(ctx, h.client.Conflicts()[0].ID, models.StrategyClientWins)
	require.NoError(t, err)
	assert.True(t, res.Resend)

	sent := h.channel.SentOfType(events.EventIncidentUpdated)
	require.Len(t, sent, 1)
	_, snap, rec := sentSnapshot(t, sent[0])
	assert.Equal(t, int64(6), rec.GetVersion())
	assert.Equal(t, int64(5), snap.BaseVersion)
	assert.Equal(t, "guard-12", rec.(models.IncidentSyncData).AssignedGuard)

	// the relay acknowledges the resent value
	ack := rec.(models.IncidentSyncData)
	h.deliver(t, events.EventIncidentSynced, events.SourceClientPortal, ack)
	held, _ := h.client.Incident("INC-1")
	assert.Equal(t, models.SyncStatusSynced, held.SyncStatus)
	assert.Equal(t, int64(6), held.Version)
}

func TestClient_DismissConflict(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	ctx := context.Background()

	h.deliver(t, events.EventIncidentSynced, events.SourceAdminDashboard, openIncident())
	local := openIncident()
	local.Status = "resolved"
	require.NoError(t, h.client.SyncIncident(ctx, "INC-1", &local))
	remote := openIncident()
	remote.Status = "escalated"
	remote.Version = 3
	h.deliver(t, events.EventIncidentSynced, events.SourceAdminDashboard, remote)

	sc, err := h.client.DismissConflict(ctx, "INC-1")
	require.NoError(t, err)
	assert.Equal(t, "op-7", sc.DismissedBy)
	assert.Empty(t, h.client.Conflicts())

	held, _ := h.client.Incident("INC-1")
	assert.Equal(t, "resolved", held.Status)
	assert.Equal(t, models.SyncStatusPending, held.SyncStatus)

	dismissed, err := h.audit.Query(ctx, audit.Filter{})
	require.NoError(t, err)
	var found bool
	for _, e := range dismissed {
		if e.ActionPerformed == "conflict_dismissed" {
			found = true
			assert.Equal(t, "op-7", e.UserID)
			assert.Equal(t, "acme", e.ClientID)
		}
	}
	assert.True(t, found, "dismissal is audited")

	_, err = h.client.DismissConflict(ctx, "INC-1")
	assert.Error(t, err)
	_, err = h.client.ResolveConflict(ctx, "INC-1", models.StrategyMerge)
	assert.Error(t, err)
}

func TestClient_ResolveSerializedWithSnapshots(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	core, _ := observer.New(zap.InfoLevel)
	logger := zap.New(core, zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "Sync conflict resolved" {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		return nil
	}))
	clock := newFakeClock()
	resolver := conflict.NewResolver(conflict.WithLogger(logger), conflict.WithClock(clock.Now))
	h := newHarness(t, testOptions(), nil, nil, WithResolver(resolver))
	ctx := context.Background()

	h.deliver(t, events.EventIncidentSynced, events.SourceAdminDashboard, openIncident())
	local := openIncident()
	local.Status = "resolved"
	require.NoError(t, h.client.SyncIncident(ctx, "INC-1", &local))
	remote := openIncident()
	remote.Status = "escalated"
	remote.Version = 3
	h.deliver(t, events.EventIncidentSynced, events.SourceAdminDashboard, remote)
	require.Len(t, h.client.Conflicts(), 1)

	closed := openIncident()
	closed.Status = "closed"
	closed.Version = 5
	snap, err := models.NewSnapshot(closed, 0)
	require.NoError(t, err)
	msg, err := events.NewMessage(events.EventIncidentSynced, events.SourceLiveMonitoring, snap)
	require.NoError(t, err)

	resolved := make(chan error, 1)
	go func() {
		_, err := h.client.ResolveConflict(ctx, "INC-1", models.StrategyAdminWins)
		resolved <- err
	}()
	<-entered

	delivered := make(chan struct{})
	go func() {
		h.channel.Deliver(msg)
		close(delivered)
	}()
	assert.Never(t, func() bool {
		select {
		case <-delivered:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "snapshot waits for the resolution")

	close(release)
	require.NoError(t, <-resolved)
	<-delivered

	held, ok := h.client.Incident("INC-1")
	require.True(t, ok)
	assert.Equal(t, "closed", held.Status)
	assert.Equal(t, int64(5), held.Version)
	assert.Equal(t, models.SyncStatusSynced, held.SyncStatus)
	assert.Empty(t, h.client.Conflicts())
	assert.Equal(t, 0, h.client.Status().OpenConflicts)
}

func TestClient_CountsSentEventsOnce(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	ctx := context.Background()

	local := openIncident()
	require.NoError(t, h.client.SyncIncident(ctx, "INC-1", &local))

	families, err := h.metrics.Registry().Gather()
	require.NoError(t, err)
	var sent float64
	for _, f := range families {
		if f.GetName() == "test_sync_events_sent_total" {
			for _, m := range f.GetMetric() {
				sent += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), sent)
}

func TestClient_VersionMonotonic(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)

	for _, v := range []int64{3, 1, 5, 2, 4} {
		h.deliver(t, events.EventPropertySynced, events.SourceAdminDashboard, models.PropertySyncData{
			ID: "PROP-1", Name: "Warehouse", Version: v,
		})
	}
	p, ok := h.client.Property("PROP-1")
	require.True(t, ok)
	assert.Equal(t, int64(5), p.Version)
}

func TestClient_Acknowledged(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)

	h.deliver(t, events.EventPropertySynced, events.SourceAdminDashboard, models.PropertySyncData{ID: "PROP-1", Name: "Warehouse", Version: 1})
	update := models.PropertySyncData{Name: "Warehouse North", Armed: true}
	require.NoError(t, h.client.SyncProperty(context.Background(), "PROP-1", &update))
	assert.Equal(t, 1, h.client.Status().PendingWrites)

	p, _ := h.client.Property("PROP-1")
	h.deliver(t, events.EventPropertySynced, events.SourceClientPortal, p)

	p, _ = h.client.Property("PROP-1")
	assert.Equal(t, models.SyncStatusSynced, p.SyncStatus)
	assert.Equal(t, 0, h.client.Status().PendingWrites)
	assert.Empty(t, h.client.Conflicts())
}

func TestClient_SendFailure(t *testing.T) {
	opts := testOptions()
	opts.MaxRetryAttempts = 2
	h := newHarness(t, opts, nil, nil)
	ctx := context.Background()

	h.deliver(t, events.EventPropertySynced, events.SourceAdminDashboard, models.PropertySyncData{ID: "PROP-1", Name: "Warehouse", Version: 1})
	h.channel.FailSends(transport.ErrLinkDown)

	err := h.client.SyncProperty(ctx, "PROP-1", &models.PropertySyncData{Name: "Renamed"})
	var serr *SyncError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodePropertySyncFailed, serr.ErrorCode())
	assert.ErrorIs(t, err, transport.ErrLinkDown)
	assert.True(t, serr.Temporary())

	// optimistic value is kept, flagged as failed
	p, _ := h.client.Property("PROP-1")
	assert.Equal(t, "Renamed", p.Name)
	assert.Equal(t, models.SyncStatusError, p.SyncStatus)

	require.Len(t, h.failures(), 1)
	assert.Equal(t, CodePropertySyncFailed, h.failures()[0].Code)
	assert.Contains(t, auditActions(t, h.audit), "property_sync_failed")
	assert.Contains(t, h.client.Status().LastError, CodePropertySyncFailed)
}

func TestClient_NotConnected(t *testing.T) {
	opts := testOptions()
	opts.AutoConnect = false
	opts.RetryOnError = false
	h := newHarness(t, opts, nil, nil)

	err := h.client.SyncIncident(context.Background(), "INC-9", &models.IncidentSyncData{Status: "open"})
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Equal(t, transport.StateDisconnected, h.client.Status().State)
}

func TestClient_Debounce(t *testing.T) {
	opts := testOptions()
	opts.Debounce = 20 * time.Millisecond
	h := newHarness(t, opts, nil, nil)
	ctx := context.Background()

	for _, name := range []string{"A", "B", "C"} {
		require.NoError(t, h.client.SyncProperty(ctx, "PROP-1", &models.PropertySyncData{Name: name}))
	}

	assert.Eventually(t, func() bool {
		return len(h.channel.SentOfType(events.EventPropertyUpdated)) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	sent := h.channel.SentOfType(events.EventPropertyUpdated)
	require.Len(t, sent, 1)
	_, _, rec := sentSnapshot(t, sent[0])
	assert.Equal(t, "C", rec.(models.PropertySyncData).Name)
}

func TestClient_DebounceFlushedOnClose(t *testing.T) {
	opts := testOptions()
	opts.Debounce = time.Hour
	h := newHarness(t, opts, nil, nil)

	require.NoError(t, h.client.SyncProperty(context.Background(), "PROP-1", &models.PropertySyncData{Name: "Late"}))
	assert.Empty(t, h.channel.SentOfType(events.EventPropertyUpdated))

	require.NoError(t, h.client.Close(context.Background()))
	assert.Len(t, h.channel.SentOfType(events.EventPropertyUpdated), 1)
	assert.Zero(t, h.channel.HandlerCount())
	assert.ErrorIs(t, h.client.SyncProperty(context.Background(), "PROP-1", &models.PropertySyncData{}), ErrClosed)
}

func TestClient_Refresh(t *testing.T) {
	backend := &fakeBackend{properties: []models.PropertySyncData{
		{ID: "PROP-1", Name: "Warehouse", Version: 2},
		{ID: "PROP-2", Name: "Depot", Version: 1},
	}}
	opts := testOptions()
	opts.PropertyIDFilter = []string{"PROP-1"}
	h := newHarness(t, opts, backend, nil)
	ctx := context.Background()

	props, err := h.client.RefreshProperties(ctx)
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "PROP-1", props[0].ID)
	assert.Len(t, h.client.Properties(), 1)

	_, err = h.client.RefreshProperties(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.hits(), "second read is served from the cache")

	h.clock.Advance(opts.CacheTTL + time.Second)
	_, err = h.client.RefreshProperties(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.hits())
}

func TestClient_RefreshWithoutBackend(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)
	_, err := h.client.RefreshIncidents(context.Background())
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestClient_TriggerFullSync(t *testing.T) {
	backend := &fakeBackend{
		properties: []models.PropertySyncData{{ID: "PROP-1", Version: 1}},
		incidents:  []models.IncidentSyncData{openIncident()},
		health:     []models.SystemHealthSyncData{{Component: "relay", Status: "healthy", Version: 7}},
	}
	h := newHarness(t, testOptions(), backend, nil)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		require.NoError(t, h.client.TriggerFullSync(ctx))
		status := h.client.Status()
		assert.False(t, status.Syncing)
		assert.Equal(t, h.clock.Now(), status.LastSyncTime)
		assert.Len(t, h.client.Incidents(), 1)
		assert.Len(t, h.client.SystemHealth(), 1)
		assert.Len(t, h.channel.SentOfType(events.EventFullRefresh), 1)
		assert.Equal(t, 1, h.completes)
	})

	t.Run("Partial failure", func(t *testing.T) {
		backend.mu.Lock()
		backend.incidentErr = errors.New("backend timeout")
		backend.mu.Unlock()
		h.clock.Advance(time.Minute)

		err := h.client.TriggerFullSync(ctx)
		var serr *SyncError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, CodeFullSyncFailed, serr.Code)
		assert.False(t, h.client.Status().Syncing)
		assert.NotEqual(t, h.clock.Now(), h.client.Status().LastSyncTime)
	})
}

func TestClient_ConnectionState(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)

	require.NotEmpty(t, h.changes)
	assert.Equal(t, transport.StateConnected, h.changes[0].State)
	assert.Equal(t, transport.StateConnected, h.client.Status().State)

	h.channel.SetState(transport.StateReconnecting, nil)
	assert.Equal(t, transport.StateReconnecting, h.client.Status().State)
	assert.Empty(t, h.failures(), "reconnecting is transient")

	h.channel.SetState(transport.StateDisconnected, &transport.ConnectionError{Attempts: 5, Err: transport.ErrLinkDown})
	assert.Equal(t, transport.StateDisconnected, h.client.Status().State)
	require.Len(t, h.failures(), 1)
	assert.Equal(t, CodeConnectionFailed, h.failures()[0].Code)
}

func TestClient_AuthenticationRejected(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)

	h.channel.Revoke()
	require.Len(t, h.failures(), 1)
	assert.Equal(t, CodeAuthenticationFailed, h.failures()[0].Code)
	assert.False(t, h.client.Status().Authenticated)
	assert.Contains(t, auditActions(t, h.audit), "security_violation_detected")
}

func TestClient_Filters(t *testing.T) {
	opts := testOptions()
	opts.EventTypeFilter = []events.EventType{events.EventPropertySynced}
	opts.EnableIncidents = false
	h := newHarness(t, opts, nil, nil)

	h.deliver(t, events.EventHealthUpdated, events.SourceSystemAutomated, models.SystemHealthSyncData{Component: "relay", Version: 1})
	assert.Empty(t, h.client.SystemHealth())

	h.deliver(t, events.EventPropertySynced, events.SourceAdminDashboard, models.PropertySyncData{ID: "PROP-1", Version: 1})
	assert.Len(t, h.client.Properties(), 1)

	err := h.client.SyncIncident(context.Background(), "INC-1", &models.IncidentSyncData{})
	assert.ErrorIs(t, err, ErrSyncDisabled)
}

func TestClient_PropertyDeleted(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)

	prop := models.PropertySyncData{ID: "PROP-1", Name: "Warehouse", Version: 1}
	h.deliver(t, events.EventPropertySynced, events.SourceAdminDashboard, prop)
	require.Len(t, h.client.Properties(), 1)

	h.deliver(t, events.EventPropertyDeleted, events.SourceAdminDashboard, prop)
	assert.Empty(t, h.client.Properties())
}

func TestClient_SyncCompleted(t *testing.T) {
	h := newHarness(t, testOptions(), nil, nil)

	msg, err := events.NewMessage(events.EventSyncCompleted, events.SourceSystemAutomated, map[string]int{"entities": 3})
	require.NoError(t, err)
	h.channel.Deliver(msg)

	assert.Equal(t, h.clock.Now(), h.client.Status().LastSyncTime)
	assert.Equal(t, 1, h.completes)
}

func TestClient_CloseFlushesAudit(t *testing.T) {
	var mu sync.Mutex
	var submitted int
	sub := audit.SubmitterFunc(func(_ context.Context, batch []*audit.Entry) error {
		mu.Lock()
		defer mu.Unlock()
		submitted += len(batch)
		return nil
	})
	h := newHarness(t, testOptions(), nil, sub)
	h.deliver(t, events.EventPropertySynced, events.SourceAdminDashboard, models.PropertySyncData{ID: "PROP-1", Version: 1})

	require.NoError(t, h.client.Close(context.Background()))
	assert.Zero(t, h.audit.Buffered())
	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, submitted)
}

func TestClient_InvalidSchedule(t *testing.T) {
	opts := testOptions()
	opts.FullSyncSchedule = "every tuesday"
	c := New(transport.NewMemoryChannel(), nil, nil, opts, nil)
	err := c.Start(context.Background())
	var serr *SyncError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeValidationFailed, serr.Code)

	// a failed start leaves the client startable
	err = c.Start(context.Background())
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, CodeValidationFailed, serr.Code)
	require.NoError(t, c.Close(context.Background()))
}

func TestClient_InvalidScheduleUnregisters(t *testing.T) {
	opts := testOptions()
	opts.FullSyncSchedule = "every tuesday"
	channel := transport.NewMemoryChannel()
	c := New(channel, nil, nil, opts, nil)
	require.Error(t, c.Start(context.Background()))

	snap, err := models.NewSnapshot(models.PropertySyncData{ID: "PROP-1", Version: 1}, 0)
	require.NoError(t, err)
	msg, err := events.NewMessage(events.EventPropertySynced, events.SourceAdminDashboard, snap)
	require.NoError(t, err)
	channel.Deliver(msg)
	assert.Empty(t, c.Properties(), "handlers are unregistered")
	require.NoError(t, c.Close(context.Background()))
}
