package realtime

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/realtime-sync/internal/auth"
	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/models"
	"github.com/aegisshield/realtime-sync/internal/syncclient"
	"github.com/aegisshield/realtime-sync/internal/transport"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type recordingJournal struct {
	mu     sync.Mutex
	events []events.SyncEvent
}

func (j *recordingJournal) Publish(_ context.Context, ev events.SyncEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *recordingJournal) types() []events.EventType {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]events.EventType, 0, len(j.events))
	for _, ev := range j.events {
		out = append(out, ev.Type)
	}
	return out
}

type relay struct {
	hub     *Hub
	url     string
	tokens  *auth.TokenManager
	journal *recordingJournal
}

func newRelay(t *testing.T, store Store, opts ...HubOption) *relay {
	t.Helper()
	tokens, err := auth.NewTokenManager("relay-secret", "aegisshield", time.Hour)
	require.NoError(t, err)
	journal := &recordingJournal{}

	opts = append([]HubOption{WithTokens(tokens), WithJournal(journal)}, opts...)
	hub := NewHub(Config{PingInterval: time.Second}, store, nil, opts...)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &relay{
		hub:     hub,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		tokens:  tokens,
		journal: journal,
	}
}

func (r *relay) token(t *testing.T, user string, roles ...string) string {
	t.Helper()
	token, err := r.tokens.GenerateToken(user, "portal-"+user, roles...)
	require.NoError(t, err)
	return token
}

func (r *relay) channel(t *testing.T, token string) *transport.WebSocketChannel {
	t.Helper()
	ch := transport.NewWebSocketChannel(transport.WebSocketConfig{
		URL:   r.url,
		Token: transport.StaticToken(token),
	}, nil, nil)
	t.Cleanup(ch.Disconnect)
	return ch
}

func (r *relay) agent(t *testing.T, user string) *syncclient.Client {
	t.Helper()
	opts := syncclient.DefaultOptions()
	opts.Actor = events.Actor{UserID: user}
	opts.RetryOnError = false

	c := syncclient.New(r.channel(t, r.token(t, user, auth.RoleAgent)), nil, nil, opts, nil)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestHub_Handshake(t *testing.T) {
	r := newRelay(t, NewMemoryStore())

	t.Run("valid token", func(t *testing.T) {
		ch := r.channel(t, r.token(t, "ops-1", auth.RoleAgent))
		require.NoError(t, ch.Connect(context.Background()))
		assert.True(t, ch.Authenticated())
		assert.Eventually(t, func() bool { return r.hub.ConnectedClients() == 1 }, waitFor, tick)

		ch.Disconnect()
		assert.Eventually(t, func() bool { return r.hub.ConnectedClients() == 0 }, waitFor, tick)
	})

	t.Run("invalid token", func(t *testing.T) {
		ch := r.channel(t, "forged")
		err := ch.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, transport.ErrAuthenticationFailed))
		assert.Equal(t, 0, r.hub.ConnectedClients())
	})
}

func TestHub_WriteReachesEveryAgent(t *testing.T) {
	r := newRelay(t, NewMemoryStore())
	a := r.agent(t, "ops-a")
	b := r.agent(t, "ops-b")

	require.NoError(t, a.SyncIncident(context.Background(), "INC-1", &models.IncidentSyncData{
		PropertyID: "PROP-1",
		Title:      "Perimeter breach",
		Status:     "investigating",
		Severity:   "high",
	}))

	assert.Eventually(t, func() bool {
		inc, ok := b.Incident("INC-1")
		return ok && inc.Version == 1 && inc.Status == "investigating"
	}, waitFor, tick)

	// the writer sees its own write acknowledged at the same version
	assert.Eventually(t, func() bool {
		inc, ok := a.Incident("INC-1")
		return ok && inc.Version == 1 && inc.SyncStatus == models.SyncStatusSynced && a.Status().PendingWrites == 0
	}, waitFor, tick)

	assert.Eventually(t, func() bool {
		types := r.journal.types()
		return len(types) == 1 && types[0] == events.EventIncidentSynced
	}, waitFor, tick)
}

func TestHub_StaleWriteConflict(t *testing.T) {
	r := newRelay(t, NewMemoryStore())
	_, err := r.hub.Publish(context.Background(), incident("INC-2", 3, "escalated"), events.SourceAdminDashboard, events.Actor{UserID: "admin"})
	require.NoError(t, err)

	var mu sync.Mutex
	var detected []models.SyncConflict
	opts := syncclient.DefaultOptions()
	opts.Actor = events.Actor{UserID: "ops-a"}
	opts.RetryOnError = false
	opts.Callbacks.OnConflict = func(sc models.SyncConflict) {
		mu.Lock()
		defer mu.Unlock()
		detected = append(detected, sc)
	}
	a := syncclient.New(r.channel(t, r.token(t, "ops-a", auth.RoleAgent)), nil, nil, opts, nil)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	// ops-a never saw v3 and writes on top of v1
	require.NoError(t, a.SyncIncident(context.Background(), "INC-2", &models.IncidentSyncData{
		PropertyID: "PROP-1",
		Title:      "Perimeter breach",
		Status:     "resolved",
		Severity:   "high",
		Version:    1,
	}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(detected) == 1
	}, waitFor, tick)

	mu.Lock()
	sc := detected[0]
	mu.Unlock()
	assert.Equal(t, "INC-2", sc.EntityID)
	assert.Equal(t, int64(3), sc.Remote.GetVersion())
	assert.Equal(t, string(events.SourceAdminDashboard), sc.RemoteSource)

	stored, err := r.hub.store.Get(context.Background(), "INC-2")
	require.NoError(t, err)
	assert.Equal(t, "escalated", stored.Record.(models.IncidentSyncData).Status)
}

func TestHub_FullRefresh(t *testing.T) {
	r := newRelay(t, NewMemoryStore())
	ctx := context.Background()
	_, err := r.hub.Publish(ctx, models.PropertySyncData{ID: "PROP-1", Name: "HQ", Version: 1}, events.SourceAdminDashboard, events.Actor{})
	require.NoError(t, err)
	_, err = r.hub.Publish(ctx, incident("INC-1", 1, "open"), events.SourceAdminDashboard, events.Actor{})
	require.NoError(t, err)

	ch := r.channel(t, r.token(t, "ops-1", auth.RoleAgent))
	var mu sync.Mutex
	var got []events.EventType
	completed := make(chan struct{})
	for _, typ := range []events.EventType{events.EventPropertySynced, events.EventIncidentSynced} {
		ch.OnMessage(typ, func(msg events.Message) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, msg.Type)
		})
	}
	ch.OnMessage(events.EventSyncCompleted, func(events.Message) { close(completed) })
	require.NoError(t, ch.Connect(ctx))

	msg, err := events.NewMessage(events.EventFullRefresh, events.SourceClientPortal, map[string]string{"entity_id": "all"})
	require.NoError(t, err)
	require.NoError(t, ch.Send(ctx, msg))

	select {
	case <-completed:
	case <-time.After(waitFor):
		t.Fatal("sync_completed not received")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []events.EventType{events.EventIncidentSynced, events.EventPropertySynced}, got)
}

func TestHub_Delete(t *testing.T) {
	r := newRelay(t, NewMemoryStore())
	ctx := context.Background()
	b := r.agent(t, "ops-b")

	_, err := r.hub.Publish(ctx, models.PropertySyncData{ID: "PROP-9", Name: "Depot", Version: 1}, events.SourceAdminDashboard, events.Actor{UserID: "admin"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok := b.Property("PROP-9")
		return ok
	}, waitFor, tick)

	require.NoError(t, r.hub.Delete(ctx, "PROP-9", events.SourceAdminDashboard, events.Actor{UserID: "admin"}))
	assert.Eventually(t, func() bool {
		_, ok := b.Property("PROP-9")
		return !ok
	}, waitFor, tick)

	_, err = r.hub.Publish(ctx, incident("INC-1", 1, "open"), events.SourceAdminDashboard, events.Actor{})
	require.NoError(t, err)
	assert.ErrorIs(t, r.hub.Delete(ctx, "INC-1", events.SourceAdminDashboard, events.Actor{}), ErrUnsupportedDelete)
	assert.ErrorIs(t, r.hub.Delete(ctx, "PROP-404", events.SourceAdminDashboard, events.Actor{}), ErrUnknownEntity)

	assert.Contains(t, r.journal.types(), events.EventPropertyDeleted)
}

func TestHub_RateLimit(t *testing.T) {
	tokens, err := auth.NewTokenManager("relay-secret", "aegisshield", time.Hour)
	require.NoError(t, err)
	hub := NewHub(Config{PingInterval: time.Second, RateLimit: 1, RateBurst: 1}, NewMemoryStore(), nil, WithTokens(tokens))
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	r := &relay{hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http"), tokens: tokens}

	ctx := context.Background()
	ch := r.channel(t, r.token(t, "ops-1", auth.RoleAgent))
	var mu sync.Mutex
	completed := 0
	ch.OnMessage(events.EventSyncCompleted, func(events.Message) {
		mu.Lock()
		completed++
		mu.Unlock()
	})
	require.NoError(t, ch.Connect(ctx))

	msg, err := events.NewMessage(events.EventFullRefresh, events.SourceClientPortal, map[string]string{"entity_id": "all"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, ch.Send(ctx, msg))
	}

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return completed
	}
	assert.Eventually(t, func() bool { return count() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return count() > 1 }, 200*time.Millisecond, tick)
}

func TestHub_ReadOnlyClientCannotWrite(t *testing.T) {
	r := newRelay(t, NewMemoryStore())
	ctx := context.Background()
	ch := r.channel(t, r.token(t, "auditor-1", auth.RoleAuditor))
	require.NoError(t, ch.Connect(ctx))

	snap, err := models.NewSnapshot(incident("INC-1", 1, "open"), 0)
	require.NoError(t, err)
	ev, err := events.NewBuilder().Build(events.ActionRequest{
		Type:     events.EventIncidentUpdated,
		Source:   events.SourceClientPortal,
		Actor:    events.Actor{UserID: "auditor-1"},
		EntityID: "INC-1",
		Data:     snap.Data(),
	})
	require.NoError(t, err)
	msg, err := events.EventMessage(ev)
	require.NoError(t, err)
	require.NoError(t, ch.Send(ctx, msg))

	assert.Never(t, func() bool {
		_, err := r.hub.store.Get(ctx, "INC-1")
		return err == nil
	}, 200*time.Millisecond, tick)
}

func TestHub_RedisFanout(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { c.Close() })
		return c
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, c2 := newClient(), newClient()
	r1 := newRelay(t, NewRedisStore(c1, "fanout"), WithRedis(c1))
	r2 := newRelay(t, NewRedisStore(c2, "fanout"), WithRedis(c2))
	go r1.hub.Run(ctx)
	go r2.hub.Run(ctx)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("aegis:sync:relay")["aegis:sync:relay"] == 2
	}, waitFor, tick)

	// r2 validates tokens with its own manager; both use the same secret
	b := r2.agent(t, "ops-b")

	_, err := r1.hub.Publish(ctx, incident("INC-7", 2, "dispatched"), events.SourceAdminDashboard, events.Actor{UserID: "admin"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		inc, ok := b.Incident("INC-7")
		return ok && inc.Status == "dispatched" && inc.Version == 2
	}, waitFor, tick)

	// the shared store serialises versions across instances
	st, err := r2.hub.store.Get(ctx, "INC-7")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Record.GetVersion())
}
