// Package syncclient keeps a consumer's view of properties, incidents and
// system health consistent with the backend. It applies optimistic local
// writes, reconciles authoritative snapshots arriving on the transport
// channel, routes divergences to the conflict resolver and audits every
// action.
package syncclient

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aegisshield/realtime-sync/internal/audit"
	"github.com/aegisshield/realtime-sync/internal/cache"
	"github.com/aegisshield/realtime-sync/internal/conflict"
	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/metrics"
	"github.com/aegisshield/realtime-sync/internal/models"
	"github.com/aegisshield/realtime-sync/internal/transport"
)

// Fetcher serves authoritative entity reads
type Fetcher interface {
	ListProperties(ctx context.Context) ([]models.PropertySyncData, error)
	ListIncidents(ctx context.Context) ([]models.IncidentSyncData, error)
	GetSystemHealth(ctx context.Context) ([]models.SystemHealthSyncData, error)
}

// Status is the externally visible state of the client
type Status struct {
	State         transport.State `json:"state"`
	Authenticated bool            `json:"authenticated"`
	Syncing       bool            `json:"syncing"`
	LastSyncTime  time.Time       `json:"last_sync_time"`
	LastError     string          `json:"last_error,omitempty"`
	PendingWrites int             `json:"pending_writes"`
	OpenConflicts int             `json:"open_conflicts"`
}

const cacheKey = "all"

// Client orchestrates one consumer's synchronisation
type Client struct {
	opts     Options
	channel  transport.Channel
	fetcher  Fetcher
	audit    *audit.Logger
	resolver *conflict.Resolver
	builder  *events.Builder
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	properties cache.Cache[[]models.PropertySyncData]
	incidents  cache.Cache[[]models.IncidentSyncData]
	health     cache.Cache[[]models.SystemHealthSyncData]

	mu       sync.Mutex
	table    conflict.Table
	status   Status
	pending  map[string]*debounced
	subs     []transport.Subscription
	cron     *cron.Cron
	started  bool
	closed   bool
	runCtx   context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// New creates a sync client. fetcher may be nil when only channel traffic
// is needed; auditLog may be nil in which case entries are kept in memory.
func New(channel transport.Channel, fetcher Fetcher, auditLog *audit.Logger, opts Options, logger *zap.Logger, options ...ClientOption) *Client {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		opts:    opts,
		channel: channel,
		fetcher: fetcher,
		audit:   auditLog,
		logger:  logger,
		now:     time.Now,
		table:   conflict.Table{},
		pending: make(map[string]*debounced),
		status:  Status{State: transport.StateDisconnected},
	}
	for _, opt := range options {
		opt(c)
	}

	if c.builder == nil {
		c.builder = events.NewBuilder(events.WithClock(c.now))
	}
	if c.resolver == nil {
		c.resolver = conflict.NewResolver(
			conflict.WithSource(opts.Source),
			conflict.WithBuilder(c.builder),
			conflict.WithClock(c.now),
			conflict.WithLogger(logger),
			conflict.WithMetrics(c.metrics),
		)
	}
	if c.audit == nil {
		cfg := audit.DefaultConfig()
		cfg.ClientID = opts.Actor.ClientID
		cfg.DefaultUserID = opts.Actor.UserID
		c.audit = audit.NewLogger(context.Background(), cfg, nil, audit.NewMemoryStore(), logger, audit.WithMetrics(c.metrics))
	}
	if c.properties == nil {
		c.properties = cache.NewTTLCache[[]models.PropertySyncData]("properties", cache.WithClock(c.now), cache.WithStats(c.metrics))
	}
	if c.incidents == nil {
		c.incidents = cache.NewTTLCache[[]models.IncidentSyncData]("incidents", cache.WithClock(c.now), cache.WithStats(c.metrics))
	}
	if c.health == nil {
		c.health = cache.NewTTLCache[[]models.SystemHealthSyncData]("system_health", cache.WithClock(c.now), cache.WithStats(c.metrics))
	}
	return c
}

// Start registers the channel handlers, connects when AutoConnect is set
// and schedules periodic full syncs.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(c.auditContext(context.Background()))

	// validated before any handler is registered
	var sched *cron.Cron
	if c.opts.FullSyncSchedule != "" {
		sched = cron.New(cron.WithLocation(time.UTC))
		if _, err := sched.AddFunc(c.opts.FullSyncSchedule, func() {
			if err := c.TriggerFullSync(runCtx); err != nil && err != ErrSyncInProgress {
				c.logger.Warn("Scheduled full sync failed", zap.Error(err))
			}
		}); err != nil {
			c.mu.Unlock()
			cancel()
			return &SyncError{Code: CodeValidationFailed, Err: fmt.Errorf("invalid full sync schedule %q: %w", c.opts.FullSyncSchedule, err)}
		}
	}

	c.started = true
	c.runCtx, c.cancel = runCtx, cancel
	for _, t := range []events.EventType{
		events.EventPropertySynced,
		events.EventIncidentSynced,
		events.EventHealthUpdated,
		events.EventConflictDetected,
	} {
		c.subs = append(c.subs, c.channel.OnMessage(t, c.handleSnapshot))
	}
	c.subs = append(c.subs,
		c.channel.OnMessage(events.EventPropertyDeleted, c.handleDeleted),
		c.channel.OnMessage(events.EventSyncCompleted, c.handleSyncCompleted),
		c.channel.OnState(c.handleState),
	)
	if sched != nil {
		sched.Start()
		c.cron = sched
	}
	c.mu.Unlock()

	c.logger.Info("Sync client started",
		zap.String("source", string(c.opts.Source)),
		zap.Bool("auto_connect", c.opts.AutoConnect),
		zap.String("full_sync_schedule", c.opts.FullSyncSchedule))

	if c.opts.AutoConnect {
		if err := c.channel.Connect(ctx); err != nil {
			return &SyncError{Code: CodeConnectionFailed, Err: err}
		}
	}
	return nil
}

// Close unregisters every handler, sends any debounced writes, disconnects
// and forces a final audit flush.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	sched := c.cron
	cancel := c.cancel
	var due []*debounced
	for id, d := range c.pending {
		if d.timer.Stop() {
			due = append(due, d)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	if sched != nil {
		<-sched.Stop().Done()
	}

	for _, d := range due {
		c.sendDebounced(ctx, d)
		c.inflight.Done()
	}
	c.inflight.Wait()

	if cancel != nil {
		cancel()
	}
	c.channel.Disconnect()
	flushed := c.audit.Flush(ctx)

	c.logger.Info("Sync client closed", zap.Int("audit_entries_flushed", flushed))
	return nil
}

// Status returns a snapshot of the client state
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Client) statusLocked() Status {
	s := c.status
	s.State = c.channel.State()
	s.Authenticated = c.channel.Authenticated()
	s.PendingWrites = c.table.Pending()
	s.OpenConflicts = c.resolver.Len()
	return s
}

// Properties returns the held property snapshots ordered by id
func (c *Client) Properties() []models.PropertySyncData {
	return collect[models.PropertySyncData](c, models.KindProperty)
}

// Incidents returns the held incident snapshots ordered by id
func (c *Client) Incidents() []models.IncidentSyncData {
	return collect[models.IncidentSyncData](c, models.KindIncident)
}

// SystemHealth returns the held component health snapshots ordered by component
func (c *Client) SystemHealth() []models.SystemHealthSyncData {
	return collect[models.SystemHealthSyncData](c, models.KindSystemHealth)
}

// Property returns one held property snapshot
func (c *Client) Property(id string) (models.PropertySyncData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.table[id].Record.(models.PropertySyncData)
	return p, ok
}

// Incident returns one held incident snapshot
func (c *Client) Incident(id string) (models.IncidentSyncData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.table[id].Record.(models.IncidentSyncData)
	return i, ok
}

// Conflicts returns the open conflicts
func (c *Client) Conflicts() []models.SyncConflict {
	return c.resolver.Open()
}

func collect[T models.Record](c *Client, kind models.EntityKind) []T {
	c.mu.Lock()
	records := c.table.Records(kind)
	c.mu.Unlock()

	out := make([]T, 0, len(records))
	for _, r := range records {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

func (c *Client) enabled(kind models.EntityKind) bool {
	switch kind {
	case models.KindProperty:
		return c.opts.EnableProperties
	case models.KindIncident:
		return c.opts.EnableIncidents
	case models.KindSystemHealth:
		return c.opts.EnableSystemHealth
	}
	return false
}

func (c *Client) invalidate(kind models.EntityKind) {
	switch kind {
	case models.KindProperty:
		c.properties.Invalidate(cacheKey)
	case models.KindIncident:
		c.incidents.Invalidate(cacheKey)
	case models.KindSystemHealth:
		c.health.Invalidate(cacheKey)
	}
}

// auditContext attributes audit entries written under ctx to the client actor
func (c *Client) auditContext(ctx context.Context) context.Context {
	return audit.ContextWithActor(ctx, c.opts.Actor)
}

// reportError records a classified failure: metrics, audit, diagnostic log
// and the OnError callback.
func (c *Client) reportError(ctx context.Context, serr *SyncError, data map[string]interface{}) {
	c.mu.Lock()
	c.status.LastError = serr.Error()
	c.mu.Unlock()

	c.metrics.SyncFailure(serr.Code)
	if data == nil {
		data = map[string]interface{}{}
	}
	if serr.EntityID != "" {
		data["entity_id"] = serr.EntityID
	}
	c.audit.LogError(c.auditContext(ctx), serr, data)
	c.logger.Warn("Sync failure",
		zap.String("code", serr.Code),
		zap.String("entity_id", serr.EntityID),
		zap.Error(serr.Err))

	if cb := c.opts.Callbacks.OnError; cb != nil {
		cb(serr)
	}
}
