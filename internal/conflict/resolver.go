package conflict

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/metrics"
	"github.com/aegisshield/realtime-sync/internal/models"
)

var (
	ErrConflictNotFound = errors.New("conflict not found")
	ErrUnknownStrategy  = errors.New("unknown resolution strategy")
	ErrUnattributed     = errors.New("conflict actions require an actor")
)

// Resolution is the result of settling a conflict
type Resolution struct {
	Conflict models.SyncConflict
	Strategy models.ResolutionStrategy
	// Record is the snapshot the entity table should hold afterwards. It is
	// nil when a reject leaves no agreed base.
	Record models.Record
	// Resend is set when Record must be sent to the backend
	Resend bool
	// Open is set for manual resolutions; the conflict stays in the open set
	Open bool
	// Event is the conflict_resolved follow-up; zero for manual
	Event events.SyncEvent
}

// Option customises a Resolver
type Option func(*Resolver)

// WithMerger replaces the default last-write-wins merger
func WithMerger(m Merger) Option {
	return func(r *Resolver) { r.merger = m }
}

// WithSource sets the source stamped on follow-up events
func WithSource(s events.Source) Option {
	return func(r *Resolver) { r.source = s }
}

// WithBuilder sets the event builder used for follow-up events
func WithBuilder(b *events.Builder) Option {
	return func(r *Resolver) { r.builder = b }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Resolver) { r.metrics = m }
}

// Resolver holds the open conflict set. There is at most one open conflict
// per entity id.
type Resolver struct {
	mu      sync.Mutex
	open    map[string]*models.SyncConflict
	merger  Merger
	source  events.Source
	builder *events.Builder
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewResolver creates an empty resolver
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		open:   make(map[string]*models.SyncConflict),
		merger: LastWriteWinsMerger{},
		source: events.SourceClientPortal,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.builder == nil {
		r.builder = events.NewBuilder(events.WithClock(r.now))
	}
	return r
}

// Detect registers the conflict described by a Reduce outcome. If the
// entity already has an open conflict it is refreshed with the newest
// snapshots and returned with created=false.
func (r *Resolver) Detect(out Outcome, remoteSource events.Source) (conflict models.SyncConflict, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.open[out.EntityID]; ok {
		existing.Local = out.Local
		existing.Remote = out.Remote
		existing.RemoteSource = string(remoteSource)
		return *existing, false
	}

	c := &models.SyncConflict{
		ID:           uuid.New().String(),
		EntityID:     out.EntityID,
		EntityKind:   out.Local.EntityKind(),
		Local:        out.Local,
		Remote:       out.Remote,
		Base:         out.Base,
		LocalSource:  string(out.LocalSource),
		RemoteSource: string(remoteSource),
		BaseVersion:  out.BaseVersion,
		DetectedAt:   r.now().UTC(),
		Strategy:     models.StrategyManual,
	}
	r.open[out.EntityID] = c

	r.logger.Info("Sync conflict detected",
		zap.String("conflict_id", c.ID),
		zap.String("entity_id", c.EntityID),
		zap.String("entity_kind", string(c.EntityKind)),
		zap.Int64("local_version", out.Local.GetVersion()),
		zap.Int64("remote_version", out.Remote.GetVersion()))
	r.metrics.ConflictDetected(string(c.EntityKind))

	return *c, true
}

// Open returns the open conflicts ordered by detection time
func (r *Resolver) Open() []models.SyncConflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.SyncConflict, 0, len(r.open))
	for _, c := range r.open {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Len returns the number of open conflicts
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// Get looks a conflict up by conflict id or entity id
func (r *Resolver) Get(id string) (models.SyncConflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookup(id)
	if c == nil {
		return models.SyncConflict{}, false
	}
	return *c, true
}

func (r *Resolver) lookup(id string) *models.SyncConflict {
	if c, ok := r.open[id]; ok {
		return c
	}
	for _, c := range r.open {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Resolve settles the conflict identified by id with strategy on behalf of
// actor. Manual leaves it open; every other strategy removes it and returns
// the record to store together with a conflict_resolved follow-up event.
func (r *Resolver) Resolve(id string, strategy models.ResolutionStrategy, actor events.Actor) (Resolution, error) {
	if !strategy.Valid() {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	if actor.UserID == "" {
		return Resolution{}, ErrUnattributed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.lookup(id)
	if c == nil {
		return Resolution{}, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}

	if strategy == models.StrategyManual {
		c.Strategy = models.StrategyManual
		return Resolution{Conflict: *c, Strategy: strategy, Record: c.Local, Open: true}, nil
	}

	version := c.Local.GetVersion()
	if v := c.Remote.GetVersion(); v > version {
		version = v
	}
	version++

	res := Resolution{Strategy: strategy}
	switch strategy {
	case models.StrategyAdminWins:
		res.Record = c.Remote.WithVersion(version).WithStatus(models.SyncStatusSynced)
	case models.StrategyClientWins:
		res.Record = c.Local.WithVersion(version).WithStatus(models.SyncStatusPending)
		res.Resend = true
	case models.StrategyMerge:
		merged, err := r.merger.Merge(c.Local, c.Remote)
		if err != nil {
			return Resolution{}, fmt.Errorf("failed to merge %s: %w", c.EntityID, err)
		}
		res.Record = merged.WithVersion(version).WithStatus(models.SyncStatusPending)
		res.Resend = true
	case models.StrategyReject:
		if c.Base != nil {
			res.Record = c.Base.WithStatus(models.SyncStatusSynced)
		}
	}

	data := map[string]interface{}{
		"conflict_id": c.ID,
		"entity_kind": string(c.EntityKind),
		"strategy":    string(strategy),
	}
	if res.Record != nil {
		data["version"] = res.Record.GetVersion()
	}
	event, err := r.builder.Build(events.ActionRequest{
		Type:      events.EventConflictResolved,
		Source:    r.source,
		Actor:     actor,
		EntityID:  c.EntityID,
		Data:      data,
		Priority:  events.PriorityHigh,
		Operation: events.OperationResolve,
		Metadata:  map[string]string{"strategy": string(strategy)},
	})
	if err != nil {
		return Resolution{}, err
	}
	res.Event = event

	now := r.now().UTC()
	c.Strategy = strategy
	c.ResolvedAt = &now
	c.ResolvedBy = actor.UserID
	res.Conflict = *c
	delete(r.open, c.EntityID)

	r.logger.Info("Sync conflict resolved",
		zap.String("conflict_id", c.ID),
		zap.String("entity_id", c.EntityID),
		zap.String("strategy", string(strategy)),
		zap.String("resolved_by", actor.UserID))
	r.metrics.ConflictClosed(string(strategy))

	return res, nil
}

// Dismiss closes a conflict without applying any strategy. The local
// snapshot is left as it is.
func (r *Resolver) Dismiss(id, by string) (models.SyncConflict, error) {
	if by == "" {
		return models.SyncConflict{}, ErrUnattributed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.lookup(id)
	if c == nil {
		return models.SyncConflict{}, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	now := r.now().UTC()
	c.ResolvedAt = &now
	c.DismissedBy = by
	delete(r.open, c.EntityID)

	r.logger.Info("Sync conflict dismissed",
		zap.String("conflict_id", c.ID),
		zap.String("entity_id", c.EntityID),
		zap.String("dismissed_by", by))
	r.metrics.ConflictClosed("dismissed")

	return *c, nil
}

// Forget drops any open conflict on an entity, as when the entity is deleted
func (r *Resolver) Forget(entityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.open[entityID]; !ok {
		return false
	}
	delete(r.open, entityID)
	r.metrics.ConflictClosed("forgotten")
	return true
}
