package syncclient

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aegisshield/realtime-sync/internal/audit"
	"github.com/aegisshield/realtime-sync/internal/cache"
	"github.com/aegisshield/realtime-sync/internal/conflict"
	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/models"
)

// RefreshProperties returns the property list, from the cache when fresh and
// from the backend otherwise. Fetched snapshots are reconciled into the
// entity table.
func (c *Client) RefreshProperties(ctx context.Context) ([]models.PropertySyncData, error) {
	return refresh(ctx, c, models.KindProperty, c.properties, func(ctx context.Context) ([]models.PropertySyncData, error) {
		return c.fetcher.ListProperties(ctx)
	})
}

// RefreshIncidents is RefreshProperties for incidents
func (c *Client) RefreshIncidents(ctx context.Context) ([]models.IncidentSyncData, error) {
	return refresh(ctx, c, models.KindIncident, c.incidents, func(ctx context.Context) ([]models.IncidentSyncData, error) {
		return c.fetcher.ListIncidents(ctx)
	})
}

// RefreshSystemHealth is RefreshProperties for component health
func (c *Client) RefreshSystemHealth(ctx context.Context) ([]models.SystemHealthSyncData, error) {
	return refresh(ctx, c, models.KindSystemHealth, c.health, func(ctx context.Context) ([]models.SystemHealthSyncData, error) {
		return c.fetcher.GetSystemHealth(ctx)
	})
}

func refresh[T models.Record](ctx context.Context, c *Client, kind models.EntityKind, store cache.Cache[[]T], fetch func(context.Context) ([]T, error)) ([]T, error) {
	ctx = c.auditContext(ctx)
	if !c.enabled(kind) {
		return nil, &SyncError{Code: CodeRefreshFailed, Err: ErrSyncDisabled}
	}
	if cached, ok := store.Get(cacheKey); ok {
		return cached, nil
	}
	if c.fetcher == nil {
		return nil, &SyncError{Code: CodeRefreshFailed, Err: ErrNoBackend}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	list, err := fetch(fetchCtx)
	if err != nil {
		serr := &SyncError{Code: CodeRefreshFailed, Err: err}
		c.reportError(ctx, serr, map[string]interface{}{"entity_kind": string(kind)})
		return nil, serr
	}

	out := make([]T, 0, len(list))
	for _, rec := range list {
		if c.watched(rec) {
			out = append(out, rec)
		}
	}

	var (
		outcomes [4]int
		detected []models.SyncConflict
	)
	c.mu.Lock()
	for _, rec := range out {
		var o conflict.Outcome
		c.table, o = conflict.Reduce(c.table, conflict.Incoming{Record: rec, Source: events.SourceAPIIntegration})
		switch o.Kind {
		case conflict.Applied:
			outcomes[0]++
		case conflict.Acknowledged:
			outcomes[1]++
		case conflict.Stale:
			outcomes[2]++
		case conflict.Conflict:
			outcomes[3]++
			if sc, created := c.resolver.Detect(o, events.SourceAPIIntegration); created {
				detected = append(detected, sc)
			}
		}
	}
	c.mu.Unlock()

	if cb := c.opts.Callbacks.OnConflict; cb != nil {
		for _, sc := range detected {
			cb(sc)
		}
	}

	store.Set(cacheKey, out, c.opts.CacheTTL)

	c.logger.Debug("Refreshed entities from backend",
		zap.String("entity_kind", string(kind)),
		zap.Int("count", len(out)),
		zap.Int("applied", outcomes[0]),
		zap.Int("conflicts", outcomes[3]))
	c.audit.LogEvent(ctx, audit.Entry{
		EventType:       audit.EventDataAccess,
		ActionPerformed: "refresh_" + string(kind),
		ResourceType:    string(kind),
		ContextData: map[string]interface{}{
			"count":        len(out),
			"applied":      outcomes[0],
			"acknowledged": outcomes[1],
			"stale":        outcomes[2],
			"conflicts":    outcomes[3],
		},
	})
	return out, nil
}

// TriggerFullSync runs a complete reconciliation pass over every enabled
// entity class, bypassing the caches. Status().Syncing is set for its
// duration and LastSyncTime is stamped on success.
func (c *Client) TriggerFullSync(ctx context.Context) error {
	ctx = c.auditContext(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status.Syncing {
		c.mu.Unlock()
		return ErrSyncInProgress
	}
	c.status.Syncing = true
	c.mu.Unlock()

	start := c.now()
	c.announceFullSync(ctx)

	c.properties.Invalidate(cacheKey)
	c.incidents.Invalidate(cacheKey)
	c.health.Invalidate(cacheKey)

	counts := map[string]interface{}{}
	var errs []error
	if c.opts.EnableProperties {
		list, err := c.RefreshProperties(ctx)
		counts["properties"] = len(list)
		errs = append(errs, err)
	}
	if c.opts.EnableIncidents {
		list, err := c.RefreshIncidents(ctx)
		counts["incidents"] = len(list)
		errs = append(errs, err)
	}
	if c.opts.EnableSystemHealth {
		list, err := c.RefreshSystemHealth(ctx)
		counts["system_health"] = len(list)
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	elapsed := c.now().Sub(start)

	c.mu.Lock()
	c.status.Syncing = false
	if err == nil {
		c.status.LastSyncTime = c.now().UTC()
	}
	status := c.statusLocked()
	c.mu.Unlock()

	counts["duration_ms"] = elapsed.Milliseconds()
	if err != nil {
		serr := &SyncError{Code: CodeFullSyncFailed, Err: err}
		c.reportError(ctx, serr, counts)
		return serr
	}

	c.metrics.FullSyncCompleted(elapsed.Seconds())
	c.audit.LogEvent(ctx, audit.Entry{
		EventType:       audit.EventSyncProcessed,
		EventSource:     string(c.opts.Source),
		ActionPerformed: "full_sync",
		ResourceType:    "sync",
		ContextData:     counts,
	})
	c.logger.Info("Full sync completed", zap.Duration("duration", elapsed), zap.Any("counts", counts))

	if cb := c.opts.Callbacks.OnSyncComplete; cb != nil {
		cb(status)
	}
	return nil
}

// announceFullSync tells the relay a full refresh is running; best effort
func (c *Client) announceFullSync(ctx context.Context) {
	if !c.channel.Authenticated() {
		return
	}
	ev, err := c.builder.Build(events.ActionRequest{
		Type:      events.EventFullRefresh,
		Source:    c.opts.Source,
		Actor:     c.opts.Actor,
		EntityID:  "all",
		Data:      map[string]interface{}{"requested_at": c.now().UTC().Format(time.RFC3339)},
		Operation: events.OperationSync,
	})
	if err != nil {
		c.logger.Warn("Failed to build full refresh event", zap.Error(err))
		return
	}
	msg, err := events.EventMessage(ev)
	if err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if err := c.channel.Send(sendCtx, msg); err != nil {
		c.logger.Warn("Failed to announce full sync", zap.Error(err))
		return
	}
	c.metrics.SyncEventSent(string(ev.Type))
}
