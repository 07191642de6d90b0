package syncclient

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/aegisshield/realtime-sync/internal/audit"
	"github.com/aegisshield/realtime-sync/internal/conflict"
	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/models"
	"github.com/aegisshield/realtime-sync/internal/transport"
)

func (c *Client) accepts(t events.EventType) bool {
	if len(c.opts.EventTypeFilter) == 0 {
		return true
	}
	for _, allowed := range c.opts.EventTypeFilter {
		if allowed == t {
			return true
		}
	}
	return false
}

// watched applies the property id filter; incidents match through their
// property and system health is never filtered.
func (c *Client) watched(rec models.Record) bool {
	if len(c.opts.PropertyIDFilter) == 0 {
		return true
	}
	var propertyID string
	switch r := rec.(type) {
	case models.PropertySyncData:
		propertyID = r.ID
	case models.IncidentSyncData:
		propertyID = r.PropertyID
	default:
		return true
	}
	for _, id := range c.opts.PropertyIDFilter {
		if id == propertyID {
			return true
		}
	}
	return false
}

func inboundSource(msg events.Message) events.Source {
	if msg.Source.Valid() {
		return msg.Source
	}
	return events.SourceSystemAutomated
}

func (c *Client) decode(msg events.Message) (models.Record, bool) {
	var snap models.Snapshot
	if err := msg.Decode(&snap); err != nil {
		c.logger.Warn("Dropping malformed sync message", zap.String("type", string(msg.Type)), zap.Error(err))
		c.metrics.SyncEventReceived(string(msg.Type), "malformed")
		return nil, false
	}
	rec, err := snap.Decode()
	if err != nil {
		c.logger.Warn("Dropping undecodable snapshot", zap.String("type", string(msg.Type)), zap.Error(err))
		c.metrics.SyncEventReceived(string(msg.Type), "malformed")
		return nil, false
	}
	if !c.enabled(rec.EntityKind()) || !c.accepts(msg.Type) || !c.watched(rec) {
		c.metrics.SyncEventReceived(string(msg.Type), "filtered")
		return nil, false
	}
	return rec, true
}

// handleSnapshot reconciles an authoritative snapshot into the entity table
func (c *Client) handleSnapshot(msg events.Message) {
	rec, ok := c.decode(msg)
	if !ok {
		return
	}
	source := inboundSource(msg)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	next, out := conflict.Reduce(c.table, conflict.Incoming{Record: rec, Source: source})
	c.table = next
	var (
		sc      models.SyncConflict
		created bool
	)
	if out.Kind == conflict.Conflict {
		sc, created = c.resolver.Detect(out, source)
	}
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = c.auditContext(context.Background())
	}

	c.metrics.SyncEventReceived(string(msg.Type), string(out.Kind))
	kind := rec.EntityKind()

	switch out.Kind {
	case conflict.Applied, conflict.Acknowledged:
		c.invalidate(kind)
		c.audit.LogEvent(ctx, audit.Entry{
			EventType:       audit.EventSyncProcessed,
			EventSource:     string(source),
			ActionPerformed: string(msg.Type),
			ResourceType:    string(kind),
			ResourceID:      out.EntityID,
			CorrelationID:   msg.CorrelationID,
			ContextData: map[string]interface{}{
				"outcome": string(out.Kind),
				"version": out.Current.GetVersion(),
			},
		})

	case conflict.Stale:
		c.logger.Debug("Ignoring stale snapshot",
			zap.String("entity_id", out.EntityID),
			zap.Int64("version", rec.GetVersion()))

	case conflict.Conflict:
		c.audit.LogEvent(ctx, audit.Entry{
			EventType:       audit.EventConflict,
			EventSource:     string(source),
			ActionPerformed: string(events.EventConflictDetected),
			ResourceType:    string(kind),
			ResourceID:      out.EntityID,
			CorrelationID:   msg.CorrelationID,
			Status:          audit.StatusWarning,
			ContextData: map[string]interface{}{
				"conflict_id":    sc.ID,
				"local_version":  out.Local.GetVersion(),
				"remote_version": out.Remote.GetVersion(),
				"remote_source":  string(source),
				"refreshed":      !created,
			},
		})
		if cb := c.opts.Callbacks.OnConflict; cb != nil && created {
			cb(sc)
		}
	}
}

// handleDeleted drops a deleted property and any conflict on it
func (c *Client) handleDeleted(msg events.Message) {
	rec, ok := c.decode(msg)
	if !ok {
		return
	}
	id := rec.EntityID()

	c.mu.Lock()
	c.table = conflict.Remove(c.table, id)
	c.resolver.Forget(id)
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = c.auditContext(context.Background())
	}

	c.invalidate(rec.EntityKind())
	c.metrics.SyncEventReceived(string(msg.Type), "removed")
	c.audit.LogEvent(ctx, audit.Entry{
		EventType:       audit.EventSyncProcessed,
		EventSource:     string(inboundSource(msg)),
		ActionPerformed: string(msg.Type),
		ResourceType:    string(rec.EntityKind()),
		ResourceID:      id,
	})
}

// handleSyncCompleted closes a full sync pass announced by the relay
func (c *Client) handleSyncCompleted(msg events.Message) {
	c.mu.Lock()
	c.status.Syncing = false
	c.status.LastSyncTime = c.now().UTC()
	status := c.statusLocked()
	c.mu.Unlock()

	c.metrics.SyncEventReceived(string(msg.Type), "completed")
	if cb := c.opts.Callbacks.OnSyncComplete; cb != nil {
		cb(status)
	}
}

func (c *Client) handleState(change transport.StateChange) {
	c.mu.Lock()
	c.status.State = change.State
	if change.Err != nil {
		c.status.LastError = change.Err.Error()
	}
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = c.auditContext(context.Background())
	}

	c.logger.Info("Sync channel state changed",
		zap.String("state", string(change.State)),
		zap.Int("attempt", change.Attempt),
		zap.Error(change.Err))

	switch {
	case errors.Is(change.Err, transport.ErrAuthenticationFailed):
		c.audit.LogSecurityViolation(ctx, "sync channel authentication rejected", map[string]interface{}{
			"state": string(change.State),
		}, audit.SeverityHigh)
		c.reportError(ctx, &SyncError{Code: CodeAuthenticationFailed, Err: change.Err}, nil)

	case change.State == transport.StateDisconnected && change.Err != nil:
		c.reportError(ctx, &SyncError{Code: CodeConnectionFailed, Err: change.Err}, map[string]interface{}{
			"attempts": change.Attempt,
		})

	case change.State == transport.StateConnected || change.State == transport.StateDisconnected:
		c.audit.LogEvent(ctx, audit.Entry{
			EventType:       audit.EventSystemLifecycle,
			ActionPerformed: "channel_" + string(change.State),
			ResourceType:    "sync_channel",
		})
	}

	if cb := c.opts.Callbacks.OnConnectionChange; cb != nil {
		cb(change)
	}
}
