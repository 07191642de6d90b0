package syncclient

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/aegisshield/realtime-sync/internal/audit"
	"github.com/aegisshield/realtime-sync/internal/conflict"
	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/models"
)

// ResolveConflict settles an open conflict, looked up by conflict or entity
// id, and applies the outcome to the entity table. client_wins and merge
// resend the chosen snapshot; the conflict_resolved follow-up is audited
// and broadcast.
func (c *Client) ResolveConflict(ctx context.Context, id string, strategy models.ResolutionStrategy) (conflict.Resolution, error) {
	ctx = c.auditContext(ctx)

	// the resolver and the entity table change together so an inbound
	// snapshot never reduces against a conflict that is half settled
	c.mu.Lock()
	res, err := c.resolver.Resolve(id, strategy, c.opts.Actor)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, conflict.ErrConflictNotFound) || errors.Is(err, conflict.ErrUnknownStrategy) {
			return conflict.Resolution{}, err
		}
		serr := &SyncError{Code: CodeConflictResolveFailed, EntityID: id, Err: err}
		c.reportError(ctx, serr, map[string]interface{}{"strategy": string(strategy)})
		return conflict.Resolution{}, serr
	}
	if res.Open {
		c.mu.Unlock()
		return res, nil
	}

	sc := res.Conflict
	var baseVersion int64
	switch {
	case res.Record == nil:
		c.table = conflict.Remove(c.table, sc.EntityID)
	case res.Resend:
		c.table = conflict.MarkPending(c.table, res.Record, c.opts.Source, c.now())
		baseVersion = c.table[sc.EntityID].BaseVersion
	default:
		c.table = conflict.Settle(c.table, sc.EntityID, res.Record, events.Source(sc.RemoteSource))
	}
	c.mu.Unlock()
	c.invalidate(sc.EntityKind)

	c.audit.LogSyncEvent(ctx, res.Event, map[string]interface{}{
		"conflict_id":    sc.ID,
		"strategy":       string(res.Strategy),
		"local_version":  sc.Local.GetVersion(),
		"remote_version": sc.Remote.GetVersion(),
	})
	c.broadcast(ctx, res.Event)

	if res.Resend {
		return res, c.send(ctx, res.Record, baseVersion)
	}
	return res, nil
}

// DismissConflict closes a conflict without choosing a side. The local
// snapshot stays pending so the next authoritative message re-evaluates it.
func (c *Client) DismissConflict(ctx context.Context, id string) (models.SyncConflict, error) {
	ctx = c.auditContext(ctx)

	c.mu.Lock()
	sc, err := c.resolver.Dismiss(id, c.opts.Actor.UserID)
	if err != nil {
		c.mu.Unlock()
		return models.SyncConflict{}, err
	}
	if entry, ok := c.table[sc.EntityID]; ok && entry.Optimistic {
		c.table = conflict.MarkPending(c.table, entry.Record, entry.Source, entry.OptimisticAt)
	}
	c.mu.Unlock()

	c.audit.LogEvent(ctx, audit.Entry{
		EventType:       audit.EventConflict,
		ActionPerformed: "conflict_dismissed",
		ResourceType:    string(sc.EntityKind),
		ResourceID:      sc.EntityID,
		ContextData: map[string]interface{}{
			"conflict_id":  sc.ID,
			"dismissed_by": sc.DismissedBy,
		},
	})
	return sc, nil
}

// broadcast sends a follow-up event when the channel is up; best effort
func (c *Client) broadcast(ctx context.Context, ev events.SyncEvent) {
	if !c.channel.Authenticated() {
		return
	}
	msg, err := events.EventMessage(ev)
	if err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if err := c.channel.Send(sendCtx, msg); err != nil {
		c.logger.Warn("Failed to broadcast follow-up event",
			zap.String("type", string(ev.Type)),
			zap.String("entity_id", ev.EntityID),
			zap.Error(err))
		return
	}
	c.metrics.SyncEventSent(string(ev.Type))
}
