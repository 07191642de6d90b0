package syncclient

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aegisshield/realtime-sync/internal/conflict"
	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/models"
)

// debounced is a write waiting out the debounce window; later writes to the
// same entity replace its record.
type debounced struct {
	id          string
	record      models.Record
	baseVersion int64
	timer       *time.Timer
}

// SyncProperty sends a property write. When data is non-nil it is applied
// optimistically first; when nil the current authoritative snapshot of id
// is requested instead. Failures keep the optimistic value.
func (c *Client) SyncProperty(ctx context.Context, id string, data *models.PropertySyncData) error {
	if !c.opts.EnableProperties {
		return &SyncError{Code: CodePropertySyncFailed, EntityID: id, Err: ErrSyncDisabled}
	}
	if data == nil {
		return c.requestSnapshot(ctx, models.KindProperty, id)
	}
	rec := *data
	rec.ID = id
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = c.now().UTC()
	}
	return c.write(ctx, rec)
}

// SyncIncident is SyncProperty for incidents
func (c *Client) SyncIncident(ctx context.Context, id string, data *models.IncidentSyncData) error {
	if !c.opts.EnableIncidents {
		return &SyncError{Code: CodeIncidentSyncFailed, EntityID: id, Err: ErrSyncDisabled}
	}
	if data == nil {
		return c.requestSnapshot(ctx, models.KindIncident, id)
	}
	rec := *data
	rec.ID = id
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = c.now().UTC()
	}
	if rec.UpdatedBy == "" {
		rec.UpdatedBy = c.opts.Actor.UserID
	}
	return c.write(ctx, rec)
}

func (c *Client) write(ctx context.Context, rec models.Record) error {
	id := rec.EntityID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	base := c.table[id].BaseVersion
	if _, known := c.table[id]; !known {
		base = rec.GetVersion()
	}
	var local models.Record
	if c.opts.OptimisticUpdates {
		c.table, local = conflict.ApplyLocal(c.table, rec, c.opts.Source, c.now())
	} else {
		local = rec.WithVersion(base + 1).WithStatus(models.SyncStatusPending)
	}

	if c.opts.Debounce > 0 {
		if d, ok := c.pending[id]; ok {
			d.record = local
			d.baseVersion = base
			c.mu.Unlock()
			return nil
		}
		d := &debounced{id: id, record: local, baseVersion: base}
		c.pending[id] = d
		c.inflight.Add(1)
		d.timer = time.AfterFunc(c.opts.Debounce, func() { c.fireDebounced(id) })
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.invalidate(rec.EntityKind())
	return c.send(ctx, local, base)
}

func (c *Client) fireDebounced(id string) {
	defer c.inflight.Done()

	c.mu.Lock()
	d, ok := c.pending[id]
	delete(c.pending, id)
	ctx := c.runCtx
	c.mu.Unlock()
	if !ok {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.sendDebounced(ctx, d)
}

func (c *Client) sendDebounced(ctx context.Context, d *debounced) {
	c.invalidate(d.record.EntityKind())
	// errors already reach OnError and the audit trail
	_ = c.send(ctx, d.record, d.baseVersion)
}

func updateType(kind models.EntityKind) events.EventType {
	switch kind {
	case models.KindProperty:
		return events.EventPropertyUpdated
	case models.KindIncident:
		return events.EventIncidentUpdated
	}
	return events.EventHealthUpdated
}

func failureCode(kind models.EntityKind) string {
	switch kind {
	case models.KindProperty:
		return CodePropertySyncFailed
	case models.KindIncident:
		return CodeIncidentSyncFailed
	}
	return CodeHealthSyncFailed
}

// send transmits rec as an update event based on baseVersion, retrying
// transient failures when RetryOnError is set.
func (c *Client) send(ctx context.Context, rec models.Record, baseVersion int64) error {
	kind := rec.EntityKind()
	id := rec.EntityID()

	snap, err := models.NewSnapshot(rec, baseVersion)
	if err != nil {
		serr := &SyncError{Code: CodeValidationFailed, EntityID: id, Err: err}
		c.reportError(ctx, serr, nil)
		return serr
	}

	operation := events.OperationUpdate
	if baseVersion == 0 {
		operation = events.OperationCreate
	}
	priority := events.PriorityNormal
	if kind == models.KindIncident {
		priority = events.PriorityHigh
	}
	ev, err := c.builder.Build(events.ActionRequest{
		Type:      updateType(kind),
		Source:    c.opts.Source,
		Actor:     c.opts.Actor,
		EntityID:  id,
		Data:      snap.Data(),
		Priority:  priority,
		Operation: operation,
	})
	if err != nil {
		serr := &SyncError{Code: CodeValidationFailed, EntityID: id, Err: err}
		c.reportError(ctx, serr, nil)
		return serr
	}

	err = c.transmit(ctx, &ev)
	if err == nil {
		_ = ev.Transition(events.StatusCompleted)
		c.metrics.SyncEventSent(string(ev.Type))
		c.audit.LogSyncEvent(ctx, ev, map[string]interface{}{
			"base_version": baseVersion,
			"version":      rec.GetVersion(),
		})
		return nil
	}

	_ = ev.Transition(events.StatusFailed)
	c.audit.LogSyncEvent(ctx, ev, map[string]interface{}{"error": err.Error()})

	c.mu.Lock()
	if entry, ok := c.table[id]; ok && entry.Optimistic {
		c.table = conflict.MarkError(c.table, id)
	}
	c.mu.Unlock()

	serr := &SyncError{Code: failureCode(kind), EntityID: id, Err: err}
	c.reportError(ctx, serr, map[string]interface{}{
		"event_id": ev.ID,
		"attempts": ev.Attempts,
	})
	return serr
}

// transmit sends ev, retrying while the failure is transient
func (c *Client) transmit(ctx context.Context, ev *events.SyncEvent) error {
	msg, err := events.EventMessage(*ev)
	if err != nil {
		return err
	}

	attempts := 1
	if c.opts.RetryOnError {
		attempts = c.opts.MaxRetryAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ev.RecordAttempt()
		sendCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		lastErr = c.channel.Send(sendCtx, msg)
		cancel()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == attempts {
			break
		}

		c.logger.Debug("Retrying sync event",
			zap.String("event_id", ev.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(c.opts.RetryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}

// requestSnapshot asks the relay for the current authoritative snapshot
func (c *Client) requestSnapshot(ctx context.Context, kind models.EntityKind, id string) error {
	t := events.EventPropertySynced
	if kind == models.KindIncident {
		t = events.EventIncidentSynced
	}
	ev, err := c.builder.Build(events.ActionRequest{
		Type:      t,
		Source:    c.opts.Source,
		Actor:     c.opts.Actor,
		EntityID:  id,
		Data:      map[string]interface{}{"entity_kind": string(kind)},
		Operation: events.OperationSync,
	})
	if err != nil {
		return &SyncError{Code: CodeValidationFailed, EntityID: id, Err: err}
	}
	if err := c.transmit(ctx, &ev); err != nil {
		serr := &SyncError{Code: failureCode(kind), EntityID: id, Err: err}
		c.reportError(ctx, serr, nil)
		return serr
	}
	c.metrics.SyncEventSent(string(t))
	return nil
}
