package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aegisshield/realtime-sync/internal/auth"
	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/models"
)

var ErrUnsupportedDelete = errors.New("only properties can be deleted")

type errUnexpectedFrame events.EventType

func (e errUnexpectedFrame) Error() string {
	return fmt.Sprintf("expected auth frame, got %q", string(e))
}

// SyncedType is the broadcast type carrying a snapshot of kind
func SyncedType(kind models.EntityKind) events.EventType {
	switch kind {
	case models.KindProperty:
		return events.EventPropertySynced
	case models.KindIncident:
		return events.EventIncidentSynced
	default:
		return events.EventHealthUpdated
	}
}

func isWrite(t events.EventType) bool {
	switch t {
	case events.EventPropertyCreated, events.EventPropertyUpdated,
		events.EventIncidentCreated, events.EventIncidentUpdated,
		events.EventIncidentResolved, events.EventIncidentEscalated,
		events.EventHealthUpdated:
		return true
	}
	return false
}

func canWrite(c *Client) bool {
	if c.hub.tokens == nil {
		return true
	}
	return !(len(c.Roles) == 1 && c.Roles[0] == auth.RoleAuditor)
}

func (h *Hub) handle(ctx context.Context, c *Client, msg events.Message) {
	switch {
	case isWrite(msg.Type):
		if !canWrite(c) {
			h.metrics.RelayMessage(string(msg.Type), "forbidden")
			h.logger.Warn("Rejected write from read-only client",
				zap.String("connection_id", c.ID),
				zap.String("user_id", c.UserID))
			return
		}
		h.applyUpdate(ctx, c, msg)
	case msg.Type == events.EventPropertySynced || msg.Type == events.EventIncidentSynced:
		h.serveSnapshot(ctx, c, msg)
	case msg.Type == events.EventFullRefresh:
		h.serveFullRefresh(ctx, c, msg)
	case msg.Type == events.EventConflictResolved:
		h.recordResolution(ctx, c, msg)
	default:
		h.metrics.RelayMessage(string(msg.Type), "ignored")
	}
}

func encodeMessage(msg events.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	return data, nil
}

func snapshotMessage(t events.EventType, st Stored, correlationID string) ([]byte, error) {
	snap, err := models.NewSnapshot(st.Record, st.Record.GetVersion())
	if err != nil {
		return nil, err
	}
	msg, err := events.NewMessage(t, st.Source, snap)
	if err != nil {
		return nil, err
	}
	msg.CorrelationID = correlationID
	return encodeMessage(msg)
}

// applyUpdate commits a client write or answers with conflict_detected and
// the authoritative snapshot when the write was based on an older version
func (h *Hub) applyUpdate(ctx context.Context, c *Client, msg events.Message) {
	var ev events.SyncEvent
	if err := msg.Decode(&ev); err != nil {
		h.metrics.RelayMessage(string(msg.Type), "malformed")
		return
	}
	snap, err := models.SnapshotFromData(ev.Data)
	if err != nil {
		h.metrics.RelayMessage(string(msg.Type), "malformed")
		h.logger.Warn("Write carries no snapshot", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	rec, err := snap.Decode()
	if err != nil || (ev.EntityID != "" && ev.EntityID != rec.EntityID()) {
		h.metrics.RelayMessage(string(msg.Type), "malformed")
		return
	}
	source := ev.Source
	if !source.Valid() {
		source = events.SourceSystemAutomated
	}

	h.applyMu.Lock()
	st, accepted, err := h.store.Apply(ctx, rec, snap.BaseVersion, source)
	if err != nil {
		h.applyMu.Unlock()
		h.metrics.RelayMessage(string(msg.Type), "error")
		h.logger.Error("Failed to commit write", zap.String("entity_id", rec.EntityID()), zap.Error(err))
		return
	}

	if !accepted {
		h.applyMu.Unlock()
		data, err := snapshotMessage(events.EventConflictDetected, st, ev.CorrelationID)
		if err != nil {
			return
		}
		h.sendTo(c, data)
		h.metrics.RelayMessage(string(msg.Type), "conflict")
		h.logger.Info("Rejected write based on stale version",
			zap.String("entity_id", rec.EntityID()),
			zap.Int64("base_version", snap.BaseVersion),
			zap.Int64("current_version", st.Record.GetVersion()),
			zap.String("user_id", c.UserID))
		return
	}

	data, err := snapshotMessage(SyncedType(rec.EntityKind()), st, ev.CorrelationID)
	if err != nil {
		h.applyMu.Unlock()
		return
	}
	h.deliver(data, nil)
	h.applyMu.Unlock()

	h.fanout(ctx, data)
	h.metrics.RelayMessage(string(msg.Type), "accepted")

	ev.Type = SyncedType(rec.EntityKind())
	ev.Data = mustSnapshotData(st)
	_ = ev.Transition(events.StatusCompleted)
	h.record(ctx, ev)
}

func mustSnapshotData(st Stored) map[string]interface{} {
	snap, err := models.NewSnapshot(st.Record, st.Record.GetVersion())
	if err != nil {
		return map[string]interface{}{"entity_kind": string(st.Record.EntityKind())}
	}
	return snap.Data()
}

// serveSnapshot answers a snapshot request from the store
func (h *Hub) serveSnapshot(ctx context.Context, c *Client, msg events.Message) {
	var ev events.SyncEvent
	if err := msg.Decode(&ev); err != nil || ev.EntityID == "" {
		h.metrics.RelayMessage(string(msg.Type), "malformed")
		return
	}
	st, err := h.store.Get(ctx, ev.EntityID)
	if err != nil {
		h.metrics.RelayMessage(string(msg.Type), "not_found")
		return
	}
	data, err := snapshotMessage(SyncedType(st.Record.EntityKind()), st, ev.CorrelationID)
	if err != nil {
		return
	}
	h.sendTo(c, data)
	h.metrics.RelayMessage(string(msg.Type), "served")
}

// serveFullRefresh replays every stored snapshot to c followed by
// sync_completed
func (h *Hub) serveFullRefresh(ctx context.Context, c *Client, msg events.Message) {
	all, err := h.store.List(ctx, "")
	if err != nil {
		h.metrics.RelayMessage(string(msg.Type), "error")
		h.logger.Error("Failed to list snapshots for full refresh", zap.Error(err))
		return
	}

	h.applyMu.Lock()
	for _, st := range all {
		data, err := snapshotMessage(SyncedType(st.Record.EntityKind()), st, msg.CorrelationID)
		if err != nil {
			continue
		}
		h.sendTo(c, data)
	}
	h.applyMu.Unlock()

	done, err := events.NewMessage(events.EventSyncCompleted, events.SourceSystemAutomated, map[string]interface{}{
		"snapshots": len(all),
	})
	if err != nil {
		return
	}
	done.CorrelationID = msg.CorrelationID
	data, err := encodeMessage(done)
	if err != nil {
		return
	}
	h.sendTo(c, data)
	h.metrics.RelayMessage(string(msg.Type), "served")
}

func (h *Hub) recordResolution(ctx context.Context, c *Client, msg events.Message) {
	var ev events.SyncEvent
	if err := msg.Decode(&ev); err != nil {
		h.metrics.RelayMessage(string(msg.Type), "malformed")
		return
	}
	h.metrics.RelayMessage(string(msg.Type), "recorded")
	h.logger.Info("Conflict resolved by client",
		zap.String("entity_id", ev.EntityID),
		zap.String("user_id", c.UserID))
	h.record(ctx, ev)
}

func (h *Hub) record(ctx context.Context, ev events.SyncEvent) {
	if h.journal == nil {
		return
	}
	if ev.Metadata == nil {
		ev.Metadata = map[string]string{}
	}
	ev.Metadata["relay_instance"] = h.cfg.InstanceID
	if err := h.journal.Publish(ctx, ev); err != nil {
		h.logger.Warn("Failed to journal sync event", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

// Publish commits an authoritative write from the backend or an admin and
// broadcasts it to every client
func (h *Hub) Publish(ctx context.Context, rec models.Record, source events.Source, actor events.Actor) (models.Record, error) {
	h.applyMu.Lock()
	st, err := h.store.Put(ctx, rec, source)
	if err != nil {
		h.applyMu.Unlock()
		return nil, fmt.Errorf("failed to commit %s: %w", rec.EntityID(), err)
	}
	t := SyncedType(rec.EntityKind())
	data, err := snapshotMessage(t, st, "")
	if err != nil {
		h.applyMu.Unlock()
		return nil, err
	}
	h.deliver(data, nil)
	h.applyMu.Unlock()

	h.fanout(ctx, data)
	h.metrics.RelayMessage(string(t), "published")
	h.journalChange(ctx, t, st, actor)
	return st.Record, nil
}

// Delete removes a property and broadcasts property_deleted
func (h *Hub) Delete(ctx context.Context, id string, source events.Source, actor events.Actor) error {
	cur, err := h.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Record.EntityKind() != models.KindProperty {
		return ErrUnsupportedDelete
	}

	h.applyMu.Lock()
	st, err := h.store.Delete(ctx, id)
	if err != nil {
		h.applyMu.Unlock()
		return err
	}
	st.Source = source
	data, err := snapshotMessage(events.EventPropertyDeleted, st, "")
	if err != nil {
		h.applyMu.Unlock()
		return err
	}
	h.deliver(data, nil)
	h.applyMu.Unlock()

	h.fanout(ctx, data)
	h.metrics.RelayMessage(string(events.EventPropertyDeleted), "published")
	h.journalChange(ctx, events.EventPropertyDeleted, st, actor)
	return nil
}

func (h *Hub) journalChange(ctx context.Context, t events.EventType, st Stored, actor events.Actor) {
	if h.journal == nil {
		return
	}
	if actor.UserID == "" {
		actor.UserID = "system"
	}
	ev, err := h.builder.Build(events.ActionRequest{
		Type:      t,
		Source:    st.Source,
		Actor:     actor,
		EntityID:  st.Record.EntityID(),
		Data:      mustSnapshotData(st),
		Operation: events.OperationSync,
	})
	if err != nil {
		h.logger.Warn("Failed to build journal event", zap.Error(err))
		return
	}
	_ = ev.Transition(events.StatusCompleted)
	h.record(ctx, ev)
}

// Snapshots lists the stored records of kind; an empty kind lists all
func (h *Hub) Snapshots(ctx context.Context, kind models.EntityKind) ([]models.Record, error) {
	all, err := h.store.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]models.Record, 0, len(all))
	for _, st := range all {
		out = append(out, st.Record)
	}
	return out, nil
}
