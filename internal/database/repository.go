package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aegisshield/realtime-sync/internal/audit"
)

// AuditRecord is one stored audit entry. The full entry is kept as JSON
// next to the indexed columns used for querying.
type AuditRecord struct {
	ID                 string    `gorm:"primaryKey;size:64"`
	BatchID            string    `gorm:"index;size:64"`
	ClientID           string    `gorm:"index;size:128"`
	UserID             string    `gorm:"index;size:128"`
	EventType          string    `gorm:"index;size:64"`
	EventCategory      string    `gorm:"size:64"`
	ResourceID         string    `gorm:"index;size:128"`
	Status             string    `gorm:"size:32"`
	RiskScore          int       `gorm:"index"`
	RequiresReview     bool      `gorm:"index"`
	Checksum           string    `gorm:"size:64;not null"`
	PreviousEntryHash  string    `gorm:"size:64"`
	CanonicalTimestamp time.Time `gorm:"index;not null"`
	Payload            []byte    `gorm:"type:jsonb;not null"`
	CreatedAt          time.Time
}

// TableName overrides the default table name
func (AuditRecord) TableName() string { return "audit_records" }

// AuditBatch records the receipt of one submitted batch
type AuditBatch struct {
	ID         string    `gorm:"primaryKey;size:64"`
	ClientID   string    `gorm:"index;size:128"`
	Encrypted  bool
	EntryCount int
	SentAt     time.Time
	ReceivedAt time.Time `gorm:"index"`
}

// TableName overrides the default table name
func (AuditBatch) TableName() string { return "audit_batches" }

// AuditRepository provides database operations for audit entries
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// SaveBatch stores a verified batch in one transaction. Entries already
// present are skipped so a resubmitted batch is idempotent.
func (r *AuditRepository) SaveBatch(ctx context.Context, meta audit.BatchMetadata, entries []*audit.Entry) error {
	records := make([]AuditRecord, 0, len(entries))
	for _, e := range entries {
		rec, err := toRecord(meta, e)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch := AuditBatch{
			ID:         meta.BatchID,
			ClientID:   meta.ClientID,
			Encrypted:  meta.Encrypted,
			EntryCount: len(entries),
			SentAt:     meta.Timestamp,
			ReceivedAt: time.Now().UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&batch).Error; err != nil {
			return fmt.Errorf("failed to record audit batch: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(records, 100).Error; err != nil {
			return fmt.Errorf("failed to store audit entries: %w", err)
		}
		return nil
	})
}

// List returns stored entries matching f, oldest first
func (r *AuditRepository) List(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	var records []AuditRecord
	if err := r.query(ctx, f).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	out := make([]*audit.Entry, 0, len(records))
	for _, rec := range records {
		e, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *AuditRepository) query(ctx context.Context, f audit.Filter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&AuditRecord{})
	if f.EventType != "" {
		q = q.Where("event_type = ?", string(f.EventType))
	}
	if f.Category != "" {
		q = q.Where("event_category = ?", string(f.Category))
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Resource != "" {
		q = q.Where("resource_id = ?", f.Resource)
	}
	if f.StartTime != nil {
		q = q.Where("canonical_timestamp >= ?", *f.StartTime)
	}
	if f.EndTime != nil {
		q = q.Where("canonical_timestamp <= ?", *f.EndTime)
	}
	q = q.Order("canonical_timestamp ASC").Order("id ASC")
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	return q
}

func toRecord(meta audit.BatchMetadata, e *audit.Entry) (AuditRecord, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return AuditRecord{}, fmt.Errorf("failed to encode audit entry %s: %w", e.ID, err)
	}
	return AuditRecord{
		ID:                 e.ID,
		BatchID:            meta.BatchID,
		ClientID:           meta.ClientID,
		UserID:             e.UserID,
		EventType:          string(e.EventType),
		EventCategory:      string(e.EventCategory),
		ResourceID:         e.ResourceID,
		Status:             string(e.Status),
		RiskScore:          e.RiskScore,
		RequiresReview:     e.RequiresReview,
		Checksum:           e.Checksum,
		PreviousEntryHash:  e.PreviousEntryHash,
		CanonicalTimestamp: e.CanonicalTimestamp.UTC(),
		Payload:            payload,
	}, nil
}

func fromRecord(rec AuditRecord) (*audit.Entry, error) {
	var e audit.Entry
	if err := json.Unmarshal(rec.Payload, &e); err != nil {
		return nil, fmt.Errorf("failed to decode audit entry %s: %w", rec.ID, err)
	}
	return &e, nil
}
