package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisshield/realtime-sync/internal/events"
	"github.com/aegisshield/realtime-sync/internal/models"
)

var ErrUnknownEntity = errors.New("unknown entity")

// Stored is the authoritative state of one entity held by the relay
type Stored struct {
	Record    models.Record
	Source    events.Source
	UpdatedAt time.Time
}

// Store holds the authoritative version of every entity the relay has seen
type Store interface {
	Get(ctx context.Context, id string) (Stored, error)
	List(ctx context.Context, kind models.EntityKind) ([]Stored, error)
	// Apply commits rec when baseVersion is not behind the stored version
	// and returns the committed state. On rejection it returns the current
	// state and false.
	Apply(ctx context.Context, rec models.Record, baseVersion int64, source events.Source) (Stored, bool, error)
	// Put commits an authoritative write regardless of base
	Put(ctx context.Context, rec models.Record, source events.Source) (Stored, error)
	Delete(ctx context.Context, id string) (Stored, error)
}

// commit decides the outcome of a write against cur. The accepted record
// carries the version after the larger of the stored and base versions.
func commit(cur *Stored, rec models.Record, baseVersion int64, source events.Source, now time.Time) (Stored, bool) {
	next := baseVersion
	if cur != nil {
		if baseVersion < cur.Record.GetVersion() {
			return *cur, false
		}
		if v := cur.Record.GetVersion(); v > next {
			next = v
		}
	}
	return Stored{
		Record:    rec.WithVersion(next + 1).WithStatus(models.SyncStatusSynced),
		Source:    source,
		UpdatedAt: now,
	}, true
}

func overwrite(cur *Stored, rec models.Record, source events.Source, now time.Time) Stored {
	version := rec.GetVersion()
	if cur != nil && cur.Record.GetVersion() >= version {
		version = cur.Record.GetVersion() + 1
	}
	if version < 1 {
		version = 1
	}
	return Stored{
		Record:    rec.WithVersion(version).WithStatus(models.SyncStatusSynced),
		Source:    source,
		UpdatedAt: now,
	}
}

func sortStored(out []Stored) {
	sort.Slice(out, func(i, j int) bool { return out[i].Record.EntityID() < out[j].Record.EntityID() })
}

// MemoryStore is a single-instance Store
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Stored
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Stored), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, id string) (Stored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.records[id]
	if !ok {
		return Stored{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	return st, nil
}

func (s *MemoryStore) List(_ context.Context, kind models.EntityKind) ([]Stored, error) {
	s.mu.RLock()
	out := make([]Stored, 0, len(s.records))
	for _, st := range s.records {
		if kind == "" || st.Record.EntityKind() == kind {
			out = append(out, st)
		}
	}
	s.mu.RUnlock()
	sortStored(out)
	return out, nil
}

func (s *MemoryStore) Apply(_ context.Context, rec models.Record, baseVersion int64, source events.Source) (Stored, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *Stored
	if st, ok := s.records[rec.EntityID()]; ok {
		cur = &st
	}
	st, ok := commit(cur, rec, baseVersion, source, s.now().UTC())
	if ok {
		s.records[rec.EntityID()] = st
	}
	return st, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, rec models.Record, source events.Source) (Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *Stored
	if st, ok := s.records[rec.EntityID()]; ok {
		cur = &st
	}
	st := overwrite(cur, rec, source, s.now().UTC())
	s.records[rec.EntityID()] = st
	return st, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.records[id]
	if !ok {
		return Stored{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	delete(s.records, id)
	return st, nil
}

// RedisStore shares authoritative versions between relay instances. Writes
// run as optimistic WATCH/MULTI transactions on the entity hash.
type RedisStore struct {
	client  redis.UniversalClient
	key     string
	retries int
	now     func() time.Time
}

// NewRedisStore creates a store under prefix
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "aegis:sync"
	}
	return &RedisStore{client: client, key: prefix + ":records", retries: 8, now: time.Now}
}

type storedJSON struct {
	Snapshot  models.Snapshot `json:"snapshot"`
	Source    events.Source   `json:"source"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func encodeStored(st Stored) ([]byte, error) {
	snap, err := models.NewSnapshot(st.Record, st.Record.GetVersion())
	if err != nil {
		return nil, err
	}
	return json.Marshal(storedJSON{Snapshot: snap, Source: st.Source, UpdatedAt: st.UpdatedAt})
}

func decodeStored(data []byte) (Stored, error) {
	var raw storedJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Stored{}, fmt.Errorf("failed to decode stored snapshot: %w", err)
	}
	rec, err := raw.Snapshot.Decode()
	if err != nil {
		return Stored{}, err
	}
	return Stored{Record: rec, Source: raw.Source, UpdatedAt: raw.UpdatedAt}, nil
}

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, id string) (*Stored, error) {
	data, err := c.HGet(ctx, s.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", id, err)
	}
	st, err := decodeStored(data)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Stored, error) {
	st, err := s.get(ctx, s.client, id)
	if err != nil {
		return Stored{}, err
	}
	if st == nil {
		return Stored{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	return *st, nil
}

func (s *RedisStore) List(ctx context.Context, kind models.EntityKind) ([]Stored, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	out := make([]Stored, 0, len(all))
	for _, data := range all {
		st, err := decodeStored([]byte(data))
		if err != nil {
			return nil, err
		}
		if kind == "" || st.Record.EntityKind() == kind {
			out = append(out, st)
		}
	}
	sortStored(out)
	return out, nil
}

// update runs decide inside a WATCH transaction, retrying when another
// instance wrote the hash concurrently
func (s *RedisStore) update(ctx context.Context, id string, decide func(cur *Stored) (Stored, bool, bool)) (Stored, bool, error) {
	var (
		result   Stored
		accepted bool
	)
	txf := func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		st, ok, write := decide(cur)
		result, accepted = st, ok
		if !write {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if st.Record == nil {
				pipe.HDel(ctx, s.key, id)
				return nil
			}
			data, err := encodeStored(st)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, s.key, id, data)
			return nil
		})
		return err
	}

	for i := 0; i < s.retries; i++ {
		err := s.client.Watch(ctx, txf, s.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Stored{}, false, err
		}
		return result, accepted, nil
	}
	return Stored{}, false, fmt.Errorf("snapshot %s: too much write contention", id)
}

func (s *RedisStore) Apply(ctx context.Context, rec models.Record, baseVersion int64, source events.Source) (Stored, bool, error) {
	return s.update(ctx, rec.EntityID(), func(cur *Stored) (Stored, bool, bool) {
		st, ok := commit(cur, rec, baseVersion, source, s.now().UTC())
		return st, ok, ok
	})
}

func (s *RedisStore) Put(ctx context.Context, rec models.Record, source events.Source) (Stored, error) {
	st, _, err := s.update(ctx, rec.EntityID(), func(cur *Stored) (Stored, bool, bool) {
		return overwrite(cur, rec, source, s.now().UTC()), true, true
	})
	return st, err
}

func (s *RedisStore) Delete(ctx context.Context, id string) (Stored, error) {
	var deleted Stored
	_, found, err := s.update(ctx, id, func(cur *Stored) (Stored, bool, bool) {
		if cur == nil {
			return Stored{}, false, false
		}
		deleted = *cur
		return Stored{}, true, true
	})
	if err != nil {
		return Stored{}, err
	}
	if !found {
		return Stored{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	return deleted, nil
}
