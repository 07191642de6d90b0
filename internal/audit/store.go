package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the local durability fallback for audit entries. Entries are
// keyed by id and pruned oldest first beyond the configured maximum.
type Store interface {
	Save(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]*Entry, error)
	Prune(ctx context.Context, max int) (int, error)
	DeleteBefore(ctx context.Context, before time.Time) (int, error)
	SaveChainHead(ctx context.Context, checksum string) error
	LoadChainHead(ctx context.Context) (string, error)
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	head    string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Save(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries[e.ID] = &cp
	return nil
}

// List returns matching entries ordered by canonical timestamp, oldest first
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Entry, error) {
	s.mu.RLock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if f.Matches(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sortEntries(out)
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *MemoryStore) Prune(_ context.Context, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 || len(s.entries) <= max {
		return 0, nil
	}

	all := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	sortEntries(all)

	excess := len(all) - max
	for _, e := range all[:excess] {
		delete(s.entries, e.ID)
	}
	return excess, nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.CanonicalTimestamp.Before(before) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SaveChainHead(_ context.Context, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head = checksum
	return nil
}

func (s *MemoryStore) LoadChainHead(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, nil
}

// Len returns the number of stored entries
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].CanonicalTimestamp, entries[j].CanonicalTimestamp
		if a.Equal(b) {
			return entries[i].ID < entries[j].ID
		}
		return a.Before(b)
	})
}

func paginate(entries []*Entry, offset, limit int) []*Entry {
	if offset > 0 {
		if offset >= len(entries) {
			return []*Entry{}
		}
		entries = entries[offset:]
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}
