package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is a per-entity-class read cache with expiry
type Cache[T any] interface {
	Set(key string, data T, ttl time.Duration)
	Get(key string) (T, bool)
	Invalidate(key string)
	Clear()
}

// Entry holds a cached value and the time it was written
type Entry[T any] struct {
	Data      T
	Timestamp time.Time
	TTL       time.Duration
}

// Expired reports whether the entry is stale at now
func (e Entry[T]) Expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.TTL
}

// StatsRecorder receives hit/miss notifications
type StatsRecorder interface {
	CacheHit(name string)
	CacheMiss(name string)
}

// TTLCache is an in-memory Cache backed by go-cache. Entries expire on the
// wall clock inside go-cache and, when a clock is injected, on that clock as
// well; an expired entry is dropped on read.
type TTLCache[T any] struct {
	name  string
	now   func() time.Time
	items *gocache.Cache
	stats StatsRecorder
}

// Option configures a TTLCache
type Option func(*options)

type options struct {
	now   func() time.Time
	stats StatsRecorder
}

// WithClock overrides the time source used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithStats reports hits and misses to r
func WithStats(r StatsRecorder) Option {
	return func(o *options) { o.stats = r }
}

// NewTTLCache creates a new in-memory cache. name labels metrics.
func NewTTLCache[T any](name string, opts ...Option) *TTLCache[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTLCache[T]{
		name: name,
		now:  o.now,
		// no built-in janitor; StartJanitor owns sweeping
		items: gocache.New(gocache.NoExpiration, 0),
		stats: o.stats,
	}
}

func (c *TTLCache[T]) Set(key string, data T, ttl time.Duration) {
	expiration := gocache.NoExpiration
	if ttl > 0 {
		expiration = ttl
	}
	c.items.Set(key, Entry[T]{Data: data, Timestamp: c.now(), TTL: ttl}, expiration)
}

func (c *TTLCache[T]) Get(key string) (T, bool) {
	var zero T
	v, ok := c.items.Get(key)
	if !ok {
		// go-cache keeps wall-clock expired items until deleted
		c.items.Delete(key)
		c.miss()
		return zero, false
	}
	entry, ok := v.(Entry[T])
	if !ok || entry.Expired(c.now()) {
		c.items.Delete(key)
		c.miss()
		return zero, false
	}
	if c.stats != nil {
		c.stats.CacheHit(c.name)
	}
	return entry.Data, true
}

func (c *TTLCache[T]) Invalidate(key string) {
	c.items.Delete(key)
}

func (c *TTLCache[T]) Clear() {
	c.items.Flush()
}

// Len returns the number of stored entries, expired ones included
func (c *TTLCache[T]) Len() int {
	return c.items.ItemCount()
}

// Sweep evicts every expired entry and returns how many were removed
func (c *TTLCache[T]) Sweep() int {
	before := c.items.ItemCount()
	c.items.DeleteExpired()

	now := c.now()
	for key, item := range c.items.Items() {
		if entry, ok := item.Object.(Entry[T]); !ok || entry.Expired(now) {
			c.items.Delete(key)
		}
	}
	return before - c.items.ItemCount()
}

// StartJanitor sweeps expired entries every interval until ctx is done
func (c *TTLCache[T]) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

func (c *TTLCache[T]) miss() {
	if c.stats != nil {
		c.stats.CacheMiss(c.name)
	}
}
