package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingStats struct {
	hits, misses int
}

func (s *countingStats) CacheHit(string)  { s.hits++ }
func (s *countingStats) CacheMiss(string) { s.misses++ }

func TestTTLCache(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	stats := &countingStats{}
	c := NewTTLCache[[]string]("properties", WithClock(clock.Now), WithStats(stats))

	t.Run("Immediate read hits", func(t *testing.T) {
		c.Set("all", []string{"P-1", "P-2"}, time.Minute)
		got, ok := c.Get("all")
		require.True(t, ok)
		assert.Equal(t, []string{"P-1", "P-2"}, got)
	})

	t.Run("Entry at exactly ttl is still fresh", func(t *testing.T) {
		clock.Advance(time.Minute)
		_, ok := c.Get("all")
		assert.True(t, ok)
	})

	t.Run("Read after ttl is absent and evicts", func(t *testing.T) {
		clock.Advance(time.Nanosecond)
		_, ok := c.Get("all")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len())
	})

	t.Run("Invalidate and clear", func(t *testing.T) {
		c.Set("a", []string{"x"}, time.Hour)
		c.Set("b", []string{"y"}, time.Hour)
		c.Invalidate("a")
		_, ok := c.Get("a")
		assert.False(t, ok)

		c.Clear()
		_, ok = c.Get("b")
		assert.False(t, ok)
	})

	assert.Equal(t, 2, stats.hits)
	assert.Equal(t, 3, stats.misses)
}

func TestTTLCache_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := NewTTLCache[int]("health", WithClock(clock.Now))
	c.Set("short", 1, time.Second)
	c.Set("long", 2, time.Hour)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())

	v, ok := c.Get("long")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestTTLCache_WallClockExpiry(t *testing.T) {
	c := NewTTLCache[string]("incidents")
	c.Set("brief", "x", 20*time.Millisecond)
	c.Set("kept", "y", time.Hour)

	v, ok := c.Get("brief")
	require.True(t, ok)
	assert.Equal(t, "x", v)

	assert.Eventually(t, func() bool {
		_, ok := c.Get("brief")
		return !ok
	}, time.Second, 5*time.Millisecond)

	c.Set("swept", "z", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())

	v, ok = c.Get("kept")
	require.True(t, ok)
	assert.Equal(t, "y", v)
}

type incident struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	stats := &countingStats{}
	c := NewRedisCache[[]incident](client, "incidents", zap.NewNop(), stats)

	t.Run("Round trip", func(t *testing.T) {
		c.Set("all", []incident{{ID: "INC-1", Status: "open"}}, time.Minute)
		got, ok := c.Get("all")
		require.True(t, ok)
		assert.Equal(t, "INC-1", got[0].ID)
		assert.True(t, mr.Exists("incidents:all"))
	})

	t.Run("Expires after ttl", func(t *testing.T) {
		mr.FastForward(2 * time.Minute)
		_, ok := c.Get("all")
		assert.False(t, ok)
	})

	t.Run("Undecodable entry is a miss", func(t *testing.T) {
		require.NoError(t, mr.Set("incidents:broken", "{not json"))
		_, ok := c.Get("broken")
		assert.False(t, ok)
		assert.False(t, mr.Exists("incidents:broken"))
	})

	t.Run("Clear removes only prefixed keys", func(t *testing.T) {
		require.NoError(t, mr.Set("other:key", "1"))
		c.Set("a", nil, time.Minute)
		c.Set("b", nil, time.Minute)
		c.Clear()
		assert.False(t, mr.Exists("incidents:a"))
		assert.True(t, mr.Exists("other:key"))
	})

	t.Run("Unavailable redis degrades to miss", func(t *testing.T) {
		down, err := miniredis.Run()
		require.NoError(t, err)
		addr := down.Addr()
		down.Close()

		offline := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
		defer offline.Close()
		oc := NewRedisCache[[]incident](offline, "incidents", zap.NewNop(), nil)
		oc.Set("a", nil, time.Minute)
		_, ok := oc.Get("a")
		assert.False(t, ok)
	})

	assert.Equal(t, 1, stats.hits)
}
