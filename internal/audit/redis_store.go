package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries in redis: a hash of id to JSON and a sorted set
// of ids scored by canonical timestamp.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using keys under prefix
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "audit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) entriesKey() string { return s.prefix + ":entries" }
func (s *RedisStore) indexKey() string   { return s.prefix + ":index" }
func (s *RedisStore) headKey() string    { return s.prefix + ":chain_head" }

func score(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func (s *RedisStore) Save(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.entriesKey(), e.ID, data)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: score(e.CanonicalTimestamp), Member: e.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store audit entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	lo, hi := "-inf", "+inf"
	if f.StartTime != nil {
		lo = strconv.FormatFloat(score(*f.StartTime), 'f', -1, 64)
	}
	if f.EndTime != nil {
		hi = strconv.FormatFloat(score(*f.EndTime), 'f', -1, 64)
	}

	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit index: %w", err)
	}
	if len(ids) == 0 {
		return []*Entry{}, nil
	}

	values, err := s.client.HMGet(ctx, s.entriesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}

	out := make([]*Entry, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		if f.Matches(&e) {
			out = append(out, &e)
		}
	}
	sortEntries(out)
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *RedisStore) Prune(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	count, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	excess := int(count) - max
	if excess <= 0 {
		return 0, nil
	}

	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, int64(excess-1)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read oldest audit entries: %w", err)
	}
	return s.remove(ctx, ids)
}

func (s *RedisStore) DeleteBefore(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(score(before), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read expired audit entries: %w", err)
	}
	return s.remove(ctx, ids)
}

func (s *RedisStore) remove(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.entriesKey(), ids...)
	pipe.ZRem(ctx, s.indexKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to remove audit entries: %w", err)
	}
	return len(ids), nil
}

func (s *RedisStore) SaveChainHead(ctx context.Context, checksum string) error {
	if err := s.client.Set(ctx, s.headKey(), checksum, 0).Err(); err != nil {
		return fmt.Errorf("failed to persist chain head: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadChainHead(ctx context.Context) (string, error) {
	head, err := s.client.Get(ctx, s.headKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load chain head: %w", err)
	}
	return head, nil
}
