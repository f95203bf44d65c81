// Package store wraps the shared Redis instance that holds the replication
// counters, the failed-operation ledger and the object-metadata hashes. The
// store is shared with the rest of the pipeline, so every accessor here is
// namespace-scoped by its caller.
package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"crrapi/internal/config"
)

// Store is a thin accessor over the shared key-value store.
type Store struct {
	rdb *redis.Client
}

// New creates a store client. The connection is lazy; use Ping to probe it.
func New(cfg config.RedisConfig) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// Ping verifies connectivity to the shared store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: ping failed: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// IncrBucket atomically adds n to the counter at key and refreshes its TTL.
// Both commands ride one pipeline so a bucket never outlives its window by
// more than the configured slack.
func (s *Store) IncrBucket(ctx context.Context, key string, n int64, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.IncrBy(ctx, key, n)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: incr %s: %w", key, err)
	}
	return nil
}

// SumBuckets fetches all keys in one round trip and sums the integer values.
// Missing buckets count as zero.
func (s *Store) SumBuckets(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("store: mget %d buckets: %w", len(keys), err)
	}
	var total int64
	for _, v := range values {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return 0, fmt.Errorf("store: unexpected bucket value type %T", v)
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("store: non-numeric bucket value %q: %w", str, err)
		}
		total += n
	}
	return total, nil
}

// KeyExists reports whether key is present in the store.
func (s *Store) KeyExists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("store: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// ScanKeys performs one bounded page of a full-keyspace scan. The returned
// cursor is zero once the scan is complete. Redis guarantees that a chained
// scan over a static keyspace yields every key exactly once; keys mutated
// mid-scan may be seen zero or one times.
func (s *Store) ScanKeys(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := s.rdb.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("store: scan cursor=%d: %w", cursor, err)
	}
	return keys, next, nil
}

// HashFields returns the field map of a hash key. A missing key yields an
// empty map, not an error.
func (s *Store) HashFields(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: hgetall %s: %w", key, err)
	}
	return fields, nil
}
