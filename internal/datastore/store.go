// Package datastore wraps the shared Redis datastore behind the small
// contract the pipeline needs: key/value cache, state hashes, and streams
// with consumer groups.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnworks/vnflow/internal/config"
)

// Store is a thin adapter over a Redis client. All readers translate
// redis.Nil into "no data" results so callers never see the sentinel.
type Store struct {
	client redis.UniversalClient
}

// New wraps an existing client. Tests pass a client pointed at miniredis.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Dial connects to Redis and verifies the connection with a ping.
func Dial(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("datastore: connecting to %s: %w", cfg.Addr, err)
	}
	return &Store{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// HealthCheck pings the datastore.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// --- Key/value ---

// Get returns the value at key. The second return is false when the key does
// not exist.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("datastore: GET %s: %w", key, err)
	}
	return val, true, nil
}

// Set writes a string value. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("datastore: SET %s: %w", key, err)
	}
	return nil
}

// SetNX writes a value only if the key is absent. Returns true if the write
// happened.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("datastore: SETNX %s: %w", key, err)
	}
	return ok, nil
}

// Exists reports whether the key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("datastore: EXISTS %s: %w", key, err)
	}
	return n > 0, nil
}

// Expire applies a ttl to an existing key. Missing keys are ignored.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("datastore: EXPIRE %s: %w", key, err)
	}
	return nil
}

// --- Hashes ---

// HSet writes fields into a hash.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("datastore: HSET %s: %w", key, err)
	}
	return nil
}

// HSetNX writes a single hash field only if it is absent. Returns true if
// the write happened.
func (s *Store) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	ok, err := s.client.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, fmt.Errorf("datastore: HSETNX %s %s: %w", key, field, err)
	}
	return ok, nil
}

// HGetAll returns all fields of a hash. An empty map means the hash does not
// exist.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("datastore: HGETALL %s: %w", key, err)
	}
	return fields, nil
}

// HIncrBy atomically increments an integer hash field and returns the new
// value.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("datastore: HINCRBY %s %s: %w", key, field, err)
	}
	return n, nil
}

// --- Streams ---

// Add appends a record to a stream and returns its ID.
func (s *Store) Add(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("datastore: XADD %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates a consumer group on a stream, creating the stream if
// needed. An already-existing group is not an error.
func (s *Store) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("datastore: XGROUP CREATE %s %s: %w", stream, group, err)
	}
	return nil
}

// DestroyGroup removes a consumer group. Missing groups are ignored.
func (s *Store) DestroyGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupDestroy(ctx, stream, group).Err()
	if err != nil && !strings.Contains(err.Error(), "NOGROUP") {
		return fmt.Errorf("datastore: XGROUP DESTROY %s %s: %w", stream, group, err)
	}
	return nil
}

// ReadGroup claims up to count new records for a consumer. A nil slice with
// no error means the block interval elapsed with nothing to claim.
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: XREADGROUP %s %s: %w", stream, group, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

// AutoClaim transfers pending records that have sat unacknowledged for at
// least minIdle to the given consumer, scanning from start. It returns the
// claimed records and the cursor for the next scan; a "0-0" cursor means the
// scan wrapped around. Consumers run this periodically so records claimed by
// a crashed instance are eventually redelivered.
func (s *Store) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]redis.XMessage, string, error) {
	msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "0-0", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("datastore: XAUTOCLAIM %s %s: %w", stream, group, err)
	}
	return msgs, next, nil
}

// Read tails a stream without a consumer group, starting after lastID. A nil
// slice with no error means the block interval elapsed with no new records.
func (s *Store) Read(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: XREAD %s: %w", stream, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

// Range returns stream records between two IDs, inclusive.
func (s *Store) Range(ctx context.Context, stream, start, end string) ([]redis.XMessage, error) {
	msgs, err := s.client.XRange(ctx, stream, start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("datastore: XRANGE %s: %w", stream, err)
	}
	return msgs, nil
}

// LastID returns the ID of the newest record on a stream, or "0-0" for an
// empty or missing stream. Sync waiters record this before publishing so
// their tail read cannot miss an event raced in ahead of the subscription.
func (s *Store) LastID(ctx context.Context, stream string) (string, error) {
	info, err := s.client.XInfoStream(ctx, stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return "0-0", nil
		}
		return "", fmt.Errorf("datastore: XINFO STREAM %s: %w", stream, err)
	}
	if info.LastGeneratedID == "" {
		return "0-0", nil
	}
	return info.LastGeneratedID, nil
}

// Ack acknowledges processed records for a consumer group.
func (s *Store) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("datastore: XACK %s %s: %w", stream, group, err)
	}
	return nil
}

// IsNoGroup reports whether an error indicates a missing consumer group,
// which consumers recover from by re-creating the group.
func IsNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
