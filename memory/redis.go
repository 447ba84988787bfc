package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisStore keeps each conversation as a Redis list of JSON records, with
// a sorted-set index scored by the newest record's timestamp.
type RedisStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	max    int
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the expiration of a conversation after its last append.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithMaxPerCustomer caps the records kept per conversation.
func WithMaxPerCustomer(n int) RedisOption {
	return func(s *RedisStore) {
		s.max = n
	}
}

// NewRedisStore connects to Redis at address.
func NewRedisStore(address, password string, db int, opts ...RedisOption) *RedisStore {
	return NewRedisStoreFromClient(backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	}), opts...)
}

// NewRedisStoreFromClient creates a store from an existing client.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "turnflow:memory:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(tenantID, customerID string) string {
	return s.prefix + tenantID + ":" + customerID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

// Append pushes records onto their conversations inside one MULTI block.
func (s *RedisStore) Append(ctx context.Context, records ...Record) error {
	if err := validateAll(records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	newest := make(map[string]time.Time)
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		k := s.key(r.TenantID, r.CustomerID)
		pipe.RPush(ctx, k, data)
		if r.CreatedAt.After(newest[k]) {
			newest[k] = r.CreatedAt
		}
	}
	for k, at := range newest {
		if s.max > 0 {
			pipe.LTrim(ctx, k, int64(-s.max), -1)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, k, s.ttl)
		}
		pipe.ZAdd(ctx, s.indexKey(), backend.Z{Score: float64(at.UnixNano()), Member: k})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append to redis: %w", err)
	}
	return nil
}

// Recent returns the newest records of a conversation, oldest first.
func (s *RedisStore) Recent(ctx context.Context, tenantID, customerID string, limit int) ([]Record, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	vals, err := s.client.LRange(ctx, s.key(tenantID, customerID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read from redis: %w", err)
	}
	return decodeRecords(vals)
}

// Prune drops conversations whose newest record predates cutoff and trims
// older records from the head of the rest.
func (s *RedisStore) Prune(ctx context.Context, cutoff time.Time) error {
	bound := strconv.FormatInt(cutoff.UnixNano(), 10)

	stale, err := s.client.ZRangeByScore(ctx, s.indexKey(), &backend.ZRangeBy{Min: "-inf", Max: "(" + bound}).Result()
	if err != nil {
		return fmt.Errorf("failed to list stale conversations: %w", err)
	}
	if len(stale) > 0 {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, stale...)
		members := make([]any, len(stale))
		for i, k := range stale {
			members[i] = k
		}
		pipe.ZRem(ctx, s.indexKey(), members...)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop stale conversations: %w", err)
		}
	}

	live, err := s.client.ZRangeByScore(ctx, s.indexKey(), &backend.ZRangeBy{Min: bound, Max: "+inf"}).Result()
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	for _, k := range live {
		vals, err := s.client.LRange(ctx, k, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", k, err)
		}
		records, err := decodeRecords(vals)
		if err != nil {
			return err
		}
		old := 0
		for old < len(records) && records[old].CreatedAt.Before(cutoff) {
			old++
		}
		if old == 0 {
			continue
		}
		if err := s.client.LTrim(ctx, k, int64(old), -1).Err(); err != nil {
			return fmt.Errorf("failed to trim %s: %w", k, err)
		}
	}
	return nil
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRecords(vals []string) ([]Record, error) {
	out := make([]Record, 0, len(vals))
	for _, v := range vals {
		var r Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)
