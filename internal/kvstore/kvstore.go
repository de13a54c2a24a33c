// Package kvstore provides a thin typed adapter over the shared Redis
// instance that holds credential sets, round-robin counters and the
// translation cache.
package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned by every operation when no store is configured.
// Callers must degrade explicitly rather than assume an empty store.
var ErrUnavailable = errors.New("kvstore: not configured")

// Store is the set of operations the gateway needs from the key-value
// service. All operations are idempotent and retry-safe.
type Store interface {
	// Available reports whether the store is configured and usable.
	Available() bool

	Members(ctx context.Context, set string) ([]string, error)
	IsMember(ctx context.Context, set, value string) (bool, error)
	AddMember(ctx context.Context, set, value string) error
	RemoveMember(ctx context.Context, set, value string) error

	Incr(ctx context.Context, counter string) (int64, error)
	GetInt(ctx context.Context, counter string) (int64, error)
	SetInt(ctx context.Context, counter string, value int64) error

	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// MGet preserves input order; absent keys yield empty strings with ok=false.
	MGet(ctx context.Context, keys []string) ([]Value, error)
	// MSetWithTTL writes all entries in one pipeline round trip.
	MSetWithTTL(ctx context.Context, entries []Entry, ttl time.Duration) error

	HSet(ctx context.Context, hash, field, value string) error
	HGetAll(ctx context.Context, hash string) (map[string]string, error)
	HDel(ctx context.Context, hash string, fields ...string) error
}

// Value is a single MGet result.
type Value struct {
	Data string
	OK   bool
}

// Entry is a single MSetWithTTL input.
type Entry struct {
	Key   string
	Value string
}

// RedisStore implements Store on go-redis.
type RedisStore struct {
	client redis.UniversalClient
}

// New connects to the Redis instance at url. An empty url yields an
// unavailable store; every operation then returns ErrUnavailable.
func New(url string) (*RedisStore, error) {
	if strings.TrimSpace(url) == "" {
		return &RedisStore{}, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client. Used by tests.
func NewFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Available reports whether a Redis connection is configured.
func (s *RedisStore) Available() bool { return s.client != nil }

// Close releases the underlying connection.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Members(ctx context.Context, set string) ([]string, error) {
	if s.client == nil {
		return nil, ErrUnavailable
	}
	return s.client.SMembers(ctx, set).Result()
}

func (s *RedisStore) IsMember(ctx context.Context, set, value string) (bool, error) {
	if s.client == nil {
		return false, ErrUnavailable
	}
	return s.client.SIsMember(ctx, set, value).Result()
}

func (s *RedisStore) AddMember(ctx context.Context, set, value string) error {
	if s.client == nil {
		return ErrUnavailable
	}
	return s.client.SAdd(ctx, set, value).Err()
}

func (s *RedisStore) RemoveMember(ctx context.Context, set, value string) error {
	if s.client == nil {
		return ErrUnavailable
	}
	return s.client.SRem(ctx, set, value).Err()
}

func (s *RedisStore) Incr(ctx context.Context, counter string) (int64, error) {
	if s.client == nil {
		return 0, ErrUnavailable
	}
	return s.client.Incr(ctx, counter).Result()
}

func (s *RedisStore) GetInt(ctx context.Context, counter string) (int64, error) {
	if s.client == nil {
		return 0, ErrUnavailable
	}
	n, err := s.client.Get(ctx, counter).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) SetInt(ctx context.Context, counter string, value int64) error {
	if s.client == nil {
		return ErrUnavailable
	}
	return s.client.Set(ctx, counter, value, 0).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s.client == nil {
		return "", false, ErrUnavailable
	}
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.client == nil {
		return ErrUnavailable
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) MGet(ctx context.Context, keys []string) ([]Value, error) {
	if s.client == nil {
		return nil, ErrUnavailable
	}
	if len(keys) == 0 {
		return nil, nil
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Value, len(keys))
	for i, v := range raw {
		if str, ok := v.(string); ok {
			out[i] = Value{Data: str, OK: true}
		}
	}
	return out, nil
}

func (s *RedisStore) HSet(ctx context.Context, hash, field, value string) error {
	if s.client == nil {
		return ErrUnavailable
	}
	return s.client.HSet(ctx, hash, field, value).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, hash string) (map[string]string, error) {
	if s.client == nil {
		return nil, ErrUnavailable
	}
	return s.client.HGetAll(ctx, hash).Result()
}

func (s *RedisStore) HDel(ctx context.Context, hash string, fields ...string) error {
	if s.client == nil {
		return ErrUnavailable
	}
	if len(fields) == 0 {
		return nil
	}
	return s.client.HDel(ctx, hash, fields...).Err()
}

func (s *RedisStore) MSetWithTTL(ctx context.Context, entries []Entry, ttl time.Duration) error {
	if s.client == nil {
		return ErrUnavailable
	}
	if len(entries) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, e := range entries {
		pipe.Set(ctx, e.Key, e.Value, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
