package contentstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisStore keeps blobs as plain Redis strings keyed by address.
type RedisStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix for blobs.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL expires unpinned blobs after ttl. Pinned blobs never expire.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a new Redis-backed store from an existing client.
func NewRedisStore(client *backend.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		prefix: "strata:cas:",
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

func (s *RedisStore) key(address string) string {
	return s.prefix + address
}

func (s *RedisStore) pinKey(address string) string {
	return s.prefix + "pin:" + address
}

func (s *RedisStore) Add(ctx context.Context, data []byte) (string, error) {
	address := Address(data)

	pinned, err := s.client.Exists(ctx, s.pinKey(address)).Result()
	if err != nil {
		return "", fmt.Errorf("failed to check pin: %w", err)
	}

	ttl := s.ttl
	if pinned > 0 {
		ttl = 0
	}

	if err := s.client.SetNX(ctx, s.key(address), data, ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}

	return address, nil
}

func (s *RedisStore) Cat(ctx context.Context, address string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(address)).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load blob: %w", err)
	}

	if err := Verify(address, data); err != nil {
		return nil, err
	}

	return data, nil
}

func (s *RedisStore) Pin(ctx context.Context, address string) error {
	exists, err := s.client.Exists(ctx, s.key(address)).Result()
	if err != nil {
		return fmt.Errorf("failed to check blob: %w", err)
	}

	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}

	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, s.pinKey(address))
	pipe.Persist(ctx, s.key(address))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to pin blob: %w", err)
	}

	return nil
}

func (s *RedisStore) Unpin(ctx context.Context, address string) error {
	count, err := s.client.Decr(ctx, s.pinKey(address)).Result()
	if err != nil {
		return fmt.Errorf("failed to unpin blob: %w", err)
	}

	if count > 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.pinKey(address))

	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(address), s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release pin: %w", err)
	}

	return nil
}
