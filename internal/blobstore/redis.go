package blobstore

import (
	"context"
	"fmt"

	"github.com/gofiber/storage/redis/v3"
	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps blobs in Redis through the gofiber storage driver,
// sharing a connection owned elsewhere.
type RedisStore struct {
	storage *redis.Storage
	prefix  string
}

// NewRedisStore wraps an existing client. Keys are namespaced with prefix.
func NewRedisStore(client goredis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		storage: redis.NewFromConnection(client),
		prefix:  prefix,
	}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.storage.Set(s.prefix+key, data, 0); err != nil {
		return fmt.Errorf("put blob %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := s.storage.Get(s.prefix + key)
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	// The driver reports a missing key as nil data without an error.
	if b == nil {
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.storage.Delete(s.prefix + key); err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}
