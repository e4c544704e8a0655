package resultref

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend serves the distributed KV tier (payloads up to 1 MiB). The
// caller owns the Redis connection lifecycle, mirroring how the other
// Redis-backed components are wired.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	// Client is the Redis connection. Required.
	Client *redis.Client
	// Prefix namespaces the stored keys. Defaults to "noetl:ref:".
	Prefix string
	// DefaultTTL bounds payload lifetime when the ref itself carries no
	// expiry. Zero keeps payloads until deleted by the scope finalizer.
	DefaultTTL time.Duration
}

const redisScheme = "kv://"

// NewRedisBackend returns a Backend storing payloads as Redis string values.
func NewRedisBackend(opts RedisOptions) (*RedisBackend, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "noetl:ref:"
	}
	return &RedisBackend{rdb: opts.Client, prefix: prefix, ttl: opts.DefaultTTL}, nil
}

// Put implements Backend.
func (b *RedisBackend) Put(ctx context.Context, key string, data []byte, _ string) (string, error) {
	if err := b.rdb.Set(ctx, b.prefix+key, data, b.ttl).Err(); err != nil {
		return "", err
	}
	return redisScheme + key, nil
}

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, uri string) ([]byte, error) {
	key := strings.TrimPrefix(uri, redisScheme)
	data, err := b.rdb.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, uri string) error {
	key := strings.TrimPrefix(uri, redisScheme)
	return b.rdb.Del(ctx, b.prefix+key).Err()
}

// List implements Backend.
func (b *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		uris   []string
		cursor uint64
	)
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, b.prefix+prefix+"*", 256).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			uris = append(uris, redisScheme+strings.TrimPrefix(k, b.prefix))
		}
		if next == 0 {
			return uris, nil
		}
		cursor = next
	}
}
