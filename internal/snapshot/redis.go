package snapshot

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix        = "boqsync:snapshot:"
	redisOperationTimeout = 5 * time.Second
)

type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend accepts a redis:// or rediss:// URL. An optional ttl query
// parameter (a Go duration) expires snapshots that are not refreshed.
func NewRedisBackend(dsn string) (*RedisBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	dsn, ttl, err := splitTTL(dsn)
	if err != nil {
		return nil, err
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &RedisBackend{
		client: redis.NewClient(opts),
		prefix: redisKeyPrefix,
		ttl:    ttl,
	}, nil
}

func (b *RedisBackend) Load(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()
	data, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *RedisBackend) Save(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()
	return b.client.Set(ctx, b.prefix+key, data, b.ttl).Err()
}

func (b *RedisBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

func splitTTL(dsn string) (string, time.Duration, error) {
	base, query, found := strings.Cut(dsn, "?")
	if !found {
		return dsn, 0, nil
	}
	var ttl time.Duration
	kept := make([]string, 0)
	for _, pair := range strings.Split(query, "&") {
		name, value, _ := strings.Cut(pair, "=")
		if name != "ttl" {
			if pair != "" {
				kept = append(kept, pair)
			}
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed < 0 {
			return "", 0, ErrInvalidInput
		}
		ttl = parsed
	}
	if len(kept) == 0 {
		return base, ttl, nil
	}
	return base + "?" + strings.Join(kept, "&"), ttl, nil
}
