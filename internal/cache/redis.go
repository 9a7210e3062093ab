package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bunsane/bunsane/internal/debug"
)

// redisProvider is the remote tier.
type redisProvider struct {
	client *redis.Client
}

// NewRedis connects to the remote tier at url (redis://host:port/db) and
// verifies connectivity.
func NewRedis(ctx context.Context, url string) (Provider, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &redisProvider{client: client}, nil
}

// NewRedisWithClient wraps an existing client; used by tests (miniredis).
func NewRedisWithClient(client *redis.Client) Provider {
	return &redisProvider{client: client}
}

func (p *redisProvider) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := p.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			debug.Logf("cache: redis get %s: %v", key, err)
		}
		return nil, false
	}
	return val, true
}

func (p *redisProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := p.client.Set(ctx, key, value, ttl).Err(); err != nil {
		debug.Logf("cache: redis set %s: %v", key, err)
	}
}

func (p *redisProvider) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := p.client.Del(ctx, keys...).Err(); err != nil {
		debug.Logf("cache: redis del: %v", err)
	}
}

func (p *redisProvider) Ping(ctx context.Context) bool {
	return p.client.Ping(ctx).Err() == nil
}

func (p *redisProvider) Close() error { return p.client.Close() }
