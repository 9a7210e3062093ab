package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// memoryProvider is the simple single-process provider: TTL-expiring map
// with periodic janitor sweeps, no byte budget. Suitable for development and
// for deployments that opt out of the multilevel tiering.
type memoryProvider struct {
	c *gocache.Cache
}

// NewMemory returns a TTL-based in-process provider.
func NewMemory(defaultTTL time.Duration) Provider {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	return &memoryProvider{c: gocache.New(defaultTTL, 2*defaultTTL)}
}

func (p *memoryProvider) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

func (p *memoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	p.c.Set(key, append([]byte(nil), value...), ttl)
}

func (p *memoryProvider) Delete(_ context.Context, keys ...string) {
	for _, key := range keys {
		p.c.Delete(key)
	}
}

func (p *memoryProvider) Ping(context.Context) bool { return true }

func (p *memoryProvider) Close() error { return nil }
