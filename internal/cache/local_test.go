package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRoundTrip(t *testing.T) {
	p := NewLocal(1<<20, nil)
	ctx := context.Background()

	_, ok := p.Get(ctx, "missing")
	assert.False(t, ok)

	p.Set(ctx, "k", []byte("v"), 0)
	got, ok := p.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	p.Delete(ctx, "k")
	_, ok = p.Get(ctx, "k")
	assert.False(t, ok)
}

func TestLocalReturnsCopy(t *testing.T) {
	p := NewLocal(1<<20, nil)
	ctx := context.Background()

	p.Set(ctx, "k", []byte("abc"), 0)
	got, _ := p.Get(ctx, "k")
	got[0] = 'X'

	again, _ := p.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again)
}

func TestLocalTTLExpiry(t *testing.T) {
	p := NewLocal(1<<20, nil)
	ctx := context.Background()

	p.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	_, ok := p.Get(ctx, "k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = p.Get(ctx, "k")
	assert.False(t, ok)
}

func TestLocalByteBoundedEviction(t *testing.T) {
	var stats Stats
	// Tiny budget: each shard gets a handful of entries at most.
	p := NewLocal(16*512, &stats)
	ctx := context.Background()

	payload := make([]byte, 200)
	for i := 0; i < 100; i++ {
		p.Set(ctx, fmt.Sprintf("key-%03d", i), payload, 0)
	}

	assert.Greater(t, stats.Snapshot().Evictions, int64(0), "budget overflow must evict")

	// Survivors are still readable; the cache never exceeds its budget by
	// more than one entry per shard.
	live := 0
	for i := 0; i < 100; i++ {
		if _, ok := p.Get(ctx, fmt.Sprintf("key-%03d", i)); ok {
			live++
		}
	}
	assert.Less(t, live, 100)
	assert.Greater(t, live, 0)
}

func TestLocalLRUOrder(t *testing.T) {
	var stats Stats
	p := NewLocal(16*600, &stats).(*localProvider)
	ctx := context.Background()

	// Force both keys into one shard by probing; simpler: use one shard
	// directly via many inserts and a touched key.
	payload := make([]byte, 150)
	p.Set(ctx, "hot", payload, 0)
	for i := 0; i < 200; i++ {
		// Keep "hot" warm while filling.
		p.Get(ctx, "hot")
		p.Set(ctx, fmt.Sprintf("cold-%d", i), payload, 0)
	}

	_, ok := p.Get(ctx, "hot")
	assert.True(t, ok, "recently used key must survive eviction pressure")
}

func TestNoopProvider(t *testing.T) {
	p := NewNoop()
	ctx := context.Background()
	p.Set(ctx, "k", []byte("v"), 0)
	_, ok := p.Get(ctx, "k")
	assert.False(t, ok)
	assert.True(t, p.Ping(ctx))
	assert.NoError(t, p.Close())
}
