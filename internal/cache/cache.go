// Package cache implements the multi-level read cache for entities,
// components, and query results.
//
// Providers store opaque bytes under string keys; the Manager on top handles
// key construction, per-category TTLs, serialization, the query fingerprint
// index, and write-driven invalidation. Provider failures are swallowed: a
// cache error downgrades to an uncached read, never a failed one.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bunsane/bunsane/internal/types"
)

// Provider is one cache tier (or a composed chain of tiers).
type Provider interface {
	// Get returns the value for key, or ok=false on miss or error.
	Get(ctx context.Context, key string) (value []byte, ok bool)

	// Set stores value under key for ttl. Errors are dropped.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Delete removes keys. Errors are dropped.
	Delete(ctx context.Context, keys ...string)

	// Ping reports whether every tier behind the provider is reachable.
	Ping(ctx context.Context) bool

	Close() error
}

// Key builders. Key shapes are part of the external contract: operators see
// them in redis.
func EntityKey(id types.EntityID) string { return "e:" + string(id) }

func ComponentKey(id types.EntityID, name string) string {
	return fmt.Sprintf("c:%s:%s", id, name)
}

func QueryKey(fingerprint string) string { return "q:" + fingerprint }

// Stats counts cache traffic. All fields are updated atomically; read them
// with the accessor.
type Stats struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Sets:      s.sets.Load(),
		Deletes:   s.deletes.Load(),
		Evictions: s.evictions.Load(),
	}
}
