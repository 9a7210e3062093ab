package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bunsane/bunsane/internal/config"
	"github.com/bunsane/bunsane/internal/debug"
	"github.com/bunsane/bunsane/internal/types"
)

// Manager is the engine-facing cache API: category-aware reads and writes,
// the query fingerprint index, and the write-driven invalidation that keeps
// readers consistent with committed writes.
type Manager struct {
	provider Provider
	cfg      config.CacheConfig
	stats    Stats

	// fpIndex maps component name → fingerprints of cached queries that
	// referenced it. Invalidation of a component drops all such query keys.
	// Process-local: cross-node coherency is out of scope.
	fpMu    sync.Mutex
	fpIndex map[string]map[string]struct{}
}

// NewManager builds the provider selected by cfg and wraps it. With caching
// disabled (or the noop provider) every read misses and every write is
// dropped.
func NewManager(ctx context.Context, cfg config.CacheConfig) (*Manager, error) {
	m := &Manager{cfg: cfg, fpIndex: make(map[string]map[string]struct{})}

	if !cfg.Enabled {
		m.provider = NewNoop()
		return m, nil
	}

	switch cfg.Provider {
	case config.ProviderNoop:
		m.provider = NewNoop()
	case config.ProviderMemory:
		m.provider = NewMemory(cfg.DefaultTTL)
	case config.ProviderRemote:
		remote, err := NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		m.provider = remote
	case config.ProviderMultilevel:
		remote, err := NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		m.provider = NewMultilevel(NewLocal(cfg.LocalMaxBytes, &m.stats), remote)
	default:
		return nil, &types.ConfigError{Key: "CACHE_PROVIDER", Reason: "unknown provider " + cfg.Provider}
	}
	return m, nil
}

// NewManagerWithProvider wraps an explicit provider; used by tests.
func NewManagerWithProvider(p Provider, cfg config.CacheConfig) *Manager {
	return &Manager{provider: p, cfg: cfg, fpIndex: make(map[string]map[string]struct{})}
}

// WriteThrough reports whether the write-through strategy is configured.
func (m *Manager) WriteThrough() bool {
	return m.cfg.Strategy == config.StrategyWriteThrough
}

// Stats returns a snapshot of the traffic counters.
func (m *Manager) Stats() StatsSnapshot { return m.stats.Snapshot() }

// Ping reports reachability of all configured tiers.
func (m *Manager) Ping(ctx context.Context) bool { return m.provider.Ping(ctx) }

// Close releases provider resources.
func (m *Manager) Close() error { return m.provider.Close() }

// GetEntity returns the cached entity, or ok=false.
func (m *Manager) GetEntity(ctx context.Context, id types.EntityID) (*types.Entity, bool) {
	if !m.cfg.Entity.Enabled {
		return nil, false
	}
	var e types.Entity
	if !m.getJSON(ctx, EntityKey(id), &e) {
		return nil, false
	}
	return &e, true
}

// SetEntity caches e under its entity key.
func (m *Manager) SetEntity(ctx context.Context, e *types.Entity) {
	if !m.cfg.Entity.Enabled || e == nil {
		return
	}
	m.setJSON(ctx, EntityKey(e.ID), e, m.ttl(m.cfg.Entity.TTL))
}

// GetComponent returns the cached active component, or ok=false.
func (m *Manager) GetComponent(ctx context.Context, id types.EntityID, name string) (*types.Component, bool) {
	if !m.cfg.Component.Enabled {
		return nil, false
	}
	var c types.Component
	if !m.getJSON(ctx, ComponentKey(id, name), &c) {
		return nil, false
	}
	return &c, true
}

// SetComponent caches c under its component key.
func (m *Manager) SetComponent(ctx context.Context, c *types.Component) {
	if !m.cfg.Component.Enabled || c == nil {
		return
	}
	m.setJSON(ctx, ComponentKey(c.EntityID, c.Name), c, m.ttl(m.cfg.Component.TTL))
}

// GetQuery decodes the cached result for fingerprint into dest.
func (m *Manager) GetQuery(ctx context.Context, fingerprint string, dest any) bool {
	if !m.cfg.Query.Enabled {
		return false
	}
	return m.getJSON(ctx, QueryKey(fingerprint), dest)
}

// SetQuery caches value for fingerprint and records the component names the
// query referenced, so component writes can find and drop it.
func (m *Manager) SetQuery(ctx context.Context, fingerprint string, componentNames []string, value any) {
	if !m.cfg.Query.Enabled {
		return
	}
	m.setJSON(ctx, QueryKey(fingerprint), value, m.ttl(m.cfg.Query.TTL))

	m.fpMu.Lock()
	for _, name := range componentNames {
		set := m.fpIndex[name]
		if set == nil {
			set = make(map[string]struct{})
			m.fpIndex[name] = set
		}
		set[fingerprint] = struct{}{}
	}
	m.fpMu.Unlock()
}

// Invalidate drops every key affected by a committed write touching the
// given component names on entity id: the entity key, the touched component
// keys, and every cached query whose component set intersects the change.
// It runs synchronously inside the commit handler, so a reader that starts
// after the writer's save returns observes the write.
func (m *Manager) Invalidate(ctx context.Context, id types.EntityID, componentNames []string) {
	keys := make([]string, 0, len(componentNames)+1)
	keys = append(keys, EntityKey(id))
	for _, name := range componentNames {
		keys = append(keys, ComponentKey(id, name))
	}

	m.fpMu.Lock()
	for _, name := range componentNames {
		for fp := range m.fpIndex[name] {
			keys = append(keys, QueryKey(fp))
		}
		delete(m.fpIndex, name)
	}
	m.fpMu.Unlock()

	m.provider.Delete(ctx, keys...)
	m.stats.deletes.Add(int64(len(keys)))
	debug.Logf("cache: invalidated %d key(s) for entity %s", len(keys), id)
}

func (m *Manager) ttl(categoryTTL time.Duration) time.Duration {
	if categoryTTL > 0 {
		return categoryTTL
	}
	return m.cfg.DefaultTTL
}

func (m *Manager) getJSON(ctx context.Context, key string, dest any) bool {
	raw, ok := m.provider.Get(ctx, key)
	if !ok {
		m.stats.misses.Add(1)
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		// Corrupt entry: drop it and treat as a miss.
		debug.Logf("cache: corrupt entry at %s: %v", key, err)
		m.provider.Delete(ctx, key)
		m.stats.misses.Add(1)
		return false
	}
	m.stats.hits.Add(1)
	return true
}

func (m *Manager) setJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		debug.Logf("cache: marshal %s: %v", key, err)
		return
	}
	m.provider.Set(ctx, key, raw, ttl)
	m.stats.sets.Add(1)
}
