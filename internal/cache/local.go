package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const localShards = 16

// localProvider is the in-process tier: a sharded LRU with a byte budget.
// Each shard holds its own lock and list; eviction walks from the cold end
// until the shard is back under its share of the budget.
type localProvider struct {
	shards   [localShards]*localShard
	maxBytes int64
	stats    *Stats
}

type localShard struct {
	mu    sync.Mutex
	order *list.List // front = most recently used
	items map[string]*list.Element
	bytes int64
	cap   int64
}

type localEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLocal returns the in-process LRU tier bounded to maxBytes.
func NewLocal(maxBytes int64, stats *Stats) Provider {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	p := &localProvider{maxBytes: maxBytes, stats: stats}
	per := maxBytes / localShards
	if per < 1 {
		per = 1
	}
	for i := range p.shards {
		p.shards[i] = &localShard{
			order: list.New(),
			items: make(map[string]*list.Element),
			cap:   per,
		}
	}
	return p
}

func (p *localProvider) shard(key string) *localShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.shards[h.Sum32()%localShards]
}

func (p *localProvider) Get(_ context.Context, key string) ([]byte, bool) {
	s := p.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*localEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.remove(el)
		return nil, false
	}
	s.order.MoveToFront(el)
	// Callers may retain the slice; hand out a copy.
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true
}

func (p *localProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	entry := &localEntry{key: key, value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s := p.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		s.remove(el)
	}
	el := s.order.PushFront(entry)
	s.items[key] = el
	s.bytes += entrySize(entry)

	for s.bytes > s.cap {
		cold := s.order.Back()
		if cold == nil || cold == el {
			break
		}
		s.remove(cold)
		if p.stats != nil {
			p.stats.evictions.Add(1)
		}
	}
}

func (p *localProvider) Delete(_ context.Context, keys ...string) {
	for _, key := range keys {
		s := p.shard(key)
		s.mu.Lock()
		if el, ok := s.items[key]; ok {
			s.remove(el)
		}
		s.mu.Unlock()
	}
}

func (p *localProvider) Ping(context.Context) bool { return true }

func (p *localProvider) Close() error { return nil }

// remove unlinks el. Caller holds the shard lock.
func (s *localShard) remove(el *list.Element) {
	entry := el.Value.(*localEntry)
	s.order.Remove(el)
	delete(s.items, entry.key)
	s.bytes -= entrySize(entry)
}

func entrySize(e *localEntry) int64 {
	return int64(len(e.key) + len(e.value) + 64) // 64 covers list/map overhead
}
