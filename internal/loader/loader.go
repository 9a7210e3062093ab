// Package loader provides a generic batching loader. Individual Load calls
// issued inside one coalescing window are collapsed into a single LoadMany
// against a user-supplied fetch function, with duplicate keys deduplicated.
//
// Two windows are supported: a same-tick microbatch (a short timer started
// by the first pending key) and an explicit Prime/Dispatch cycle for
// request-scoped loaders.
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/bunsane/bunsane/internal/types"
)

// DefaultWindow is the microbatch flush delay when none is configured.
const DefaultWindow = 500 * time.Microsecond

// FetchFunc fetches values for a deduplicated key set. Keys with no value
// are simply omitted from the result map.
type FetchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// Options tunes a Loader.
type Options struct {
	// Window is the microbatch flush delay. Zero means manual: keys
	// accumulate until Dispatch is called.
	Window time.Duration

	// MaxBatch flushes early once this many unique keys are pending.
	// Zero means unbounded.
	MaxBatch int
}

// Loader coalesces loads of K into batched fetches.
type Loader[K comparable, V any] struct {
	fetch FetchFunc[K, V]
	opts  Options

	mu      sync.Mutex
	pending *batch[K, V]
	primed  map[K]V
}

type batch[K comparable, V any] struct {
	keys     []K
	seen     map[K]struct{}
	done     chan struct{}
	flushing bool
	results  map[K]V
	err      error
}

// New returns a microbatching loader with the default window.
func New[K comparable, V any](fetch FetchFunc[K, V]) *Loader[K, V] {
	return NewWithOptions(fetch, Options{Window: DefaultWindow})
}

// NewWithOptions returns a loader with explicit batching options.
func NewWithOptions[K comparable, V any](fetch FetchFunc[K, V], opts Options) *Loader[K, V] {
	return &Loader[K, V]{
		fetch:  fetch,
		opts:   opts,
		primed: make(map[K]V),
	}
}

// Prime seeds a value so subsequent loads for k never reach the fetcher.
func (l *Loader[K, V]) Prime(k K, v V) {
	l.mu.Lock()
	l.primed[k] = v
	l.mu.Unlock()
}

// Clear drops a primed value.
func (l *Loader[K, V]) Clear(k K) {
	l.mu.Lock()
	delete(l.primed, k)
	l.mu.Unlock()
}

// Load fetches the value for k, joining the current batch window. Returns
// types.ErrNotFound when the fetcher omits the key.
func (l *Loader[K, V]) Load(ctx context.Context, k K) (V, error) {
	var zero V
	res, err := l.LoadMany(ctx, []K{k})
	if err != nil {
		return zero, err
	}
	v, ok := res[k]
	if !ok {
		return zero, types.ErrNotFound
	}
	return v, nil
}

// LoadMany fetches values for keys, returning the key→value mapping with
// absent keys omitted. All keys join the same batch window; each unique key
// reaches the fetcher at most once per window.
func (l *Loader[K, V]) LoadMany(ctx context.Context, keys []K) (map[K]V, error) {
	out := make(map[K]V, len(keys))

	l.mu.Lock()
	var want []K
	for _, k := range keys {
		if v, ok := l.primed[k]; ok {
			out[k] = v
			continue
		}
		want = append(want, k)
	}
	if len(want) == 0 {
		l.mu.Unlock()
		return out, nil
	}

	b := l.join(want)
	flushNow := l.opts.MaxBatch > 0 && len(b.seen) >= l.opts.MaxBatch
	l.mu.Unlock()

	if flushNow {
		l.flush(ctx, b)
	}

	select {
	case <-b.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if b.err != nil {
		return nil, b.err
	}
	for _, k := range want {
		if v, ok := b.results[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Dispatch flushes the pending batch immediately. Used by request-scoped
// loaders configured without a window.
func (l *Loader[K, V]) Dispatch(ctx context.Context) {
	l.mu.Lock()
	b := l.pending
	l.mu.Unlock()
	if b != nil {
		l.flush(ctx, b)
	}
}

// join adds keys to the pending batch, creating one (and arming its flush
// timer) if needed. Caller holds l.mu.
func (l *Loader[K, V]) join(keys []K) *batch[K, V] {
	b := l.pending
	if b == nil {
		b = &batch[K, V]{
			seen: make(map[K]struct{}),
			done: make(chan struct{}),
		}
		l.pending = b
		if l.opts.Window > 0 {
			time.AfterFunc(l.opts.Window, func() {
				l.flush(context.Background(), b)
			})
		}
	}
	for _, k := range keys {
		if _, dup := b.seen[k]; dup {
			continue
		}
		b.seen[k] = struct{}{}
		b.keys = append(b.keys, k)
	}
	return b
}

// flush detaches b and runs the fetch exactly once.
func (l *Loader[K, V]) flush(ctx context.Context, b *batch[K, V]) {
	l.mu.Lock()
	if l.pending == b {
		l.pending = nil
	}
	if b.flushing {
		l.mu.Unlock()
		return
	}
	// Mark before releasing the lock so a concurrent flush (timer vs
	// Dispatch vs MaxBatch) does not run the fetch twice.
	b.flushing = true
	l.mu.Unlock()

	res, err := l.fetch(ctx, b.keys)
	if err != nil {
		b.err = err
	} else {
		b.results = res
	}
	close(b.done)
}
