package hooks

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bunsane/bunsane/internal/debug"
	"github.com/bunsane/bunsane/internal/types"
)

// Dispatcher routes events to hooks. It satisfies ecs.EventSink.
type Dispatcher struct {
	mu     sync.RWMutex
	hooks  map[types.EventKind][]*Hook
	regSeq int

	dispatched atomic.Int64
	invoked    atomic.Int64
	failed     atomic.Int64
	timedOut   atomic.Int64
}

// StatsSnapshot is a point-in-time view of the dispatch counters.
type StatsSnapshot struct {
	Dispatched int64
	Invoked    int64
	Failed     int64
	TimedOut   int64
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{hooks: make(map[types.EventKind][]*Hook)}
}

// Register adds a hook. Hooks for a kind are kept sorted by priority, higher
// first, ties in registration order.
func (d *Dispatcher) Register(h Hook) error {
	if !h.Kind.Valid() {
		return fmt.Errorf("hooks: unknown event kind %q", h.Kind)
	}
	if h.Handler == nil {
		return fmt.Errorf("hooks: hook %q has no handler", h.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.regSeq++
	h.seq = d.regSeq
	if h.Name == "" {
		h.Name = fmt.Sprintf("hook-%d", h.seq)
	}

	list := append(d.hooks[h.Kind], &h)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
	d.hooks[h.Kind] = list
	return nil
}

// Hooks returns the registered hooks for kind in dispatch order.
func (d *Dispatcher) Hooks(kind types.EventKind) []*Hook {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Hook(nil), d.hooks[kind]...)
}

// Stats returns the dispatch counters.
func (d *Dispatcher) Stats() StatsSnapshot {
	return StatsSnapshot{
		Dispatched: d.dispatched.Load(),
		Invoked:    d.invoked.Load(),
		Failed:     d.failed.Load(),
		TimedOut:   d.timedOut.Load(),
	}
}

// Dispatch routes each event to its matching hooks in priority order. Sync
// hooks run inline; async hooks are spawned and joined before Dispatch
// returns, so a Save that triggered the events observes their completion.
// Handler errors are contained: logged, counted, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, events []types.Event) {
	var wg sync.WaitGroup
	for i := range events {
		ev := events[i]
		d.dispatched.Add(1)

		for _, h := range d.Hooks(ev.Kind) {
			if !h.Predicate.Matches(&ev) {
				continue
			}
			if h.Async {
				wg.Add(1)
				hook := h
				go func() {
					defer wg.Done()
					d.invoke(ctx, hook, ev)
				}()
				continue
			}
			d.invoke(ctx, h, ev)
		}
	}
	wg.Wait()
}

// DispatchBatch routes a batch with predicate evaluation memoized per
// (predicate shape, component snapshot) pair. For any event, the invoked
// hook set and order are identical to the single-event path.
func (d *Dispatcher) DispatchBatch(ctx context.Context, events []types.Event) {
	verdicts := make(map[string]bool)
	var wg sync.WaitGroup

	for i := range events {
		ev := events[i]
		d.dispatched.Add(1)
		snapKey := fmt.Sprintf("%v", ev.ActiveComponents)

		for _, h := range d.Hooks(ev.Kind) {
			key := h.Predicate.shapeKey() + "|" + snapKey
			matched, known := verdicts[key]
			if !known {
				matched = h.Predicate.Matches(&ev)
				verdicts[key] = matched
			}
			if !matched {
				continue
			}
			if h.Async {
				wg.Add(1)
				hook := h
				go func() {
					defer wg.Done()
					d.invoke(ctx, hook, ev)
				}()
				continue
			}
			d.invoke(ctx, h, ev)
		}
	}
	wg.Wait()
}

// invoke runs one hook with its timeout and containment semantics.
func (d *Dispatcher) invoke(ctx context.Context, h *Hook, ev types.Event) {
	d.invoked.Add(1)

	runCtx := ctx
	var cancel context.CancelFunc
	if h.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- d.call(runCtx, h, ev)
	}()

	var herr *types.HookError
	select {
	case err := <-done:
		if err == nil {
			debug.Logf("hooks: %s handled %s seq=%d", h.Name, ev.Kind, ev.Seq)
			return
		}
		herr = &types.HookError{Hook: h.Name, Kind: ev.Kind, Err: err}
	case <-runCtx.Done():
		herr = &types.HookError{Hook: h.Name, Kind: ev.Kind, TimedOut: true, Err: runCtx.Err()}
		d.timedOut.Add(1)
	}

	// Commit already happened; the failure is contained here.
	d.failed.Add(1)
	log.Printf("hooks: %v", herr)
}

// call shields the dispatcher from panicking handlers.
func (d *Dispatcher) call(ctx context.Context, h *Hook, ev types.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handler(ctx, ev)
}
