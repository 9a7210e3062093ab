// Package lifecycle implements the boot phase machine. Phases advance in one
// direction only; subsystems fire transitions as their preconditions are met
// and subscribers react to each transition exactly once.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/bunsane/bunsane/internal/debug"
)

// Phase is a boot phase. Phases are strictly ordered; the coordinator never
// moves backwards.
type Phase int

const (
	DBInit Phase = iota
	DBReady
	ComponentsReady
	SystemRegistering
	SystemReady
	AppReady
)

var phaseNames = map[Phase]string{
	DBInit:            "db_init",
	DBReady:           "db_ready",
	ComponentsReady:   "components_ready",
	SystemRegistering: "system_registering",
	SystemReady:       "system_ready",
	AppReady:          "app_ready",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Subscriber is invoked once when the coordinator enters the phase it was
// registered for. A subscriber may advance the phase further from inside its
// callback; it must not regress it.
type Subscriber func(Phase)

// Coordinator is the phase machine. The zero value is not usable; call New.
type Coordinator struct {
	mu          sync.Mutex
	cond        *sync.Cond
	phase       Phase
	subscribers map[Phase][]Subscriber
	advancing   bool
	pending     []Phase
}

// New returns a coordinator in DBInit.
func New() *Coordinator {
	c := &Coordinator{
		phase:       DBInit,
		subscribers: make(map[Phase][]Subscriber),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Subscribe registers fn for p. Subscribers fire in registration order.
// Registering for a phase that has already been reached fires fn
// immediately.
func (c *Coordinator) Subscribe(p Phase, fn Subscriber) {
	c.mu.Lock()
	reached := c.phase >= p
	if !reached {
		c.subscribers[p] = append(c.subscribers[p], fn)
	}
	c.mu.Unlock()

	if reached {
		fn(p)
	}
}

// Advance moves the coordinator to p, firing subscribers for every phase
// crossed, in order. Advancing to the current phase is a no-op. Regressing
// is a programmer error and panics.
//
// A subscriber that calls Advance from its callback queues the further
// transition; it runs after the current phase's remaining subscribers, which
// preserves the exactly-once, in-order contract.
func (c *Coordinator) Advance(p Phase) {
	c.mu.Lock()
	if p < c.phase {
		cur := c.phase
		c.mu.Unlock()
		panic(fmt.Sprintf("lifecycle: cannot regress from %s to %s", cur, p))
	}
	if p == c.phase {
		c.mu.Unlock()
		return
	}
	if c.advancing {
		// Re-entrant advance from a subscriber callback: queue it.
		c.pending = append(c.pending, p)
		c.mu.Unlock()
		return
	}
	c.advancing = true
	c.mu.Unlock()

	c.run(p)

	c.mu.Lock()
	for len(c.pending) > 0 {
		next := c.pending[0]
		c.pending = c.pending[1:]
		if next <= c.phase {
			continue
		}
		c.mu.Unlock()
		c.run(next)
		c.mu.Lock()
	}
	c.advancing = false
	c.mu.Unlock()
}

// run advances one phase at a time up to target, firing subscribers outside
// the lock.
func (c *Coordinator) run(target Phase) {
	for {
		c.mu.Lock()
		if c.phase >= target {
			c.mu.Unlock()
			return
		}
		next := c.phase + 1
		c.phase = next
		subs := c.subscribers[next]
		delete(c.subscribers, next)
		c.cond.Broadcast()
		c.mu.Unlock()

		debug.Logf("lifecycle: entering %s", next)
		for _, fn := range subs {
			fn(next)
		}
	}
}

// WaitForReady blocks until AppReady is reached or ctx is done.
func (c *Coordinator) WaitForReady(ctx context.Context) error {
	return c.WaitFor(ctx, AppReady)
}

// WaitFor blocks until phase p is reached or ctx is done.
func (c *Coordinator) WaitFor(ctx context.Context, p Phase) error {
	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for c.phase < p {
			c.cond.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the waiter goroutine so it can exit once the phase advances;
		// it holds no resources meanwhile.
		c.cond.Broadcast()
		return ctx.Err()
	}
}
