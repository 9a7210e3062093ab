// Package hooks routes committed entity lifecycle events to registered
// handlers whose component target predicate matches the triggering entity.
//
// Dispatch happens after the owning transaction commits; a handler failure or
// timeout is logged and counted, never surfaced to the writer. Registrations
// are rare and dispatches hot, so the table sits behind a read-write lock.
package hooks

import (
	"context"
	"fmt"
	"time"

	"github.com/bunsane/bunsane/internal/types"
)

// Handler processes one committed event.
type Handler func(ctx context.Context, ev types.Event) error

// ArchetypeRef is the view of an archetype a predicate needs. Satisfied by
// ecs.Archetype.
type ArchetypeRef interface {
	Name() string
	MatchesNames(names []string) bool
}

// Predicate filters events by the entity's active component set at commit
// time. The zero value matches every event.
type Predicate struct {
	// IncludeComponents requires the entity to have all (RequireAllIncluded,
	// the default) or any of these components active.
	IncludeComponents []string

	// RequireAllIncluded selects AND (true, default) or OR (false) over
	// IncludeComponents. Pointer so the zero value keeps the AND default.
	RequireAllIncluded *bool

	// ExcludeComponents rejects entities with any of these components active.
	ExcludeComponents []string

	// Archetype requires set equality with the named archetype. Archetypes
	// is the disjunctive form; Archetype is shorthand for a single entry.
	Archetype  ArchetypeRef
	Archetypes []ArchetypeRef
}

// Empty reports whether the predicate constrains anything.
func (p *Predicate) Empty() bool {
	return len(p.IncludeComponents) == 0 &&
		len(p.ExcludeComponents) == 0 &&
		p.Archetype == nil && len(p.Archetypes) == 0
}

// Matches evaluates the predicate against the event's commit-time component
// snapshot.
func (p *Predicate) Matches(ev *types.Event) bool {
	if len(p.IncludeComponents) > 0 {
		requireAll := p.RequireAllIncluded == nil || *p.RequireAllIncluded
		if requireAll {
			for _, name := range p.IncludeComponents {
				if !ev.HasActive(name) {
					return false
				}
			}
		} else {
			any := false
			for _, name := range p.IncludeComponents {
				if ev.HasActive(name) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		}
	}

	for _, name := range p.ExcludeComponents {
		if ev.HasActive(name) {
			return false
		}
	}

	refs := p.Archetypes
	if p.Archetype != nil {
		refs = append([]ArchetypeRef{p.Archetype}, refs...)
	}
	if len(refs) > 0 {
		matched := false
		for _, ref := range refs {
			if ref.MatchesNames(ev.ActiveComponents) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// shapeKey is the predicate's identity for batch grouping: two hooks with
// the same shape are evaluated once per distinct component snapshot.
func (p *Predicate) shapeKey() string {
	requireAll := p.RequireAllIncluded == nil || *p.RequireAllIncluded
	key := fmt.Sprintf("i=%v all=%t x=%v", p.IncludeComponents, requireAll, p.ExcludeComponents)
	if p.Archetype != nil {
		key += " a=" + p.Archetype.Name()
	}
	for _, ref := range p.Archetypes {
		key += " a=" + ref.Name()
	}
	return key
}

// Hook is one registered handler.
type Hook struct {
	Name    string
	Kind    types.EventKind
	Handler Handler

	// Priority orders execution, higher first; ties run in registration
	// order.
	Priority int

	// Async hooks do not block later hooks; the dispatcher joins them
	// before Dispatch returns.
	Async bool

	// Timeout bounds one invocation. Zero means no hook-level deadline.
	Timeout time.Duration

	Predicate Predicate

	seq int
}
