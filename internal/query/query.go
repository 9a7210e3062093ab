// Package query implements the typed component query builder and its SQL
// compiler/executor.
//
// A query is a conjunction of component predicates over one entity, plus
// sort, pagination, and related-component prefetch. The compiler emits a
// single SQL statement; included components hydrate through the batch loader
// in one round trip per component type.
package query

import (
	"fmt"
)

// Op is a filter operator.
type Op string

const (
	EQ       Op = "EQ"
	NEQ      Op = "NEQ"
	LT       Op = "LT"
	LTE      Op = "LTE"
	GT       Op = "GT"
	GTE      Op = "GTE"
	IN       Op = "IN"
	NOT_IN   Op = "NOT_IN"
	LIKE     Op = "LIKE"
	CONTAINS Op = "CONTAINS"
	EXISTS   Op = "EXISTS"
)

// SortDir is a sort direction.
type SortDir string

const (
	ASC  SortDir = "ASC"
	DESC SortDir = "DESC"
)

// Filter is one field predicate inside a With clause.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// F builds a filter.
func F(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// SortKey is one ORDER BY key. Later keys break earlier ties; the executor
// always appends the entity id as the final tie-break.
type SortKey struct {
	Component  string
	Field      string
	Dir        SortDir
	NullsFirst bool
}

// Archetype is the minimal view of an archetype the query engine needs.
// Satisfied by ecs.Archetype.
type Archetype interface {
	Name() string
	ComponentNames() []string
}

type withClause struct {
	component string
	filters   []Filter
}

// Builder accumulates a query. Builders are cheap value-builders, not safe
// for concurrent mutation; build per request.
type Builder struct {
	withs          []withClause
	sorts          []SortKey
	includes       []string
	limit          *int
	offset         int
	includeDeleted bool
	archetype      Archetype
}

// New returns an empty query: no predicates, matching all non-deleted
// entities.
func New() *Builder {
	return &Builder{}
}

// With adds a component predicate: the entity has a non-deleted instance of
// component whose data satisfies every filter. Multiple With calls are
// conjunctive.
func (b *Builder) With(component string, filters ...Filter) *Builder {
	b.withs = append(b.withs, withClause{component: component, filters: filters})
	return b
}

// SortBy appends a sort key.
func (b *Builder) SortBy(component, field string, dir SortDir) *Builder {
	b.sorts = append(b.sorts, SortKey{Component: component, Field: field, Dir: dir})
	return b
}

// SortByNulls appends a sort key with explicit null placement.
func (b *Builder) SortByNulls(component, field string, dir SortDir, nullsFirst bool) *Builder {
	b.sorts = append(b.sorts, SortKey{Component: component, Field: field, Dir: dir, NullsFirst: nullsFirst})
	return b
}

// OrderBy replaces the sort list.
func (b *Builder) OrderBy(keys ...SortKey) *Builder {
	b.sorts = append([]SortKey(nil), keys...)
	return b
}

// Take limits the result set. Take(0) short-circuits execution to an empty
// result.
func (b *Builder) Take(n int) *Builder {
	b.limit = &n
	return b
}

// Offset skips the first n results.
func (b *Builder) Offset(n int) *Builder {
	b.offset = n
	return b
}

// Include prefetches the named component for every result entity.
func (b *Builder) Include(component string) *Builder {
	for _, inc := range b.includes {
		if inc == component {
			return b
		}
	}
	b.includes = append(b.includes, component)
	return b
}

// IncludeDeleted lets soft-deleted entities into the result.
func (b *Builder) IncludeDeleted() *Builder {
	b.includeDeleted = true
	return b
}

// MatchingArchetype constrains results to entities whose active component
// set equals a's declared set.
func (b *Builder) MatchingArchetype(a Archetype) *Builder {
	b.archetype = a
	return b
}

// ComponentNames returns every component name the query touches: With
// clauses, sort keys, includes, and the archetype set. Used for cache
// invalidation registration.
func (b *Builder) ComponentNames() []string {
	seen := make(map[string]struct{})
	var names []string
	add := func(name string) {
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, w := range b.withs {
		add(w.component)
	}
	for _, s := range b.sorts {
		add(s.Component)
	}
	for _, inc := range b.includes {
		add(inc)
	}
	if b.archetype != nil {
		for _, name := range b.archetype.ComponentNames() {
			add(name)
		}
	}
	return names
}

func (b *Builder) String() string {
	return fmt.Sprintf("query(withs=%d sorts=%d includes=%d limit=%v offset=%d)",
		len(b.withs), len(b.sorts), len(b.includes), b.limit, b.offset)
}
