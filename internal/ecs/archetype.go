package ecs

import (
	"context"

	"github.com/bunsane/bunsane/internal/query"
	"github.com/bunsane/bunsane/internal/types"
)

// Archetype declares a canonical set of component types. It is a membership
// predicate, not a container: matching is strict set equality, so an entity
// carrying extra components is not a member.
type Archetype struct {
	name       string
	components []string
	set        map[string]struct{}
}

// NewArchetype declares an archetype over the given component types.
// Duplicates collapse.
func NewArchetype(name string, components ...string) *Archetype {
	a := &Archetype{name: name, set: make(map[string]struct{}, len(components))}
	for _, c := range components {
		if _, dup := a.set[c]; dup {
			continue
		}
		a.set[c] = struct{}{}
		a.components = append(a.components, c)
	}
	return a
}

// Name returns the archetype's name.
func (a *Archetype) Name() string { return a.name }

// ComponentNames returns the declared component types in declaration order.
func (a *Archetype) ComponentNames() []string {
	return append([]string(nil), a.components...)
}

// MatchesNames reports set equality between names and the declared set.
func (a *Archetype) MatchesNames(names []string) bool {
	uniq := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, declared := a.set[n]; !declared {
			return false
		}
		uniq[n] = struct{}{}
	}
	return len(uniq) == len(a.set)
}

// Matches reports whether the entity's hydrated active component set equals
// the declared set. The entity must have been loaded with its components.
func (a *Archetype) Matches(e *types.Entity) bool {
	if e == nil {
		return false
	}
	names := make([]string, 0, len(e.Components))
	for n, c := range e.Components {
		if c != nil && c.Active() {
			names = append(names, n)
		}
	}
	return a.MatchesNames(names)
}

// Query returns a builder constrained to entities whose active component set
// equals this archetype.
func (a *Archetype) Query() *query.Builder {
	return query.New().MatchingArchetype(a)
}

// FilledArchetype carries per-type data toward CreateEntity.
type FilledArchetype struct {
	archetype *Archetype
	values    map[string]map[string]any
}

// Fill supplies the component data for a bulk construction. Types absent
// from values fall back to their registered field defaults.
func (a *Archetype) Fill(values map[string]map[string]any) *FilledArchetype {
	return &FilledArchetype{archetype: a, values: values}
}

// CreateEntity constructs, in one transaction, an entity plus one active
// instance per declared type. Data for an undeclared type is rejected.
func (f *FilledArchetype) CreateEntity(ctx context.Context, s *Store) (*types.Entity, error) {
	for name := range f.values {
		if _, declared := f.archetype.set[name]; !declared {
			return nil, &types.ValidationError{Component: name, Reason: "component not declared by archetype " + f.archetype.name}
		}
	}

	b := s.Create()
	for _, name := range f.archetype.components {
		if err := b.Add(name, f.values[name]); err != nil {
			return nil, err
		}
	}
	if err := b.Save(ctx); err != nil {
		return nil, err
	}
	return b.Entity(), nil
}
