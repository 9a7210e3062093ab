// Package types holds the value types shared across the engine: entities,
// component instances, lifecycle events, and the error taxonomy.
//
// Concrete behavior (persistence, querying, dispatch) lives in the packages
// that operate on these types; keeping the values here avoids import cycles
// between the store, the query engine, and the hook dispatcher.
package types

import (
	"sort"
	"time"
)

// EntityID is the stable opaque identifier of an entity. It is a UUID in
// canonical string form; 128 bits of identity, no embedded meaning.
type EntityID string

// ComponentID identifies a single component instance. Older instances of the
// same (entity, name) pair stay addressable by ID after being superseded.
type ComponentID string

// Entity is an identity-only record. All data lives in its components.
type Entity struct {
	ID        EntityID   `db:"id" json:"id"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`

	// Components holds the hydrated active instances, keyed by component
	// name. Only populated when the caller asked for them (Include on a
	// query, Load on the store); an absent key does not mean the entity
	// lacks the component.
	Components map[string]*Component `db:"-" json:"components,omitempty"`
}

// Deleted reports whether the entity is soft-deleted.
func (e *Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// Component returns the hydrated instance for name, or nil.
func (e *Entity) Component(name string) *Component {
	if e.Components == nil {
		return nil
	}
	return e.Components[name]
}

// ComponentNames returns the sorted names of the hydrated components.
func (e *Entity) ComponentNames() []string {
	names := make([]string, 0, len(e.Components))
	for name := range e.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Component is an entity-scoped typed record. Data is a decoded copy of the
// JSON payload and matches the registered field list of its type.
type Component struct {
	ID        ComponentID    `db:"id" json:"id"`
	EntityID  EntityID       `db:"entity_id" json:"entity_id"`
	Name      string         `db:"name" json:"name"`
	Data      map[string]any `db:"-" json:"data"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time     `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Active reports whether this is the live instance for its (entity, name)
// pair.
func (c *Component) Active() bool {
	return c.DeletedAt == nil
}

// FieldKind enumerates the value kinds a component field may declare.
type FieldKind string

const (
	KindString    FieldKind = "string"
	KindInt       FieldKind = "int"
	KindFloat     FieldKind = "float"
	KindBool      FieldKind = "bool"
	KindTimestamp FieldKind = "timestamp"
	KindJSON      FieldKind = "json"
)

// Valid reports whether k is one of the declared field kinds.
func (k FieldKind) Valid() bool {
	switch k {
	case KindString, KindInt, KindFloat, KindBool, KindTimestamp, KindJSON:
		return true
	}
	return false
}
