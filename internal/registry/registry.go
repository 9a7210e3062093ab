// Package registry is the canonical catalog of component types. It is
// populated during boot, frozen at COMPONENTS_READY, and read-only
// afterwards, so lookups on the hot path take no locks once frozen.
package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/bunsane/bunsane/internal/types"
)

// FieldDef declares one field of a component type.
type FieldDef struct {
	Name     string          `yaml:"name" json:"name"`
	Kind     types.FieldKind `yaml:"kind" json:"kind"`
	Default  any             `yaml:"default,omitempty" json:"default,omitempty"`
	Nullable bool            `yaml:"nullable,omitempty" json:"nullable,omitempty"`
}

// ComponentDef declares a component type: a unique name plus an ordered
// field list. The partition identifier is the name itself.
type ComponentDef struct {
	Name   string     `yaml:"name" json:"name"`
	Fields []FieldDef `yaml:"fields" json:"fields"`
}

// Field returns the field declaration named name, or nil.
func (d *ComponentDef) Field(name string) *FieldDef {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i]
		}
	}
	return nil
}

// Partition returns the partition identifier for the component.
func (d *ComponentDef) Partition() string { return d.Name }

// Registry holds the registered component types.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*ComponentDef
	frozen bool
}

// New returns an empty, unfrozen registry.
func New() *Registry {
	return &Registry{defs: make(map[string]*ComponentDef)}
}

// identRe bounds component and field names. Names are embedded in SQL JSON
// paths and partition identifiers, so they must be plain identifiers.
var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Register adds a component type. It fails after Freeze, on a duplicate
// name, and on an invalid field list.
func (r *Registry) Register(def ComponentDef) error {
	if !identRe.MatchString(def.Name) {
		return &types.ValidationError{Component: def.Name, Reason: "component name must be an identifier"}
	}
	seen := make(map[string]bool, len(def.Fields))
	for _, f := range def.Fields {
		if !identRe.MatchString(f.Name) {
			return &types.ValidationError{Component: def.Name, Field: f.Name, Reason: "field name must be an identifier"}
		}
		if !f.Kind.Valid() {
			return &types.ValidationError{Component: def.Name, Field: f.Name, Reason: fmt.Sprintf("unknown kind %q", f.Kind)}
		}
		if seen[f.Name] {
			return &types.ValidationError{Component: def.Name, Field: f.Name, Reason: "duplicate field"}
		}
		seen[f.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return types.ErrRegistryFrozen
	}
	if _, dup := r.defs[def.Name]; dup {
		return &types.ValidationError{Component: def.Name, Reason: "already registered"}
	}
	copied := def
	copied.Fields = append([]FieldDef(nil), def.Fields...)
	r.defs[def.Name] = &copied
	return nil
}

// Freeze makes the registry read-only. Called at COMPONENTS_READY.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether the registry has been frozen.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Lookup returns the definition for name, or nil.
func (r *Registry) Lookup(name string) *ComponentDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[name]
}

// Names returns the sorted registered component names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks data against the registered definition of component and
// returns a normalized copy: defaults applied for absent fields, numeric
// JSON decode artifacts (float64 for int fields) coerced. Unknown fields are
// rejected.
func (r *Registry) Validate(component string, data map[string]any) (map[string]any, error) {
	def := r.Lookup(component)
	if def == nil {
		return nil, &types.ValidationError{Component: component, Reason: "component type not registered"}
	}

	out := make(map[string]any, len(def.Fields))
	for key := range data {
		if def.Field(key) == nil {
			return nil, &types.ValidationError{Component: component, Field: key, Reason: "field not declared"}
		}
	}

	for _, f := range def.Fields {
		value, present := data[f.Name]
		if !present || value == nil {
			switch {
			case f.Default != nil:
				out[f.Name] = f.Default
			case f.Nullable:
				out[f.Name] = nil
			default:
				return nil, &types.ValidationError{Component: component, Field: f.Name, Reason: "required field missing"}
			}
			continue
		}
		coerced, err := coerce(f.Kind, value)
		if err != nil {
			return nil, &types.ValidationError{Component: component, Field: f.Name, Reason: err.Error()}
		}
		out[f.Name] = coerced
	}
	return out, nil
}

// coerce checks value against kind and normalizes representation quirks that
// come from JSON decoding (all numbers arrive as float64).
func coerce(kind types.FieldKind, value any) (any, error) {
	switch kind {
	case types.KindString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return s, nil
	case types.KindInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case json.Number:
			return v.Int64()
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("expected int, got fractional %v", v)
			}
			return int64(v), nil
		}
		return nil, fmt.Errorf("expected int, got %T", value)
	case types.KindFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			return v.Float64()
		}
		return nil, fmt.Errorf("expected float, got %T", value)
	case types.KindBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
		return b, nil
	case types.KindTimestamp:
		switch v := value.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("expected RFC3339 timestamp: %v", err)
			}
			return ts.UTC(), nil
		}
		return nil, fmt.Errorf("expected timestamp, got %T", value)
	case types.KindJSON:
		// Free-form subtree; anything JSON-serializable passes.
		if _, err := json.Marshal(value); err != nil {
			return nil, fmt.Errorf("value is not JSON-serializable: %v", err)
		}
		return value, nil
	}
	return nil, fmt.Errorf("unknown field kind %q", kind)
}
