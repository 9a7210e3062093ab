package types

import "time"

// EventKind identifies an entity lifecycle event.
type EventKind string

const (
	EventEntityCreated EventKind = "entity.created"
	EventEntityUpdated EventKind = "entity.updated"
	EventEntityDeleted EventKind = "entity.deleted"
)

// Valid reports whether k names a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventEntityCreated, EventEntityUpdated, EventEntityDeleted:
		return true
	}
	return false
}

// Event is a committed entity lifecycle change. Events are emitted after the
// owning transaction commits, in commit order, with a process-wide
// monotonically increasing sequence number.
type Event struct {
	Kind     EventKind `json:"kind"`
	EntityID EntityID  `json:"entity_id"`

	// Seq is the dispatch sequence number. Within one entity's lifetime,
	// events are totally ordered by Seq.
	Seq uint64 `json:"seq"`

	// Changed lists the component names touched by the triggering save.
	Changed []string `json:"changed,omitempty"`

	// ActiveComponents is the entity's active component-name set as of the
	// commit that produced this event. Hook predicates evaluate against
	// this snapshot, not against live state.
	ActiveComponents []string `json:"active_components,omitempty"`

	CommittedAt time.Time `json:"committed_at"`
}

// HasActive reports whether name was active at the event's commit point.
func (e *Event) HasActive(name string) bool {
	for _, n := range e.ActiveComponents {
		if n == name {
			return true
		}
	}
	return false
}
