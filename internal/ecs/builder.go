package ecs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bunsane/bunsane/internal/debug"
	"github.com/bunsane/bunsane/internal/storage"
	"github.com/bunsane/bunsane/internal/types"
)

type opKind int

const (
	opAdd opKind = iota
	opSet
	opRemove
	opSoftDelete
)

type stagedOp struct {
	kind      opKind
	component string
	data      map[string]any
}

// Builder stages mutations for one entity. Nothing touches storage until
// Save; a builder is single-use and not safe for concurrent mutation.
type Builder struct {
	store *Store
	id    types.EntityID
	isNew bool
	ops   []stagedOp

	// staged tracks which component names the staged ops leave active, so
	// Add can reject in-builder duplicates without a round trip.
	staged map[string]bool

	entity *types.Entity
	saved  bool
}

// Create allocates an entity id and returns an in-memory builder. Nothing is
// persisted until Save.
func (s *Store) Create() *Builder {
	return &Builder{
		store:  s,
		id:     types.EntityID(uuid.NewString()),
		isNew:  true,
		staged: make(map[string]bool),
	}
}

// Update returns a builder staging mutations against an existing entity.
// Save fails with ErrNotFound if the id is unknown or soft-deleted.
func (s *Store) Update(id types.EntityID) *Builder {
	return &Builder{
		store:  s,
		id:     id,
		staged: make(map[string]bool),
	}
}

// ID returns the entity id the builder operates on.
func (b *Builder) ID() types.EntityID { return b.id }

// Entity returns the committed entity row. Nil before Save.
func (b *Builder) Entity() *types.Entity { return b.entity }

// Add stages an insert-only component write. It fails with ErrAlreadyPresent
// if an active instance of the type is already staged; a persisted active
// instance is detected inside Save's transaction.
func (b *Builder) Add(component string, data map[string]any) error {
	if b.staged[component] {
		return types.ErrAlreadyPresent
	}
	return b.stageWrite(opAdd, component, data)
}

// Set stages an upsert component write: the prior active instance, staged or
// persisted, is superseded.
func (b *Builder) Set(component string, data map[string]any) error {
	return b.stageWrite(opSet, component, data)
}

func (b *Builder) stageWrite(kind opKind, component string, data map[string]any) error {
	normalized, err := b.store.reg.Validate(component, data)
	if err != nil {
		return err
	}
	b.ops = append(b.ops, stagedOp{kind: kind, component: component, data: normalized})
	b.staged[component] = true
	return nil
}

// Remove stages removal of the active instance of component.
func (b *Builder) Remove(component string) error {
	if b.store.reg.Lookup(component) == nil {
		return &types.ValidationError{Component: component, Reason: "component type not registered"}
	}
	b.ops = append(b.ops, stagedOp{kind: opRemove, component: component})
	b.staged[component] = false
	return nil
}

// SoftDelete stages deletion of the entity: all junction rows removed, all
// active instances retired, deleted_at set.
func (b *Builder) SoftDelete() {
	b.ops = append(b.ops, stagedOp{kind: opSoftDelete})
}

// Save persists every staged mutation in one transaction. After commit, and
// before Save returns, it invalidates the affected cache keys and hands the
// lifecycle events to the sink. A failed transaction emits no events and
// touches no cache entry.
func (b *Builder) Save(ctx context.Context) error {
	if b.saved {
		return types.NewStorageError("save", fmt.Errorf("builder already saved"), false)
	}
	s := b.store
	now := time.Now().UTC()

	var (
		written     []*types.Component
		changed     []string
		active      []string
		softDeleted bool
		entity      types.Entity
	)

	err := s.db.RunInTransaction(ctx, func(tx storage.Querier) error {
		// Reset so a retried transaction starts clean.
		written, changed, active, softDeleted = nil, nil, nil, false

		if b.isNew {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO entities (id, created_at, updated_at) VALUES ($1, $2, $2)", string(b.id), now)
			if err != nil {
				return err
			}
		} else {
			var n int
			err := tx.GetContext(ctx, &n,
				"SELECT count(*) FROM entities WHERE id = $1 AND deleted_at IS NULL", string(b.id))
			if err != nil {
				return err
			}
			if n == 0 {
				return types.ErrNotFound
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE entities SET updated_at = $2 WHERE id = $1", string(b.id), now); err != nil {
				return err
			}
		}

		touched := make(map[string]bool)
		for _, op := range b.ops {
			switch op.kind {
			case opAdd, opSet:
				c, err := b.applyWrite(ctx, tx, op, now)
				if err != nil {
					return err
				}
				written = append(written, c)
				if !touched[op.component] {
					touched[op.component] = true
					changed = append(changed, op.component)
				}
			case opRemove:
				if err := b.applyRemove(ctx, tx, op.component, now); err != nil {
					return err
				}
				if !touched[op.component] {
					touched[op.component] = true
					changed = append(changed, op.component)
				}
			case opSoftDelete:
				// The deleted event's snapshot is the set the entity had
				// going into the delete; hook targeting needs it.
				if err := tx.SelectContext(ctx, &active,
					"SELECT component_name FROM entity_components WHERE entity_id = $1 ORDER BY component_name", string(b.id)); err != nil {
					return err
				}
				if err := b.applySoftDelete(ctx, tx, now); err != nil {
					return err
				}
				softDeleted = true
			}
		}

		// Snapshot the active set at commit; hook predicates evaluate
		// against this, not against live state.
		if !softDeleted {
			if err := tx.SelectContext(ctx, &active,
				"SELECT component_name FROM entity_components WHERE entity_id = $1 ORDER BY component_name", string(b.id)); err != nil {
				return err
			}
		}
		return tx.GetContext(ctx, &entity,
			"SELECT id, created_at, updated_at, deleted_at FROM entities WHERE id = $1", string(b.id))
	})
	if err != nil {
		return err
	}

	b.entity = &entity
	b.saved = true

	if s.cache != nil {
		names := changed
		if softDeleted {
			names = append(append([]string(nil), changed...), active...)
		}
		s.cache.Invalidate(ctx, b.id, names)
		if s.cache.WriteThrough() && !softDeleted {
			s.cache.SetEntity(ctx, b.entity)
			for _, c := range written {
				s.cache.SetComponent(ctx, c)
			}
		}
	}

	events := b.buildEvents(changed, active, softDeleted, now)
	if s.sink != nil && len(events) > 0 {
		s.sink.Dispatch(ctx, events)
	}
	debug.Logf("ecs: saved entity %s (%d op(s), %d event(s))", b.id, len(b.ops), len(events))
	return nil
}

// buildEvents orders a save's events: created before the first updated,
// deleted never before created.
func (b *Builder) buildEvents(changed, active []string, softDeleted bool, now time.Time) []types.Event {
	var events []types.Event
	emit := func(kind types.EventKind) {
		events = append(events, types.Event{
			Kind:             kind,
			EntityID:         b.id,
			Seq:              b.store.seq.Add(1),
			Changed:          changed,
			ActiveComponents: active,
			CommittedAt:      now,
		})
	}
	if b.isNew {
		emit(types.EventEntityCreated)
	} else if len(changed) > 0 {
		emit(types.EventEntityUpdated)
	}
	if softDeleted {
		emit(types.EventEntityDeleted)
	}
	return events
}

func (b *Builder) applyWrite(ctx context.Context, tx storage.Querier, op stagedOp, now time.Time) (*types.Component, error) {
	s := b.store
	table, direct := s.parts.DirectPartitionFor(op.component)

	if op.kind == opAdd && !b.isNew {
		var n int
		err := tx.GetContext(ctx, &n,
			"SELECT count(*) FROM entity_components WHERE entity_id = $1 AND component_name = $2",
			string(b.id), op.component)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, types.ErrAlreadyPresent
		}
	}

	// Retire the prior active instance; it stays addressable by id.
	retire := fmt.Sprintf("UPDATE %s SET deleted_at = $1, updated_at = $1 WHERE entity_id = $2 AND deleted_at IS NULL", table)
	retireArgs := []any{now, string(b.id)}
	if !direct {
		retire += " AND name = $3"
		retireArgs = append(retireArgs, op.component)
	}
	if _, err := tx.ExecContext(ctx, retire, retireArgs...); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(op.data)
	if err != nil {
		return nil, &types.ValidationError{Component: op.component, Reason: "data is not JSON-serializable"}
	}
	cid := types.ComponentID(uuid.NewString())
	insert := fmt.Sprintf("INSERT INTO %s (id, entity_id, name, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $5)", table)
	if _, err := tx.ExecContext(ctx, insert, string(cid), string(b.id), op.component, raw, now); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO entity_components (entity_id, component_name, component_id) VALUES ($1, $2, $3)"+
			" ON CONFLICT (entity_id, component_name) DO UPDATE SET component_id = EXCLUDED.component_id",
		string(b.id), op.component, string(cid))
	if err != nil {
		return nil, err
	}

	return &types.Component{
		ID:        cid,
		EntityID:  b.id,
		Name:      op.component,
		Data:      op.data,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (b *Builder) applyRemove(ctx context.Context, tx storage.Querier, component string, now time.Time) error {
	s := b.store
	table, direct := s.parts.DirectPartitionFor(component)

	retire := fmt.Sprintf("UPDATE %s SET deleted_at = $1, updated_at = $1 WHERE entity_id = $2 AND deleted_at IS NULL", table)
	args := []any{now, string(b.id)}
	if !direct {
		retire += " AND name = $3"
		args = append(args, component)
	}
	if _, err := tx.ExecContext(ctx, retire, args...); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		"DELETE FROM entity_components WHERE entity_id = $1 AND component_name = $2", string(b.id), component)
	return err
}

func (b *Builder) applySoftDelete(ctx context.Context, tx storage.Querier, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE entities SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL", string(b.id), now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE components SET deleted_at = $2, updated_at = $2 WHERE entity_id = $1 AND deleted_at IS NULL", string(b.id), now); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		"DELETE FROM entity_components WHERE entity_id = $1", string(b.id))
	return err
}
