// Package ecs implements the entity/component store: staged entity mutation
// builders, the transactional save path with post-commit event dispatch and
// cache invalidation, read-through component access, and archetypes.
package ecs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bunsane/bunsane/internal/cache"
	"github.com/bunsane/bunsane/internal/debug"
	"github.com/bunsane/bunsane/internal/query"
	"github.com/bunsane/bunsane/internal/registry"
	"github.com/bunsane/bunsane/internal/storage"
	"github.com/bunsane/bunsane/internal/types"
)

// EventSink receives committed lifecycle events. Dispatch must not return
// until synchronous handlers have run and asynchronous ones are joined; Save
// blocks on it. Satisfied by hooks.Dispatcher.
type EventSink interface {
	Dispatch(ctx context.Context, events []types.Event)
}

// Store is the persistence surface for entities and components.
type Store struct {
	db    storage.Driver
	reg   *registry.Registry
	parts query.PartitionResolver
	cache *cache.Manager
	sink  EventSink
	exec  *query.Executor

	// seq numbers committed events process-wide, in commit order.
	seq atomic.Uint64
}

// NewStore wires a store. cacheMgr and sink may be nil (uncached, no event
// dispatch).
func NewStore(db storage.Driver, reg *registry.Registry, parts query.PartitionResolver, cacheMgr *cache.Manager, sink EventSink, lateral bool) *Store {
	return &Store{
		db:    db,
		reg:   reg,
		parts: parts,
		cache: cacheMgr,
		sink:  sink,
		exec:  query.NewExecutor(db, reg, parts, cacheMgr, lateral),
	}
}

// SetSink installs the event sink after construction. The dispatcher is
// registered during SYSTEM_REGISTERING, after the store exists.
func (s *Store) SetSink(sink EventSink) { s.sink = sink }

// Query starts a query builder.
func (s *Store) Query() *query.Builder { return query.New() }

// Exec runs a query through the store's executor.
func (s *Store) Exec(ctx context.Context, b *query.Builder) ([]*types.Entity, error) {
	return s.exec.Exec(ctx, b)
}

// Count runs a query's predicates under a COUNT aggregate.
func (s *Store) Count(ctx context.Context, b *query.Builder) (int, error) {
	return s.exec.Count(ctx, b)
}

// Get returns the active instance data of component on entity id, reading
// through the cache. ErrNotFound if the entity has no active instance.
func (s *Store) Get(ctx context.Context, id types.EntityID, component string) (map[string]any, error) {
	if s.reg.Lookup(component) == nil {
		return nil, &types.ValidationError{Component: component, Reason: "component type not registered"}
	}

	if s.cache != nil {
		if c, ok := s.cache.GetComponent(ctx, id, component); ok {
			return c.Data, nil
		}
	}

	c, err := s.fetchActive(ctx, id, component)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetComponent(ctx, c)
	}
	return c.Data, nil
}

// Load returns the entity with every active component hydrated. ErrNotFound
// for unknown or soft-deleted ids.
func (s *Store) Load(ctx context.Context, id types.EntityID) (*types.Entity, error) {
	got, err := s.LoadMultiple(ctx, []types.EntityID{id})
	if err != nil {
		return nil, err
	}
	if len(got) == 0 {
		return nil, types.ErrNotFound
	}
	return got[0], nil
}

// LoadMultiple returns the entities in request order with active components
// hydrated. Absent and soft-deleted ids are omitted. One SQL statement loads
// the entity rows, one the junction, and one per involved component
// partition loads that partition's instances, regardless of id count.
func (s *Store) LoadMultiple(ctx context.Context, ids []types.EntityID) ([]*types.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	unique := make([]string, 0, len(ids))
	seen := make(map[types.EntityID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, string(id))
	}

	var rows []types.Entity
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, created_at, updated_at, deleted_at FROM entities WHERE id = ANY($1) AND deleted_at IS NULL", unique)
	if err != nil {
		return nil, err
	}
	byID := make(map[types.EntityID]*types.Entity, len(rows))
	for i := range rows {
		byID[rows[i].ID] = &rows[i]
	}

	// One junction scan tells us which partitions hold data for this id set.
	var junction []struct {
		EntityID      types.EntityID `db:"entity_id"`
		ComponentName string         `db:"component_name"`
	}
	err = s.db.SelectContext(ctx, &junction,
		"SELECT entity_id, component_name FROM entity_components WHERE entity_id = ANY($1) ORDER BY component_name", unique)
	if err != nil {
		return nil, err
	}
	perName := make(map[string][]types.EntityID)
	var names []string
	for _, j := range junction {
		if _, present := byID[j.EntityID]; !present {
			continue
		}
		if _, known := perName[j.ComponentName]; !known {
			names = append(names, j.ComponentName)
		}
		perName[j.ComponentName] = append(perName[j.ComponentName], j.EntityID)
	}

	for _, name := range names {
		fetch := s.exec.ComponentFetcher(name)
		found, err := fetch(ctx, perName[name])
		if err != nil {
			return nil, err
		}
		for eid, c := range found {
			e := byID[eid]
			if e.Components == nil {
				e.Components = make(map[string]*types.Component)
			}
			e.Components[name] = c
		}
	}

	out := make([]*types.Entity, 0, len(byID))
	for _, id := range ids {
		if e, present := byID[id]; present {
			out = append(out, e)
			delete(byID, id)
		}
	}
	debug.Logf("ecs: loaded %d/%d entities across %d partition(s)", len(out), len(ids), len(names))
	return out, nil
}

// ComponentHistory returns every instance of component ever written for the
// entity, newest first. Soft-deleted instances stay addressable for audit.
func (s *Store) ComponentHistory(ctx context.Context, id types.EntityID, component string) ([]*types.Component, error) {
	if s.reg.Lookup(component) == nil {
		return nil, &types.ValidationError{Component: component, Reason: "component type not registered"}
	}
	table, direct := s.parts.DirectPartitionFor(component)

	sqlStr := fmt.Sprintf(
		"SELECT id, entity_id, name, data, created_at, updated_at, deleted_at FROM %s c WHERE c.entity_id = $1", table)
	args := []any{string(id)}
	if !direct {
		sqlStr += " AND c.name = $2"
		args = append(args, component)
	}
	sqlStr += " ORDER BY c.created_at DESC, c.id DESC"

	var rows []componentRow
	if err := s.db.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, err
	}
	out := make([]*types.Component, 0, len(rows))
	for _, r := range rows {
		c, err := r.toComponent()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) fetchActive(ctx context.Context, id types.EntityID, component string) (*types.Component, error) {
	table, direct := s.parts.DirectPartitionFor(component)

	sqlStr := fmt.Sprintf(
		"SELECT id, entity_id, name, data, created_at, updated_at, deleted_at FROM %s c WHERE c.entity_id = $1 AND c.deleted_at IS NULL", table)
	args := []any{string(id)}
	if !direct {
		sqlStr += " AND c.name = $2"
		args = append(args, component)
	}

	var row componentRow
	if err := s.db.GetContext(ctx, &row, sqlStr, args...); err != nil {
		return nil, err
	}
	return row.toComponent()
}

type componentRow struct {
	ID        types.ComponentID `db:"id"`
	EntityID  types.EntityID    `db:"entity_id"`
	Name      string            `db:"name"`
	Data      []byte            `db:"data"`
	CreatedAt time.Time         `db:"created_at"`
	UpdatedAt time.Time         `db:"updated_at"`
	DeletedAt *time.Time        `db:"deleted_at"`
}

func (r componentRow) toComponent() (*types.Component, error) {
	c := &types.Component{
		ID:        r.ID,
		EntityID:  r.EntityID,
		Name:      r.Name,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		DeletedAt: r.DeletedAt,
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &c.Data); err != nil {
			return nil, types.NewStorageError("decode component data", err, false)
		}
	}
	return c, nil
}
