package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bunsane/bunsane/internal/cache"
	"github.com/bunsane/bunsane/internal/debug"
	"github.com/bunsane/bunsane/internal/loader"
	"github.com/bunsane/bunsane/internal/registry"
	"github.com/bunsane/bunsane/internal/storage"
	"github.com/bunsane/bunsane/internal/types"
)

// Executor compiles and runs queries, consulting the query cache by
// fingerprint and hydrating included components through the batch loader.
type Executor struct {
	db    storage.Driver
	reg   *registry.Registry
	parts PartitionResolver
	cache *cache.Manager
	comp  *Compiler
}

// NewExecutor wires an executor. cacheMgr may be nil (uncached execution).
func NewExecutor(db storage.Driver, reg *registry.Registry, parts PartitionResolver, cacheMgr *cache.Manager, lateral bool) *Executor {
	return &Executor{
		db:    db,
		reg:   reg,
		parts: parts,
		cache: cacheMgr,
		comp:  NewCompiler(reg, parts, lateral),
	}
}

type entityRow struct {
	ID        types.EntityID `db:"id"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
	DeletedAt *time.Time     `db:"deleted_at"`
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

// Exec runs the query and returns matching entities in a total,
// deterministic order. Take(0) short-circuits without touching storage or
// cache.
func (x *Executor) Exec(ctx context.Context, b *Builder) ([]*types.Entity, error) {
	if b.limit != nil && *b.limit == 0 {
		return []*types.Entity{}, nil
	}

	fp := b.Fingerprint()
	if x.cache != nil {
		var cached []*types.Entity
		if x.cache.GetQuery(ctx, fp, &cached) {
			debug.Logf("query: cache hit %s", fp[:12])
			return cached, nil
		}
	}

	sqlStr, args, err := x.comp.Compile(b)
	if err != nil {
		return nil, err
	}
	debug.Logf("query: exec %s", sqlStr)

	var rows []entityRow
	if err := x.db.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
		return nil, err
	}

	entities := make([]*types.Entity, 0, len(rows))
	for _, r := range rows {
		entities = append(entities, &types.Entity{
			ID:        r.ID,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
			DeletedAt: r.DeletedAt,
		})
	}

	if len(entities) > 0 {
		for _, include := range b.includes {
			if err := x.hydrate(ctx, entities, include); err != nil {
				return nil, err
			}
		}
	}

	if x.cache != nil {
		x.cache.SetQuery(ctx, fp, b.ComponentNames(), entities)
	}
	return entities, nil
}

// Count runs the query's predicates under a COUNT aggregate.
func (x *Executor) Count(ctx context.Context, b *Builder) (int, error) {
	sqlStr, args, err := x.comp.CompileCount(b)
	if err != nil {
		return 0, err
	}
	var n int
	if err := x.db.GetContext(ctx, &n, sqlStr, args...); err != nil {
		return 0, err
	}
	return n, nil
}

// hydrate attaches the active instances of component to every entity in
// one batched fetch. The loader's MaxBatch equals the entity count, so the
// whole set flushes as a single SQL statement.
func (x *Executor) hydrate(ctx context.Context, entities []*types.Entity, component string) error {
	ids := make([]types.EntityID, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}

	l := loader.NewWithOptions(x.ComponentFetcher(component), loader.Options{MaxBatch: len(ids)})
	found, err := l.LoadMany(ctx, ids)
	if err != nil {
		return err
	}

	for _, e := range entities {
		c, ok := found[e.ID]
		if !ok {
			continue
		}
		if e.Components == nil {
			e.Components = make(map[string]*types.Component, 1)
		}
		e.Components[component] = c
	}
	return nil
}

// ComponentFetcher returns a batch fetch function that loads the active
// instance of component for each entity id with one partition-targeted SQL
// statement. Also used by the entity store's LoadMultiple.
func (x *Executor) ComponentFetcher(component string) loader.FetchFunc[types.EntityID, *types.Component] {
	return func(ctx context.Context, keys []types.EntityID) (map[types.EntityID]*types.Component, error) {
		table, direct := x.parts.DirectPartitionFor(component)

		ids := make([]string, len(keys))
		for i, k := range keys {
			ids[i] = string(k)
		}

		sqlStr := fmt.Sprintf(
			"SELECT id, entity_id, name, data, created_at, updated_at, deleted_at FROM %s c WHERE c.entity_id = ANY($1) AND c.deleted_at IS NULL",
			table)
		args := []any{ids}
		if !direct {
			sqlStr += " AND c.name = $2"
			args = append(args, component)
		}

		var rows []componentRow
		if err := x.db.SelectContext(ctx, &rows, sqlStr, args...); err != nil {
			return nil, err
		}

		out := make(map[types.EntityID]*types.Component, len(rows))
		for _, r := range rows {
			c, err := r.toComponent()
			if err != nil {
				return nil, err
			}
			out[c.EntityID] = c
		}
		return out, nil
	}
}
