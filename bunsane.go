// Package bunsane is the public surface for embedding the engine.
//
// An application declares its component types, registers hooks and scheduled
// tasks, and runs the App; everything else (storage, partitioning, caching,
// query compilation) lives behind this facade. The exported names are
// aliases into the internal packages, so values move freely between the
// facade and code that accepts the internal types.
package bunsane

import (
	"github.com/bunsane/bunsane/internal/app"
	"github.com/bunsane/bunsane/internal/ecs"
	"github.com/bunsane/bunsane/internal/hooks"
	"github.com/bunsane/bunsane/internal/query"
	"github.com/bunsane/bunsane/internal/registry"
	"github.com/bunsane/bunsane/internal/scheduler"
	"github.com/bunsane/bunsane/internal/types"
)

// Core data model.
type (
	EntityID  = types.EntityID
	Entity    = types.Entity
	Component = types.Component
	Event     = types.Event
	EventKind = types.EventKind

	FieldKind    = types.FieldKind
	FieldDef     = registry.FieldDef
	ComponentDef = registry.ComponentDef
	Registry     = registry.Registry
)

// Event kinds.
const (
	EventEntityCreated = types.EventEntityCreated
	EventEntityUpdated = types.EventEntityUpdated
	EventEntityDeleted = types.EventEntityDeleted
)

// Field kinds.
const (
	KindString    = types.KindString
	KindInt       = types.KindInt
	KindFloat     = types.KindFloat
	KindBool      = types.KindBool
	KindTimestamp = types.KindTimestamp
	KindJSON      = types.KindJSON
)

// Sentinel errors.
var (
	ErrNotFound       = types.ErrNotFound
	ErrAlreadyPresent = types.ErrAlreadyPresent
)

// Entity store and write builder.
type (
	Store           = ecs.Store
	EntityBuilder   = ecs.Builder
	Archetype       = ecs.Archetype
	FilledArchetype = ecs.FilledArchetype
)

// NewArchetype declares a named component-set shape. Duplicate component
// names collapse.
func NewArchetype(name string, components ...string) *Archetype {
	return ecs.NewArchetype(name, components...)
}

// Query building.
type (
	Query   = query.Builder
	Filter  = query.Filter
	Op      = query.Op
	SortDir = query.SortDir
)

// Filter operators.
const (
	EQ       = query.EQ
	NEQ      = query.NEQ
	LT       = query.LT
	LTE      = query.LTE
	GT       = query.GT
	GTE      = query.GTE
	IN       = query.IN
	NOTIN    = query.NOT_IN
	LIKE     = query.LIKE
	CONTAINS = query.CONTAINS
	EXISTS   = query.EXISTS
)

// Sort directions.
const (
	ASC  = query.ASC
	DESC = query.DESC
)

// NewQuery starts an empty query; with no clauses it matches every
// non-deleted entity.
func NewQuery() *Query { return query.New() }

// F builds a filter.
func F(field string, op Op, value any) Filter { return query.F(field, op, value) }

// Hooks.
type (
	Hook          = hooks.Hook
	HookPredicate = hooks.Predicate
	HookHandler   = hooks.Handler
	Dispatcher    = hooks.Dispatcher
)

// Scheduler.
type (
	Task        = scheduler.Task
	TaskOptions = scheduler.TaskOptions
	TaskHandler = scheduler.TaskHandler
	Interval    = scheduler.Interval
	Scheduler   = scheduler.Scheduler
)

// Task intervals.
const (
	IntervalMinute  = scheduler.IntervalMinute
	IntervalHour    = scheduler.IntervalHour
	IntervalDaily   = scheduler.IntervalDaily
	IntervalWeekly  = scheduler.IntervalWeekly
	IntervalMonthly = scheduler.IntervalMonthly
	IntervalCron    = scheduler.IntervalCron
)

// Application wiring.
type (
	App     = app.App
	Options = app.Options
)

// New returns an unbooted App.
func New(opts Options) *App { return app.New(opts) }
