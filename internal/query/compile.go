package query

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/bunsane/bunsane/internal/registry"
	"github.com/bunsane/bunsane/internal/types"
)

// PartitionResolver maps a component name to the physical table to scan.
// Satisfied by postgres.Schema.
type PartitionResolver interface {
	DirectPartitionFor(name string) (table string, direct bool)
}

// Compiler turns a Builder into one SQL statement. It validates components
// and fields against the registry and operators against field kinds; misuse
// is a QueryCompileError.
type Compiler struct {
	reg     *registry.Registry
	parts   PartitionResolver
	lateral bool
}

// NewCompiler returns a compiler. lateral selects LATERAL joins for sort and
// include hydration sources.
func NewCompiler(reg *registry.Registry, parts PartitionResolver, lateral bool) *Compiler {
	return &Compiler{reg: reg, parts: parts, lateral: lateral}
}

// Compile emits the full SELECT: entity columns, predicate sub-selects, sort
// joins, deterministic ORDER BY, and pagination.
func (c *Compiler) Compile(b *Builder) (string, []any, error) {
	if err := c.validate(b); err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sb.WriteString("SELECT e.id, e.created_at, e.updated_at, e.deleted_at FROM entities e")

	sortAliases := c.writeSortJoins(&sb, b, arg)

	if err := c.writeWhere(&sb, b, arg); err != nil {
		return "", nil, err
	}

	// ORDER BY: declared keys first, entity id as the final tie-break so
	// equal keys still yield a total, deterministic order.
	sb.WriteString(" ORDER BY ")
	for _, key := range b.sorts {
		alias := sortAliases[key.Component]
		def := c.reg.Lookup(key.Component)
		sb.WriteString(fieldExpr(alias, def.Field(key.Field)))
		if key.Dir == DESC {
			sb.WriteString(" DESC")
		} else {
			sb.WriteString(" ASC")
		}
		if key.NullsFirst {
			sb.WriteString(" NULLS FIRST")
		} else {
			sb.WriteString(" NULLS LAST")
		}
		sb.WriteString(", ")
	}
	sb.WriteString("e.id ASC")

	if b.limit != nil {
		fmt.Fprintf(&sb, " LIMIT %d", *b.limit)
	}
	if b.offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", b.offset)
	}

	return sb.String(), args, nil
}

// CompileCount emits a COUNT over the same predicates, without sort or
// pagination.
func (c *Compiler) CompileCount(b *Builder) (string, []any, error) {
	if err := c.validate(b); err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sb.WriteString("SELECT count(*) FROM entities e")
	if err := c.writeWhere(&sb, b, arg); err != nil {
		return "", nil, err
	}
	return sb.String(), args, nil
}

// writeSortJoins emits one join per distinct sort component and returns the
// component → alias map.
func (c *Compiler) writeSortJoins(sb *strings.Builder, b *Builder, arg func(any) string) map[string]string {
	aliases := make(map[string]string)
	for _, key := range b.sorts {
		if _, done := aliases[key.Component]; done {
			continue
		}
		alias := fmt.Sprintf("s%d", len(aliases))
		aliases[key.Component] = alias
		table, direct := c.parts.DirectPartitionFor(key.Component)

		if c.lateral {
			fmt.Fprintf(sb, " LEFT JOIN LATERAL (SELECT data FROM %s src WHERE src.entity_id = e.id", table)
			if !direct {
				fmt.Fprintf(sb, " AND src.name = %s", arg(key.Component))
			}
			fmt.Fprintf(sb, " AND src.deleted_at IS NULL LIMIT 1) %s ON true", alias)
		} else {
			fmt.Fprintf(sb, " LEFT JOIN %s %s ON %s.entity_id = e.id", table, alias, alias)
			if !direct {
				fmt.Fprintf(sb, " AND %s.name = %s", alias, arg(key.Component))
			}
			fmt.Fprintf(sb, " AND %s.deleted_at IS NULL", alias)
		}
	}
	return aliases
}

// writeWhere emits the predicate: soft-delete gate, one sub-select per With
// clause, and the archetype set-equality constraint.
func (c *Compiler) writeWhere(sb *strings.Builder, b *Builder, arg func(any) string) error {
	sb.WriteString(" WHERE 1=1")
	if !b.includeDeleted {
		sb.WriteString(" AND e.deleted_at IS NULL")
	}

	for i, w := range b.withs {
		alias := fmt.Sprintf("w%d", i)
		table, direct := c.parts.DirectPartitionFor(w.component)

		fmt.Fprintf(sb, " AND EXISTS (SELECT 1 FROM %s %s WHERE %s.entity_id = e.id", table, alias, alias)
		if !direct {
			fmt.Fprintf(sb, " AND %s.name = %s", alias, arg(w.component))
		}
		fmt.Fprintf(sb, " AND %s.deleted_at IS NULL", alias)

		def := c.reg.Lookup(w.component)
		for _, f := range w.filters {
			clause, err := filterSQL(alias, def, f, arg)
			if err != nil {
				return err
			}
			sb.WriteString(" AND ")
			sb.WriteString(clause)
		}
		sb.WriteString(")")
	}

	if b.archetype != nil {
		names := b.archetype.ComponentNames()
		fmt.Fprintf(sb, " AND (SELECT count(*) FROM entity_components ec WHERE ec.entity_id = e.id) = %d", len(names))
		fmt.Fprintf(sb, " AND NOT EXISTS (SELECT 1 FROM entity_components ec2 WHERE ec2.entity_id = e.id AND NOT (ec2.component_name = ANY(%s)))",
			arg(names))
	}
	return nil
}

// validate checks every referenced component and field against the registry
// and every operator against its field's kind.
func (c *Compiler) validate(b *Builder) error {
	for _, w := range b.withs {
		def := c.reg.Lookup(w.component)
		if def == nil {
			return &types.QueryCompileError{Component: w.component, Reason: "unknown component"}
		}
		for _, f := range w.filters {
			fdef := def.Field(f.Field)
			if fdef == nil {
				return &types.QueryCompileError{Component: w.component, Field: f.Field, Reason: "unknown field"}
			}
			if err := checkOp(w.component, fdef, f); err != nil {
				return err
			}
		}
	}
	for _, s := range b.sorts {
		def := c.reg.Lookup(s.Component)
		if def == nil {
			return &types.QueryCompileError{Component: s.Component, Reason: "unknown component in sort"}
		}
		if def.Field(s.Field) == nil {
			return &types.QueryCompileError{Component: s.Component, Field: s.Field, Reason: "unknown field in sort"}
		}
	}
	for _, inc := range b.includes {
		if c.reg.Lookup(inc) == nil {
			return &types.QueryCompileError{Component: inc, Reason: "unknown component in include"}
		}
	}
	if b.archetype != nil {
		for _, name := range b.archetype.ComponentNames() {
			if c.reg.Lookup(name) == nil {
				return &types.QueryCompileError{Component: name, Reason: "unknown component in archetype"}
			}
		}
	}
	if b.offset < 0 {
		return &types.QueryCompileError{Reason: "negative offset"}
	}
	if b.limit != nil && *b.limit < 0 {
		return &types.QueryCompileError{Reason: "negative limit"}
	}
	return nil
}

// checkOp validates operator/kind compatibility.
func checkOp(component string, fdef *registry.FieldDef, f Filter) error {
	bad := func(reason string) error {
		return &types.QueryCompileError{Component: component, Field: f.Field, Reason: reason}
	}
	kind := fdef.Kind
	switch f.Op {
	case EQ, NEQ:
		if kind == types.KindJSON {
			return bad("EQ/NEQ not supported for json fields; use CONTAINS")
		}
	case LT, LTE, GT, GTE:
		switch kind {
		case types.KindInt, types.KindFloat, types.KindTimestamp, types.KindString:
		default:
			return bad(fmt.Sprintf("ordering operator %s not valid for %s fields", f.Op, kind))
		}
	case IN, NOT_IN:
		if kind == types.KindJSON || kind == types.KindBool {
			return bad(fmt.Sprintf("%s not valid for %s fields", f.Op, kind))
		}
		if f.Value == nil || reflect.ValueOf(f.Value).Kind() != reflect.Slice {
			return bad(fmt.Sprintf("%s requires a slice value", f.Op))
		}
	case LIKE:
		if kind != types.KindString {
			return bad("LIKE is only valid for string fields")
		}
	case CONTAINS:
		if kind != types.KindString && kind != types.KindJSON {
			return bad("CONTAINS is only valid for string and json fields")
		}
	case EXISTS:
		// Key-presence check; valid for every kind.
	default:
		return bad(fmt.Sprintf("unknown operator %q", f.Op))
	}
	return nil
}

// fieldExpr renders the JSON extraction for a field with a kind-appropriate
// cast, so comparisons and sorts behave numerically/temporally rather than
// lexically.
func fieldExpr(alias string, f *registry.FieldDef) string {
	path := fmt.Sprintf("%s.data->>'%s'", alias, f.Name)
	switch f.Kind {
	case types.KindInt, types.KindFloat:
		return "(" + path + ")::numeric"
	case types.KindBool:
		return "(" + path + ")::boolean"
	case types.KindTimestamp:
		return "(" + path + ")::timestamptz"
	default:
		return path
	}
}

// filterSQL renders one filter predicate.
func filterSQL(alias string, def *registry.ComponentDef, f Filter, arg func(any) string) (string, error) {
	fdef := def.Field(f.Field)
	expr := fieldExpr(alias, fdef)

	switch f.Op {
	case EQ:
		return fmt.Sprintf("%s = %s", expr, arg(f.Value)), nil
	case NEQ:
		return fmt.Sprintf("%s IS DISTINCT FROM %s", expr, arg(f.Value)), nil
	case LT:
		return fmt.Sprintf("%s < %s", expr, arg(f.Value)), nil
	case LTE:
		return fmt.Sprintf("%s <= %s", expr, arg(f.Value)), nil
	case GT:
		return fmt.Sprintf("%s > %s", expr, arg(f.Value)), nil
	case GTE:
		return fmt.Sprintf("%s >= %s", expr, arg(f.Value)), nil
	case IN:
		return fmt.Sprintf("%s = ANY(%s)", expr, arg(f.Value)), nil
	case NOT_IN:
		return fmt.Sprintf("%s <> ALL(%s)", expr, arg(f.Value)), nil
	case LIKE:
		return fmt.Sprintf("%s LIKE %s", expr, arg(f.Value)), nil
	case CONTAINS:
		if fdef.Kind == types.KindJSON {
			raw, err := json.Marshal(f.Value)
			if err != nil {
				return "", &types.QueryCompileError{Component: def.Name, Field: f.Field, Reason: "CONTAINS value is not JSON-serializable"}
			}
			return fmt.Sprintf("%s.data->'%s' @> %s::jsonb", alias, f.Field, arg(string(raw))), nil
		}
		return fmt.Sprintf("position(%s in %s) > 0", arg(f.Value), expr), nil
	case EXISTS:
		return fmt.Sprintf("%s.data ? '%s'", alias, f.Field), nil
	}
	return "", &types.QueryCompileError{Component: def.Name, Field: f.Field, Reason: fmt.Sprintf("unknown operator %q", f.Op)}
}
