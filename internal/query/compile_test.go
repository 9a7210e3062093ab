package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bunsane/bunsane/internal/registry"
	"github.com/bunsane/bunsane/internal/types"
)

type fakeParts struct{ direct bool }

func (f fakeParts) DirectPartitionFor(name string) (string, bool) {
	if f.direct {
		return "components_" + strings.ToLower(name), true
	}
	return "components", false
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	require.NoError(t, r.Register(registry.ComponentDef{
		Name: "User",
		Fields: []registry.FieldDef{
			{Name: "email", Kind: types.KindString},
			{Name: "age", Kind: types.KindInt, Default: int64(0)},
			{Name: "active", Kind: types.KindBool, Default: true},
			{Name: "joined", Kind: types.KindTimestamp, Nullable: true},
			{Name: "meta", Kind: types.KindJSON, Nullable: true},
		},
	}))
	require.NoError(t, r.Register(registry.ComponentDef{
		Name: "Score",
		Fields: []registry.FieldDef{
			{Name: "value", Kind: types.KindInt, Default: int64(0)},
		},
	}))
	return r
}

func TestCompileEmptyQuery(t *testing.T) {
	c := NewCompiler(testRegistry(t), fakeParts{direct: true}, true)

	sql, args, err := c.Compile(New())
	require.NoError(t, err)
	assert.Empty(t, args)
	assert.Contains(t, sql, "FROM entities e")
	assert.Contains(t, sql, "e.deleted_at IS NULL")
	assert.Contains(t, sql, "ORDER BY e.id ASC")
	assert.NotContains(t, sql, "LIMIT")
}

func TestCompileDirectPartitionTargeting(t *testing.T) {
	c := NewCompiler(testRegistry(t), fakeParts{direct: true}, true)

	sql, args, err := c.Compile(New().With("User", F("age", GT, 30)))
	require.NoError(t, err)
	assert.Contains(t, sql, "FROM components_user w0")
	assert.NotContains(t, sql, "w0.name =", "direct partition scan must not refilter by name")
	assert.Contains(t, sql, "(w0.data->>'age')::numeric > $1")
	assert.Equal(t, []any{30}, args)
}

func TestCompileParentTableFallback(t *testing.T) {
	c := NewCompiler(testRegistry(t), fakeParts{direct: false}, true)

	sql, args, err := c.Compile(New().With("User", F("age", GT, 30)))
	require.NoError(t, err)
	assert.Contains(t, sql, "FROM components w0")
	assert.Contains(t, sql, "w0.name = $1")
	assert.Equal(t, []any{"User", 30}, args)
}

func TestCompileConjunctiveWiths(t *testing.T) {
	c := NewCompiler(testRegistry(t), fakeParts{direct: true}, true)

	sql, _, err := c.Compile(New().
		With("User", F("active", EQ, true)).
		With("Score", F("value", GTE, 10)))
	require.NoError(t, err)
	assert.Contains(t, sql, "components_user w0")
	assert.Contains(t, sql, "components_score w1")
	assert.Equal(t, 2, strings.Count(sql, "EXISTS (SELECT 1 FROM"))
}

func TestCompileOperators(t *testing.T) {
	c := NewCompiler(testRegistry(t), fakeParts{direct: true}, true)

	cases := map[string]struct {
		filter Filter
		want   string
	}{
		"EQ":            {F("email", EQ, "a@b.c"), "w0.data->>'email' = $1"},
		"NEQ":           {F("email", NEQ, "a@b.c"), "IS DISTINCT FROM $1"},
		"LTE":           {F("age", LTE, 10), "(w0.data->>'age')::numeric <= $1"},
		"IN":            {F("age", IN, []int{1, 2}), "(w0.data->>'age')::numeric = ANY($1)"},
		"NOT_IN":        {F("age", NOT_IN, []int{1, 2}), "<> ALL($1)"},
		"LIKE":          {F("email", LIKE, "%@b.c"), "w0.data->>'email' LIKE $1"},
		"CONTAINS str":  {F("email", CONTAINS, "@b"), "position($1 in w0.data->>'email') > 0"},
		"CONTAINS json": {F("meta", CONTAINS, map[string]any{"k": "v"}), "w0.data->'meta' @> $1::jsonb"},
		"EXISTS":        {F("meta", EXISTS, nil), "w0.data ? 'meta'"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			sql, _, err := c.Compile(New().With("User", tc.filter))
			require.NoError(t, err)
			assert.Contains(t, sql, tc.want)
		})
	}
}

func TestCompileSortLateral(t *testing.T) {
	c := NewCompiler(testRegistry(t), fakeParts{direct: true}, true)

	sql, _, err := c.Compile(New().With("User").SortBy("User", "age", ASC))
	require.NoError(t, err)
	assert.Contains(t, sql, "LEFT JOIN LATERAL (SELECT data FROM components_user src")
	assert.Contains(t, sql, "ORDER BY (s0.data->>'age')::numeric ASC NULLS LAST, e.id ASC")
}

func TestCompileSortPlainJoin(t *testing.T) {
	c := NewCompiler(testRegistry(t), fakeParts{direct: false}, false)

	sql, args, err := c.Compile(New().SortBy("User", "age", DESC))
	require.NoError(t, err)
	assert.Contains(t, sql, "LEFT JOIN components s0 ON s0.entity_id = e.id AND s0.name = $1")
	assert.Contains(t, sql, "ORDER BY (s0.data->>'age')::numeric DESC NULLS LAST, e.id ASC")
	assert.Equal(t, []any{"User"}, args)
}

func TestCompileMultiKeySortSharesJoin(t *testing.T) {
	c := NewCompiler(testRegistry(t), fakeParts{direct: true}, true)

	sql, _, err := c.Compile(New().
		SortBy("User", "age", ASC).
		SortBy("User", "email", DESC))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(sql, "LEFT JOIN LATERAL"), "one join per distinct sort component")
	assert.Contains(t, sql, "(s0.data->>'age')::numeric ASC NULLS LAST, s0.data->>'email' DESC NULLS LAST, e.id ASC")
}

func TestCompilePagination(t *testing.T) {
	c := NewCompiler(testRegistry(t), fakeParts{direct: true}, true)

	sql, _, err := c.Compile(New().Take(10).Offset(20))
	require.NoError(t, err)
	assert.Contains(t, sql, "LIMIT 10")
	assert.Contains(t, sql, "OFFSET 20")
}

func TestCompileIncludeDeleted(t *testing.T) {
	c := NewCompiler(testRegistry(t), fakeParts{direct: true}, true)

	sql, _, err := c.Compile(New().IncludeDeleted())
	require.NoError(t, err)
	assert.NotContains(t, sql, "e.deleted_at IS NULL")
}

type testArchetype struct {
	name  string
	comps []string
}

func (a testArchetype) Name() string             { return a.name }
func (a testArchetype) ComponentNames() []string { return a.comps }

func TestCompileArchetypeSetEquality(t *testing.T) {
	c := NewCompiler(testRegistry(t), fakeParts{direct: true}, true)

	sql, args, err := c.Compile(New().MatchingArchetype(testArchetype{"pair", []string{"User", "Score"}}))
	require.NoError(t, err)
	assert.Contains(t, sql, "(SELECT count(*) FROM entity_components ec WHERE ec.entity_id = e.id) = 2")
	assert.Contains(t, sql, "NOT (ec2.component_name = ANY($1))")
	require.Len(t, args, 1)
}

func TestCompileErrors(t *testing.T) {
	c := NewCompiler(testRegistry(t), fakeParts{direct: true}, true)

	cases := map[string]*Builder{
		"unknown component":      New().With("Ghost"),
		"unknown field":          New().With("User", F("nickname", EQ, "x")),
		"LIKE on int":            New().With("User", F("age", LIKE, "3%")),
		"ordering on bool":       New().With("User", F("active", GT, true)),
		"IN without slice":       New().With("User", F("age", IN, 3)),
		"EQ on json":             New().With("User", F("meta", EQ, "{}")),
		"unknown sort component": New().SortBy("Ghost", "f", ASC),
		"unknown sort field":     New().SortBy("User", "nope", ASC),
		"unknown include":        New().Include("Ghost"),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := c.Compile(b)
			require.Error(t, err)
			var qerr *types.QueryCompileError
			assert.ErrorAs(t, err, &qerr)
		})
	}
}

func TestCompileCount(t *testing.T) {
	c := NewCompiler(testRegistry(t), fakeParts{direct: true}, true)

	sql, args, err := c.CompileCount(New().With("User", F("age", GT, 30)).SortBy("User", "age", ASC).Take(5))
	require.NoError(t, err)
	assert.Contains(t, sql, "SELECT count(*) FROM entities e")
	assert.NotContains(t, sql, "ORDER BY")
	assert.NotContains(t, sql, "LIMIT")
	assert.Equal(t, []any{30}, args)
}
