package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// The fingerprint is a stable hash of the builder's AST in canonical form:
// With clauses sorted by component (filters sorted within each clause), the
// sort list in declared order (order is semantic), pagination, includes
// sorted, the includeDeleted flag, and archetype membership.

type fpFilter struct {
	Field string `json:"f"`
	Op    Op     `json:"o"`
	Value string `json:"v"`
}

type fpClause struct {
	Component string     `json:"c"`
	Filters   []fpFilter `json:"fl,omitempty"`
}

type fpSort struct {
	Component  string  `json:"c"`
	Field      string  `json:"f"`
	Dir        SortDir `json:"d"`
	NullsFirst bool    `json:"nf,omitempty"`
}

type fpDoc struct {
	Withs          []fpClause `json:"w,omitempty"`
	Sorts          []fpSort   `json:"s,omitempty"`
	Includes       []string   `json:"i,omitempty"`
	Limit          *int       `json:"l,omitempty"`
	Offset         int        `json:"o,omitempty"`
	IncludeDeleted bool       `json:"del,omitempty"`
	Archetype      []string   `json:"a,omitempty"`
}

// Fingerprint returns the canonical hash of the query. Two builders that
// describe the same query (regardless of With declaration order or filter
// order) produce the same fingerprint.
func (b *Builder) Fingerprint() string {
	doc := fpDoc{
		Limit:          b.limit,
		Offset:         b.offset,
		IncludeDeleted: b.includeDeleted,
	}

	for _, w := range b.withs {
		clause := fpClause{Component: w.component}
		for _, f := range w.filters {
			raw, err := json.Marshal(f.Value)
			if err != nil {
				raw = []byte(`"!unserializable"`)
			}
			clause.Filters = append(clause.Filters, fpFilter{Field: f.Field, Op: f.Op, Value: string(raw)})
		}
		sort.Slice(clause.Filters, func(i, j int) bool {
			a, z := clause.Filters[i], clause.Filters[j]
			if a.Field != z.Field {
				return a.Field < z.Field
			}
			if a.Op != z.Op {
				return a.Op < z.Op
			}
			return a.Value < z.Value
		})
		doc.Withs = append(doc.Withs, clause)
	}
	sort.Slice(doc.Withs, func(i, j int) bool {
		return canonicalClauseLess(doc.Withs[i], doc.Withs[j])
	})

	for _, s := range b.sorts {
		doc.Sorts = append(doc.Sorts, fpSort{Component: s.Component, Field: s.Field, Dir: s.Dir, NullsFirst: s.NullsFirst})
	}

	doc.Includes = append(doc.Includes, b.includes...)
	sort.Strings(doc.Includes)

	if b.archetype != nil {
		doc.Archetype = append(doc.Archetype, b.archetype.ComponentNames()...)
		sort.Strings(doc.Archetype)
	}

	raw, _ := json.Marshal(doc)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func canonicalClauseLess(a, z fpClause) bool {
	if a.Component != z.Component {
		return a.Component < z.Component
	}
	// Same component twice: order by serialized filters.
	ar, _ := json.Marshal(a.Filters)
	zr, _ := json.Marshal(z.Filters)
	return string(ar) < string(zr)
}
