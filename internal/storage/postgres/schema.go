package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/bunsane/bunsane/internal/config"
	"github.com/bunsane/bunsane/internal/debug"
	"github.com/bunsane/bunsane/internal/storage"
)

// hashPartitions is the fixed modulus for the hash partition strategy. The
// partition count cannot change after the table exists, so this is not
// configurable.
const hashPartitions = 8

const schemaEntities = `
CREATE TABLE IF NOT EXISTS entities (
    id UUID PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_entities_deleted_at ON entities (deleted_at) WHERE deleted_at IS NOT NULL;
`

// components is partitioned by name; the primary key must include the
// partition key. Instances keep their id addressable after soft delete.
const schemaComponentsFmt = `
CREATE TABLE IF NOT EXISTS components (
    id UUID NOT NULL,
    entity_id UUID NOT NULL,
    name TEXT NOT NULL,
    data JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at TIMESTAMPTZ,
    PRIMARY KEY (name, id)
) PARTITION BY %s (name);
CREATE INDEX IF NOT EXISTS idx_components_entity ON components (entity_id, name) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_components_data ON components USING GIN (data);
`

const schemaJunction = `
CREATE TABLE IF NOT EXISTS entity_components (
    entity_id UUID NOT NULL,
    component_name TEXT NOT NULL,
    component_id UUID NOT NULL,
    PRIMARY KEY (entity_id, component_name)
);
CREATE INDEX IF NOT EXISTS idx_entity_components_name ON entity_components (component_name);
`

// Schema manages table creation and per-component partitions.
type Schema struct {
	db              storage.Driver
	strategy        string
	directPartition bool
}

// NewSchema returns a schema manager for db using the configured partition
// strategy.
func NewSchema(db storage.Driver, cfg *config.Config) *Schema {
	return &Schema{
		db:              db,
		strategy:        cfg.PartitionStrategy,
		directPartition: cfg.UseDirectPartition,
	}
}

// Bootstrap creates the base tables if they do not exist. For the hash
// strategy it also creates the fixed partition set up front; list partitions
// are created per component by EnsurePartition.
func (s *Schema) Bootstrap(ctx context.Context) error {
	method := "LIST"
	if s.strategy == config.PartitionHash {
		method = "HASH"
	}

	statements := []string{
		schemaEntities,
		fmt.Sprintf(schemaComponentsFmt, method),
		schemaJunction,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	if s.strategy == config.PartitionHash {
		for i := 0; i < hashPartitions; i++ {
			ddl := fmt.Sprintf(
				"CREATE TABLE IF NOT EXISTS components_h%d PARTITION OF components FOR VALUES WITH (MODULUS %d, REMAINDER %d)",
				i, hashPartitions, i)
			if _, err := s.db.ExecContext(ctx, ddl); err != nil {
				return err
			}
		}
	}

	debug.Logf("schema: bootstrap complete (strategy=%s)", s.strategy)
	return nil
}

// EnsurePartition creates the partition for component name. A no-op for the
// hash strategy, whose partitions are fixed at bootstrap.
func (s *Schema) EnsurePartition(ctx context.Context, name string) error {
	if s.strategy != config.PartitionList {
		return nil
	}
	// DDL cannot take bind parameters; the component name is embedded as a
	// quoted literal and a sanitized identifier.
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF components FOR VALUES IN (%s)",
		PartitionTable(name), quoteLiteral(name))
	_, err := s.db.ExecContext(ctx, ddl)
	if err == nil {
		debug.Logf("schema: partition ready for component %q", name)
	}
	return err
}

// DirectPartitionFor returns the physical table to scan for component name,
// and whether scanning it directly is possible. Direct targeting requires
// the list strategy and the config flag; otherwise callers scan the parent
// table and rely on partition pruning.
func (s *Schema) DirectPartitionFor(name string) (string, bool) {
	if !s.directPartition || s.strategy != config.PartitionList {
		return "components", false
	}
	return PartitionTable(name), true
}

// PartitionTable returns the partition table identifier for component name:
// lowercased, non-alphanumerics folded to underscores.
func PartitionTable(name string) string {
	var b strings.Builder
	b.WriteString("components_")
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// quoteLiteral renders name as a single-quoted SQL literal.
func quoteLiteral(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}
