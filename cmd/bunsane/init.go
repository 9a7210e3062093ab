package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bunsane/bunsane/internal/config"
	"github.com/bunsane/bunsane/internal/registry"
	"github.com/bunsane/bunsane/internal/storage/postgres"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the base tables and component partitions",
	Long: `Connects to the configured database, creates the entities, components,
and entity_components tables if they do not exist, and creates a partition
for every component declared in the --components file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		db, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DatabasePoolSize)
		if err != nil {
			return err
		}
		defer db.Close()

		schema := postgres.NewSchema(db, cfg)
		if err := schema.Bootstrap(ctx); err != nil {
			return err
		}
		fmt.Println("schema ready")

		if componentsPath == "" {
			return nil
		}
		reg := registry.New()
		if err := reg.LoadFile(componentsPath); err != nil {
			return err
		}
		for _, name := range reg.Names() {
			if err := schema.EnsurePartition(ctx, name); err != nil {
				return err
			}
			fmt.Printf("partition ready: %s\n", postgres.PartitionTable(name))
		}
		return nil
	},
}
