package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bunsane/bunsane/internal/cache"
	"github.com/bunsane/bunsane/internal/config"
	"github.com/bunsane/bunsane/internal/storage/postgres"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check storage and cache connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		db, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DatabasePoolSize)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		fmt.Println("storage: ok")

		mgr, err := cache.NewManager(ctx, cfg.Cache)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		defer mgr.Close()
		if !mgr.Ping(ctx) {
			return fmt.Errorf("cache: provider %s unreachable", cfg.Cache.Provider)
		}
		fmt.Println("cache: ok")
		return nil
	},
}
