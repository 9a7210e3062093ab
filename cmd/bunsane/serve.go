package main

import (
	"github.com/spf13/cobra"

	"github.com/bunsane/bunsane/internal/app"
	"github.com/bunsane/bunsane/internal/registry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Boot the engine and run until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := app.New(app.Options{
			ConfigPath: configPath,
			RegisterComponents: func(r *registry.Registry) error {
				if componentsPath == "" {
					return nil
				}
				return r.LoadFile(componentsPath)
			},
		})
		return a.Run(cmd.Context())
	},
}
