// Command bunsane is the operational CLI for the engine: schema
// initialization, serving an embedded application, and health checks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bunsane/bunsane/internal/app"
	"github.com/bunsane/bunsane/internal/debug"
)

var (
	configPath     string
	componentsPath string
	debugFlag      bool
)

var rootCmd = &cobra.Command{
	Use:           "bunsane",
	Short:         "Entity-component persistence engine over Postgres",
	Version:       app.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugFlag {
			debug.SetEnabled(true)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to bunsane.yaml (default: ./bunsane.yaml, then environment)")
	rootCmd.PersistentFlags().StringVar(&componentsPath, "components", "",
		"path to a component definitions YAML file")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable diagnostic logging to stderr")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(tasksCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
