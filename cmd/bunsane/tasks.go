package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bunsane/bunsane/internal/app"
	"github.com/bunsane/bunsane/internal/registry"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List scheduled tasks and execution metrics",
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
		if err := a.Boot(cmd.Context()); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.Shutdown(ctx)
		}()

		tasks := a.Scheduler.Tasks()
		if len(tasks) == 0 {
			fmt.Println("no tasks registered")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tENABLED\tNEXT\tRUNS\tRETRIES")
		for _, t := range tasks {
			next := "never"
			if !t.NextExecution.IsZero() {
				next = t.NextExecution.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\t%d\n",
				t.ID, t.Name, t.Enabled, next, t.ExecutionCount, t.RetryCount)
		}
		w.Flush()

		m := a.Scheduler.GetMetrics()
		fmt.Printf("\nexecutions: %d total, %d completed, %d failed, %d timed out, %d retried\n",
			m.TotalExecutions, m.CompletedExecutions, m.FailedExecutions,
			m.TimedOutTasks, m.RetriedExecutions)
		return nil
	},
}
