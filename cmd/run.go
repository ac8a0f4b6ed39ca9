package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the scheduler, workers and ops server until interrupted",
		Long: `Starts the daily scrape scheduler, the worker pool and the retry sweeper,
plus the ops HTTP server when enabled. SIGINT or SIGTERM drains in-flight
attempts before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(app App) error {
				if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("run monitor: %w", err)
				}
				return nil
			})
		},
	}
}
