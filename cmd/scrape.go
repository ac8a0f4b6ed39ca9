package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-monitor/internal/server"
)

func newScrapeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scrape <item_id>",
		Short: "Scrapes one tracked item now and prints the result",
		Long: `Creates a task for the item and runs a single attempt in the foreground.
The resulting task, snapshot and alerts are printed as JSON. A failed attempt
leaves the task scheduled for retry and exits non-zero.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app App) error {
				result, runErr := app.ScrapeOnce(cmd.Context(), args[0])
				if result.Task.ID == "" && runErr != nil {
					return fmt.Errorf("scrape %s: %w", args[0], runErr)
				}
				if err := printResult(cmd, result); err != nil {
					return errors.Join(runErr, err)
				}
				if runErr != nil {
					return fmt.Errorf("scrape %s: %w", args[0], runErr)
				}
				return nil
			})
		},
	}
}

func printResult(cmd *cobra.Command, result server.ScrapeResult) error {
	enc := json.NewEncoder(out(cmd))
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
