package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newRetriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retrigger <task_id>",
		Short: "Resets a FAILED task so it is retried",
		Long: `Moves a FAILED task back to PENDING with a fresh retry budget. A running
listingwatch sharing the same store picks it up on its next retry sweep.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app App) error {
				task, err := app.Retrigger(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("retrigger %s: %w", args[0], err)
				}
				enc := json.NewEncoder(out(cmd))
				enc.SetIndent("", "  ")
				if err := enc.Encode(task); err != nil {
					return fmt.Errorf("encode task: %w", err)
				}
				return nil
			})
		},
	}
}
