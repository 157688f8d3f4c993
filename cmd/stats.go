package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newStatsCmd creates the 'stats' subcommand.
func newStatsCmd() *cobra.Command {
	var runs int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Prints tracked state and recent runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]any{"stats": appInstance.Orchestrator().GetStatistics()}
			if runs > 0 {
				recent, err := appInstance.RecentRuns(cmd.Context(), runs)
				if err != nil {
					return fmt.Errorf("recent runs: %w", err)
				}
				out["runs"] = recent
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("write stats: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&runs, "runs", 5, "number of recent runs to include")
	return cmd
}
