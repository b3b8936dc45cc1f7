package cli

import (
	"context"
	"fmt"

	"github.com/harun/agentloop/internal/daemon"
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Continue an interrupted workflow",
	Long: `Resume a workflow from its journal. Completed steps are replayed from the
journal; only the remaining steps run.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	workflowID := args[0]

	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		answer, err := d.Resume(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("workflow %s failed: %w", workflowID, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Result: %s\n", answer)
		return nil
	})
}
