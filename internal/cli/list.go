package cli

import (
	"fmt"
	"time"

	"github.com/harun/agentloop/pkg/durable"
	"github.com/spf13/cobra"
)

var listStatus string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled workflows",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "only show workflows with this status (running, completed, failed)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	status := durable.WorkflowStatus(listStatus)
	switch status {
	case "", durable.StatusRunning, durable.StatusCompleted, durable.StatusFailed:
	default:
		return fmt.Errorf("invalid status %q (must be: running, completed, failed)", listStatus)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	journal, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer journal.Close()

	workflows, err := journal.ListWorkflows(cmd.Context(), status)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(workflows) == 0 {
		fmt.Fprintln(out, "No workflows")
		return nil
	}
	for _, rec := range workflows {
		fmt.Fprintf(out, "%-52s %-10s %s\n", rec.ID, rec.Status, rec.CreatedAt.Local().Format(time.RFC3339))
	}
	return nil
}
