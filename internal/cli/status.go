package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/harun/agentloop/internal/config"
	"github.com/harun/agentloop/internal/daemon"
	"github.com/harun/agentloop/pkg/durable"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [workflow-id]",
	Short: "Show workflow or worker status",
	Long: `Show the journaled state of a workflow and its steps.
Without a workflow ID, show whether the worker is running.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		return printWorkerStatus(cmd.OutOrStdout(), cfg)
	}

	journal, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer journal.Close()

	ctx := cmd.Context()
	rec, err := journal.GetWorkflow(ctx, args[0])
	if err != nil {
		return err
	}
	steps, err := journal.ListSteps(ctx, args[0])
	if err != nil {
		return err
	}

	printWorkflow(cmd.OutOrStdout(), rec, steps)
	return nil
}

// openJournal opens the workflow journal without building an engine
func openJournal(cfg *config.Config) (durable.Journal, error) {
	if _, err := os.Stat(cfg.Scheduler.DBPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no workflow journal at %s", cfg.Scheduler.DBPath)
	}
	return durable.OpenSQLiteJournal(durable.SQLiteConfig{Path: cfg.Scheduler.DBPath})
}

func printWorkerStatus(out io.Writer, cfg *config.Config) error {
	pid, ok := daemon.WorkerPID(cfg.DataDir)
	if !ok {
		fmt.Fprintln(out, "Worker: stopped")
		return nil
	}

	fmt.Fprintln(out, "Worker: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(daemon.PIDFilePath(cfg.DataDir)); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "Metrics: http://%s/metrics\n", cfg.Metrics.Addr)
	}
	return nil
}

func printWorkflow(out io.Writer, rec durable.WorkflowRecord, steps []durable.StepRecord) {
	fmt.Fprintf(out, "Workflow: %s\n", rec.ID)
	fmt.Fprintf(out, "Type: %s\n", rec.Type)
	if rec.TaskQueue != "" {
		fmt.Fprintf(out, "Task queue: %s\n", rec.TaskQueue)
	}
	fmt.Fprintf(out, "Status: %s\n", rec.Status)
	fmt.Fprintf(out, "Started: %s\n", rec.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "Updated: %s (%s ago)\n", rec.UpdatedAt.Local().Format(time.RFC3339), formatDuration(time.Since(rec.UpdatedAt)))

	switch rec.Status {
	case durable.StatusCompleted:
		fmt.Fprintf(out, "Result: %s\n", decodeOutput(rec.Output))
	case durable.StatusFailed:
		fmt.Fprintf(out, "Error: %s: %s\n", rec.ErrorType, rec.Error)
	}

	fmt.Fprintf(out, "Steps: %d\n", len(steps))
	for _, step := range steps {
		line := fmt.Sprintf("  %3d  %-24s %-10s attempts=%d", step.Seq, step.Name, step.Status, step.Attempts)
		if step.Status == durable.StepFailed {
			line += fmt.Sprintf("  %s: %s", step.ErrorType, step.ErrorMessage)
		}
		fmt.Fprintln(out, line)
	}
}

// decodeOutput prints a JSON string output without its quotes
func decodeOutput(raw json.RawMessage) string {
	var answer string
	if err := json.Unmarshal(raw, &answer); err == nil {
		return answer
	}
	return string(raw)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

