package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/harun/agentloop/internal/daemon"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/spf13/cobra"
)

var runWorkflowID string

var runCmd = &cobra.Command{
	Use:   "run <query>",
	Short: "Ask the agent a question",
	Long: `Run the agent on a query and print its final answer.
Re-running with the same --workflow-id continues the workflow from its journal
and returns the recorded answer once it has completed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runWorkflowID, "workflow-id", "", "workflow ID (default is agentic-loop-id-<uuid>)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return fmt.Errorf("query cannot be empty")
	}

	workflowID := runWorkflowID
	if workflowID == "" {
		workflowID = agent.WorkflowIDPrefix + uuid.NewString()
	}

	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		fmt.Fprintf(cmd.ErrOrStderr(), "Workflow ID: %s\n", workflowID)

		answer, err := d.Run(ctx, workflowID, query)
		if err != nil {
			return fmt.Errorf("workflow %s failed: %w", workflowID, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Result: %s\n", answer)
		return nil
	})
}

// withDaemon builds a daemon for a one-shot command and cancels its context
// on SIGINT or SIGTERM. A cancelled workflow stays resumable.
func withDaemon(cmd *cobra.Command, fn func(ctx context.Context, d *daemon.Daemon) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateCredentials(); err != nil {
		return fmt.Errorf("%w (run 'agentloop configure' or set the provider's API key environment variable)", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, d)
}
