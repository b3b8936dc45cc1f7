package cli

import (
	"fmt"

	"github.com/harun/agentloop/internal/config"
	"github.com/harun/agentloop/internal/daemon"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the recovery worker",
	Long: `Run the agentloop worker in the foreground. The worker resumes running
workflows left behind by crashed or interrupted processes, serves Prometheus
metrics and reloads log level and tool policy when the config file changes.
It stops on SIGINT or SIGTERM.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateCredentials(); err != nil {
		return err
	}

	if pid, ok := daemon.WorkerPID(cfg.DataDir); ok {
		return fmt.Errorf("worker is already running (PID %d)", pid)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	configPath := config.NewLoader(cfgFile).GetConfigPath()
	d, err := newDaemon(cfg, log, daemon.WithConfigPath(configPath))
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		d.Close()
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Worker started (task queue %s)\n", cfg.Scheduler.TaskQueue)
	d.Wait()
	return nil
}
