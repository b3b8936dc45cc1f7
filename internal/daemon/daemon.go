package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harun/agentloop/internal/config"
	"github.com/harun/agentloop/internal/logger"
	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/commandqueue"
	"github.com/harun/agentloop/pkg/completion"
	"github.com/harun/agentloop/pkg/durable"
	"github.com/harun/agentloop/pkg/session"
	"github.com/harun/agentloop/pkg/toolexecutor"
	"github.com/harun/agentloop/pkg/tools"
	"github.com/rs/zerolog"
)

// Daemon wires the agent workflow to its journal, transcripts and
// background services. One-shot commands use it without calling Start.
type Daemon struct {
	config     *config.Config
	configPath string
	logger     *logger.Logger

	// Core modules
	queue       *commandqueue.CommandQueue
	journal     durable.Journal
	engine      *durable.Engine
	registry    *toolexecutor.Registry
	executor    *toolexecutor.Executor
	completion  completion.Service
	loop        *agent.Loop
	workflow    *agent.Workflow
	transcripts *session.Store

	// Worker services
	recoverer *durable.Recoverer
	cleanup   *session.Cleanup
	metrics   *metricsServer
	watcher   *config.Watcher
	lifecycle *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex
	closeOnce sync.Once
	closeErr  error

	tracingEnabled bool
}

// Option customizes a daemon
type Option func(*Daemon)

// WithCompletion uses svc instead of building one from the provider config.
func WithCompletion(svc completion.Service) Option {
	return func(d *Daemon) { d.completion = svc }
}

// WithJournal uses journal instead of opening the SQLite database.
func WithJournal(journal durable.Journal) Option {
	return func(d *Daemon) { d.journal = journal }
}

// WithTools registers tools in addition to the built-in ones.
func WithTools(extra ...*toolexecutor.Tool) Option {
	return func(d *Daemon) {
		if d.registry == nil {
			d.registry = toolexecutor.NewRegistry()
		}
		d.registry.MustRegister(extra...)
	}
}

// WithConfigPath enables config hot reload from path while the worker runs.
func WithConfigPath(path string) Option {
	return func(d *Daemon) { d.configPath = path }
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := tracing.InitOpenTelemetry("agentloop"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeAgent(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize agent: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules opens the journal and transcript store and builds
// the durable engine.
func (d *Daemon) initializeCoreModules() error {
	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if d.config.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(d.config.Logging.AuditFile); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		} else {
			d.logger.Debug().Str("path", d.config.Logging.AuditFile).Msg("Audit logger initialized")
		}
	}

	d.queue = commandqueue.New()

	if d.journal == nil {
		journal, err := durable.OpenSQLiteJournal(durable.SQLiteConfig{
			Path:   d.config.Scheduler.DBPath,
			Logger: d.logger.GetZerolog(),
		})
		if err != nil {
			return err
		}
		d.journal = journal
	}

	engine, err := durable.NewEngine(durable.Config{
		Journal:        d.journal,
		Queue:          d.queue,
		Logger:         d.logger.GetZerolog(),
		DefaultRetry:   d.config.RetryPolicy(),
		TaskQueue:      d.config.Scheduler.TaskQueue,
		QueueWarnAfter: d.config.QueueWarnAfter(),
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	d.engine = engine

	if d.config.Transcripts.Enabled {
		store, err := session.New(d.config.Transcripts.Dir)
		if err != nil {
			return fmt.Errorf("failed to create transcript store: %w", err)
		}
		d.transcripts = store
	}

	d.logger.Info().
		Str("db", d.config.Scheduler.DBPath).
		Str("task_queue", d.config.Scheduler.TaskQueue).
		Bool("transcripts", d.transcripts != nil).
		Msg("Core modules initialized")
	return nil
}

// initializeAgent builds the tool executor, completion service and loop
// and registers the agent workflow with the engine.
func (d *Daemon) initializeAgent() error {
	if d.registry == nil {
		d.registry = toolexecutor.NewRegistry()
	}
	for _, tool := range tools.Builtin(tools.Config{}) {
		if err := d.registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register built-in tool: %w", err)
		}
	}

	executor, err := toolexecutor.New(toolexecutor.Config{
		Registry: d.registry,
		Policy:   d.config.ToolPolicy(),
	})
	if err != nil {
		return err
	}
	d.executor = executor

	if d.completion == nil {
		svc, err := completion.NewService(context.Background(), d.config.Provider())
		if err != nil {
			return fmt.Errorf("failed to create completion service: %w", err)
		}
		d.completion = svc
	}

	loopCfg := agent.Config{
		Completion:    d.completion,
		Executor:      d.executor,
		Model:         d.config.Agent.Model,
		Instructions:  d.config.Agent.Instructions,
		StepTimeout:   d.config.StepTimeout(),
		MaxIterations: d.config.Agent.MaxIterations,
		Logger:        d.logger.GetZerolog(),
	}
	if d.transcripts != nil {
		loopCfg.Transcripts = d.transcripts
	}

	loop, err := agent.NewLoop(loopCfg)
	if err != nil {
		return err
	}
	d.loop = loop

	workflow, err := agent.NewWorkflow(d.engine, loop)
	if err != nil {
		return err
	}
	d.workflow = workflow

	d.logger.Info().
		Str("provider", d.config.Agent.Provider).
		Str("model", d.config.Agent.Model).
		Strs("tools", d.registry.Names()).
		Msg("Agent initialized")
	return nil
}

// Run starts or continues workflowID and returns the final answer.
func (d *Daemon) Run(ctx context.Context, workflowID, query string) (string, error) {
	return d.workflow.Run(ctx, workflowID, query)
}

// Resume continues an existing workflow from its journal.
func (d *Daemon) Resume(ctx context.Context, workflowID string) (string, error) {
	return d.workflow.Resume(ctx, workflowID)
}

// Start starts the background services of a worker process: workflow
// recovery, transcript cleanup, the metrics endpoint and config reload.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting agentloop worker")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.config.Metrics.Enabled {
		d.metrics = newMetricsServer(d.config.Metrics.Addr, d.Status, logger)
		if err := d.metrics.Start(); err != nil {
			d.lifecycle.Stop()
			d.setStopped()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	// A workflow that a separate process is driving keeps writing steps;
	// wait out a full retry cycle of one step before claiming it.
	staleAfter := d.config.StepTimeout() * time.Duration(d.config.Scheduler.MaxAttempts+1)
	recoverer, err := durable.NewRecoverer(durable.RecovererConfig{
		Engine:     d.engine,
		Schedule:   d.config.Scheduler.RecoverySchedule,
		StaleAfter: staleAfter,
		Logger:     d.logger.GetZerolog(),
	})
	if err != nil {
		d.stopServices(logger)
		d.setStopped()
		return err
	}
	d.recoverer = recoverer
	d.recoverer.Start()

	if d.transcripts != nil && d.config.Transcripts.MaxAgeHours > 0 {
		d.cleanup = session.NewCleanup(d.transcripts, time.Duration(d.config.Transcripts.MaxAgeHours)*time.Hour)
		if err := d.cleanup.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start transcript cleanup")
		}
	}

	if d.configPath != "" {
		if err := d.startWatcher(); err != nil {
			logger.Warn().Err(err).Msg("Config hot reload disabled")
		}
	}

	logger.Info().Msg("Worker started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) startWatcher() error {
	if _, err := os.Stat(d.configPath); err != nil {
		return fmt.Errorf("config file not found: %w", err)
	}

	watcher, err := config.NewWatcher(config.WatcherConfig{
		Path:     filepath.Clean(d.configPath),
		OnChange: d.applyConfig,
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		watcher.Stop()
		return err
	}
	d.watcher = watcher
	return nil
}

// applyConfig applies the settings that can change without a restart:
// log level and tool policy.
func (d *Daemon) applyConfig(next *config.Config) {
	d.mu.Lock()
	prev := d.config
	updated := *prev
	updated.Logging.Level = next.Logging.Level
	updated.Agent.Tools = next.Agent.Tools
	d.config = &updated
	d.mu.Unlock()

	if next.Logging.Level != prev.Logging.Level {
		d.logger.SetLevel(next.Logging.Level)
	}
	d.executor.SetPolicy(updated.ToolPolicy())

	if next.Agent.Provider != prev.Agent.Provider || next.Agent.Model != prev.Agent.Model ||
		next.Scheduler.DBPath != prev.Scheduler.DBPath {
		d.logger.Warn().Msg("Provider, model and database changes take effect after a restart")
	}

	d.logger.Info().
		Str("log_level", updated.Logging.Level).
		Strs("tools", d.executor.Names()).
		Msg("Config change applied")
	observability.RecordConfigAudit(context.Background(), "config_reloaded", "daemon", map[string]interface{}{
		"log_level": updated.Logging.Level,
		"tools":     d.executor.Names(),
	})
}

// Stop stops the worker services and releases every resource.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping agentloop worker")

	d.stopServices(logger)

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to release resources")
	}

	logger.Info().Msg("Worker stopped")
	return nil
}

func (d *Daemon) stopServices(logger zerolog.Logger) {
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
		d.watcher = nil
	}

	if d.metrics != nil {
		if err := d.metrics.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
		d.metrics = nil
	}

	// Interrupted workflows stay running in the journal and are picked up
	// again by the next worker.
	if d.recoverer != nil {
		d.recoverer.Stop()
		d.recoverer = nil
	}

	if d.cleanup != nil && d.cleanup.IsRunning() {
		if err := d.cleanup.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop transcript cleanup")
		}
	}
}

// Close waits up to one step timeout for running workflow steps, then
// releases the journal, queue, transcripts, tracing and audit log. It is
// safe to call more than once.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		var errs []error

		if d.queue != nil {
			if !d.queue.WaitForActive(d.GetConfig().StepTimeout()) {
				d.logger.Warn().Msg("Workflow steps still running at shutdown, cancelling them")
			}
			if err := d.queue.Close(); err != nil {
				errs = append(errs, fmt.Errorf("command queue: %w", err))
			}
		}
		if d.journal != nil {
			if err := d.journal.Close(); err != nil {
				errs = append(errs, fmt.Errorf("journal: %w", err))
			}
		}
		if d.transcripts != nil {
			if err := d.transcripts.Close(); err != nil {
				errs = append(errs, fmt.Errorf("transcripts: %w", err))
			}
		}

		if d.tracingEnabled {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("tracing: %w", err))
			}
			cancel()
			d.tracingEnabled = false
		}

		if err := observability.GetAuditLogger().Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit logger: %w", err))
		}

		if len(errs) > 0 {
			d.closeErr = fmt.Errorf("failed to close daemon: %v", errs)
		}
	})
	return d.closeErr
}

// Status describes a daemon
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Tools     []string      `json:"tools"`

	// ActiveWorkflows counts workflow lanes with a running or queued step.
	ActiveWorkflows int                       `json:"active_workflows"`
	Lanes           map[string]map[string]int `json:"lanes,omitempty"`
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Provider: d.config.Agent.Provider,
		Model:    d.config.Agent.Model,
		Tools:    d.executor.Names(),
		Lanes:    d.queue.GetStats(),
	}
	for lane, stats := range status.Lanes {
		if strings.HasPrefix(lane, "workflow:") && stats["running"]+stats["queued"] > 0 {
			status.ActiveWorkflows++
		}
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetEngine returns the durable engine
func (d *Daemon) GetEngine() *durable.Engine {
	return d.engine
}

// GetExecutor returns the tool executor
func (d *Daemon) GetExecutor() *toolexecutor.Executor {
	return d.executor
}

// GetTranscripts returns the transcript store, nil when disabled
func (d *Daemon) GetTranscripts() *session.Store {
	return d.transcripts
}
