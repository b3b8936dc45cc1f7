package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultRecoverySchedule is how often running workflows are swept for resumption.
const DefaultRecoverySchedule = "@every 30s"

// ScheduleParser accepts standard five-field cron expressions and descriptors
// such as "@every 30s".
var ScheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RecovererConfig holds recoverer configuration
type RecovererConfig struct {
	Engine   *Engine
	Schedule string
	// StaleAfter skips running workflows whose journal changed more recently
	// than this. Another process may still be driving them. Zero resumes
	// every running workflow.
	StaleAfter time.Duration
	Logger     zerolog.Logger
}

// Recoverer periodically resumes running workflows that no execution in this
// process is working on, e.g. after a crash or restart.
type Recoverer struct {
	engine     *Engine
	schedule   string
	staleAfter time.Duration
	cron       *cron.Cron
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRecoverer creates a new recoverer
func NewRecoverer(cfg RecovererConfig) (*Recoverer, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}

	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultRecoverySchedule
	}
	if _, err := ScheduleParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid recovery schedule: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recoverer{
		engine:     cfg.Engine,
		schedule:   schedule,
		staleAfter: cfg.StaleAfter,
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	cronLog := cronLogger{logger: cfg.Logger}
	r.cron = cron.New(
		cron.WithParser(ScheduleParser),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := r.cron.AddFunc(schedule, func() { r.Sweep(r.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule recovery: %w", err)
	}

	return r, nil
}

// Start runs an immediate sweep and then sweeps on the schedule.
func (r *Recoverer) Start() {
	r.logger.Info().Str("schedule", r.schedule).Msg("Workflow recovery started")
	r.Sweep(r.ctx)
	r.cron.Start()
}

// Stop stops scheduling, interrupts resumed executions and waits for them.
// Interrupted workflows stay running in the journal.
func (r *Recoverer) Stop() {
	<-r.cron.Stop().Done()
	r.cancel()
	r.wg.Wait()
	r.logger.Info().Msg("Workflow recovery stopped")
}

// Sweep resumes every running workflow that is not already executing here
// and returns how many resumptions it started.
func (r *Recoverer) Sweep(ctx context.Context) int {
	running, err := r.engine.List(ctx, StatusRunning)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list running workflows")
		return 0
	}

	started := 0
	for _, rec := range running {
		if r.engine.IsRunning(rec.ID) {
			continue
		}
		if _, ok := r.engine.lookup(rec.Type); !ok {
			r.logger.Warn().
				Str("workflow_id", rec.ID).
				Str("workflow_type", rec.Type).
				Msg("Skipping workflow of unregistered type")
			continue
		}
		if r.staleAfter > 0 && time.Since(r.lastActivity(ctx, rec)) < r.staleAfter {
			r.logger.Debug().Str("workflow_id", rec.ID).Msg("Skipping recently active workflow")
			continue
		}

		started++
		r.wg.Add(1)
		go func(id string) {
			defer r.wg.Done()

			r.logger.Info().Str("workflow_id", id).Msg("Resuming workflow")
			if _, err := r.engine.Resume(ctx, id); err != nil {
				r.logger.Warn().Err(err).Str("workflow_id", id).Msg("Resumed workflow did not complete")
				return
			}
			r.logger.Info().Str("workflow_id", id).Msg("Resumed workflow completed")
		}(rec.ID)
	}

	if started > 0 {
		r.logger.Info().Int("resumed", started).Msg("Recovery sweep finished")
	}
	return started
}

// lastActivity is the latest journal write of a workflow
func (r *Recoverer) lastActivity(ctx context.Context, rec WorkflowRecord) time.Time {
	last := rec.UpdatedAt
	steps, err := r.engine.journal.ListSteps(ctx, rec.ID)
	if err != nil || len(steps) == 0 {
		return last
	}
	if done := steps[len(steps)-1].CompletedAt; done.After(last) {
		last = done
	}
	return last
}

// Wait blocks until resumptions started by earlier sweeps have returned.
func (r *Recoverer) Wait() {
	r.wg.Wait()
}

// cronLogger adapts zerolog to the cron.Logger interface
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
