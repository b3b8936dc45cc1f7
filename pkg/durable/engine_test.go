package durable

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/agentloop/pkg/commandqueue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryPolicy{
	MaxAttempts:        3,
	InitialInterval:    time.Millisecond,
	BackoffCoefficient: 2,
	MaxInterval:        5 * time.Millisecond,
}

type permanentErr struct{}

func (permanentErr) Error() string      { return "permanent failure" }
func (permanentErr) NonRetryable() bool { return true }
func (permanentErr) ErrorType() string  { return "Permanent" }

func journalFactories() map[string]func(t *testing.T) Journal {
	return map[string]func(t *testing.T) Journal{
		"memory": func(t *testing.T) Journal {
			return NewMemoryJournal()
		},
		"sqlite": func(t *testing.T) Journal {
			j, err := OpenSQLiteJournal(SQLiteConfig{Path: filepath.Join(t.TempDir(), "journal.db"), Logger: zerolog.Nop()})
			require.NoError(t, err)
			t.Cleanup(func() { _ = j.Close() })
			return j
		},
	}
}

func newTestEngine(t *testing.T, journal Journal) *Engine {
	t.Helper()
	queue := commandqueue.New()
	t.Cleanup(func() { _ = queue.Close() })

	engine, err := NewEngine(Config{
		Journal:      journal,
		Queue:        queue,
		Logger:       zerolog.Nop(),
		DefaultRetry: fastRetry,
		TaskQueue:    "test-queue",
	})
	require.NoError(t, err)
	return engine
}

type pairCounters struct {
	first, second atomic.Int32
}

func registerPair(t *testing.T, engine *Engine, counters *pairCounters) {
	t.Helper()
	require.NoError(t, engine.RegisterWorkflow("Pair", func(wf *Workflow, input json.RawMessage) (any, error) {
		a, err := ExecuteStep(wf, "first", StepOptions{}, func(ctx context.Context) (string, error) {
			counters.first.Add(1)
			return "a", nil
		})
		if err != nil {
			return nil, err
		}
		return ExecuteStep(wf, "second", StepOptions{}, func(ctx context.Context) (string, error) {
			counters.second.Add(1)
			return a + "b", nil
		})
	}))
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(Config{Queue: commandqueue.New()})
	assert.Error(t, err)

	_, err = NewEngine(Config{Journal: NewMemoryJournal()})
	assert.Error(t, err)
}

func TestEngine_RegisterWorkflow(t *testing.T) {
	engine := newTestEngine(t, NewMemoryJournal())
	fn := func(wf *Workflow, input json.RawMessage) (any, error) { return nil, nil }

	require.NoError(t, engine.RegisterWorkflow("A", fn))
	assert.Error(t, engine.RegisterWorkflow("A", fn))
	assert.Error(t, engine.RegisterWorkflow("", fn))
	assert.Error(t, engine.RegisterWorkflow("B", nil))

	_, err := engine.Execute(context.Background(), "Missing", "wf", nil)
	assert.ErrorIs(t, err, ErrUnknownWorkflowType)
}

func TestEngine_Execute(t *testing.T) {
	for name, newJournal := range journalFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("should run every step once and journal the output", func(t *testing.T) {
				journal := newJournal(t)
				engine := newTestEngine(t, journal)
				counters := &pairCounters{}
				registerPair(t, engine, counters)

				out, err := engine.Execute(ctx, "Pair", "wf-1", map[string]string{"q": "x"})
				require.NoError(t, err)
				assert.JSONEq(t, `"ab"`, string(out))

				rec, steps, err := engine.Describe(ctx, "wf-1")
				require.NoError(t, err)
				assert.Equal(t, StatusCompleted, rec.Status)
				assert.Equal(t, "test-queue", rec.TaskQueue)
				assert.JSONEq(t, `{"q":"x"}`, string(rec.Input))
				require.Len(t, steps, 2)
				assert.Equal(t, "first", steps[0].Name)
				assert.Equal(t, 1, steps[0].Seq)
				assert.Equal(t, "second", steps[1].Name)
				assert.NotEmpty(t, steps[1].AttemptID)

				again, err := engine.Execute(ctx, "Pair", "wf-1", nil)
				require.NoError(t, err)
				assert.JSONEq(t, `"ab"`, string(again))
				assert.Equal(t, int32(1), counters.first.Load())
				assert.Equal(t, int32(1), counters.second.Load())
			})

			t.Run("should replay journaled steps without running them", func(t *testing.T) {
				journal := newJournal(t)
				engine := newTestEngine(t, journal)
				counters := &pairCounters{}
				registerPair(t, engine, counters)

				require.NoError(t, journal.CreateWorkflow(ctx, WorkflowRecord{
					ID: "wf-2", Type: "Pair", Input: json.RawMessage(`null`), Status: StatusRunning,
				}))
				require.NoError(t, journal.RecordStep(ctx, StepRecord{
					WorkflowID: "wf-2", Seq: 1, Name: "first", Status: StepCompleted,
					Result: json.RawMessage(`"a"`), Attempts: 1, AttemptID: "seeded",
				}))

				out, err := engine.Resume(ctx, "wf-2")
				require.NoError(t, err)
				assert.JSONEq(t, `"ab"`, string(out))
				assert.Zero(t, counters.first.Load())
				assert.Equal(t, int32(1), counters.second.Load())
			})

			t.Run("should fail on nondeterministic replay", func(t *testing.T) {
				journal := newJournal(t)
				engine := newTestEngine(t, journal)
				registerPair(t, engine, &pairCounters{})

				require.NoError(t, journal.CreateWorkflow(ctx, WorkflowRecord{
					ID: "wf-3", Type: "Pair", Input: json.RawMessage(`null`), Status: StatusRunning,
				}))
				require.NoError(t, journal.RecordStep(ctx, StepRecord{
					WorkflowID: "wf-3", Seq: 1, Name: "other", Status: StepCompleted,
					Result: json.RawMessage(`"a"`), Attempts: 1, AttemptID: "seeded",
				}))

				_, err := engine.Resume(ctx, "wf-3")
				assert.ErrorIs(t, err, ErrNondeterminism)
			})

			t.Run("should report missing workflows on resume", func(t *testing.T) {
				engine := newTestEngine(t, newJournal(t))
				_, err := engine.Resume(ctx, "nope")
				assert.ErrorIs(t, err, ErrWorkflowNotFound)
			})
		})
	}
}

func TestExecuteStep_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("should retry transient failures", func(t *testing.T) {
		journal := NewMemoryJournal()
		engine := newTestEngine(t, journal)

		var calls atomic.Int32
		require.NoError(t, engine.RegisterWorkflow("Flaky", func(wf *Workflow, input json.RawMessage) (any, error) {
			return ExecuteStep(wf, "flaky", StepOptions{}, func(ctx context.Context) (int, error) {
				if calls.Add(1) < 3 {
					return 0, errors.New("transient")
				}
				return 42, nil
			})
		}))

		out, err := engine.Execute(ctx, "Flaky", "wf-r", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `42`, string(out))
		assert.Equal(t, int32(3), calls.Load())

		step, err := journal.GetStep(ctx, "wf-r", 1)
		require.NoError(t, err)
		assert.Equal(t, 3, step.Attempts)
	})

	t.Run("should not retry non-retryable failures and keep the failure", func(t *testing.T) {
		journal := NewMemoryJournal()
		engine := newTestEngine(t, journal)

		var calls atomic.Int32
		require.NoError(t, engine.RegisterWorkflow("Broken", func(wf *Workflow, input json.RawMessage) (any, error) {
			return ExecuteStep(wf, "broken", StepOptions{}, func(ctx context.Context) (string, error) {
				calls.Add(1)
				return "", permanentErr{}
			})
		}))

		_, err := engine.Execute(ctx, "Broken", "wf-p", nil)
		require.Error(t, err)

		var wfErr *WorkflowError
		require.ErrorAs(t, err, &wfErr)
		assert.Equal(t, "Permanent", wfErr.Type)
		assert.ErrorAs(t, err, new(permanentErr))
		assert.Equal(t, int32(1), calls.Load())

		_, err = engine.Execute(ctx, "Broken", "wf-p", nil)
		require.ErrorAs(t, err, &wfErr)
		assert.Equal(t, "Permanent", wfErr.Type)
		assert.Equal(t, int32(1), calls.Load())

		rec, err := journal.GetWorkflow(ctx, "wf-p")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, rec.Status)
		assert.Equal(t, "Permanent", rec.ErrorType)
	})

	t.Run("should give up after max attempts", func(t *testing.T) {
		engine := newTestEngine(t, NewMemoryJournal())

		var calls atomic.Int32
		require.NoError(t, engine.RegisterWorkflow("Down", func(wf *Workflow, input json.RawMessage) (any, error) {
			return ExecuteStep(wf, "down", StepOptions{Retry: RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, BackoffCoefficient: 1}},
				func(ctx context.Context) (string, error) {
					calls.Add(1)
					return "", errors.New("still down")
				})
		}))

		_, err := engine.Execute(ctx, "Down", "wf-d", nil)
		var stepErr *StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, "down", stepErr.Step)
		assert.False(t, stepErr.Replayed())
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestExecuteStep_Timeout(t *testing.T) {
	journal := NewMemoryJournal()
	engine := newTestEngine(t, journal)

	var calls atomic.Int32
	require.NoError(t, engine.RegisterWorkflow("Slow", func(wf *Workflow, input json.RawMessage) (any, error) {
		return ExecuteStep(wf, "slow", StepOptions{
			Timeout: 20 * time.Millisecond,
			Retry:   RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, BackoffCoefficient: 1},
		}, func(ctx context.Context) (string, error) {
			calls.Add(1)
			<-ctx.Done()
			return "", ctx.Err()
		})
	}))

	_, err := engine.Execute(context.Background(), "Slow", "wf-t", nil)

	var timeoutErr *StepTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "slow", timeoutErr.Step)
	assert.Equal(t, int32(2), calls.Load())

	rec, err := journal.GetWorkflow(context.Background(), "wf-t")
	require.NoError(t, err)
	assert.Equal(t, "StepTimeout", rec.ErrorType)
}

func TestEngine_Cancellation(t *testing.T) {
	journal := NewMemoryJournal()
	engine := newTestEngine(t, journal)

	started := make(chan struct{}, 1)
	require.NoError(t, engine.RegisterWorkflow("Blocking", func(wf *Workflow, input json.RawMessage) (any, error) {
		return ExecuteStep(wf, "wait", StepOptions{}, func(ctx context.Context) (string, error) {
			started <- struct{}{}
			<-ctx.Done()
			return "", ctx.Err()
		})
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := engine.Execute(ctx, "Blocking", "wf-c", nil)
	require.ErrorIs(t, err, context.Canceled)

	rec, steps, err := engine.Describe(context.Background(), "wf-c")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Empty(t, steps)
}

func TestRecoverer_Sweep(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryJournal()
	engine := newTestEngine(t, journal)
	counters := &pairCounters{}
	registerPair(t, engine, counters)

	require.NoError(t, journal.CreateWorkflow(ctx, WorkflowRecord{ID: "stale", Type: "Pair", Input: json.RawMessage(`null`)}))
	require.NoError(t, journal.CreateWorkflow(ctx, WorkflowRecord{ID: "alien", Type: "Unregistered", Input: json.RawMessage(`null`)}))

	recoverer, err := NewRecoverer(RecovererConfig{Engine: engine, Logger: zerolog.Nop()})
	require.NoError(t, err)

	assert.Equal(t, 1, recoverer.Sweep(ctx))
	recoverer.Wait()

	rec, err := journal.GetWorkflow(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)

	alien, err := journal.GetWorkflow(ctx, "alien")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, alien.Status)

	assert.Zero(t, recoverer.Sweep(ctx))
}

func TestRecoverer_SkipsRecentlyActive(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryJournal()
	engine := newTestEngine(t, journal)
	registerPair(t, engine, &pairCounters{})

	require.NoError(t, journal.CreateWorkflow(ctx, WorkflowRecord{ID: "fresh", Type: "Pair", Input: json.RawMessage(`null`)}))

	recoverer, err := NewRecoverer(RecovererConfig{Engine: engine, StaleAfter: time.Hour, Logger: zerolog.Nop()})
	require.NoError(t, err)

	assert.Zero(t, recoverer.Sweep(ctx))

	rec, err := journal.GetWorkflow(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
}

func TestNewRecoverer_InvalidSchedule(t *testing.T) {
	engine := newTestEngine(t, NewMemoryJournal())

	_, err := NewRecoverer(RecovererConfig{Engine: engine, Schedule: "not a schedule"})
	assert.Error(t, err)

	_, err = NewRecoverer(RecovererConfig{})
	assert.Error(t, err)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2, MaxInterval: 10 * time.Second}

	assert.Equal(t, time.Second, policy.Backoff(1))
	assert.Equal(t, 2*time.Second, policy.Backoff(2))
	assert.Equal(t, 4*time.Second, policy.Backoff(3))
	assert.Equal(t, 10*time.Second, policy.Backoff(10))

	assert.Equal(t, 1, RetryPolicy{}.normalize().MaxAttempts)
	assert.True(t, RetryPolicy{}.IsZero())
	assert.Equal(t, 3, DefaultRetryPolicy().MaxAttempts)
}

func TestErrorTypeOf(t *testing.T) {
	assert.Equal(t, "Permanent", ErrorTypeOf(permanentErr{}))
	assert.Equal(t, "StepTimeout", ErrorTypeOf(&StepTimeoutError{Step: "s"}))
	assert.Equal(t, "Nondeterminism", ErrorTypeOf(ErrNondeterminism))
	assert.Equal(t, "Error", ErrorTypeOf(errors.New("plain")))
	assert.True(t, IsNonRetryable(&StepError{cause: permanentErr{}}))
}
