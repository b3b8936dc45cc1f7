package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Workflow is the handle a workflow function uses to run durable steps. It
// belongs to a single execution and must not be shared between goroutines.
type Workflow struct {
	id        string
	typ       string
	ctx       context.Context
	journal   Journal
	logger    zerolog.Logger
	retry     RetryPolicy
	seq       int
	replaying bool
}

// ID returns the workflow ID
func (w *Workflow) ID() string { return w.id }

// Type returns the registered workflow type
func (w *Workflow) Type() string { return w.typ }

// Context returns the execution context. It carries workflow tracing fields
// and is cancelled when the execution is interrupted.
func (w *Workflow) Context() context.Context { return w.ctx }

// Replaying reports whether every step so far was served from the journal.
// It turns false at the first step that actually executes.
func (w *Workflow) Replaying() bool { return w.replaying }

// StepOptions configures a single step
type StepOptions struct {
	// Timeout bounds each attempt. Zero means no per-attempt limit.
	Timeout time.Duration
	// Retry overrides the engine's default policy when non-zero.
	Retry RetryPolicy
}

// ExecuteStep runs fn as the next step of wf. If the journal already holds
// an outcome for this position it is returned without calling fn. Otherwise
// fn is attempted under the retry policy and the final outcome is journaled.
// Results are always decoded from their journal encoding, so a live
// execution and a replay observe the same value.
func ExecuteStep[T any](wf *Workflow, name string, opts StepOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	ctx := wf.ctx
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	wf.seq++
	seq := wf.seq
	stepCtx := tracing.WithStep(ctx, name)
	logger := tracing.LoggerFromContext(stepCtx, wf.logger).With().Int("seq", seq).Logger()

	rec, err := wf.journal.GetStep(ctx, wf.id, seq)
	switch {
	case err == nil:
		return replayStep[T](rec, name, seq, logger)
	case !errors.Is(err, ErrStepNotFound):
		return zero, wrapJournal("read step", err)
	}
	wf.replaying = false

	stepCtx, span := tracing.StartSpan(stepCtx, "agentloop.durable", "durable.step",
		attribute.String("step", name),
		attribute.Int("seq", seq),
	)

	policy := opts.Retry
	if policy.IsZero() {
		policy = wf.retry
	}
	policy = policy.normalize()

	var (
		value    T
		attempts int
	)
	for {
		attempts++
		value, err = runAttempt(stepCtx, name, opts.Timeout, fn)
		if err != nil && ctx.Err() != nil {
			tracing.EndSpan(span, err)
			return zero, fmt.Errorf("step %s interrupted: %w", name, ctx.Err())
		}

		observability.RecordStepAttempt(name, err == nil)
		if err == nil || IsNonRetryable(err) || attempts >= policy.MaxAttempts {
			break
		}

		delay := policy.Backoff(attempts)
		logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Dur("backoff", delay).
			Msg("Step attempt failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			tracing.EndSpan(span, ctx.Err())
			return zero, fmt.Errorf("step %s interrupted: %w", name, ctx.Err())
		}
	}

	var result json.RawMessage
	if err == nil {
		result, err = json.Marshal(value)
		if err != nil {
			err = &encodingError{step: name, err: err}
		}
	}

	attemptID, idErr := gonanoid.New()
	if idErr != nil {
		attemptID = fmt.Sprintf("%s-%d-%d", wf.id, seq, attempts)
	}

	step := StepRecord{
		WorkflowID: wf.id,
		Seq:        seq,
		Name:       name,
		Attempts:   attempts,
		AttemptID:  attemptID,
	}
	if err == nil {
		step.Status = StepCompleted
		step.Result = result
	} else {
		step.Status = StepFailed
		step.ErrorType = ErrorTypeOf(err)
		step.ErrorMessage = err.Error()
	}

	if recErr := wf.journal.RecordStep(context.WithoutCancel(ctx), step); recErr != nil {
		tracing.EndSpan(span, recErr)
		return zero, wrapJournal("record step", recErr)
	}

	if err != nil {
		tracing.EndSpan(span, err)
		logger.Error().
			Err(err).
			Int("attempts", attempts).
			Str("error_type", step.ErrorType).
			Msg("Step failed")
		return zero, &StepError{Step: name, Type: step.ErrorType, Message: step.ErrorMessage, cause: err}
	}

	tracing.EndSpan(span, nil)
	logger.Debug().Int("attempts", attempts).Msg("Step completed")

	return decodeResult[T](name, result)
}

func replayStep[T any](rec StepRecord, name string, seq int, logger zerolog.Logger) (T, error) {
	var zero T

	if rec.Name != name {
		return zero, fmt.Errorf("%w: step %d was journaled as %q but the workflow asked for %q",
			ErrNondeterminism, seq, rec.Name, name)
	}

	observability.RecordStepReplay(name)
	logger.Debug().Str("status", string(rec.Status)).Msg("Step replayed from journal")

	if rec.Status == StepFailed {
		return zero, &StepError{Step: name, Type: rec.ErrorType, Message: rec.ErrorMessage}
	}
	return decodeResult[T](name, rec.Result)
}

func decodeResult[T any](name string, raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: step %s result does not decode: %v", ErrNondeterminism, name, err)
	}
	return out, nil
}

// runAttempt runs one attempt of fn, bounded by timeout when positive.
func runAttempt[T any](ctx context.Context, step string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("step %s panicked: %v", step, r)}
			}
		}()
		value, err := fn(attemptCtx)
		done <- outcome{value: value, err: err}
	}()

	timedOut := func() bool {
		return timeout > 0 && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
	}

	select {
	case out := <-done:
		if out.err != nil && timedOut() {
			return zero, &StepTimeoutError{Step: step, Timeout: timeout}
		}
		return out.value, out.err
	case <-attemptCtx.Done():
		if timedOut() {
			return zero, &StepTimeoutError{Step: step, Timeout: timeout}
		}
		return zero, attemptCtx.Err()
	}
}

type encodingError struct {
	step string
	err  error
}

func (e *encodingError) Error() string {
	return fmt.Sprintf("step %s result cannot be journaled: %v", e.step, e.err)
}

func (e *encodingError) Unwrap() error      { return e.err }
func (e *encodingError) ErrorType() string  { return "ResultEncodingError" }
func (e *encodingError) NonRetryable() bool { return true }
