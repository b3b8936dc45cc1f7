package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type stepKey struct {
	workflowID string
	seq        int
}

// MemoryJournal keeps journal state in process memory. Its contents do not
// survive a restart.
type MemoryJournal struct {
	mu        sync.RWMutex
	workflows map[string]WorkflowRecord
	steps     map[stepKey]StepRecord
}

// NewMemoryJournal creates an empty in-memory journal
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		workflows: make(map[string]WorkflowRecord),
		steps:     make(map[stepKey]StepRecord),
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func cloneWorkflow(rec WorkflowRecord) WorkflowRecord {
	rec.Input = cloneRaw(rec.Input)
	rec.Output = cloneRaw(rec.Output)
	return rec
}

func (j *MemoryJournal) CreateWorkflow(ctx context.Context, rec WorkflowRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, exists := j.workflows[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrWorkflowExists, rec.ID)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	j.workflows[rec.ID] = cloneWorkflow(rec)
	return nil
}

func (j *MemoryJournal) GetWorkflow(ctx context.Context, id string) (WorkflowRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rec, ok := j.workflows[id]
	if !ok {
		return WorkflowRecord{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return cloneWorkflow(rec), nil
}

func (j *MemoryJournal) CompleteWorkflow(ctx context.Context, id string, output json.RawMessage) error {
	return j.update(id, func(rec *WorkflowRecord) {
		rec.Status = StatusCompleted
		rec.Output = cloneRaw(output)
	})
}

func (j *MemoryJournal) FailWorkflow(ctx context.Context, id, errorType, message string) error {
	return j.update(id, func(rec *WorkflowRecord) {
		rec.Status = StatusFailed
		rec.ErrorType = errorType
		rec.Error = message
	})
}

func (j *MemoryJournal) update(id string, apply func(rec *WorkflowRecord)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, ok := j.workflows[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	apply(&rec)
	rec.UpdatedAt = time.Now().UTC()
	j.workflows[id] = rec
	return nil
}

func (j *MemoryJournal) ListWorkflows(ctx context.Context, status WorkflowStatus) ([]WorkflowRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]WorkflowRecord, 0, len(j.workflows))
	for _, rec := range j.workflows {
		if status == "" || rec.Status == status {
			out = append(out, cloneWorkflow(rec))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (j *MemoryJournal) GetStep(ctx context.Context, workflowID string, seq int) (StepRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rec, ok := j.steps[stepKey{workflowID, seq}]
	if !ok {
		return StepRecord{}, ErrStepNotFound
	}
	rec.Result = cloneRaw(rec.Result)
	return rec, nil
}

func (j *MemoryJournal) ListSteps(ctx context.Context, workflowID string) ([]StepRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := []StepRecord{}
	for key, rec := range j.steps {
		if key.workflowID == workflowID {
			rec.Result = cloneRaw(rec.Result)
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out, nil
}

func (j *MemoryJournal) RecordStep(ctx context.Context, rec StepRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.workflows[rec.WorkflowID]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, rec.WorkflowID)
	}
	key := stepKey{rec.WorkflowID, rec.Seq}
	if _, exists := j.steps[key]; exists {
		return fmt.Errorf("%w: %s #%d", ErrStepExists, rec.WorkflowID, rec.Seq)
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	rec.Result = cloneRaw(rec.Result)
	j.steps[key] = rec
	return nil
}

func (j *MemoryJournal) Close() error {
	return nil
}
