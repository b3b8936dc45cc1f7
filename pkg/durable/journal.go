package durable

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrWorkflowNotFound is returned when no workflow has the requested ID.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrWorkflowExists is returned when creating a workflow whose ID is taken.
	ErrWorkflowExists = errors.New("workflow already exists")
	// ErrStepNotFound is returned when a step has not been journaled yet.
	ErrStepNotFound = errors.New("step not found")
	// ErrStepExists is returned when a step sequence number is journaled twice.
	ErrStepExists = errors.New("step already recorded")
)

// Journal persists workflow state and step outcomes.
type Journal interface {
	CreateWorkflow(ctx context.Context, rec WorkflowRecord) error
	GetWorkflow(ctx context.Context, id string) (WorkflowRecord, error)
	CompleteWorkflow(ctx context.Context, id string, output json.RawMessage) error
	FailWorkflow(ctx context.Context, id, errorType, message string) error
	// ListWorkflows returns workflows with the given status, or all of them
	// when status is empty, oldest first.
	ListWorkflows(ctx context.Context, status WorkflowStatus) ([]WorkflowRecord, error)

	GetStep(ctx context.Context, workflowID string, seq int) (StepRecord, error)
	ListSteps(ctx context.Context, workflowID string) ([]StepRecord, error)
	RecordStep(ctx context.Context, rec StepRecord) error

	Close() error
}
