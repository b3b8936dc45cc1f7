package durable

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow
type WorkflowStatus string

const (
	StatusRunning   WorkflowStatus = "running"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
)

// StepStatus is the journaled outcome of a step
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// WorkflowRecord is the journaled state of one workflow
type WorkflowRecord struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	TaskQueue string          `json:"task_queue"`
	Input     json.RawMessage `json:"input"`
	Status    WorkflowStatus  `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	ErrorType string          `json:"error_type,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StepRecord is the journaled final outcome of one step
type StepRecord struct {
	WorkflowID   string          `json:"workflow_id"`
	Seq          int             `json:"seq"`
	Name         string          `json:"name"`
	Status       StepStatus      `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorType    string          `json:"error_type,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Attempts     int             `json:"attempts"`
	AttemptID    string          `json:"attempt_id"`
	CompletedAt  time.Time       `json:"completed_at"`
}
