package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/agentloop/pkg/durable"
)

// WorkflowType is the name the agent workflow is registered under
const WorkflowType = "AgentWorkflow"

// WorkflowIDPrefix prefixes generated workflow IDs
const WorkflowIDPrefix = "agentic-loop-id-"

// RunInput is the journaled input of an agent workflow
type RunInput struct {
	Query string `json:"query"`
}

// Workflow binds a Loop to a durable engine so runs survive restarts.
type Workflow struct {
	engine *durable.Engine
	loop   *Loop
}

// NewWorkflow registers the agent workflow with engine.
func NewWorkflow(engine *durable.Engine, loop *Loop) (*Workflow, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if loop == nil {
		return nil, fmt.Errorf("loop is required")
	}

	w := &Workflow{engine: engine, loop: loop}
	if err := engine.RegisterWorkflow(WorkflowType, w.execute); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Workflow) execute(wf *durable.Workflow, raw json.RawMessage) (any, error) {
	var input RunInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("invalid workflow input: %w", err)
	}
	return w.loop.Run(wf, input.Query)
}

// Run starts the workflow, or continues it when workflowID already exists,
// and returns the final answer.
func (w *Workflow) Run(ctx context.Context, workflowID, query string) (string, error) {
	out, err := w.engine.Execute(ctx, WorkflowType, workflowID, RunInput{Query: query})
	if err != nil {
		return "", err
	}
	return decodeAnswer(out)
}

// Resume continues an existing workflow from its journal.
func (w *Workflow) Resume(ctx context.Context, workflowID string) (string, error) {
	out, err := w.engine.Resume(ctx, workflowID)
	if err != nil {
		return "", err
	}
	return decodeAnswer(out)
}

func decodeAnswer(out json.RawMessage) (string, error) {
	var answer string
	if err := json.Unmarshal(out, &answer); err != nil {
		return "", fmt.Errorf("workflow output is not an answer: %w", err)
	}
	return answer, nil
}
