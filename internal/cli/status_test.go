package cli

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/harun/agentloop/pkg/durable"
	"github.com/stretchr/testify/assert"
)

func TestPrintWorkflow(t *testing.T) {
	now := time.Now()

	t.Run("completed workflow", func(t *testing.T) {
		var out bytes.Buffer
		printWorkflow(&out, durable.WorkflowRecord{
			ID:        "agentic-loop-id-1",
			Type:      "AgentWorkflow",
			TaskQueue: "tool-invoking-agent-gemini-task-queue",
			Status:    durable.StatusCompleted,
			Output:    json.RawMessage(`"You are in Paris"`),
			CreatedAt: now,
			UpdatedAt: now,
		}, []durable.StepRecord{
			{Seq: 1, Name: "completion", Status: durable.StepCompleted, Attempts: 1},
			{Seq: 2, Name: "tool:get_ip", Status: durable.StepCompleted, Attempts: 2},
		})

		text := out.String()
		assert.Contains(t, text, "Status: completed")
		assert.Contains(t, text, "Result: You are in Paris")
		assert.Contains(t, text, "Steps: 2")
		assert.Contains(t, text, "tool:get_ip")
		assert.Contains(t, text, "attempts=2")
	})

	t.Run("failed workflow shows the error type", func(t *testing.T) {
		var out bytes.Buffer
		printWorkflow(&out, durable.WorkflowRecord{
			ID:        "agentic-loop-id-2",
			Type:      "AgentWorkflow",
			Status:    durable.StatusFailed,
			ErrorType: "ToolNotFound",
			Error:     "tool not found: teleport",
			CreatedAt: now,
			UpdatedAt: now,
		}, []durable.StepRecord{
			{Seq: 2, Name: "tool:teleport", Status: durable.StepFailed, Attempts: 1, ErrorType: "ToolNotFound", ErrorMessage: "tool not found: teleport"},
		})

		text := out.String()
		assert.Contains(t, text, "Error: ToolNotFound: tool not found: teleport")
		assert.Contains(t, text, "tool:teleport")
	})
}

func TestDecodeOutput(t *testing.T) {
	assert.Equal(t, "answer", decodeOutput(json.RawMessage(`"answer"`)))
	assert.Equal(t, `{"a":1}`, decodeOutput(json.RawMessage(`{"a":1}`)))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}
