package domain

import (
	"encoding/json"
	"time"
)

// WorkflowRun is one execution of a workflow definition.
type WorkflowRun struct {
	RunID          string          `json:"run_id"`
	WorkflowName   string          `json:"workflow_name"`
	TriggerPayload json.RawMessage `json:"trigger_payload,omitempty"`
	Status         RunStatus       `json:"status"`
	Steps          []StepState     `json:"steps"`
	Error          *TaskError      `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Step returns the state of a named step.
func (r *WorkflowRun) Step(name string) *StepState {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// StepState tracks one step of a run.
type StepState struct {
	Name        string          `json:"name"`
	Status      StepStatus      `json:"status"`
	TaskID      string          `json:"task_id,omitempty"`
	ErrorTaskID string          `json:"error_task_id,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// RunFilter narrows a run listing.
type RunFilter struct {
	WorkflowName string
	Status       RunStatus
	Limit        int
}

// WorkflowEventPayload is the payload of workflow.* events.
type WorkflowEventPayload struct {
	RunID        string     `json:"run_id"`
	WorkflowName string     `json:"workflow_name"`
	Status       RunStatus  `json:"status"`
	Error        *TaskError `json:"error,omitempty"`
}
