package domain

import (
	"encoding/json"
	"time"
)

// Task is a single unit of work dispatched to an agent.
type Task struct {
	TaskID          string          `json:"task_id"`
	Action          string          `json:"action"`
	Input           json.RawMessage `json:"input"`
	Status          TaskStatus      `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *TaskError      `json:"error,omitempty"`
	AgentID         string          `json:"agent_id,omitempty"`
	OwnerWorkflowID string          `json:"owner_workflow_id,omitempty"`
	OwnerStep       string          `json:"owner_step,omitempty"`
	DeadlineAt      *time.Time      `json:"deadline_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// TaskFilter narrows a task listing.
type TaskFilter struct {
	Status       TaskStatus
	ActionPrefix string
	OwnerRunID   string
}

// StatusUpdate carries the optional fields of a status transition.
type StatusUpdate struct {
	Result  json.RawMessage
	Error   *TaskError
	AgentID string
}

// TaskReport is the completion message an agent delivers for a task.
type TaskReport struct {
	TaskID string          `json:"task_id"`
	Status TaskStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *TaskError      `json:"error,omitempty"`
}

// TaskEventPayload is the payload of task.* lifecycle events.
type TaskEventPayload struct {
	TaskID          string          `json:"task_id"`
	Action          string          `json:"action"`
	Status          TaskStatus      `json:"status"`
	AgentID         string          `json:"agent_id,omitempty"`
	OwnerWorkflowID string          `json:"owner_workflow_id,omitempty"`
	OwnerStep       string          `json:"owner_step,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *TaskError      `json:"error,omitempty"`
}

// NewTaskEventPayload builds the event payload for the task's current state.
func NewTaskEventPayload(t *Task) TaskEventPayload {
	return TaskEventPayload{
		TaskID:          t.TaskID,
		Action:          t.Action,
		Status:          t.Status,
		AgentID:         t.AgentID,
		OwnerWorkflowID: t.OwnerWorkflowID,
		OwnerStep:       t.OwnerStep,
		Result:          t.Result,
		Error:           t.Error,
	}
}
