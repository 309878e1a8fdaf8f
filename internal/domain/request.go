package domain

import (
	"encoding/json"
	"time"
)

// AgentTaskRequest is the hand-off body sent to a remote agent.
type AgentTaskRequest struct {
	TaskID      string          `json:"task_id"`
	Action      string          `json:"action"`
	Input       json.RawMessage `json:"input"`
	CallbackURL string          `json:"callback_url,omitempty"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
}

// RegisterAgentRequest registers or refreshes an agent.
type RegisterAgentRequest struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name,omitempty"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// DispatchResponse is returned when an action is accepted.
type DispatchResponse struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Error  *TaskError `json:"error,omitempty"`
}

// ReportResponse tells an agent whether its report was applied.
type ReportResponse struct {
	TaskID  string     `json:"task_id"`
	Status  TaskStatus `json:"status"`
	Applied bool       `json:"applied"`
}

// PublishEventRequest is the body of POST /events.
type PublishEventRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TriggerResponse is returned when a workflow run starts.
type TriggerResponse struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

// ErrorResponse is the uniform error body of the HTTP API.
type ErrorResponse struct {
	ErrorKind ErrorKind `json:"error_kind"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id,omitempty"`
}
