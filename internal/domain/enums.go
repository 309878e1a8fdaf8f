// Package domain defines the core domain models for the orchestrator.
package domain

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusQueued:
		return 0
	case TaskStatusRunning:
		return 1
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether no further transition is possible from s.
func (s TaskStatus) Terminal() bool { return s.rank() == 2 }

// CanTransition reports whether a task may move from one status to another.
// Status only moves forward: queued -> running -> terminal. A queued task
// may go straight to a terminal state.
func CanTransition(from, to TaskStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return to.rank() > from.rank()
}

// AgentState is derived from heartbeat recency.
type AgentState string

const (
	AgentStateOnline  AgentState = "online"
	AgentStateOffline AgentState = "offline"
)

// RunStatus represents the status of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StepStatus represents the status of a single workflow step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step has finished.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// Event types published by the orchestrator itself.
const (
	EventTypeTaskRunning       = "task.running"
	EventTypeTaskProgress      = "task.progress"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskFailed        = "task.failed"
	EventTypeTaskCancelled     = "task.cancelled"
	EventTypeWorkflowStarted   = "workflow.started"
	EventTypeWorkflowCompleted = "workflow.completed"
	EventTypeWorkflowFailed    = "workflow.failed"
)

// TaskEventType returns the lifecycle event type for a task status.
func TaskEventType(s TaskStatus) string {
	return "task." + string(s)
}
