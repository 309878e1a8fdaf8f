// Package store persists tasks, agents, events and workflow runs.
package store

import (
	"context"
	"iter"
	"time"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// TaskStore is the durable record of dispatched work.
type TaskStore interface {
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, to domain.TaskStatus, upd domain.StatusUpdate) (*domain.Task, error)
	ListTasks(ctx context.Context, filter domain.TaskFilter) iter.Seq2[*domain.Task, error]
	ListExpiredTasks(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)
}

// AgentStore persists agent registrations.
type AgentStore interface {
	UpsertAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	TouchAgent(ctx context.Context, agentID string, at time.Time) (bool, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
}

// EventStore keeps a log of published events.
type EventStore interface {
	CreateEvent(ctx context.Context, event *domain.Event) error
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error)
}

// RunStore persists workflow runs and their step states.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.WorkflowRun) error
	GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error)
	UpdateRun(ctx context.Context, run *domain.WorkflowRun) error
	ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.WorkflowRun, error)
}

// Store defines the interface for data persistence.
type Store interface {
	TaskStore
	AgentStore
	EventStore
	RunStore
	Close() error
}
