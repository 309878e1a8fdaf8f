package service

import (
	"context"
	"encoding/json"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/dispatcher"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// DispatchAction creates a task for an external caller.
func (s *Service) DispatchAction(ctx context.Context, action string, input json.RawMessage) (*domain.Task, error) {
	return s.dispatcher.Dispatch(ctx, dispatcher.Request{Action: action, Input: input})
}

func (s *Service) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return s.dispatcher.Get(ctx, taskID)
}

func (s *Service) CancelTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return s.dispatcher.Cancel(ctx, taskID)
}

// ReportTask routes an agent's completion report to the dispatcher.
func (s *Service) ReportTask(ctx context.Context, report domain.TaskReport) (*domain.ReportResponse, error) {
	task, applied, err := s.dispatcher.Report(ctx, report)
	if err != nil {
		return nil, err
	}
	return &domain.ReportResponse{TaskID: task.TaskID, Status: task.Status, Applied: applied}, nil
}

// ListTasks returns up to limit tasks in creation order.
func (s *Service) ListTasks(ctx context.Context, filter domain.TaskFilter, limit int) ([]*domain.Task, error) {
	limit = clampLimit(limit)
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.Errorf(domain.ErrValidation, "unknown task status %q", filter.Status)
	}
	out := make([]*domain.Task, 0)
	for t, err := range s.tasks.ListTasks(ctx, filter) {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
