package service

import (
	"context"
	"encoding/json"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/workflow"
)

// TriggerWorkflow starts a run from an API call.
func (s *Service) TriggerWorkflow(ctx context.Context, name string, payload json.RawMessage) (*domain.WorkflowRun, error) {
	return s.engine.Trigger(ctx, name, workflow.TriggerContext{Type: "api", Data: payload})
}

func (s *Service) GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	return s.engine.Get(ctx, runID)
}

func (s *Service) CancelRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	return s.engine.Cancel(ctx, runID)
}

func (s *Service) ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.WorkflowRun, error) {
	if filter.Status != "" && filter.Status != domain.RunStatusRunning && !filter.Status.Terminal() {
		return nil, domain.Errorf(domain.ErrValidation, "unknown run status %q", filter.Status)
	}
	filter.Limit = clampLimit(filter.Limit)
	return s.engine.List(ctx, filter)
}

// ListWorkflows returns the loaded definitions.
func (s *Service) ListWorkflows() []*workflow.Definition {
	return s.library.List()
}
