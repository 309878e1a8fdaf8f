package service

import (
	"context"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

func (s *Service) RegisterAgent(ctx context.Context, req domain.RegisterAgentRequest) (*domain.AgentView, error) {
	return s.registry.Register(ctx, req)
}

func (s *Service) Heartbeat(ctx context.Context, agentID string) (*domain.AgentView, error) {
	return s.registry.Heartbeat(ctx, agentID)
}

func (s *Service) ListAgents(ctx context.Context) ([]*domain.AgentView, error) {
	return s.registry.List(ctx)
}

func (s *Service) GetAgent(ctx context.Context, agentID string) (*domain.AgentView, error) {
	return s.registry.Get(ctx, agentID)
}
