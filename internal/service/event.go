package service

import (
	"context"
	"encoding/json"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/eventbus"
)

// PublishEvent publishes an externally supplied event.
func (s *Service) PublishEvent(ctx context.Context, req domain.PublishEventRequest) (*domain.Event, error) {
	if err := eventbus.ValidateExternalType(req.Type); err != nil {
		return nil, err
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return nil, domain.Errorf(domain.ErrValidation, "payload must be valid JSON")
	}
	return s.bus.Publish(ctx, req.Type, payload)
}

func (s *Service) ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error) {
	if filter.Pattern != "" {
		if err := eventbus.ValidatePattern(filter.Pattern); err != nil {
			return nil, err
		}
	}
	return s.events.ListEvents(ctx, filter)
}

// SubscribeEvents streams live events matching pattern.
func (s *Service) SubscribeEvents(pattern string, handler eventbus.Handler) (eventbus.Subscription, error) {
	if pattern == "" {
		pattern = "*"
	}
	return s.bus.Subscribe(pattern, handler)
}
