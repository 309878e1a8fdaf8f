package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/eventbus"
)

// Built-in local actions.
const (
	ActionEcho         = "orchestrator.echo"
	ActionPublishEvent = "orchestrator.publish_event"
	ActionDelay        = "orchestrator.delay"
)

// Publisher is the slice of the event bus the built-ins need.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload json.RawMessage) (*domain.Event, error)
}

// RegisterBuiltins installs the orchestrator.* executors.
func RegisterBuiltins(r *Registry, bus Publisher) error {
	builtins := map[string]ExecutorFunc{
		ActionEcho: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			if len(input) == 0 {
				return json.RawMessage(`{}`), nil
			}
			return input, nil
		},
		ActionPublishEvent: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			var req domain.PublishEventRequest
			if err := json.Unmarshal(input, &req); err != nil {
				return nil, domain.Wrap(domain.ErrValidation, err, "decode publish_event input")
			}
			if err := eventbus.ValidateExternalType(req.Type); err != nil {
				return nil, err
			}
			if bus == nil {
				return nil, domain.Errorf(domain.ErrTransport, "no event bus configured")
			}
			evt, err := bus.Publish(ctx, req.Type, req.Payload)
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"event_id": evt.EventID, "type": evt.Type})
		},
		ActionDelay: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			var req struct {
				Ms int64 `json:"ms"`
			}
			if len(input) > 0 {
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, domain.Wrap(domain.ErrValidation, err, "decode delay input")
				}
			}
			if req.Ms < 0 {
				return nil, fmt.Errorf("ms must not be negative")
			}
			timer := time.NewTimer(time.Duration(req.Ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
			return json.Marshal(map[string]int64{"slept_ms": req.Ms})
		},
	}
	for name, exec := range builtins {
		if err := r.Register(name, exec); err != nil {
			return err
		}
	}
	return nil
}
