// Package eventbus carries typed events between orchestrator components.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// Handler receives one event. A returned error or panic is logged by the bus
// and never retried.
type Handler func(ctx context.Context, evt *domain.Event) error

// Subscription is returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a publish/subscribe channel for typed events.
type Bus interface {
	// Publish delivers asynchronously to every matching subscriber. It fails
	// only with TransportError when the bus is unavailable.
	Publish(ctx context.Context, eventType string, payload json.RawMessage) (*domain.Event, error)
	// Subscribe registers a handler for an exact type or a prefix wildcard
	// such as "order.*". "*" matches every event.
	Subscribe(pattern string, handler Handler) (Subscription, error)
	Close() error
}

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateType checks that an event type is a dot separated name.
func ValidateType(eventType string) error {
	if eventType == "" {
		return domain.Errorf(domain.ErrValidation, "event type is required")
	}
	for _, seg := range strings.Split(eventType, ".") {
		if !segmentPattern.MatchString(seg) {
			return domain.Errorf(domain.ErrValidation, "invalid event type %q", eventType)
		}
	}
	return nil
}

// reservedPrefixes are namespaces only the orchestrator itself publishes to.
var reservedPrefixes = []string{"task.", "workflow."}

// ValidateExternalType is ValidateType for events supplied from outside the
// orchestrator. Task and workflow lifecycle events cannot be forged.
func ValidateExternalType(eventType string) error {
	if err := ValidateType(eventType); err != nil {
		return err
	}
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(eventType, prefix) {
			return domain.Errorf(domain.ErrValidation, "event type %q is reserved for the orchestrator", eventType)
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern.
func ValidatePattern(pattern string) error {
	if pattern == "*" {
		return nil
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return ValidateType(prefix)
	}
	return ValidateType(pattern)
}

// Match reports whether an event type matches a subscription pattern.
func Match(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasSuffix(prefix, ".") {
		return strings.HasPrefix(eventType, prefix)
	}
	return pattern == eventType
}

func newEvent(eventType string, payload json.RawMessage, source string) *domain.Event {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return &domain.Event{
		EventID:     "evt_" + uuid.NewString(),
		Type:        eventType,
		Payload:     payload,
		Source:      source,
		PublishedAt: time.Now().UTC(),
	}
}

// PublishJSON marshals v and publishes it.
func PublishJSON(ctx context.Context, bus Bus, eventType string, v any) (*domain.Event, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, domain.Wrap(domain.ErrValidation, err, "encode %s payload", eventType)
	}
	return bus.Publish(ctx, eventType, payload)
}

// deliver runs a handler and contains its failures.
func deliver(ctx context.Context, logger *slog.Logger, pattern string, h Handler, evt *domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				slog.String("pattern", pattern),
				slog.String("event_type", evt.Type),
				slog.String("event_id", evt.EventID),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := h(ctx, evt); err != nil {
		logger.Error("event handler failed",
			slog.String("pattern", pattern),
			slog.String("event_type", evt.Type),
			slog.String("event_id", evt.EventID),
			slog.Any("error", err))
	}
}
