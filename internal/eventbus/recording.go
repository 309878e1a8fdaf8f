package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/observability"
)

// Recorder persists published events.
type Recorder interface {
	CreateEvent(ctx context.Context, event *domain.Event) error
}

// RecordingBus appends every successfully published event to a Recorder and
// counts it. Recording failures are logged; the event is already delivered.
type RecordingBus struct {
	Bus
	recorder Recorder
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewRecordingBus decorates inner. recorder and metrics may be nil.
func NewRecordingBus(inner Bus, recorder Recorder, metrics *observability.Metrics, logger *slog.Logger) *RecordingBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingBus{Bus: inner, recorder: recorder, metrics: metrics, logger: logger}
}

// Publish implements Bus.
func (b *RecordingBus) Publish(ctx context.Context, eventType string, payload json.RawMessage) (*domain.Event, error) {
	evt, err := b.Bus.Publish(ctx, eventType, payload)
	if err != nil {
		return nil, err
	}
	b.metrics.EventPublished(eventType)
	if b.recorder != nil {
		if err := b.recorder.CreateEvent(context.WithoutCancel(ctx), evt); err != nil {
			b.logger.Warn("failed to record event",
				slog.String("event_id", evt.EventID),
				slog.String("event_type", eventType),
				slog.Any("error", err))
		}
	}
	return evt, nil
}
