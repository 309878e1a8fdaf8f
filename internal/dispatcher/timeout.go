package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// RunTimeoutMonitor fails tasks whose deadline passed without a report.
func (d *Dispatcher) RunTimeoutMonitor(ctx context.Context) {
	ticker := time.NewTicker(d.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepTimeouts(ctx)
		}
	}
}

func (d *Dispatcher) sweepTimeouts(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	expired, err := d.store.ListExpiredTasks(sweepCtx, d.now(), 100)
	if err != nil {
		d.logger.Warn("task timeout sweep failed", slog.Any("error", err))
		return
	}

	for _, t := range expired {
		timeout := time.Duration(0)
		if t.DeadlineAt != nil {
			timeout = t.DeadlineAt.Sub(t.CreatedAt)
		}
		_, err := d.finish(sweepCtx, t.TaskID, domain.TaskStatusFailed, domain.StatusUpdate{
			Error: &domain.TaskError{
				Kind:    domain.ErrTimeout,
				Message: fmt.Sprintf("no report within %s", timeout),
			},
		})
		if err != nil && !domain.IsKind(err, domain.ErrInvalidTransition) {
			d.logger.Warn("failed to mark task timeout",
				slog.String("task_id", t.TaskID), slog.Any("error", err))
		}
	}
}
