package dispatcher

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/adapter/agentclient"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/eventbus"
)

var errStreamFinished = errors.New("stream finished")

// consumeStream turns an agent's SSE events into reports.
func (d *Dispatcher) consumeStream(ctx context.Context, task *domain.Task, delivery *agentclient.Delivery) {
	defer d.release(task.TaskID)

	err := delivery.Consume(func(event agentclient.SSEEvent) error {
		switch event.Event {
		case domain.SSEEventProgress:
			progress, err := agentclient.ParseProgressEvent(event.Data)
			if err != nil {
				d.logger.Debug("ignoring malformed progress event", slog.String("task_id", task.TaskID))
				return nil
			}
			_, _ = eventbus.PublishJSON(ctx, d.bus, domain.EventTypeTaskProgress, map[string]any{
				"task_id":           task.TaskID,
				"action":            task.Action,
				"owner_workflow_id": task.OwnerWorkflowID,
				"message":           progress.Message,
				"percent":           progress.Percent,
			})
			return nil
		case domain.SSEEventDone:
			done, err := agentclient.ParseDoneEvent(event.Data)
			if err != nil {
				return err
			}
			d.reportFromStream(domain.TaskReport{TaskID: task.TaskID, Status: domain.TaskStatusCompleted, Result: done.Result})
			return errStreamFinished
		case domain.SSEEventError:
			errEvt, err := agentclient.ParseErrorEvent(event.Data)
			if err != nil {
				return err
			}
			kind := domain.ErrorKind(errEvt.Kind)
			if kind == "" {
				kind = domain.ErrAgent
			}
			d.reportFromStream(domain.TaskReport{
				TaskID: task.TaskID,
				Status: domain.TaskStatusFailed,
				Error:  &domain.TaskError{Kind: kind, Message: errEvt.Message},
			})
			return errStreamFinished
		default:
			return nil
		}
	})
	if err != nil && !errors.Is(err, errStreamFinished) && ctx.Err() == nil {
		d.logger.Warn("agent stream ended with error",
			slog.String("task_id", task.TaskID), slog.Any("error", err))
	}
}

func (d *Dispatcher) reportFromStream(report domain.TaskReport) {
	if _, _, err := d.Report(context.Background(), report); err != nil {
		d.logger.Error("failed to apply streamed report",
			slog.String("task_id", report.TaskID), slog.Any("error", err))
	}
}
