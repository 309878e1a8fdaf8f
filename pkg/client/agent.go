package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

const defaultHeartbeatInterval = 30 * time.Second

// RunHeartbeat sends a heartbeat for agentID every interval until ctx is
// done. Failed beats are logged and retried on the next tick. If the
// orchestrator no longer knows the agent, reg (when non-nil) is sent to
// register it again. A non-positive interval follows the cadence the
// orchestrator advertises in its heartbeat responses.
func (c *Client) RunHeartbeat(ctx context.Context, agentID string, interval time.Duration, reg *domain.RegisterAgentRequest, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	adaptive := interval <= 0
	if adaptive {
		interval = defaultHeartbeatInterval
	}
	logger = logger.With(slog.String("agent_id", agentID))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	follow := func(view *domain.AgentView) {
		if !adaptive || view == nil {
			return
		}
		if next := view.HeartbeatInterval(); next > 0 && next != interval {
			interval = next
			ticker.Reset(interval)
			logger.Debug("heartbeat interval updated", slog.Duration("interval", interval))
		}
	}
	if adaptive {
		view, err := c.Heartbeat(ctx, agentID)
		if err == nil {
			follow(view)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		view, err := c.Heartbeat(ctx, agentID)
		if err == nil {
			follow(view)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if domain.IsKind(err, domain.ErrUnknownAgent) && reg != nil {
			view, err := c.RegisterAgent(ctx, *reg)
			if err != nil {
				logger.Warn("agent re-registration failed", slog.Any("error", err))
			} else {
				follow(view)
				logger.Info("agent re-registered")
			}
			continue
		}
		logger.Warn("heartbeat failed", slog.Any("error", err))
	}
}
