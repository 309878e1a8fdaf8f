// Package v1 provides the HTTP handlers of the orchestrator API.
package v1

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/service"
)

const maxBodyBytes = 1 << 20

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/actions/:action", h.DispatchAction)
	e.GET("/tasks", h.ListTasks)
	e.GET("/tasks/:task_id", h.GetTask)
	e.POST("/tasks/:task_id/cancel", h.CancelTask)
	e.POST("/tasks/:task_id/report", h.ReportTask)

	e.GET("/workflows", h.ListWorkflows)
	e.POST("/workflows/:name", h.TriggerWorkflow)
	e.GET("/workflows/:run_id", h.GetWorkflowRun)
	e.POST("/workflows/:run_id/cancel", h.CancelWorkflowRun)
	e.GET("/workflow-runs", h.ListWorkflowRuns)

	e.POST("/events", h.PublishEvent)
	e.GET("/events", h.ListEvents)
	e.GET("/events/stream", h.StreamEvents)

	e.POST("/agents/register", h.RegisterAgent)
	e.GET("/agents", h.ListAgents)
	e.GET("/agents/:agent_id", h.GetAgent)
	e.POST("/agents/:agent_id/heartbeat", h.Heartbeat)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// readJSONBody returns the raw request body, or nil when it is empty.
func readJSONBody(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return nil, domain.Wrap(domain.ErrValidation, err, "read request body")
	}
	if len(body) > maxBodyBytes {
		return nil, domain.Errorf(domain.ErrValidation, "request body exceeds %d bytes", maxBodyBytes)
	}
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, domain.Errorf(domain.ErrValidation, "request body must be valid JSON")
	}
	return body, nil
}
