package v1

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// RegisterAgent registers or refreshes an agent.
// POST /agents/register
func (h *Handler) RegisterAgent(c echo.Context) error {
	var req domain.RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, domain.Errorf(domain.ErrValidation, "invalid request body"))
	}
	if strings.TrimSpace(req.AgentID) == "" {
		return writeError(c, domain.Errorf(domain.ErrValidation, "agent_id is required"))
	}

	agent, err := h.service.RegisterAgent(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// Heartbeat refreshes an agent's liveness.
// POST /agents/:agent_id/heartbeat
func (h *Handler) Heartbeat(c echo.Context) error {
	agent, err := h.service.Heartbeat(c.Request().Context(), c.Param("agent_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// ListAgents lists all registered agents with their derived state.
// GET /agents
func (h *Handler) ListAgents(c echo.Context) error {
	agents, err := h.service.ListAgents(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"agents": agents})
}

// GetAgent gets a specific agent by ID.
// GET /agents/:agent_id
func (h *Handler) GetAgent(c echo.Context) error {
	agent, err := h.service.GetAgent(c.Request().Context(), c.Param("agent_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}
