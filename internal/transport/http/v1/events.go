package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// PublishEvent publishes an event on the bus.
// POST /events
func (h *Handler) PublishEvent(c echo.Context) error {
	var req domain.PublishEventRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, domain.Errorf(domain.ErrValidation, "invalid request body"))
	}

	evt, err := h.service.PublishEvent(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, evt)
}

// ListEvents lists recorded events, newest first.
// GET /events?type=&limit=
func (h *Handler) ListEvents(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return writeError(c, err)
	}
	events, err := h.service.ListEvents(c.Request().Context(), domain.EventFilter{
		Pattern: c.QueryParam("type"),
		Limit:   limit,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}
