package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrValidation, domain.ErrInvalidWorkflow:
		return http.StatusBadRequest
	case domain.ErrNotFound, domain.ErrUnknownAgent:
		return http.StatusNotFound
	case domain.ErrInvalidTransition:
		return http.StatusConflict
	case domain.ErrNoAvailableAgent, domain.ErrTransport:
		return http.StatusServiceUnavailable
	case domain.ErrTimeout, domain.ErrWorkflowTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error) error {
	return writeTaskError(c, err, "")
}

func writeTaskError(c echo.Context, err error, taskID string) error {
	kind := domain.KindOf(err)
	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		c.Logger().Errorf("request failed: %v", err)
	}
	return c.JSON(status, domain.ErrorResponse{
		ErrorKind: kind,
		Message:   domain.MessageOf(err),
		TaskID:    taskID,
	})
}
