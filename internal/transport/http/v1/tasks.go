package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// DispatchAction creates a task. The request body is the action input.
// POST /actions/:action
func (h *Handler) DispatchAction(c echo.Context) error {
	input, err := readJSONBody(c)
	if err != nil {
		return writeError(c, err)
	}

	task, err := h.service.DispatchAction(c.Request().Context(), c.Param("action"), input)
	if err != nil {
		if task != nil {
			return writeTaskError(c, err, task.TaskID)
		}
		return writeError(c, err)
	}

	return c.JSON(http.StatusAccepted, domain.DispatchResponse{
		TaskID: task.TaskID,
		Status: task.Status,
		Error:  task.Error,
	})
}

// GetTask returns a task.
// GET /tasks/:task_id
func (h *Handler) GetTask(c echo.Context) error {
	task, err := h.service.GetTask(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// ListTasks lists tasks in creation order.
// GET /tasks?status=&action_prefix=&limit=
func (h *Handler) ListTasks(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return writeError(c, err)
	}
	filter := domain.TaskFilter{
		Status:       domain.TaskStatus(c.QueryParam("status")),
		ActionPrefix: c.QueryParam("action_prefix"),
		OwnerRunID:   c.QueryParam("run_id"),
	}

	tasks, err := h.service.ListTasks(c.Request().Context(), filter, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": tasks})
}

// CancelTask cancels a queued or running task.
// POST /tasks/:task_id/cancel
func (h *Handler) CancelTask(c echo.Context) error {
	task, err := h.service.CancelTask(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// ReportTask accepts an agent's completion report.
// POST /tasks/:task_id/report
func (h *Handler) ReportTask(c echo.Context) error {
	var report domain.TaskReport
	if err := c.Bind(&report); err != nil {
		return writeError(c, domain.Errorf(domain.ErrValidation, "invalid request body"))
	}
	report.TaskID = c.Param("task_id")

	resp, err := h.service.ReportTask(c.Request().Context(), report)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func queryLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, domain.Errorf(domain.ErrValidation, "limit must be a non-negative integer")
	}
	return limit, nil
}
