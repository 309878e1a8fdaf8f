package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/workflow"
)

type workflowView struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Trigger     *workflow.Trigger `json:"trigger,omitempty"`
	Output      string            `json:"output,omitempty"`
	Timeout     string            `json:"timeout,omitempty"`
	Steps       []workflow.Step   `json:"steps"`
}

// ListWorkflows lists the loaded workflow definitions.
// GET /workflows
func (h *Handler) ListWorkflows(c echo.Context) error {
	defs := h.service.ListWorkflows()
	views := make([]workflowView, 0, len(defs))
	for _, d := range defs {
		v := workflowView{
			Name:        d.Name,
			Description: d.Description,
			Trigger:     d.Trigger,
			Output:      d.Output,
			Steps:       d.Steps,
		}
		if d.Timeout > 0 {
			v.Timeout = d.Timeout.String()
		}
		views = append(views, v)
	}
	return c.JSON(http.StatusOK, map[string]any{"workflows": views})
}

// TriggerWorkflow starts a run. The request body is the trigger payload.
// POST /workflows/:name
func (h *Handler) TriggerWorkflow(c echo.Context) error {
	payload, err := readJSONBody(c)
	if err != nil {
		return writeError(c, err)
	}

	run, err := h.service.TriggerWorkflow(c.Request().Context(), c.Param("name"), payload)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, domain.TriggerResponse{RunID: run.RunID, Status: run.Status})
}

// GetWorkflowRun returns a run with its step states.
// GET /workflows/:run_id
func (h *Handler) GetWorkflowRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// CancelWorkflowRun stops a running run.
// POST /workflows/:run_id/cancel
func (h *Handler) CancelWorkflowRun(c echo.Context) error {
	run, err := h.service.CancelRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListWorkflowRuns lists runs, newest first.
// GET /workflow-runs?workflow=&status=&limit=
func (h *Handler) ListWorkflowRuns(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return writeError(c, err)
	}
	runs, err := h.service.ListRuns(c.Request().Context(), domain.RunFilter{
		WorkflowName: c.QueryParam("workflow"),
		Status:       domain.RunStatus(c.QueryParam("status")),
		Limit:        limit,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}
