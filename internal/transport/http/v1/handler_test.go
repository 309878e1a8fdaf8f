package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	store "github.com/Godjoberto04/dropshipping-crew-ai/internal/repository"
	"github.com/Godjoberto04/dropshipping-crew-ai/tests/testserver"
)

const testWorkflow = `
name: echo_flow
steps:
  - name: first
    agent_action: orchestrator.echo
    input: {sku: "{{ trigger.data.sku }}"}
`

func newTestHandler(t *testing.T) (*Handler, *store.SQLStore) {
	t.Helper()
	stack := testserver.New(t, testWorkflow)
	return NewHandler(stack.Service), stack.Store
}

func newContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var body domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestStatusFor(t *testing.T) {
	cases := map[domain.ErrorKind]int{
		domain.ErrValidation:         http.StatusBadRequest,
		domain.ErrInvalidWorkflow:    http.StatusBadRequest,
		domain.ErrNotFound:           http.StatusNotFound,
		domain.ErrUnknownAgent:       http.StatusNotFound,
		domain.ErrInvalidTransition:  http.StatusConflict,
		domain.ErrNoAvailableAgent:   http.StatusServiceUnavailable,
		domain.ErrTransport:          http.StatusServiceUnavailable,
		domain.ErrTimeout:            http.StatusGatewayTimeout,
		domain.ErrWorkflowTimeout:    http.StatusGatewayTimeout,
		domain.ErrTemplateResolution: http.StatusInternalServerError,
		domain.ErrInternal:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusFor(kind), string(kind))
	}
}

func TestDispatchActionWithoutAgent(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodPost, "/actions/supplier.search", `{"query":"lamp"}`)
	c.SetParamNames("action")
	c.SetParamValues("supplier.search")

	if err := h.DispatchAction(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	assert.Equal(t, domain.ErrNoAvailableAgent, body.ErrorKind)
	assert.NotEmpty(t, body.TaskID)

	c, rec = newContext(http.MethodGet, "/tasks/"+body.TaskID, "")
	c.SetParamNames("task_id")
	c.SetParamValues(body.TaskID)
	require.NoError(t, h.GetTask(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var task domain.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
}

func TestDispatchActionRejectsInvalidJSON(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodPost, "/actions/orchestrator.echo", `{"broken"`)
	c.SetParamNames("action")
	c.SetParamValues("orchestrator.echo")

	require.NoError(t, h.DispatchAction(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.ErrValidation, decodeError(t, rec).ErrorKind)
}

func TestDispatchLocalActionCompletes(t *testing.T) {
	h, db := newTestHandler(t)

	c, rec := newContext(http.MethodPost, "/actions/orchestrator.echo", `{"ping":1}`)
	c.SetParamNames("action")
	c.SetParamValues("orchestrator.echo")

	require.NoError(t, h.DispatchAction(c))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp domain.DispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)

	require.Eventually(t, func() bool {
		task, err := db.GetTask(context.Background(), resp.TaskID)
		return err == nil && task.Status == domain.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetTaskNotFound(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodGet, "/tasks/missing", "")
	c.SetParamNames("task_id")
	c.SetParamValues("missing")

	require.NoError(t, h.GetTask(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, domain.ErrNotFound, decodeError(t, rec).ErrorKind)
}

func TestReportTaskDiscardsTerminalTask(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodPost, "/actions/supplier.search", `{}`)
	c.SetParamNames("action")
	c.SetParamValues("supplier.search")
	require.NoError(t, h.DispatchAction(c))
	taskID := decodeError(t, rec).TaskID
	require.NotEmpty(t, taskID)

	c, rec = newContext(http.MethodPost, "/tasks/"+taskID+"/report", `{"status":"completed","result":{"ok":true}}`)
	c.SetParamNames("task_id")
	c.SetParamValues(taskID)
	require.NoError(t, h.ReportTask(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.ReportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Applied)
	assert.Equal(t, domain.TaskStatusFailed, resp.Status)
}

func TestCancelTerminalTaskConflicts(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodPost, "/actions/supplier.search", `{}`)
	c.SetParamNames("action")
	c.SetParamValues("supplier.search")
	require.NoError(t, h.DispatchAction(c))
	taskID := decodeError(t, rec).TaskID

	c, rec = newContext(http.MethodPost, "/tasks/"+taskID+"/cancel", "")
	c.SetParamNames("task_id")
	c.SetParamValues(taskID)
	require.NoError(t, h.CancelTask(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.ErrInvalidTransition, decodeError(t, rec).ErrorKind)
}

func TestListTasksRejectsBadQuery(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodGet, "/tasks?limit=abc", "")
	require.NoError(t, h.ListTasks(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c, rec = newContext(http.MethodGet, "/tasks?status=sleeping", "")
	require.NoError(t, h.ListTasks(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterAgentValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodPost, "/agents/register", `{"name":"demo"}`)
	if err := h.RegisterAgent(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRegisterAgentSuccess(t *testing.T) {
	h, db := newTestHandler(t)

	body := `{"agent_id":"sourcing","name":"Sourcing","endpoint":"http://agent/","capabilities":["supplier.search"]}`
	c, rec := newContext(http.MethodPost, "/agents/register", body)
	if err := h.RegisterAgent(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	agent, err := db.GetAgent(context.Background(), "sourcing")
	require.NoError(t, err)
	assert.Equal(t, "http://agent", agent.Endpoint)
	assert.Equal(t, []string{"supplier.search"}, agent.Capabilities)

	c, rec = newContext(http.MethodGet, "/agents", "")
	require.NoError(t, h.ListAgents(c))
	var list struct {
		Agents []domain.AgentView `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Agents, 1)
	assert.Equal(t, domain.AgentStateOnline, list.Agents[0].State)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodPost, "/agents/ghost/heartbeat", "")
	c.SetParamNames("agent_id")
	c.SetParamValues("ghost")
	require.NoError(t, h.Heartbeat(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, domain.ErrUnknownAgent, decodeError(t, rec).ErrorKind)
}

func TestTriggerWorkflowAndGetRun(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodPost, "/workflows/echo_flow", `{"sku":"A-1"}`)
	c.SetParamNames("name")
	c.SetParamValues("echo_flow")
	require.NoError(t, h.TriggerWorkflow(c))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp domain.TriggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RunID)

	var run domain.WorkflowRun
	require.Eventually(t, func() bool {
		c, rec := newContext(http.MethodGet, "/workflows/"+resp.RunID, "")
		c.SetParamNames("run_id")
		c.SetParamValues(resp.RunID)
		if h.GetWorkflowRun(c) != nil || rec.Code != http.StatusOK {
			return false
		}
		return json.Unmarshal(rec.Body.Bytes(), &run) == nil && run.Status == domain.RunStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"sku":"A-1"}`, string(run.Step("first").Output))
}

func TestTriggerUnknownWorkflow(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodPost, "/workflows/missing", "")
	c.SetParamNames("name")
	c.SetParamValues("missing")
	require.NoError(t, h.TriggerWorkflow(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListWorkflows(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodGet, "/workflows", "")
	require.NoError(t, h.ListWorkflows(c))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"echo_flow"`)
	assert.Contains(t, rec.Body.String(), `"agent_action":"orchestrator.echo"`)
}

func TestPublishAndListEvents(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodPost, "/events", `{"type":"order.created","payload":{"order_id":"o-1"}}`)
	require.NoError(t, h.PublishEvent(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	c, rec = newContext(http.MethodGet, "/events?type=order.*", "")
	require.NoError(t, h.ListEvents(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Events []domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Events, 1)
	assert.Equal(t, "order.created", list.Events[0].Type)
}

func TestPublishEventRejectsBadType(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodPost, "/events", `{"type":"order.*"}`)
	require.NoError(t, h.PublishEvent(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodGet, "/health", "")
	require.NoError(t, h.Health(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestCallbackOnlyAgentRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t)

	c, rec := newContext(http.MethodPost, "/agents/register", `{"agent_id":"A1","capabilities":["noop.echo"]}`)
	require.NoError(t, h.RegisterAgent(c))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	c, rec = newContext(http.MethodPost, "/actions/noop.echo", `{"x":1}`)
	c.SetParamNames("action")
	c.SetParamValues("noop.echo")
	require.NoError(t, h.DispatchAction(c))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var dispatched domain.DispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dispatched))
	assert.Equal(t, domain.TaskStatusRunning, dispatched.Status)
	assert.Nil(t, dispatched.Error)

	c, rec = newContext(http.MethodPost, "/tasks/"+dispatched.TaskID+"/report", `{"status":"completed","result":{"x":1}}`)
	c.SetParamNames("task_id")
	c.SetParamValues(dispatched.TaskID)
	require.NoError(t, h.ReportTask(c))
	require.Equal(t, http.StatusOK, rec.Code)
	var report domain.ReportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Applied)

	c, rec = newContext(http.MethodGet, "/tasks/"+dispatched.TaskID, "")
	c.SetParamNames("task_id")
	c.SetParamValues(dispatched.TaskID)
	require.NoError(t, h.GetTask(c))
	var task domain.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.JSONEq(t, `{"x":1}`, string(task.Result))
}

func TestPublishEventRejectsReservedNamespaces(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, typ := range []string{"task.completed", "workflow.completed"} {
		c, rec := newContext(http.MethodPost, "/events", `{"type":"`+typ+`","payload":{"task_id":"task_1"}}`)
		require.NoError(t, h.PublishEvent(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code, typ)
		assert.Equal(t, domain.ErrValidation, decodeError(t, rec).ErrorKind, typ)
	}
}
