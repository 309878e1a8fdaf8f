// Package client is a Go client for the orchestrator HTTP API. Agents use it
// to register, heartbeat and report; dropctl uses it for everything else.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// Client talks to one orchestrator.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the orchestrator at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response. It unwraps to a *domain.Error so
// domain.KindOf works on it.
type APIError struct {
	StatusCode int
	Kind       domain.ErrorKind
	Message    string
	TaskID     string
}

func (e *APIError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: %s (task %s)", e.Kind, e.Message, e.TaskID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return &domain.Error{Kind: e.Kind, Message: e.Message}
}

// TaskQuery filters ListTasks.
type TaskQuery struct {
	Status       domain.TaskStatus
	ActionPrefix string
	RunID        string
	Limit        int
}

// RunQuery filters ListRuns.
type RunQuery struct {
	Workflow string
	Status   domain.RunStatus
	Limit    int
}

// WorkflowStep is the listed form of a workflow step.
type WorkflowStep struct {
	Name      string   `json:"name"`
	Action    string   `json:"agent_action"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Workflow is the listed form of a workflow definition.
type Workflow struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Output      string         `json:"output,omitempty"`
	Timeout     string         `json:"timeout,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
}

// Dispatch requests an action. On NoAvailableAgentError the returned error
// is an *APIError carrying the failed task's ID.
func (c *Client) Dispatch(ctx context.Context, action string, input json.RawMessage) (*domain.DispatchResponse, error) {
	var resp domain.DispatchResponse
	if err := c.do(ctx, http.MethodPost, "/actions/"+url.PathEscape(action), nil, input, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	var task domain.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) CancelTask(ctx context.Context, taskID string) (*domain.Task, error) {
	var task domain.Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel", nil, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) ListTasks(ctx context.Context, q TaskQuery) ([]*domain.Task, error) {
	query := url.Values{}
	setQuery(query, "status", string(q.Status))
	setQuery(query, "action_prefix", q.ActionPrefix)
	setQuery(query, "run_id", q.RunID)
	setLimit(query, q.Limit)

	var resp struct {
		Tasks []*domain.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Report delivers a completion report for a task.
func (c *Client) Report(ctx context.Context, report domain.TaskReport) (*domain.ReportResponse, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	var resp domain.ReportResponse
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(report.TaskID)+"/report", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RegisterAgent(ctx context.Context, req domain.RegisterAgentRequest) (*domain.AgentView, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var agent domain.AgentView
	if err := c.do(ctx, http.MethodPost, "/agents/register", nil, body, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (c *Client) Heartbeat(ctx context.Context, agentID string) (*domain.AgentView, error) {
	var agent domain.AgentView
	if err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/heartbeat", nil, nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (c *Client) ListAgents(ctx context.Context) ([]*domain.AgentView, error) {
	var resp struct {
		Agents []*domain.AgentView `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/agents", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var resp struct {
		Workflows []Workflow `json:"workflows"`
	}
	if err := c.do(ctx, http.MethodGet, "/workflows", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workflows, nil
}

// TriggerWorkflow starts a run with payload as trigger data.
func (c *Client) TriggerWorkflow(ctx context.Context, name string, payload json.RawMessage) (*domain.TriggerResponse, error) {
	var resp domain.TriggerResponse
	if err := c.do(ctx, http.MethodPost, "/workflows/"+url.PathEscape(name), nil, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	if err := c.do(ctx, http.MethodGet, "/workflows/"+url.PathEscape(runID), nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) CancelRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	if err := c.do(ctx, http.MethodPost, "/workflows/"+url.PathEscape(runID)+"/cancel", nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) ListRuns(ctx context.Context, q RunQuery) ([]*domain.WorkflowRun, error) {
	query := url.Values{}
	setQuery(query, "workflow", q.Workflow)
	setQuery(query, "status", string(q.Status))
	setLimit(query, q.Limit)

	var resp struct {
		Runs []*domain.WorkflowRun `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/workflow-runs", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

func (c *Client) PublishEvent(ctx context.Context, eventType string, payload json.RawMessage) (*domain.Event, error) {
	body, err := json.Marshal(domain.PublishEventRequest{Type: eventType, Payload: payload})
	if err != nil {
		return nil, err
	}
	var evt domain.Event
	if err := c.do(ctx, http.MethodPost, "/events", nil, body, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// ListEvents returns recorded events matching pattern, newest first.
func (c *Client) ListEvents(ctx context.Context, pattern string, limit int) ([]*domain.Event, error) {
	query := url.Values{}
	setQuery(query, "type", pattern)
	setLimit(query, limit)

	var resp struct {
		Events []*domain.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/events", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Wrap(domain.ErrTransport, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Wrap(domain.ErrTransport, err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body domain.ErrorResponse
		if json.Unmarshal(data, &body) != nil || body.ErrorKind == "" {
			return &APIError{StatusCode: resp.StatusCode, Kind: domain.ErrInternal, Message: strings.TrimSpace(string(data))}
		}
		return &APIError{StatusCode: resp.StatusCode, Kind: body.ErrorKind, Message: body.Message, TaskID: body.TaskID}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setLimit(q url.Values, limit int) {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
}
