package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/tests/testserver"
)

func newTestClient(t *testing.T) *rpc.Client {
	t.Helper()

	stack := testserver.New(t)
	srv, err := NewServer(stack.Service, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	client, err := jsonrpc.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRegisterAndHeartbeat(t *testing.T) {
	client := newTestClient(t)

	var agent domain.AgentView
	err := client.Call("Orchestrator.Register", &domain.RegisterAgentRequest{
		AgentID:      "pricing",
		Endpoint:     "http://pricing:9000",
		Capabilities: []string{"pricing.quote"},
	}, &agent)
	require.NoError(t, err)
	assert.Equal(t, "pricing", agent.AgentID)
	assert.Equal(t, domain.AgentStateOnline, agent.State)

	var beat domain.AgentView
	require.NoError(t, client.Call("Orchestrator.Heartbeat", &HeartbeatArgs{AgentID: "pricing"}, &beat))
	assert.Equal(t, []string{"pricing.quote"}, beat.Capabilities)
}

func TestHeartbeatUnknownAgentCarriesKind(t *testing.T) {
	client := newTestClient(t)

	var beat domain.AgentView
	err := client.Call("Orchestrator.Heartbeat", &HeartbeatArgs{AgentID: "ghost"}, &beat)
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(domain.ErrUnknownAgent))
}

func TestRegisterRequiresAgentID(t *testing.T) {
	client := newTestClient(t)

	var agent domain.AgentView
	err := client.Call("Orchestrator.Register", &domain.RegisterAgentRequest{}, &agent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent_id is required")
}

func TestDispatchAndReport(t *testing.T) {
	client := newTestClient(t)

	var dispatched domain.DispatchResponse
	err := client.Call("Orchestrator.Dispatch", &DispatchArgs{
		Action: "orchestrator.delay",
		Input:  json.RawMessage(`{"ms":60000}`),
	}, &dispatched)
	require.NoError(t, err)
	require.NotEmpty(t, dispatched.TaskID)

	var report domain.ReportResponse
	err = client.Call("Orchestrator.Report", &domain.TaskReport{
		TaskID: dispatched.TaskID,
		Status: domain.TaskStatusCompleted,
		Result: json.RawMessage(`{"early":true}`),
	}, &report)
	require.NoError(t, err)
	assert.True(t, report.Applied)
	assert.Equal(t, domain.TaskStatusCompleted, report.Status)

	err = client.Call("Orchestrator.Report", &domain.TaskReport{
		TaskID: dispatched.TaskID,
		Status: domain.TaskStatusFailed,
	}, &report)
	require.NoError(t, err)
	assert.False(t, report.Applied)
}

func TestPublish(t *testing.T) {
	client := newTestClient(t)

	var evt domain.Event
	err := client.Call("Orchestrator.Publish", &domain.PublishEventRequest{Type: "order.created"}, &evt)
	require.NoError(t, err)
	assert.Equal(t, "order.created", evt.Type)
	assert.NotEmpty(t, evt.EventID)
}

func TestPublishRejectsReservedTypes(t *testing.T) {
	client := newTestClient(t)

	var evt domain.Event
	err := client.Call("Orchestrator.Publish", &domain.PublishEventRequest{
		Type:    "task.completed",
		Payload: json.RawMessage(`{"task_id":"task_1","status":"completed"}`),
	}, &evt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(domain.ErrValidation))
}
