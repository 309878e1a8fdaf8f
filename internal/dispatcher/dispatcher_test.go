package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/adapter/agentclient"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/catalog"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/eventbus"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/policy"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/registry"
	store "github.com/Godjoberto04/dropshipping-crew-ai/internal/repository"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/tools"
	"github.com/Godjoberto04/dropshipping-crew-ai/tests/helpers"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (l *eventLog) handle(_ context.Context, evt *domain.Event) error {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
	return nil
}

// typesFor returns the event types seen for a task, in publish order.
func (l *eventLog) typesFor(taskID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, evt := range l.events {
		var p struct {
			TaskID string `json:"task_id"`
		}
		if json.Unmarshal(evt.Payload, &p) == nil && p.TaskID == taskID {
			out = append(out, evt.Type)
		}
	}
	return out
}

func (l *eventLog) has(eventType, taskID string) bool {
	for _, typ := range l.typesFor(taskID) {
		if typ == eventType {
			return true
		}
	}
	return false
}

type harness struct {
	d      *Dispatcher
	store  *store.SQLStore
	agents *registry.Registry
	events *eventLog
	clock  *fakeClock
}

func newHarness(t *testing.T, entries ...catalog.Descriptor) *harness {
	t.Helper()

	db := helpers.NewTestSQLiteStore(t)
	bus := eventbus.NewMemoryBus(nil)
	t.Cleanup(func() { _ = bus.Close() })

	log := &eventLog{}
	_, err := bus.Subscribe("task.*", log.handle)
	require.NoError(t, err)

	local := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(local, bus))

	cat, err := catalog.New(time.Minute, entries...)
	require.NoError(t, err)

	pol, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Now().UTC()}
	agents := registry.New(db)

	d, err := New(Deps{
		Store:   db,
		Agents:  agents,
		Catalog: cat,
		Policy:  pol,
		Local:   local,
		Client:  agentclient.NewClient(2 * time.Second),
		Bus:     bus,
	}, Options{CallbackBaseURL: "http://orchestrator.test", Now: clock.Now})
	require.NoError(t, err)

	return &harness{d: d, store: db, agents: agents, events: log, clock: clock}
}

func (h *harness) registerAgent(t *testing.T, id, endpoint string, caps ...string) {
	t.Helper()
	_, err := h.agents.Register(context.Background(), domain.RegisterAgentRequest{
		AgentID:      id,
		Endpoint:     endpoint,
		Capabilities: caps,
	})
	require.NoError(t, err)
}

// ackingAgent accepts every hand-off and records the requests.
func ackingAgent(t *testing.T) (*httptest.Server, <-chan domain.AgentTaskRequest) {
	t.Helper()
	received := make(chan domain.AgentTaskRequest, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req domain.AgentTaskRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		received <- req
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func TestDispatchWithoutAgentFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	task, err := h.d.Dispatch(ctx, Request{Action: "noop.echo", Input: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, domain.ErrNoAvailableAgent, domain.KindOf(err))
	require.NotNil(t, task)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, domain.ErrNoAvailableAgent, task.Error.Kind)

	got, err := h.d.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)

	require.Eventually(t, func() bool {
		return h.events.has(domain.EventTypeTaskFailed, task.TaskID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchHandsOffAndAppliesReport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	srv, received := ackingAgent(t)
	h.registerAgent(t, "A1", srv.URL, "noop.echo")

	task, err := h.d.Dispatch(ctx, Request{Action: "noop.echo", Input: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, task.Status)
	assert.Equal(t, "A1", task.AgentID)
	require.NotNil(t, task.DeadlineAt)

	select {
	case req := <-received:
		assert.Equal(t, task.TaskID, req.TaskID)
		assert.Equal(t, "noop.echo", req.Action)
		assert.JSONEq(t, `{"x":1}`, string(req.Input))
		assert.Equal(t, "http://orchestrator.test/tasks/"+task.TaskID+"/report", req.CallbackURL)
	case <-time.After(2 * time.Second):
		t.Fatalf("agent never received the task")
	}

	done, applied, err := h.d.Report(ctx, domain.TaskReport{
		TaskID: task.TaskID,
		Status: domain.TaskStatusCompleted,
		Result: json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.JSONEq(t, `{"x":1}`, string(done.Result))
	assert.NotNil(t, done.CompletedAt)

	require.Eventually(t, func() bool {
		return h.events.has(domain.EventTypeTaskCompleted, task.TaskID)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{domain.EventTypeTaskRunning, domain.EventTypeTaskCompleted}, h.events.typesFor(task.TaskID))

	_, applied, err = h.d.Report(ctx, domain.TaskReport{TaskID: task.TaskID, Status: domain.TaskStatusFailed})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := h.d.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
}

func TestCallbackOnlyAgentCompletesByReport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerAgent(t, "A1", "", "noop.echo")

	task, err := h.d.Dispatch(ctx, Request{Action: "noop.echo", Input: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, task.Status)
	assert.Equal(t, "A1", task.AgentID)
	assert.Nil(t, task.Error)
	require.NotNil(t, task.DeadlineAt)

	done, applied, err := h.d.Report(ctx, domain.TaskReport{
		TaskID: task.TaskID,
		Status: domain.TaskStatusCompleted,
		Result: json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)

	got, err := h.d.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.JSONEq(t, `{"x":1}`, string(got.Result))
	assert.Equal(t, "A1", got.AgentID)

	require.Eventually(t, func() bool {
		return h.events.has(domain.EventTypeTaskCompleted, task.TaskID)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{domain.EventTypeTaskRunning, domain.EventTypeTaskCompleted}, h.events.typesFor(task.TaskID))
}

func TestCallbackOnlyAgentTimesOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, catalog.Descriptor{Action: "noop.slow", Kind: catalog.KindRemote, Timeout: 50 * time.Millisecond})
	h.registerAgent(t, "A1", "", "noop.slow")

	task, err := h.d.Dispatch(ctx, Request{Action: "noop.slow"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, task.Status)

	h.clock.Advance(time.Second)
	h.d.sweepTimeouts(ctx)

	got, err := h.d.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrTimeout, got.Error.Kind)
}

func TestFailedReportDefaultsToAgentError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	srv, _ := ackingAgent(t)
	h.registerAgent(t, "A1", srv.URL, "noop.echo")

	task, err := h.d.Dispatch(ctx, Request{Action: "noop.echo"})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(task.Input))

	failed, applied, err := h.d.Report(ctx, domain.TaskReport{TaskID: task.TaskID, Status: domain.TaskStatusFailed})
	require.NoError(t, err)
	assert.True(t, applied)
	require.NotNil(t, failed.Error)
	assert.Equal(t, domain.ErrAgent, failed.Error.Kind)
}

func TestTimeoutSweepFailsTaskAndDiscardsLateReport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, catalog.Descriptor{Action: "noop.slow", Kind: catalog.KindRemote, Timeout: 50 * time.Millisecond})
	srv, _ := ackingAgent(t)
	h.registerAgent(t, "A1", srv.URL, "noop.slow")

	task, err := h.d.Dispatch(ctx, Request{Action: "noop.slow"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, task.Status)

	h.d.sweepTimeouts(ctx)
	got, err := h.d.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, got.Status)

	h.clock.Advance(time.Second)
	h.d.sweepTimeouts(ctx)

	got, err = h.d.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrTimeout, got.Error.Kind)

	late, applied, err := h.d.Report(ctx, domain.TaskReport{
		TaskID: task.TaskID,
		Status: domain.TaskStatusCompleted,
		Result: json.RawMessage(`{"late":true}`),
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.TaskStatusFailed, late.Status)
	assert.Empty(t, late.Result)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	srv, _ := ackingAgent(t)
	h.registerAgent(t, "A1", srv.URL, "noop.echo")

	task, err := h.d.Dispatch(ctx, Request{Action: "noop.echo"})
	require.NoError(t, err)

	cancelled, err := h.d.Cancel(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, cancelled.Status)

	_, err = h.d.Cancel(ctx, task.TaskID)
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidTransition, domain.KindOf(err))

	_, applied, err := h.d.Report(ctx, domain.TaskReport{TaskID: task.TaskID, Status: domain.TaskStatusCompleted})
	require.NoError(t, err)
	assert.False(t, applied)

	require.Eventually(t, func() bool {
		return h.events.has(domain.EventTypeTaskCancelled, task.TaskID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReportPromotesQueuedTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	task := &domain.Task{Action: "noop.echo", Input: json.RawMessage(`{}`), CreatedAt: time.Now()}
	require.NoError(t, h.store.CreateTask(ctx, task))

	done, applied, err := h.d.Report(ctx, domain.TaskReport{TaskID: task.TaskID, Status: domain.TaskStatusCompleted})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.NotNil(t, done.StartedAt)

	require.Eventually(t, func() bool {
		return len(h.events.typesFor(task.TaskID)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{domain.EventTypeTaskRunning, domain.EventTypeTaskCompleted}, h.events.typesFor(task.TaskID))
}

func TestReportValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, _, err := h.d.Report(ctx, domain.TaskReport{TaskID: "task_missing", Status: domain.TaskStatusCompleted})
	assert.Equal(t, domain.ErrNotFound, domain.KindOf(err))

	_, _, err = h.d.Report(ctx, domain.TaskReport{TaskID: "task_missing", Status: domain.TaskStatusRunning})
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))

	_, _, err = h.d.Report(ctx, domain.TaskReport{Status: domain.TaskStatusCompleted})
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))
}

func TestDispatchValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, catalog.Descriptor{
		Action: "product_manager.list_product",
		Schema: &catalog.Schema{Required: []string{"sku"}, Properties: map[string]string{"sku": "string"}},
	})

	_, err := h.d.Dispatch(ctx, Request{Action: "  "})
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))

	_, err = h.d.Dispatch(ctx, Request{Action: "noop.echo", Input: json.RawMessage(`{bad`)})
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))

	task, err := h.d.Dispatch(ctx, Request{Action: "product_manager.list_product", Input: json.RawMessage(`{}`)})
	assert.Nil(t, task)
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))
	assert.Contains(t, err.Error(), "sku")

	count := 0
	for _, err := range h.store.ListTasks(ctx, domain.TaskFilter{}) {
		require.NoError(t, err)
		count++
	}
	assert.Zero(t, count)
}

func TestHandOffFailureMarksTransportError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	h.registerAgent(t, "A1", srv.URL, "noop.echo")

	task, err := h.d.Dispatch(ctx, Request{Action: "noop.echo"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, domain.ErrTransport, task.Error.Kind)
	assert.Equal(t, "A1", task.AgentID)
}

func TestInlineReportCompletesTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"completed","result":{"ok":true}}`))
	}))
	t.Cleanup(srv.Close)
	h.registerAgent(t, "A1", srv.URL, "noop.echo")

	task, err := h.d.Dispatch(ctx, Request{Action: "noop.echo"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.JSONEq(t, `{"ok":true}`, string(task.Result))
}

func TestStreamedHandOff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: progress\ndata: {\"message\":\"half\",\"percent\":50}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "event: done\ndata: {\"result\":{\"listed\":3}}\n\n")
		flusher.Flush()
	}))
	t.Cleanup(srv.Close)
	h.registerAgent(t, "A1", srv.URL, "product_manager.sync")

	task, err := h.d.Dispatch(ctx, Request{Action: "product_manager.sync"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.d.Get(ctx, task.TaskID)
		return err == nil && got.Status == domain.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := h.d.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"listed":3}`, string(got.Result))
	require.Eventually(t, func() bool {
		return h.events.has(domain.EventTypeTaskProgress, task.TaskID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamedErrorFailsTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: error\ndata: {\"message\":\"supplier down\"}\n\n")
	}))
	t.Cleanup(srv.Close)
	h.registerAgent(t, "A1", srv.URL, "order_manager.process_order")

	task, err := h.d.Dispatch(ctx, Request{Action: "order_manager.process_order"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.d.Get(ctx, task.TaskID)
		return err == nil && got.Status == domain.TaskStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	got, err := h.d.Get(ctx, task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrAgent, got.Error.Kind)
	assert.Equal(t, "supplier down", got.Error.Message)
}

func TestLocalExecutorCompletesTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	task, err := h.d.Dispatch(ctx, Request{Action: tools.ActionEcho, Input: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.Equal(t, LocalAgentID, task.AgentID)

	require.Eventually(t, func() bool {
		got, err := h.d.Get(ctx, task.TaskID)
		return err == nil && got.Status == domain.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := h.d.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got.Result))
}

func TestLocalExecutorFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	task, err := h.d.Dispatch(ctx, Request{Action: tools.ActionDelay, Input: json.RawMessage(`{"ms":-1}`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.d.Get(ctx, task.TaskID)
		return err == nil && got.Status == domain.TaskStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	got, err := h.d.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.ErrAgent, got.Error.Kind)
}

func TestCancelStopsLocalExecutor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	task, err := h.d.Dispatch(ctx, Request{Action: tools.ActionDelay, Input: json.RawMessage(`{"ms":60000}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, h.d.Inflight())

	cancelled, err := h.d.Cancel(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, cancelled.Status)

	require.Eventually(t, func() bool { return h.d.Inflight() == 0 }, 2*time.Second, 10*time.Millisecond)

	got, err := h.d.Get(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, got.Status)
}

func TestNewRejectsLocalEntryWithoutExecutor(t *testing.T) {
	cat, err := catalog.New(time.Minute, catalog.Descriptor{Action: "orchestrator.missing", Kind: catalog.KindLocal})
	require.NoError(t, err)

	_, err = New(Deps{
		Store:   helpers.NewTestSQLiteStore(t),
		Catalog: cat,
		Client:  agentclient.NewClient(time.Second),
		Bus:     eventbus.NewMemoryBus(nil),
	}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orchestrator.missing")
}

func TestNewAddsLocalExecutorsToCatalog(t *testing.T) {
	local := tools.NewRegistry()
	local.MustRegister("orchestrator.noop", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	cat, err := catalog.New(time.Minute)
	require.NoError(t, err)

	d, err := New(Deps{
		Store:   helpers.NewTestSQLiteStore(t),
		Catalog: cat,
		Local:   local,
		Client:  agentclient.NewClient(time.Second),
		Bus:     eventbus.NewMemoryBus(nil),
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, catalog.KindLocal, d.Catalog().Lookup("orchestrator.noop").Kind)
	assert.Equal(t, catalog.KindRemote, d.Catalog().Lookup("noop.echo").Kind)
}
