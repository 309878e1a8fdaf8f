package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/dispatcher"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/eventbus"
	"github.com/Godjoberto04/dropshipping-crew-ai/tests/helpers"
)

// fakeDispatcher hands out running tasks and lets tests finish them by
// publishing task events.
type fakeDispatcher struct {
	mu        sync.Mutex
	bus       eventbus.Bus
	n         int
	reqs      []dispatcher.Request
	tasks     map[string]*domain.Task
	cancelled []string
	reject    map[string]error
	gates     map[string]chan struct{}
}

func newFakeDispatcher(bus eventbus.Bus) *fakeDispatcher {
	return &fakeDispatcher{
		bus:    bus,
		tasks:  make(map[string]*domain.Task),
		reject: make(map[string]error),
		gates:  make(map[string]chan struct{}),
	}
}

// hold makes dispatches of action block until the returned func is called.
func (f *fakeDispatcher) hold(action string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[action] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req dispatcher.Request) (*domain.Task, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	gate := f.gates[req.Action]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.reject[req.Action]; ok {
		return nil, err
	}
	f.n++
	t := &domain.Task{
		TaskID:          fmt.Sprintf("task_%d", f.n),
		Action:          req.Action,
		Input:           req.Input,
		Status:          domain.TaskStatusRunning,
		OwnerWorkflowID: req.OwnerWorkflowID,
		OwnerStep:       req.OwnerStep,
	}
	f.tasks[t.TaskID] = t
	out := *t
	return &out, nil
}

func (f *fakeDispatcher) Cancel(ctx context.Context, taskID string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "task %s not found", taskID)
	}
	f.cancelled = append(f.cancelled, taskID)
	t.Status = domain.TaskStatusCancelled
	out := *t
	return &out, nil
}

func (f *fakeDispatcher) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "task %s not found", taskID)
	}
	out := *t
	return &out, nil
}

func (f *fakeDispatcher) cancelledTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *fakeDispatcher) requests() []dispatcher.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatcher.Request(nil), f.reqs...)
}

func (f *fakeDispatcher) request(step string) (dispatcher.Request, bool) {
	for _, r := range f.requests() {
		if r.OwnerStep == step {
			return r, true
		}
	}
	return dispatcher.Request{}, false
}

func (f *fakeDispatcher) taskFor(t *testing.T, step string) *domain.Task {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, task := range f.tasks {
		if task.OwnerStep == step {
			return task
		}
	}
	t.Fatalf("no task dispatched for step %s", step)
	return nil
}

func (f *fakeDispatcher) finish(t *testing.T, step string, status domain.TaskStatus, result string, te *domain.TaskError) {
	t.Helper()
	task := f.taskFor(t, step)
	f.mu.Lock()
	task.Status = status
	if result != "" {
		task.Result = json.RawMessage(result)
	}
	task.Error = te
	payload := domain.NewTaskEventPayload(task)
	f.mu.Unlock()

	_, err := eventbus.PublishJSON(context.Background(), f.bus, domain.TaskEventType(status), payload)
	require.NoError(t, err)
}

func (f *fakeDispatcher) complete(t *testing.T, step, result string) {
	t.Helper()
	f.finish(t, step, domain.TaskStatusCompleted, result, nil)
}

func (f *fakeDispatcher) fail(t *testing.T, step, message string) {
	t.Helper()
	f.finish(t, step, domain.TaskStatusFailed, "", &domain.TaskError{Kind: domain.ErrAgent, Message: message})
}

type engineHarness struct {
	engine *Engine
	fake   *fakeDispatcher
	bus    *eventbus.MemoryBus
}

func newEngineHarness(t *testing.T, docs ...string) *engineHarness {
	t.Helper()

	defs := make([]*Definition, 0, len(docs))
	for _, doc := range docs {
		def, err := Parse([]byte(doc))
		require.NoError(t, err)
		defs = append(defs, def)
	}
	lib, err := NewLibrary(defs...)
	require.NoError(t, err)

	bus := eventbus.NewMemoryBus(nil)
	t.Cleanup(func() { _ = bus.Close() })
	fake := newFakeDispatcher(bus)

	engine, err := NewEngine(lib, fake, helpers.NewTestSQLiteStore(t), bus, EngineOptions{})
	require.NoError(t, err)
	require.NoError(t, engine.Start())
	t.Cleanup(func() { _ = engine.Close() })

	return &engineHarness{engine: engine, fake: fake, bus: bus}
}

func (h *engineHarness) waitForRun(t *testing.T, runID string, status domain.RunStatus) *domain.WorkflowRun {
	t.Helper()
	var run *domain.WorkflowRun
	require.Eventually(t, func() bool {
		got, err := h.engine.Get(context.Background(), runID)
		if err != nil {
			return false
		}
		run = got
		return got.Status == status
	}, 3*time.Second, 10*time.Millisecond)
	return run
}

func (h *engineHarness) waitForStep(t *testing.T, runID, step string, status domain.StepStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := h.engine.Get(context.Background(), runID)
		return err == nil && got.Step(step).Status == status
	}, 3*time.Second, 10*time.Millisecond)
}

const chainFlow = `
name: chain
steps:
  - name: a
    agent_action: supplier.lookup
    input: {sku: "{{ trigger.data.sku }}"}
  - name: b
    agent_action: product_manager.list_product
    depends_on: [a]
    input:
      sku: "{{ trigger.data.sku }}"
      supplier: "{{ steps.a.output.supplier }}"
`

func TestFailedStepSkipsDependentsAndFailsRun(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, chainFlow)

	run, err := h.engine.Trigger(ctx, "chain", TriggerContext{Data: json.RawMessage(`{"sku":"s1"}`)})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
	assert.Equal(t, domain.StepStatusRunning, run.Step("a").Status)
	assert.Equal(t, domain.StepStatusPending, run.Step("b").Status)

	h.fake.fail(t, "a", "supplier down")

	final := h.waitForRun(t, run.RunID, domain.RunStatusFailed)
	assert.Equal(t, domain.StepStatusFailed, final.Step("a").Status)
	assert.Equal(t, domain.StepStatusSkipped, final.Step("b").Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, domain.ErrAgent, final.Error.Kind)

	_, dispatched := h.fake.request("b")
	assert.False(t, dispatched, "b must never be dispatched")
}

func TestStepOutputsFeedDependents(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, chainFlow)

	run, err := h.engine.Trigger(ctx, "chain", TriggerContext{Data: json.RawMessage(`{"sku":"s1"}`)})
	require.NoError(t, err)

	req, ok := h.fake.request("a")
	require.True(t, ok)
	assert.Equal(t, run.RunID, req.OwnerWorkflowID)
	assert.JSONEq(t, `{"sku":"s1"}`, string(req.Input))
	_, ok = h.fake.request("b")
	assert.False(t, ok, "b must wait for a")

	h.fake.complete(t, "a", `{"supplier":"acme"}`)
	h.waitForStep(t, run.RunID, "b", domain.StepStatusRunning)

	req, ok = h.fake.request("b")
	require.True(t, ok)
	assert.JSONEq(t, `{"sku":"s1","supplier":"acme"}`, string(req.Input))

	h.fake.complete(t, "b", `{"listed":true}`)
	final := h.waitForRun(t, run.RunID, domain.RunStatusCompleted)
	assert.JSONEq(t, `{"listed":true}`, string(final.Step("b").Output))
	assert.NotNil(t, final.CompletedAt)
	assert.Nil(t, final.Error)
}

func TestIndependentStepsRunConcurrently(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, `
name: parallel
steps:
  - {name: a, agent_action: supplier.lookup}
  - {name: c, agent_action: marketing.prepare_campaign}
`)

	run, err := h.engine.Trigger(ctx, "parallel", TriggerContext{})
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusRunning, run.Step("a").Status)
	assert.Equal(t, domain.StepStatusRunning, run.Step("c").Status)
	assert.Len(t, h.fake.requests(), 2)

	h.fake.complete(t, "c", `{}`)
	h.waitForStep(t, run.RunID, "c", domain.StepStatusCompleted)

	got, err := h.engine.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusRunning, got.Step("a").Status)
	assert.Equal(t, domain.RunStatusRunning, got.Status)

	h.fake.complete(t, "a", `{}`)
	h.waitForRun(t, run.RunID, domain.RunStatusCompleted)
}

func TestRunWithoutOutputStepCompletesWhenAnyStepCompletes(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, `
name: parallel
steps:
  - {name: a, agent_action: supplier.lookup}
  - {name: c, agent_action: marketing.prepare_campaign}
`)

	run, err := h.engine.Trigger(ctx, "parallel", TriggerContext{})
	require.NoError(t, err)
	h.fake.fail(t, "a", "boom")
	h.fake.complete(t, "c", `{}`)

	final := h.waitForRun(t, run.RunID, domain.RunStatusCompleted)
	assert.Equal(t, domain.StepStatusFailed, final.Step("a").Status)
}

func TestOnErrorDispatchesHandler(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, `
name: guarded
steps:
  - name: a
    agent_action: order_manager.process_order
    on_error:
      action: customer_service.escalate
      input:
        reason: "{{ error.step }}: {{ error.message }}"
        kind: "{{ error.kind }}"
  - {name: b, agent_action: customer_service.notify, depends_on: [a]}
`)

	run, err := h.engine.Trigger(ctx, "guarded", TriggerContext{})
	require.NoError(t, err)
	h.fake.fail(t, "a", "card declined")

	final := h.waitForRun(t, run.RunID, domain.RunStatusFailed)
	assert.Equal(t, domain.StepStatusSkipped, final.Step("b").Status)
	assert.NotEmpty(t, final.Step("a").ErrorTaskID)

	req, ok := h.fake.request("a#on_error")
	require.True(t, ok)
	assert.Equal(t, "customer_service.escalate", req.Action)
	assert.Equal(t, run.RunID, req.OwnerWorkflowID)
	assert.JSONEq(t, `{"reason":"a: card declined","kind":"AgentError"}`, string(req.Input))

	// The handler's own outcome does not touch the run.
	h.fake.complete(t, "a#on_error", `{}`)
	got, err := h.engine.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
}

func TestOnErrorContinueLetsDependentsRun(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, `
name: tolerant
steps:
  - name: a
    agent_action: marketing.enrich
    on_error: {action: orchestrator.echo, continue: true}
  - {name: b, agent_action: product_manager.list_product, depends_on: [a]}
`)

	run, err := h.engine.Trigger(ctx, "tolerant", TriggerContext{})
	require.NoError(t, err)
	h.fake.fail(t, "a", "enrichment unavailable")
	h.waitForStep(t, run.RunID, "b", domain.StepStatusRunning)

	h.fake.complete(t, "b", `{}`)
	final := h.waitForRun(t, run.RunID, domain.RunStatusCompleted)
	assert.Equal(t, domain.StepStatusFailed, final.Step("a").Status)
}

func TestTemplateResolutionFailureFailsStep(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, `
name: broken
steps:
  - {name: a, agent_action: supplier.lookup}
  - name: b
    agent_action: product_manager.list_product
    depends_on: [a]
    input: {supplier: "{{ steps.missing.output.name }}"}
`)

	run, err := h.engine.Trigger(ctx, "broken", TriggerContext{})
	require.NoError(t, err)
	h.fake.complete(t, "a", `{}`)

	final := h.waitForRun(t, run.RunID, domain.RunStatusFailed)
	b := final.Step("b")
	assert.Equal(t, domain.StepStatusFailed, b.Status)
	require.NotNil(t, b.Error)
	assert.Equal(t, domain.ErrTemplateResolution, b.Error.Kind)
	assert.Empty(t, b.TaskID)
}

func TestDispatchRejectionFailsStep(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, `
name: rejected
steps:
  - {name: a, agent_action: product_manager.list_product}
`)
	h.fake.reject["product_manager.list_product"] = domain.Errorf(domain.ErrValidation, "input.sku is required")

	run, err := h.engine.Trigger(ctx, "rejected", TriggerContext{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	require.NotNil(t, run.Step("a").Error)
	assert.Equal(t, domain.ErrValidation, run.Step("a").Error.Kind)
}

func TestRunTimeoutCancelsUnfinishedSteps(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, `
name: slow
timeout: 50ms
steps:
  - {name: a, agent_action: supplier.lookup}
  - {name: b, agent_action: product_manager.list_product, depends_on: [a]}
`)

	run, err := h.engine.Trigger(ctx, "slow", TriggerContext{})
	require.NoError(t, err)

	final := h.waitForRun(t, run.RunID, domain.RunStatusFailed)
	require.NotNil(t, final.Error)
	assert.Equal(t, domain.ErrWorkflowTimeout, final.Error.Kind)
	assert.Equal(t, domain.StepStatusFailed, final.Step("a").Status)
	assert.Equal(t, domain.ErrWorkflowTimeout, final.Step("a").Error.Kind)
	assert.Equal(t, domain.StepStatusSkipped, final.Step("b").Status)

	assert.Equal(t, []string{final.Step("a").TaskID}, h.fake.cancelledTasks())

	// A late completion of the cancelled task is ignored.
	h.fake.complete(t, "a", `{}`)
	got, err := h.engine.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
}

func TestCancelRun(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, chainFlow)

	run, err := h.engine.Trigger(ctx, "chain", TriggerContext{Data: json.RawMessage(`{"sku":"X1"}`)})
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusRunning, run.Status)
	require.Equal(t, domain.StepStatusRunning, run.Step("a").Status)
	taskID := run.Step("a").TaskID
	require.NotEmpty(t, taskID)

	cancelled, err := h.engine.Cancel(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, cancelled.Status)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, domain.ErrCancelled, cancelled.Error.Kind)
	a := cancelled.Step("a")
	assert.Equal(t, domain.StepStatusFailed, a.Status)
	require.NotNil(t, a.Error)
	assert.Equal(t, domain.ErrCancelled, a.Error.Kind)
	assert.Equal(t, domain.StepStatusSkipped, cancelled.Step("b").Status)
	assert.Equal(t, []string{taskID}, h.fake.cancelledTasks())

	_, err = h.engine.Cancel(ctx, run.RunID)
	assert.Equal(t, domain.ErrInvalidTransition, domain.KindOf(err))

	_, err = h.engine.Cancel(ctx, "run_missing")
	assert.Equal(t, domain.ErrNotFound, domain.KindOf(err))
}

func TestTriggerUnknownWorkflow(t *testing.T) {
	h := newEngineHarness(t, chainFlow)
	_, err := h.engine.Trigger(context.Background(), "nope", TriggerContext{})
	assert.Equal(t, domain.ErrNotFound, domain.KindOf(err))
}

func TestFinishedRunIsPersisted(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, chainFlow)

	run, err := h.engine.Trigger(ctx, "chain", TriggerContext{Data: json.RawMessage(`{"sku":"s9"}`)})
	require.NoError(t, err)
	h.fake.fail(t, "a", "boom")
	h.waitForRun(t, run.RunID, domain.RunStatusFailed)

	runs, err := h.engine.List(ctx, domain.RunFilter{WorkflowName: "chain"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusFailed, runs[0].Status)

	stored, err := h.engine.runs.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sku":"s9"}`, string(stored.TriggerPayload))
	require.Len(t, stored.Steps, 2)
	assert.Equal(t, domain.StepStatusSkipped, stored.Step("b").Status)
}

func TestForgedTaskEventDoesNotCompleteStep(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, `
name: single
steps:
  - {name: a, agent_action: supplier.lookup}
`)

	run, err := h.engine.Trigger(ctx, "single", TriggerContext{})
	require.NoError(t, err)
	task := h.fake.taskFor(t, "a")

	forged := domain.NewTaskEventPayload(&domain.Task{
		TaskID:          task.TaskID,
		Status:          domain.TaskStatusCompleted,
		Result:          json.RawMessage(`{"forged":true}`),
		OwnerWorkflowID: run.RunID,
		OwnerStep:       "a",
	})
	_, err = eventbus.PublishJSON(ctx, h.bus, domain.EventTypeTaskCompleted, forged)
	require.NoError(t, err)

	// The stored task is still running, so the step must be too.
	assert.Never(t, func() bool {
		got, err := h.engine.Get(ctx, run.RunID)
		return err != nil || got.Step("a").Status != domain.StepStatusRunning
	}, 200*time.Millisecond, 10*time.Millisecond)

	h.fake.complete(t, "a", `{"real":true}`)
	final := h.waitForRun(t, run.RunID, domain.RunStatusCompleted)
	assert.JSONEq(t, `{"real":true}`, string(final.Step("a").Output))
}

func TestStepOutcomeComesFromStoredTask(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, `
name: single
steps:
  - {name: a, agent_action: supplier.lookup}
`)

	run, err := h.engine.Trigger(ctx, "single", TriggerContext{})
	require.NoError(t, err)
	task := h.fake.taskFor(t, "a")

	h.fake.mu.Lock()
	task.Status = domain.TaskStatusCompleted
	task.Result = json.RawMessage(`{"stored":true}`)
	h.fake.mu.Unlock()

	payload := domain.NewTaskEventPayload(&domain.Task{
		TaskID:          task.TaskID,
		Status:          domain.TaskStatusCompleted,
		Result:          json.RawMessage(`{"from_event":true}`),
		OwnerWorkflowID: run.RunID,
		OwnerStep:       "a",
	})
	_, err = eventbus.PublishJSON(ctx, h.bus, domain.EventTypeTaskCompleted, payload)
	require.NoError(t, err)

	final := h.waitForRun(t, run.RunID, domain.RunStatusCompleted)
	assert.JSONEq(t, `{"stored":true}`, string(final.Step("a").Output))
}

func TestSlowDispatchDoesNotStallOtherRuns(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, `
name: slowflow
steps:
  - {name: fetch, agent_action: supplier.lookup}
  - {name: publish, agent_action: product_manager.slow_ack, depends_on: [fetch]}
`, `
name: fastflow
steps:
  - {name: lookup, agent_action: supplier.lookup}
  - {name: list, agent_action: product_manager.list_product, depends_on: [lookup]}
`)
	release := h.fake.hold("product_manager.slow_ack")
	t.Cleanup(release)

	slow, err := h.engine.Trigger(ctx, "slowflow", TriggerContext{})
	require.NoError(t, err)
	h.fake.complete(t, "fetch", `{}`)
	require.Eventually(t, func() bool {
		_, ok := h.fake.request("publish")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// The slow run stays readable while its dispatch is blocked.
	got, err := h.engine.Get(ctx, slow.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusRunning, got.Step("publish").Status)

	fast, err := h.engine.Trigger(ctx, "fastflow", TriggerContext{})
	require.NoError(t, err)
	h.fake.complete(t, "lookup", `{}`)
	h.waitForStep(t, fast.RunID, "list", domain.StepStatusRunning)
	h.fake.complete(t, "list", `{"listed":true}`)
	h.waitForRun(t, fast.RunID, domain.RunStatusCompleted)

	got, err = h.engine.Get(ctx, slow.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, got.Status)

	release()
	h.waitForStep(t, slow.RunID, "publish", domain.StepStatusRunning)
	require.Eventually(t, func() bool {
		got, err := h.engine.Get(ctx, slow.RunID)
		return err == nil && got.Step("publish").TaskID != ""
	}, 2*time.Second, 10*time.Millisecond)
	h.fake.complete(t, "publish", `{}`)
	h.waitForRun(t, slow.RunID, domain.RunStatusCompleted)
}

func TestCancelDuringDispatchCancelsLateTask(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, `
name: stuck
steps:
  - {name: a, agent_action: supplier.lookup}
  - {name: b, agent_action: product_manager.slow_ack, depends_on: [a]}
`)
	release := h.fake.hold("product_manager.slow_ack")
	t.Cleanup(release)

	run, err := h.engine.Trigger(ctx, "stuck", TriggerContext{})
	require.NoError(t, err)
	h.fake.complete(t, "a", `{}`)
	require.Eventually(t, func() bool {
		_, ok := h.fake.request("b")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancelled, err := h.engine.Cancel(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, cancelled.Status)
	assert.Equal(t, domain.StepStatusFailed, cancelled.Step("b").Status)

	release()
	require.Eventually(t, func() bool {
		return len(h.fake.cancelledTasks()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, h.fake.taskFor(t, "b").TaskID, h.fake.cancelledTasks()[0])
}
