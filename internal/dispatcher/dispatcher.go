// Package dispatcher turns action requests into tracked tasks and applies
// every task state transition.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/adapter/agentclient"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/catalog"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/eventbus"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/observability"
	store "github.com/Godjoberto04/dropshipping-crew-ai/internal/repository"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/tools"
)

// LocalAgentID is recorded on tasks run by in-process executors.
const LocalAgentID = "local"

// AgentResolver picks an agent for an action.
type AgentResolver interface {
	Resolve(ctx context.Context, action string) (*domain.Agent, error)
}

// Deliverer hands a task to a remote agent.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint string, req *domain.AgentTaskRequest) (*agentclient.Delivery, error)
}

// Admitter vets a dispatch before a task exists.
type Admitter interface {
	Admit(ctx context.Context, action string, input json.RawMessage, schema *catalog.Schema) error
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Store   store.TaskStore
	Agents  AgentResolver
	Catalog *catalog.Catalog
	Policy  Admitter
	Local   *tools.Registry
	Client  Deliverer
	Bus     eventbus.Bus
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Options tune a Dispatcher.
type Options struct {
	// CallbackBaseURL is prefixed to /tasks/{id}/report in hand-offs.
	CallbackBaseURL string
	SweepInterval   time.Duration
	Now             func() time.Time
}

// Request is one dispatch.
type Request struct {
	Action          string
	Input           json.RawMessage
	OwnerWorkflowID string
	OwnerStep       string
}

// Dispatcher is the Task Dispatcher. It is the only writer of task state.
type Dispatcher struct {
	store    store.TaskStore
	agents   AgentResolver
	catalog  *catalog.Catalog
	policy   Admitter
	local    *tools.Registry
	client   Deliverer
	bus      eventbus.Bus
	metrics  *observability.Metrics
	logger   *slog.Logger
	callback string
	sweep    time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New builds a Dispatcher. The action catalog is resolved here: every local
// executor gets a catalog entry and every local entry must have an executor.
func New(deps Deps, opts Options) (*Dispatcher, error) {
	if deps.Store == nil || deps.Bus == nil || deps.Catalog == nil || deps.Client == nil {
		return nil, fmt.Errorf("dispatcher requires store, bus, catalog and agent client")
	}
	local := deps.Local
	if local == nil {
		local = tools.NewRegistry()
	}

	extra := make([]catalog.Descriptor, 0)
	for _, action := range local.Actions() {
		extra = append(extra, catalog.Descriptor{Action: action, Kind: catalog.KindLocal})
	}
	cat, err := deps.Catalog.With(extra...)
	if err != nil {
		return nil, fmt.Errorf("resolve action catalog: %w", err)
	}
	for _, d := range cat.Entries() {
		if d.Kind != catalog.KindLocal {
			continue
		}
		if _, ok := local.Lookup(d.Action); !ok {
			return nil, fmt.Errorf("action %s is local but has no executor", d.Action)
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = 500 * time.Millisecond
	}

	return &Dispatcher{
		store:    deps.Store,
		agents:   deps.Agents,
		catalog:  cat,
		policy:   deps.Policy,
		local:    local,
		client:   deps.Client,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		logger:   logger.With(slog.String("component", "dispatcher")),
		callback: strings.TrimSuffix(opts.CallbackBaseURL, "/"),
		sweep:    sweep,
		now:      now,
		inflight: make(map[string]context.CancelFunc),
	}, nil
}

// Catalog returns the resolved action catalog.
func (d *Dispatcher) Catalog() *catalog.Catalog {
	return d.catalog
}

// Dispatch creates a task for the action and hands it off. When no agent is
// online the task is still created, marked failed, and returned together
// with the NoAvailableAgentError. Hand-off failures are recorded on the task
// and are not returned as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*domain.Task, error) {
	action := strings.TrimSpace(req.Action)
	ctx, span := observability.StartSpan(ctx, "dispatcher.Dispatch", attribute.String("action", action))
	defer span.End()

	if action == "" {
		return nil, domain.Errorf(domain.ErrValidation, "action is required")
	}
	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if !json.Valid(input) {
		return nil, domain.Errorf(domain.ErrValidation, "input must be valid JSON")
	}

	desc := d.catalog.Lookup(action)
	if d.policy != nil {
		if err := d.policy.Admit(ctx, action, input, desc.Schema); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	var agent *domain.Agent
	var resolveErr error
	if desc.Kind == catalog.KindRemote {
		if d.agents == nil {
			resolveErr = domain.Errorf(domain.ErrNoAvailableAgent, "no agent registry configured for %s", action)
		} else {
			agent, resolveErr = d.agents.Resolve(ctx, action)
			if resolveErr != nil && !domain.IsKind(resolveErr, domain.ErrNoAvailableAgent) {
				return nil, resolveErr
			}
		}
	}

	now := d.now().UTC()
	deadline := now.Add(desc.Timeout)
	task := &domain.Task{
		Action:          action,
		Input:           input,
		OwnerWorkflowID: req.OwnerWorkflowID,
		OwnerStep:       req.OwnerStep,
		DeadlineAt:      &deadline,
		CreatedAt:       now,
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	d.metrics.TaskDispatched(action)
	span.SetAttributes(attribute.String("task_id", task.TaskID))

	if resolveErr != nil {
		failed, err := d.finish(ctx, task.TaskID, domain.TaskStatusFailed, domain.StatusUpdate{Error: domain.AsTaskError(resolveErr)})
		if err != nil {
			return nil, err
		}
		span.SetStatus(codes.Error, resolveErr.Error())
		return failed, resolveErr
	}

	if desc.Kind == catalog.KindLocal {
		return d.startLocal(ctx, task)
	}
	return d.handOff(ctx, task, agent)
}

func (d *Dispatcher) handOff(ctx context.Context, task *domain.Task, agent *domain.Agent) (*domain.Task, error) {
	if agent.Endpoint == "" {
		// Callback-only agent: it picks the task up from the record and
		// reports back. The persisted deadline bounds the wait.
		d.logger.Debug("task assigned to callback-only agent",
			slog.String("task_id", task.TaskID),
			slog.String("agent_id", agent.AgentID))
		return d.markRunning(ctx, task.TaskID, agent.AgentID)
	}

	runCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), *task.DeadlineAt)
	d.track(task.TaskID, cancel)

	req := &domain.AgentTaskRequest{
		TaskID:   task.TaskID,
		Action:   task.Action,
		Input:    task.Input,
		Deadline: task.DeadlineAt,
	}
	if d.callback != "" {
		req.CallbackURL = d.callback + "/tasks/" + task.TaskID + "/report"
	}

	delivery, err := d.client.Deliver(runCtx, agent.Endpoint, req)
	if err != nil {
		d.release(task.TaskID)
		d.logger.Warn("hand-off failed",
			slog.String("task_id", task.TaskID),
			slog.String("agent_id", agent.AgentID),
			slog.Any("error", err))
		return d.finish(ctx, task.TaskID, domain.TaskStatusFailed, domain.StatusUpdate{
			AgentID: agent.AgentID,
			Error:   &domain.TaskError{Kind: domain.ErrTransport, Message: fmt.Sprintf("hand-off to %s failed: %v", agent.AgentID, err)},
		})
	}

	running, err := d.markRunning(ctx, task.TaskID, agent.AgentID)
	if err != nil {
		_ = delivery.Close()
		d.release(task.TaskID)
		return nil, err
	}

	switch {
	case delivery.Report != nil:
		d.release(task.TaskID)
		t, _, err := d.Report(ctx, *delivery.Report)
		if err != nil {
			d.logger.Warn("ignoring inline report from agent",
				slog.String("task_id", task.TaskID), slog.Any("error", err))
			return running, nil
		}
		return t, nil
	case delivery.Streaming():
		go d.consumeStream(runCtx, running, delivery)
	default:
		d.release(task.TaskID)
	}
	return running, nil
}

func (d *Dispatcher) startLocal(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	exec, _ := d.local.Lookup(task.Action)

	running, err := d.markRunning(ctx, task.TaskID, LocalAgentID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), *task.DeadlineAt)
	d.track(task.TaskID, cancel)

	go func() {
		defer d.release(task.TaskID)

		result, execErr := runExecutor(runCtx, exec, task.Input)
		if runCtx.Err() != nil {
			// Cancelled or timed out; the transition was already applied.
			return
		}
		report := domain.TaskReport{TaskID: task.TaskID, Status: domain.TaskStatusCompleted, Result: result}
		if execErr != nil {
			kind := domain.KindOf(execErr)
			if kind == domain.ErrInternal {
				kind = domain.ErrAgent
			}
			report.Status = domain.TaskStatusFailed
			report.Result = nil
			report.Error = &domain.TaskError{Kind: kind, Message: domain.MessageOf(execErr)}
		}
		if _, _, err := d.Report(context.Background(), report); err != nil {
			d.logger.Error("failed to apply local result",
				slog.String("task_id", task.TaskID), slog.Any("error", err))
		}
	}()
	return running, nil
}

func runExecutor(ctx context.Context, exec tools.ExecutorFunc, input json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return exec(ctx, input)
}

// markRunning moves a queued task to running. A task that something else
// already advanced is returned as is.
func (d *Dispatcher) markRunning(ctx context.Context, taskID, agentID string) (*domain.Task, error) {
	t, err := d.store.UpdateTaskStatus(ctx, taskID, domain.TaskStatusRunning, domain.StatusUpdate{AgentID: agentID})
	if err != nil {
		if domain.IsKind(err, domain.ErrInvalidTransition) && t != nil {
			return t, nil
		}
		return nil, err
	}
	d.publish(ctx, t)
	return t, nil
}

// Report applies an agent's completion report. It returns whether the report
// changed the task; reports for terminal tasks are discarded with a warning.
func (d *Dispatcher) Report(ctx context.Context, report domain.TaskReport) (*domain.Task, bool, error) {
	if report.TaskID == "" {
		return nil, false, domain.Errorf(domain.ErrValidation, "task_id is required")
	}
	if report.Status != domain.TaskStatusCompleted && report.Status != domain.TaskStatusFailed {
		return nil, false, domain.Errorf(domain.ErrValidation, "status must be completed or failed")
	}

	task, err := d.store.GetTask(ctx, report.TaskID)
	if err != nil {
		return nil, false, err
	}
	if task.Status.Terminal() {
		d.discard(task, report)
		return task, false, nil
	}
	if task.Status == domain.TaskStatusQueued {
		if _, err := d.markRunning(ctx, task.TaskID, task.AgentID); err != nil {
			return nil, false, err
		}
	}

	upd := domain.StatusUpdate{Result: report.Result}
	if report.Status == domain.TaskStatusFailed {
		upd.Result = nil
		upd.Error = report.Error
		if upd.Error == nil {
			upd.Error = &domain.TaskError{Kind: domain.ErrAgent, Message: "agent reported failure"}
		}
		if upd.Error.Kind == "" {
			upd.Error.Kind = domain.ErrAgent
		}
	}

	t, err := d.finish(ctx, task.TaskID, report.Status, upd)
	if err != nil {
		if domain.IsKind(err, domain.ErrInvalidTransition) && t != nil {
			d.discard(t, report)
			return t, false, nil
		}
		return nil, false, err
	}
	return t, true, nil
}

func (d *Dispatcher) discard(task *domain.Task, report domain.TaskReport) {
	d.metrics.ReportDiscarded(task.Action)
	d.logger.Warn("discarding report for finished task",
		slog.String("task_id", task.TaskID),
		slog.String("task_status", string(task.Status)),
		slog.String("report_status", string(report.Status)))
}

// Cancel cancels a queued or running task.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) (*domain.Task, error) {
	return d.finish(ctx, taskID, domain.TaskStatusCancelled, domain.StatusUpdate{})
}

// Get returns a task.
func (d *Dispatcher) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	return d.store.GetTask(ctx, taskID)
}

// finish applies a terminal transition, stops any in-flight work for the
// task and publishes the lifecycle event.
func (d *Dispatcher) finish(ctx context.Context, taskID string, to domain.TaskStatus, upd domain.StatusUpdate) (*domain.Task, error) {
	t, err := d.store.UpdateTaskStatus(ctx, taskID, to, upd)
	if err != nil {
		return t, err
	}
	d.release(taskID)

	elapsed := time.Duration(0)
	if t.CompletedAt != nil {
		elapsed = t.CompletedAt.Sub(t.CreatedAt)
	}
	d.metrics.TaskFinished(t.Action, string(t.Status), elapsed)

	attrs := []any{
		slog.String("task_id", t.TaskID),
		slog.String("action", t.Action),
		slog.String("status", string(t.Status)),
	}
	if t.Error != nil {
		attrs = append(attrs, slog.String("error_kind", string(t.Error.Kind)))
	}
	d.logger.Info("task finished", attrs...)

	d.publish(ctx, t)
	return t, nil
}

func (d *Dispatcher) publish(ctx context.Context, t *domain.Task) {
	payload := domain.NewTaskEventPayload(t)
	if _, err := eventbus.PublishJSON(context.WithoutCancel(ctx), d.bus, domain.TaskEventType(t.Status), payload); err != nil {
		d.logger.Warn("failed to publish task event",
			slog.String("task_id", t.TaskID),
			slog.String("status", string(t.Status)),
			slog.Any("error", err))
	}
}

func (d *Dispatcher) track(taskID string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.inflight[taskID] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) release(taskID string) {
	d.mu.Lock()
	cancel, ok := d.inflight[taskID]
	delete(d.inflight, taskID)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Inflight reports how many tasks hold a local executor or agent stream.
func (d *Dispatcher) Inflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
