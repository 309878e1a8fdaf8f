package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/dispatcher"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/eventbus"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/observability"
	store "github.com/Godjoberto04/dropshipping-crew-ai/internal/repository"
)

const (
	defaultRunTimeout   = 30 * time.Minute
	dispatchConcurrency = 8
	dedupeSize          = 4096
	onErrorSuffix       = "#on_error"
)

// TaskDispatcher is the part of the dispatcher the engine drives.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, req dispatcher.Request) (*domain.Task, error)
	Cancel(ctx context.Context, taskID string) (*domain.Task, error)
	Get(ctx context.Context, taskID string) (*domain.Task, error)
}

// EngineOptions tune an Engine.
type EngineOptions struct {
	RunTimeout time.Duration
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Engine executes workflow runs. It reacts to task.* events and is the only
// writer of run state.
type Engine struct {
	library    *Library
	dispatcher TaskDispatcher
	runs       store.RunStore
	bus        eventbus.Bus
	metrics    *observability.Metrics
	logger     *slog.Logger
	timeout    time.Duration
	now        func() time.Time
	seen       *lru.Cache[string, struct{}]

	mu     sync.Mutex
	active map[string]*runState
	sub    eventbus.Subscription
	wg     sync.WaitGroup
}

type runState struct {
	mu      sync.Mutex
	def     *Definition
	run     *domain.WorkflowRun
	trigger TriggerContext
	timer   *time.Timer
	onError []*stepLaunch
}

// NewEngine creates an engine. Start must be called before runs can make
// progress past their first steps.
func NewEngine(library *Library, d TaskDispatcher, runs store.RunStore, bus eventbus.Bus, opts EngineOptions) (*Engine, error) {
	if library == nil || d == nil || runs == nil || bus == nil {
		return nil, fmt.Errorf("workflow engine requires library, dispatcher, run store and bus")
	}
	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RunTimeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		library:    library,
		dispatcher: d,
		runs:       runs,
		bus:        bus,
		metrics:    opts.Metrics,
		logger:     logger.With(slog.String("component", "workflow")),
		timeout:    timeout,
		now:        now,
		seen:       seen,
		active:     make(map[string]*runState),
	}, nil
}

// Start subscribes the engine to task lifecycle events.
func (e *Engine) Start() error {
	sub, err := e.bus.Subscribe("task.*", e.onTaskEvent)
	if err != nil {
		return fmt.Errorf("subscribe to task events: %w", err)
	}
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
	return nil
}

// Close stops consuming events and run timers, then waits for event
// handling already underway. Unfinished runs stay persisted in their last
// state.
func (e *Engine) Close() error {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	states := make([]*runState, 0, len(e.active))
	for _, st := range e.active {
		states = append(states, st)
	}
	e.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
		}
		st.mu.Unlock()
	}
	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	e.wg.Wait()
	return err
}

// Trigger starts a run of the named workflow.
func (e *Engine) Trigger(ctx context.Context, name string, trigger TriggerContext) (*domain.WorkflowRun, error) {
	def, ok := e.library.Get(name)
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "workflow %s not found", name)
	}
	if len(trigger.Data) == 0 {
		trigger.Data = json.RawMessage(`{}`)
	}
	if !json.Valid(trigger.Data) {
		return nil, domain.Errorf(domain.ErrValidation, "trigger payload must be valid JSON")
	}

	ctx, span := observability.StartSpan(ctx, "workflow.Trigger", attribute.String("workflow", name))
	defer span.End()

	run := &domain.WorkflowRun{
		RunID:          "run_" + uuid.New().String(),
		WorkflowName:   def.Name,
		TriggerPayload: trigger.Data,
		Status:         domain.RunStatusRunning,
		Steps:          make([]domain.StepState, 0, len(def.Steps)),
		CreatedAt:      e.now().UTC(),
	}
	for _, s := range def.Steps {
		run.Steps = append(run.Steps, domain.StepState{Name: s.Name, Status: domain.StepStatusPending})
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("run_id", run.RunID))

	st := &runState{def: def, run: run, trigger: trigger}
	e.mu.Lock()
	e.active[run.RunID] = st
	e.mu.Unlock()

	e.logger.Info("workflow run started",
		slog.String("run_id", run.RunID),
		slog.String("workflow", def.Name),
		slog.String("trigger_type", trigger.Type))
	e.publishRun(ctx, domain.EventTypeWorkflowStarted, run)

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.timer = time.AfterFunc(timeout, func() {
		e.abort(run.RunID, domain.ErrWorkflowTimeout, fmt.Sprintf("run exceeded %s", timeout))
	})
	e.advance(ctx, st)
	return cloneRun(st.run), nil
}

// TriggerEvent starts a run from a bus event. Redelivered events start at
// most one run per workflow.
func (e *Engine) TriggerEvent(ctx context.Context, name string, evt *domain.Event) (*domain.WorkflowRun, error) {
	if !e.firstDelivery("trigger:" + name + ":" + evt.EventID) {
		return nil, nil
	}
	return e.Trigger(ctx, name, TriggerContext{ID: evt.EventID, Type: evt.Type, Data: evt.Payload})
}

// Get returns the current state of a run.
func (e *Engine) Get(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	if st := e.lookup(runID); st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		return cloneRun(st.run), nil
	}
	return e.runs.GetRun(ctx, runID)
}

// List returns persisted runs.
func (e *Engine) List(ctx context.Context, filter domain.RunFilter) ([]*domain.WorkflowRun, error) {
	return e.runs.ListRuns(ctx, filter)
}

// Cancel stops a running run: running tasks are cancelled, running steps
// fail and pending steps are skipped.
func (e *Engine) Cancel(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	if e.lookup(runID) == nil {
		run, err := e.runs.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, domain.Errorf(domain.ErrInvalidTransition, "run %s already %s", runID, run.Status)
		}
		return nil, domain.Errorf(domain.ErrInvalidTransition, "run %s is not active in this process", runID)
	}
	e.abort(runID, domain.ErrCancelled, "run cancelled")
	return e.Get(ctx, runID)
}

func (e *Engine) lookup(runID string) *runState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[runID]
}

func (e *Engine) firstDelivery(key string) bool {
	seen, _ := e.seen.ContainsOrAdd(key, struct{}{})
	return !seen
}

// onTaskEvent filters task events on the bus goroutine and applies the rest
// on their own goroutine, so dispatching follow-up steps for one run never
// holds up events for another.
func (e *Engine) onTaskEvent(ctx context.Context, evt *domain.Event) error {
	switch evt.Type {
	case domain.EventTypeTaskCompleted, domain.EventTypeTaskFailed, domain.EventTypeTaskCancelled:
	default:
		return nil
	}
	if !e.firstDelivery(evt.EventID) {
		return nil
	}

	var p domain.TaskEventPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return fmt.Errorf("decode task event: %w", err)
	}
	if p.OwnerWorkflowID == "" || strings.HasSuffix(p.OwnerStep, onErrorSuffix) {
		return nil
	}
	st := e.lookup(p.OwnerWorkflowID)
	if st == nil {
		return nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.taskFinished(context.WithoutCancel(ctx), st, p.OwnerStep, p.TaskID)
	}()
	return nil
}

// taskFinished folds a finished task into its step. The event only says
// which task to look at; status and result come from the task store.
func (e *Engine) taskFinished(ctx context.Context, st *runState, stepName, taskID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	state := st.run.Step(stepName)
	if state == nil || state.TaskID != taskID || state.Status != domain.StepStatusRunning {
		return
	}
	task, err := e.dispatcher.Get(ctx, taskID)
	if err != nil {
		e.logger.Warn("failed to load task for step",
			slog.String("run_id", st.run.RunID),
			slog.String("step", stepName),
			slog.String("task_id", taskID),
			slog.Any("error", err))
		return
	}
	if !task.Status.Terminal() {
		e.logger.Warn("ignoring event for unfinished task",
			slog.String("run_id", st.run.RunID),
			slog.String("task_id", taskID),
			slog.String("status", string(task.Status)))
		return
	}
	e.applyTask(st, state, task)
	e.advance(ctx, st)
}

type stepLaunch struct {
	step    string
	action  string
	input   json.RawMessage
	onError bool
	task    *domain.Task
	err     error
}

func (l *stepLaunch) ownerStep() string {
	if l.onError {
		return l.step + onErrorSuffix
	}
	return l.step
}

// advance dispatches every ready step and queued on_error handler until
// nothing more can start, then settles the run. Callers hold st.mu; it is
// released while dispatching.
func (e *Engine) advance(ctx context.Context, st *runState) {
	for {
		changed := false
		var launches []*stepLaunch
		if !st.run.Status.Terminal() {
			e.propagateSkips(st)
			for _, name := range st.def.order {
				state := st.run.Step(name)
				if state.Status != domain.StepStatusPending || !e.dependenciesMet(st, name) {
					continue
				}
				step, _ := st.def.Step(name)
				now := e.now().UTC()
				state.Status = domain.StepStatusRunning
				state.StartedAt = &now

				input, err := Render(step.Input, e.scope(st, nil))
				if err != nil {
					e.failStep(st, state, domain.AsTaskError(err))
					changed = true
					continue
				}
				launches = append(launches, &stepLaunch{step: name, action: step.Action, input: input})
			}
		}
		launches = append(launches, st.onError...)
		st.onError = nil
		if len(launches) == 0 {
			if changed && !st.run.Status.Terminal() {
				continue
			}
			break
		}

		e.launch(ctx, st, launches)
		for _, l := range launches {
			e.record(ctx, st, l)
		}
	}

	e.settle(ctx, st)
	e.persist(ctx, st)
}

// launch dispatches with st.mu released. Steps being launched are already
// running, so nothing else starts them meanwhile.
func (e *Engine) launch(ctx context.Context, st *runState, launches []*stepLaunch) {
	runID := st.run.RunID
	st.mu.Unlock()
	defer st.mu.Lock()

	var g errgroup.Group
	g.SetLimit(dispatchConcurrency)
	for _, l := range launches {
		g.Go(func() error {
			l.task, l.err = e.dispatcher.Dispatch(ctx, dispatcher.Request{
				Action:          l.action,
				Input:           l.input,
				OwnerWorkflowID: runID,
				OwnerStep:       l.ownerStep(),
			})
			return nil
		})
	}
	_ = g.Wait()
}

// record folds a dispatch outcome into run state. Callers hold st.mu.
func (e *Engine) record(ctx context.Context, st *runState, l *stepLaunch) {
	state := st.run.Step(l.step)
	if l.onError {
		if l.task != nil {
			state.ErrorTaskID = l.task.TaskID
		}
		if l.err != nil {
			e.logger.Warn("on_error dispatch failed",
				slog.String("run_id", st.run.RunID),
				slog.String("step", l.step),
				slog.Any("error", l.err))
		}
		return
	}

	if state.Status != domain.StepStatusRunning {
		// The run was aborted while the step was in flight.
		if l.task != nil && !l.task.Status.Terminal() {
			e.cancelTask(ctx, st.run.RunID, l.task.TaskID)
		}
		return
	}
	if l.task == nil {
		e.failStep(st, state, domain.AsTaskError(l.err))
		return
	}
	state.TaskID = l.task.TaskID
	e.logger.Debug("step dispatched",
		slog.String("run_id", st.run.RunID),
		slog.String("step", l.step),
		slog.String("task_id", l.task.TaskID))

	// The task may have finished before its id was recorded, in which case
	// its event was already passed over.
	task := l.task
	if current, err := e.dispatcher.Get(ctx, task.TaskID); err == nil {
		task = current
	}
	e.applyTask(st, state, task)
}

func (e *Engine) cancelTask(ctx context.Context, runID, taskID string) {
	if _, err := e.dispatcher.Cancel(ctx, taskID); err != nil && !domain.IsKind(err, domain.ErrInvalidTransition) {
		e.logger.Warn("failed to cancel step task",
			slog.String("run_id", runID),
			slog.String("task_id", taskID),
			slog.Any("error", err))
	}
}

func (e *Engine) dependenciesMet(st *runState, name string) bool {
	step, _ := st.def.Step(name)
	for _, dep := range step.DependsOn {
		state := st.run.Step(dep)
		switch state.Status {
		case domain.StepStatusCompleted:
		case domain.StepStatusFailed:
			depStep, _ := st.def.Step(dep)
			if depStep.OnError == nil || !depStep.OnError.Continue {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// propagateSkips marks pending steps whose dependencies can no longer
// complete. The walk follows topological order so skips cascade in one pass.
func (e *Engine) propagateSkips(st *runState) {
	for _, name := range st.def.order {
		state := st.run.Step(name)
		if state.Status != domain.StepStatusPending {
			continue
		}
		step, _ := st.def.Step(name)
		for _, dep := range step.DependsOn {
			depState := st.run.Step(dep)
			depStep, _ := st.def.Step(dep)
			blocked := depState.Status == domain.StepStatusSkipped ||
				(depState.Status == domain.StepStatusFailed && (depStep.OnError == nil || !depStep.OnError.Continue))
			if blocked {
				now := e.now().UTC()
				state.Status = domain.StepStatusSkipped
				state.CompletedAt = &now
				break
			}
		}
	}
}

// applyTask folds a task's state into its step.
func (e *Engine) applyTask(st *runState, state *domain.StepState, task *domain.Task) {
	switch task.Status {
	case domain.TaskStatusCompleted:
		now := e.now().UTC()
		state.Status = domain.StepStatusCompleted
		state.Output = task.Result
		state.CompletedAt = &now
	case domain.TaskStatusFailed:
		te := task.Error
		if te == nil {
			te = &domain.TaskError{Kind: domain.ErrAgent, Message: "task failed"}
		}
		e.failStep(st, state, te)
	case domain.TaskStatusCancelled:
		e.failStep(st, state, &domain.TaskError{Kind: domain.ErrCancelled, Message: "task cancelled"})
	}
}

// failStep marks a step failed and queues its on_error action for the next
// launch.
func (e *Engine) failStep(st *runState, state *domain.StepState, te *domain.TaskError) {
	now := e.now().UTC()
	state.Status = domain.StepStatusFailed
	state.Error = te
	state.CompletedAt = &now

	e.logger.Info("workflow step failed",
		slog.String("run_id", st.run.RunID),
		slog.String("step", state.Name),
		slog.String("error_kind", string(te.Kind)))

	step, _ := st.def.Step(state.Name)
	if step.OnError == nil {
		return
	}
	input, err := Render(step.OnError.Input, e.scope(st, &ErrorContext{Kind: te.Kind, Message: te.Message, Step: state.Name}))
	if err != nil {
		e.logger.Warn("on_error input did not resolve",
			slog.String("run_id", st.run.RunID),
			slog.String("step", state.Name),
			slog.Any("error", err))
		return
	}
	st.onError = append(st.onError, &stepLaunch{
		step:    state.Name,
		action:  step.OnError.Action,
		input:   input,
		onError: true,
	})
}

func (e *Engine) scope(st *runState, errCtx *ErrorContext) Scope {
	outputs := make(map[string]json.RawMessage)
	for _, s := range st.run.Steps {
		if s.Status == domain.StepStatusCompleted {
			outputs[s.Name] = s.Output
		}
	}
	return Scope{Trigger: st.trigger, Outputs: outputs, Error: errCtx}
}

// settle finishes the run once every step is terminal. A run completes when
// at least one step completed and the output step, if any, completed.
func (e *Engine) settle(ctx context.Context, st *runState) {
	if st.run.Status.Terminal() {
		return
	}
	anyCompleted := false
	for _, s := range st.run.Steps {
		if !s.Status.Terminal() {
			return
		}
		if s.Status == domain.StepStatusCompleted {
			anyCompleted = true
		}
	}

	switch {
	case !anyCompleted:
		e.finish(ctx, st, domain.RunStatusFailed, e.runError(st, "no step completed"))
	case st.def.Output != "" && st.run.Step(st.def.Output).Status != domain.StepStatusCompleted:
		e.finish(ctx, st, domain.RunStatusFailed, e.runError(st, fmt.Sprintf("output step %s did not complete", st.def.Output)))
	default:
		e.finish(ctx, st, domain.RunStatusCompleted, nil)
	}
}

// runError describes a failed run by its first failed step.
func (e *Engine) runError(st *runState, fallback string) *domain.TaskError {
	for _, name := range st.def.order {
		s := st.run.Step(name)
		if s.Status == domain.StepStatusFailed && s.Error != nil {
			return &domain.TaskError{Kind: s.Error.Kind, Message: fmt.Sprintf("step %s failed: %s", name, s.Error.Message)}
		}
	}
	return &domain.TaskError{Kind: domain.ErrAgent, Message: fallback}
}

func (e *Engine) finish(ctx context.Context, st *runState, status domain.RunStatus, te *domain.TaskError) {
	now := e.now().UTC()
	st.run.Status = status
	st.run.Error = te
	st.run.CompletedAt = &now
	if st.timer != nil {
		st.timer.Stop()
	}

	e.mu.Lock()
	delete(e.active, st.run.RunID)
	e.mu.Unlock()

	e.metrics.WorkflowFinished(st.run.WorkflowName, string(status))
	attrs := []any{
		slog.String("run_id", st.run.RunID),
		slog.String("workflow", st.run.WorkflowName),
		slog.String("status", string(status)),
	}
	if te != nil {
		attrs = append(attrs, slog.String("error_kind", string(te.Kind)))
	}
	e.logger.Info("workflow run finished", attrs...)

	eventType := domain.EventTypeWorkflowCompleted
	if status == domain.RunStatusFailed {
		eventType = domain.EventTypeWorkflowFailed
	}
	e.publishRun(ctx, eventType, st.run)
}

// abort ends a run early. Running tasks are cancelled and their steps fail
// with kind; pending steps are skipped.
func (e *Engine) abort(runID string, kind domain.ErrorKind, message string) {
	st := e.lookup(runID)
	if st == nil {
		return
	}
	ctx := context.Background()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.run.Status.Terminal() {
		return
	}

	te := &domain.TaskError{Kind: kind, Message: message}
	now := e.now().UTC()
	for i := range st.run.Steps {
		s := &st.run.Steps[i]
		switch s.Status {
		case domain.StepStatusRunning:
			if s.TaskID != "" {
				e.cancelTask(ctx, runID, s.TaskID)
			}
			s.Status = domain.StepStatusFailed
			s.Error = te
			s.CompletedAt = &now
		case domain.StepStatusPending:
			s.Status = domain.StepStatusSkipped
			s.CompletedAt = &now
		}
	}
	e.finish(ctx, st, domain.RunStatusFailed, te)
	e.persist(ctx, st)
}

func (e *Engine) persist(ctx context.Context, st *runState) {
	if err := e.runs.UpdateRun(context.WithoutCancel(ctx), st.run); err != nil {
		e.logger.Error("failed to persist workflow run",
			slog.String("run_id", st.run.RunID), slog.Any("error", err))
	}
}

func (e *Engine) publishRun(ctx context.Context, eventType string, run *domain.WorkflowRun) {
	payload := domain.WorkflowEventPayload{
		RunID:        run.RunID,
		WorkflowName: run.WorkflowName,
		Status:       run.Status,
		Error:        run.Error,
	}
	if _, err := eventbus.PublishJSON(context.WithoutCancel(ctx), e.bus, eventType, payload); err != nil {
		e.logger.Warn("failed to publish workflow event",
			slog.String("run_id", run.RunID), slog.Any("error", err))
	}
}

func cloneRun(r *domain.WorkflowRun) *domain.WorkflowRun {
	out := *r
	out.Steps = append([]domain.StepState(nil), r.Steps...)
	return &out
}
