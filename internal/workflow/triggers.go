package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/eventbus"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Triggers starts runs from bus events and schedules declared by the
// library's definitions. Sync re-reads the library.
type Triggers struct {
	engine  *Engine
	library *Library
	bus     eventbus.Bus
	logger  *slog.Logger
	cron    *cron.Cron

	mu      sync.Mutex
	subs    []eventbus.Subscription
	entries []cron.EntryID
}

// NewTriggers wires triggers for the library and keeps them in sync with
// library reloads.
func NewTriggers(engine *Engine, library *Library, bus eventbus.Bus, logger *slog.Logger) *Triggers {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Triggers{
		engine:  engine,
		library: library,
		bus:     bus,
		logger:  logger.With(slog.String("component", "workflow-triggers")),
		cron:    cron.New(cron.WithParser(scheduleParser), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
	}
	library.OnChange(func() {
		if err := t.Sync(); err != nil {
			t.logger.Error("failed to sync workflow triggers", slog.Any("error", err))
		}
	})
	return t
}

// Start syncs triggers and starts the scheduler.
func (t *Triggers) Start() error {
	if err := t.Sync(); err != nil {
		return err
	}
	t.cron.Start()
	return nil
}

// Stop removes all triggers and waits for running scheduled jobs.
func (t *Triggers) Stop() {
	t.clear()
	<-t.cron.Stop().Done()
}

// Sync replaces the registered triggers with the library's current ones.
func (t *Triggers) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
	for _, def := range t.library.List() {
		if def.Trigger == nil {
			continue
		}
		name := def.Name
		if def.Trigger.Event != "" {
			sub, err := t.bus.Subscribe(def.Trigger.Event, func(ctx context.Context, evt *domain.Event) error {
				_, err := t.engine.TriggerEvent(ctx, name, evt)
				return err
			})
			if err != nil {
				return err
			}
			t.subs = append(t.subs, sub)
		}
		if def.Trigger.Schedule != "" {
			id, err := t.cron.AddFunc(def.Trigger.Schedule, func() {
				t.fire(name)
			})
			if err != nil {
				return err
			}
			t.entries = append(t.entries, id)
		}
	}
	t.logger.Debug("workflow triggers synced",
		slog.Int("event_triggers", len(t.subs)),
		slog.Int("schedules", len(t.entries)))
	return nil
}

func (t *Triggers) fire(name string) {
	data, _ := json.Marshal(map[string]string{"scheduled_at": time.Now().UTC().Format(time.RFC3339)})
	if _, err := t.engine.Trigger(context.Background(), name, TriggerContext{Type: "schedule", Data: data}); err != nil {
		t.logger.Warn("scheduled workflow trigger failed",
			slog.String("workflow", name), slog.Any("error", err))
	}
}

func (t *Triggers) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
}

func (t *Triggers) clearLocked() {
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
	for _, id := range t.entries {
		t.cron.Remove(id)
	}
	t.subs = nil
	t.entries = nil
}
