// Package testserver assembles a complete in-process orchestrator for
// transport and client tests.
package testserver

import (
	"context"
	"testing"
	"time"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/adapter/agentclient"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/catalog"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/dispatcher"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/eventbus"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/policy"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/registry"
	store "github.com/Godjoberto04/dropshipping-crew-ai/internal/repository"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/service"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/tools"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/workflow"
	"github.com/Godjoberto04/dropshipping-crew-ai/tests/helpers"
)

// Stack is the assembled orchestrator.
type Stack struct {
	Service    *service.Service
	Store      *store.SQLStore
	Dispatcher *dispatcher.Dispatcher
	Engine     *workflow.Engine
}

// New builds a stack on an in-memory store. Each workflow source is parsed
// into the library.
func New(t *testing.T, workflows ...string) *Stack {
	t.Helper()

	db := helpers.NewTestSQLiteStore(t)
	mem := eventbus.NewMemoryBus(nil)
	t.Cleanup(func() { _ = mem.Close() })
	bus := eventbus.NewRecordingBus(mem, db, nil, nil)

	local := tools.NewRegistry()
	if err := tools.RegisterBuiltins(local, bus); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	cat, err := catalog.New(time.Minute)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	pol, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	agents := registry.New(db)

	d, err := dispatcher.New(dispatcher.Deps{
		Store:   db,
		Agents:  agents,
		Catalog: cat,
		Policy:  pol,
		Local:   local,
		Client:  agentclient.NewClient(time.Second),
		Bus:     bus,
	}, dispatcher.Options{CallbackBaseURL: "http://orchestrator.test"})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	defs := make([]*workflow.Definition, 0, len(workflows))
	for _, src := range workflows {
		def, err := workflow.Parse([]byte(src))
		if err != nil {
			t.Fatalf("parse workflow: %v", err)
		}
		defs = append(defs, def)
	}
	lib, err := workflow.NewLibrary(defs...)
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	engine, err := workflow.NewEngine(lib, d, db, bus, workflow.EngineOptions{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := engine.Start(); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	svc := service.New(service.Deps{
		Dispatcher: d,
		Registry:   agents,
		Engine:     engine,
		Library:    lib,
		Bus:        bus,
		Tasks:      db,
		Events:     db,
	})
	return &Stack{Service: svc, Store: db, Dispatcher: d, Engine: engine}
}
