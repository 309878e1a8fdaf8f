// Package service is the application facade shared by the HTTP and
// JSON-RPC transports.
package service

import (
	"log/slog"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/dispatcher"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/eventbus"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/registry"
	store "github.com/Godjoberto04/dropshipping-crew-ai/internal/repository"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/workflow"
)

// Deps are the components behind the facade.
type Deps struct {
	Dispatcher *dispatcher.Dispatcher
	Registry   *registry.Registry
	Engine     *workflow.Engine
	Library    *workflow.Library
	Bus        eventbus.Bus
	Tasks      store.TaskStore
	Events     store.EventStore
	Logger     *slog.Logger
}

type Service struct {
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	engine     *workflow.Engine
	library    *workflow.Library
	bus        eventbus.Bus
	tasks      store.TaskStore
	events     store.EventStore
	logger     *slog.Logger
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		dispatcher: deps.Dispatcher,
		registry:   deps.Registry,
		engine:     deps.Engine,
		library:    deps.Library,
		bus:        deps.Bus,
		tasks:      deps.Tasks,
		events:     deps.Events,
		logger:     logger,
	}
}
