// Package registry tracks agents, their capabilities and liveness.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	store "github.com/Godjoberto04/dropshipping-crew-ai/internal/repository"
)

// Default liveness settings.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultOfflineAfter      = 90 * time.Second
)

// Registry is the Agent Registry. Registrations live in the store so that
// every orchestrator process sharing a database sees the same agents; the
// round-robin cursors are per process.
type Registry struct {
	store        store.AgentStore
	heartbeat    time.Duration
	offlineAfter time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	cursors map[string]uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeatInterval sets the heartbeat cadence advertised to agents.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.heartbeat = d
		}
	}
}

// WithOfflineAfter sets the heartbeat age after which an agent is offline.
func WithOfflineAfter(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.offlineAfter = d
		}
	}
}

// WithClock overrides the registry clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a registry backed by s.
func New(s store.AgentStore, opts ...Option) *Registry {
	r := &Registry{
		store:        s,
		heartbeat:    DefaultHeartbeatInterval,
		offlineAfter: DefaultOfflineAfter,
		now:          time.Now,
		logger:       slog.Default(),
		cursors:      make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "registry"))
	return r
}

// Register upserts an agent and refreshes its heartbeat.
func (r *Registry) Register(ctx context.Context, req domain.RegisterAgentRequest) (*domain.AgentView, error) {
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return nil, domain.Errorf(domain.ErrValidation, "agent_id is required")
	}
	caps := make([]string, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		c = strings.TrimSpace(c)
		if c == "" {
			return nil, domain.Errorf(domain.ErrValidation, "capabilities must not contain empty names")
		}
		if !slices.Contains(caps, c) {
			caps = append(caps, c)
		}
	}
	slices.Sort(caps)

	now := r.now().UTC()
	agent := &domain.Agent{
		AgentID:       agentID,
		Name:          req.Name,
		Endpoint:      strings.TrimSuffix(req.Endpoint, "/"),
		Capabilities:  caps,
		LastHeartbeat: now,
	}
	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}
	stored, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	r.logger.Info("agent registered",
		slog.String("agent_id", agentID),
		slog.Any("capabilities", caps))
	return r.view(stored), nil
}

// Heartbeat refreshes an agent's liveness.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) (*domain.AgentView, error) {
	ok, err := r.store.TouchAgent(ctx, agentID, r.now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.Errorf(domain.ErrUnknownAgent, "agent %s is not registered", agentID)
	}
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return r.view(agent), nil
}

// Resolve picks an online agent advertising the action, rotating through
// candidates on successive calls.
func (r *Registry) Resolve(ctx context.Context, action string) (*domain.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	var candidates []*domain.Agent
	for _, a := range agents {
		if a.Supports(action) && r.online(a) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, domain.Errorf(domain.ErrNoAvailableAgent, "no online agent advertises %s", action)
	}

	r.mu.Lock()
	n := r.cursors[action]
	r.cursors[action] = n + 1
	r.mu.Unlock()

	return candidates[n%uint64(len(candidates))], nil
}

// IsOnline reports whether the agent heartbeated recently enough.
func (r *Registry) IsOnline(ctx context.Context, agentID string) (bool, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return false, domain.Errorf(domain.ErrUnknownAgent, "agent %s is not registered", agentID)
		}
		return false, err
	}
	return r.online(agent), nil
}

// Get returns one agent with its derived state.
func (r *Registry) Get(ctx context.Context, agentID string) (*domain.AgentView, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return r.view(agent), nil
}

// List returns every agent with its derived state.
func (r *Registry) List(ctx context.Context) ([]*domain.AgentView, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*domain.AgentView, len(agents))
	for i, a := range agents {
		views[i] = r.view(a)
	}
	return views, nil
}

func (r *Registry) online(a *domain.Agent) bool {
	return r.now().Sub(a.LastHeartbeat) <= r.offlineAfter
}

func (r *Registry) view(a *domain.Agent) *domain.AgentView {
	state := domain.AgentStateOffline
	if r.online(a) {
		state = domain.AgentStateOnline
	}
	return &domain.AgentView{Agent: *a, State: state, HeartbeatIntervalMs: r.heartbeat.Milliseconds()}
}
