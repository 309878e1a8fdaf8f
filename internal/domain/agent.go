package domain

import (
	"slices"
	"time"
)

// Agent represents a registered agent service.
type Agent struct {
	AgentID       string    `json:"agent_id"`
	Name          string    `json:"name,omitempty"`
	Endpoint      string    `json:"endpoint,omitempty"`
	Capabilities  []string  `json:"capabilities"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// Supports reports whether the agent advertises the action.
func (a *Agent) Supports(action string) bool {
	return slices.Contains(a.Capabilities, action)
}

// AgentView is an agent together with its derived state. HeartbeatIntervalMs
// tells the agent how often the orchestrator expects a heartbeat.
type AgentView struct {
	Agent
	State               AgentState `json:"state"`
	HeartbeatIntervalMs int64      `json:"heartbeat_interval_ms,omitempty"`
}

// HeartbeatInterval returns the advertised heartbeat cadence, or zero when
// none was given.
func (v *AgentView) HeartbeatInterval() time.Duration {
	return time.Duration(v.HeartbeatIntervalMs) * time.Millisecond
}
