package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// UpsertAgent inserts or overwrites a registration. The original
// registration time survives re-registration.
func (s *SQLStore) UpsertAgent(ctx context.Context, agent *domain.Agent) error {
	if agent.RegisteredAt.IsZero() {
		agent.RegisteredAt = s.now().UTC()
	}
	if agent.LastHeartbeat.IsZero() {
		agent.LastHeartbeat = agent.RegisteredAt
	}
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO agents (agent_id, name, endpoint, capabilities, last_heartbeat, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			name = excluded.name,
			endpoint = excluded.endpoint,
			capabilities = excluded.capabilities,
			last_heartbeat = excluded.last_heartbeat`),
		agent.AgentID, nullString(agent.Name), nullString(agent.Endpoint), string(caps),
		toMillis(agent.LastHeartbeat), toMillis(agent.RegisteredAt))
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT agent_id, name, endpoint, capabilities, last_heartbeat, registered_at FROM agents WHERE agent_id = ?`),
		agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrNotFound, "agent %s not found", agentID)
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// TouchAgent refreshes the heartbeat; it reports false for unknown agents.
func (s *SQLStore) TouchAgent(ctx context.Context, agentID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE agents SET last_heartbeat = ? WHERE agent_id = ?`),
		toMillis(at), agentID)
	if err != nil {
		return false, fmt.Errorf("touch agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListAgents lists all registered agents ordered by ID.
func (s *SQLStore) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, name, endpoint, capabilities, last_heartbeat, registered_at FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var a domain.Agent
	var name, endpoint, caps sql.NullString
	var heartbeat, registered int64
	if err := row.Scan(&a.AgentID, &name, &endpoint, &caps, &heartbeat, &registered); err != nil {
		return nil, err
	}
	a.Name = name.String
	a.Endpoint = endpoint.String
	if caps.Valid && caps.String != "" {
		if err := json.Unmarshal([]byte(caps.String), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities for %s: %w", a.AgentID, err)
		}
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	a.LastHeartbeat = fromMillis(heartbeat)
	a.RegisteredAt = fromMillis(registered)
	return &a, nil
}
