package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// CreateEvent appends an event to the log.
func (s *SQLStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO events (event_id, type, payload, source, published_at) VALUES (?, ?, ?, ?, ?)`),
		event.EventID, event.Type, nullStringBytes(event.Payload), nullString(event.Source), toMillis(event.PublishedAt))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first. Pattern is an
// exact type or a prefix wildcard such as "order.*".
func (s *SQLStore) ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error) {
	query := `SELECT event_id, type, payload, source, published_at FROM events WHERE 1=1`
	var args []interface{}

	switch p := filter.Pattern; {
	case p == "" || p == "*":
	case strings.HasSuffix(p, ".*"):
		query += ` AND type LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(strings.TrimSuffix(p, "*"))+"%")
	default:
		query += ` AND type = ?`
		args = append(args, p)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY published_at DESC, event_id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var e domain.Event
		var payload, source sql.NullString
		var published int64
		if err := rows.Scan(&e.EventID, &e.Type, &payload, &source, &published); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.Source = source.String
		e.PublishedAt = fromMillis(published)
		events = append(events, &e)
	}
	return events, rows.Err()
}
