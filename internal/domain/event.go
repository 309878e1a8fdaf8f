package domain

import (
	"encoding/json"
	"time"
)

// Event is an immutable typed notification carried by the event bus.
type Event struct {
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Source      string          `json:"source,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

// EventFilter narrows an event listing.
type EventFilter struct {
	Pattern string
	Limit   int
}
