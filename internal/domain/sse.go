package domain

import "encoding/json"

// SSE event names an agent may stream back on the hand-off response.
const (
	SSEEventProgress = "progress"
	SSEEventDone     = "done"
	SSEEventError    = "error"
)

// ProgressEventData is the data of a progress SSE event.
type ProgressEventData struct {
	Message string  `json:"message,omitempty"`
	Percent float64 `json:"percent,omitempty"`
}

// DoneEventData is the data of a done SSE event.
type DoneEventData struct {
	Result json.RawMessage `json:"result"`
}

// ErrorEventData is the data of an error SSE event.
type ErrorEventData struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}
