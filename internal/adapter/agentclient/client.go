// Package agentclient hands tasks to remote agents over HTTP.
package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// EventHandler is called for each SSE event from the agent.
type EventHandler func(event SSEEvent) error

// Client is an HTTP client for handing tasks to agents.
type Client struct {
	httpClient *http.Client
}

// NewClient creates an agent client. ackTimeout bounds the wait for the
// agent's response headers, which is the hand-off acknowledgement. Streamed
// bodies are bounded by the request context instead.
func NewClient(ackTimeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = ackTimeout
	return &Client{
		httpClient: &http.Client{Transport: transport},
	}
}

// Delivery is an acknowledged hand-off.
type Delivery struct {
	body      io.ReadCloser
	streaming bool
	// Report is set when the agent finished synchronously and answered
	// with the task report in the acknowledgement body.
	Report *domain.TaskReport
}

// Streaming reports whether the agent keeps an SSE stream open.
func (d *Delivery) Streaming() bool { return d.streaming }

// Consume parses the SSE stream until it ends and closes it.
func (d *Delivery) Consume(handler EventHandler) error {
	if !d.streaming {
		return nil
	}
	defer d.body.Close()
	return parseSSE(d.body, handler)
}

// Close releases the stream without reading it.
func (d *Delivery) Close() error {
	if d.body == nil {
		return nil
	}
	return d.body.Close()
}

// Deliver posts the task to the agent's /tasks endpoint. A 2xx response
// acknowledges the hand-off; a text/event-stream response stays open and
// must be consumed or closed by the caller.
func (c *Client) Deliver(ctx context.Context, endpoint string, req *domain.AgentTaskRequest) (*Delivery, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + "/tasks"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("X-Task-ID", req.TaskID)
	httpReq.Header.Set("X-Action", req.Action)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to deliver task: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return &Delivery{body: resp.Body, streaming: true}, nil
	}

	defer resp.Body.Close()
	d := &Delivery{}
	ackBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || len(bytes.TrimSpace(ackBody)) == 0 {
		return d, nil
	}
	var report domain.TaskReport
	if err := json.Unmarshal(ackBody, &report); err == nil && report.Status.Terminal() {
		report.TaskID = req.TaskID
		d.Report = &report
	}
	return d, nil
}

// parseSSE parses an SSE stream and calls the handler for each event.
func parseSSE(reader io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// ParseProgressEvent parses a progress event data.
func ParseProgressEvent(data string) (*domain.ProgressEventData, error) {
	var p domain.ProgressEventData
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to parse progress event: %w", err)
	}
	return &p, nil
}

// ParseDoneEvent parses a done event data.
func ParseDoneEvent(data string) (*domain.DoneEventData, error) {
	var done domain.DoneEventData
	if err := json.Unmarshal([]byte(data), &done); err != nil {
		return nil, fmt.Errorf("failed to parse done event: %w", err)
	}
	return &done, nil
}

// ParseErrorEvent parses an error event data.
func ParseErrorEvent(data string) (*domain.ErrorEventData, error) {
	var errEvt domain.ErrorEventData
	if err := json.Unmarshal([]byte(data), &errEvt); err != nil {
		return nil, fmt.Errorf("failed to parse error event: %w", err)
	}
	return &errEvt, nil
}
