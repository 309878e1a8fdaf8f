package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// StreamURL returns the websocket URL of the live event stream.
func (c *Client) StreamURL(pattern string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	target := base + "/events/stream"
	if pattern != "" {
		target += "?type=" + url.QueryEscape(pattern)
	}
	return target
}

// WatchEvents streams live events matching pattern into fn until ctx is
// done, the server closes the stream, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, pattern string, fn func(*domain.Event) error) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.StreamURL(pattern), nil)
	if err != nil {
		return domain.Wrap(domain.ErrTransport, err, "dial event stream")
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return domain.Wrap(domain.ErrTransport, err, "read event stream")
		}
		var evt domain.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(&evt); err != nil {
			return err
		}
	}
}
