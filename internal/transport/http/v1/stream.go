package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/eventbus"
)

const (
	streamPingInterval = 30 * time.Second
	streamReadTimeout  = 60 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamBuffer       = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamConn is one websocket subscriber.
type streamConn struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *streamConn) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// StreamEvents streams live events over a websocket.
// GET /events/stream?type=<pattern>
func (h *Handler) StreamEvents(c echo.Context) error {
	pattern := c.QueryParam("type")
	if pattern == "" {
		pattern = "*"
	}
	if err := eventbus.ValidatePattern(pattern); err != nil {
		return writeError(c, err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		c.Logger().Errorf("failed to upgrade websocket: %v", err)
		return nil
	}
	conn := &streamConn{conn: ws, send: make(chan []byte, streamBuffer), done: make(chan struct{})}

	sub, err := h.service.SubscribeEvents(pattern, func(_ context.Context, evt *domain.Event) error {
		data, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		select {
		case conn.send <- data:
		case <-conn.done:
		default:
			c.Logger().Warnf("event stream client too slow, dropping %s", evt.EventID)
		}
		return nil
	})
	if err != nil {
		conn.close()
		return nil
	}

	go writePump(conn)
	readPump(conn)
	_ = sub.Unsubscribe()
	return nil
}

// readPump only watches for the client going away.
func readPump(conn *streamConn) {
	defer conn.close()

	_ = conn.conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})
	for {
		if _, _, err := conn.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *streamConn) {
	ticker := time.NewTicker(streamPingInterval)
	defer func() {
		ticker.Stop()
		conn.close()
	}()

	for {
		select {
		case <-conn.done:
			return
		case message := <-conn.send:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
