package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// DefaultSubjectPrefix namespaces orchestrator events on a shared broker.
const DefaultSubjectPrefix = "events"

// NATSBus carries events over core NATS. Each subscription is served by the
// client's per-subscription dispatcher, which preserves delivery order.
type NATSBus struct {
	conn     *nats.Conn
	ownsConn bool
	prefix   string
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	subs   map[*natsSub]struct{}
	closed bool
}

// NATSOptions configures a NATSBus.
type NATSOptions struct {
	SubjectPrefix string
	Logger        *slog.Logger
}

// NewNATSBus wraps an existing connection. The caller keeps ownership of conn.
func NewNATSBus(conn *nats.Conn, opts NATSOptions) *NATSBus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.TrimSuffix(opts.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSBus{
		conn:   conn,
		prefix: prefix,
		logger: logger.With(slog.String("component", "eventbus"), slog.String("transport", "nats")),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[*natsSub]struct{}),
	}
}

// ConnectNATS dials a NATS server and returns a bus that owns the connection.
func ConnectNATS(url string, opts NATSOptions) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("dropship-orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, domain.Wrap(domain.ErrTransport, err, "connect to NATS at %s", url)
	}
	b := NewNATSBus(conn, opts)
	b.ownsConn = true
	return b, nil
}

func (b *NATSBus) subject(eventType string) string {
	return b.prefix + "." + eventType
}

// subjectFor maps a subscription pattern onto a NATS subject. A prefix
// wildcard becomes a full wildcard so that "order.*" also sees
// "order.item.added", matching the in-process bus.
func (b *NATSBus) subjectFor(pattern string) string {
	if pattern == "*" {
		return b.prefix + ".>"
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return b.prefix + "." + prefix + ".>"
	}
	return b.subject(pattern)
}

// Publish implements Bus.
func (b *NATSBus) Publish(ctx context.Context, eventType string, payload json.RawMessage) (*domain.Event, error) {
	if err := ValidateType(eventType); err != nil {
		return nil, err
	}
	if b.conn == nil || b.conn.IsClosed() {
		return nil, domain.Errorf(domain.ErrTransport, "NATS connection is closed")
	}
	evt := newEvent(eventType, payload, "orchestrator")
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, domain.Wrap(domain.ErrValidation, err, "encode event")
	}
	if err := b.conn.Publish(b.subject(eventType), data); err != nil {
		return nil, domain.Wrap(domain.ErrTransport, err, "publish %s", eventType)
	}
	return evt, nil
}

// Subscribe implements Bus.
func (b *NATSBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, domain.Errorf(domain.ErrValidation, "handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, domain.Errorf(domain.ErrTransport, "event bus is closed")
	}

	ns, err := b.conn.Subscribe(b.subjectFor(pattern), func(msg *nats.Msg) {
		var evt domain.Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			b.logger.Error("dropping undecodable event",
				slog.String("subject", msg.Subject), slog.Any("error", err))
			return
		}
		deliver(b.ctx, b.logger, pattern, handler, &evt)
	})
	if err != nil {
		return nil, domain.Wrap(domain.ErrTransport, err, "subscribe %s", pattern)
	}
	sub := &natsSub{bus: b, sub: ns}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Flush round-trips to the server so that prior subscriptions are active.
func (b *NATSBus) Flush() error {
	return b.conn.Flush()
}

// Close unsubscribes everything and, when the bus owns it, drains the
// connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for s := range subs {
		_ = s.sub.Unsubscribe()
	}
	b.cancel()
	if b.ownsConn {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
			return fmt.Errorf("drain NATS connection: %w", err)
		}
	}
	return nil
}

type natsSub struct {
	bus *NATSBus
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// StartEmbeddedNATS starts an in-process NATS server on a random port.
func StartEmbeddedNATS() (*server.Server, error) {
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}
	return ns, nil
}
