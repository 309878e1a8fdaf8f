package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// MemoryBus is an in-process bus. Every subscriber owns an unbounded queue
// drained by its own goroutine, so a slow handler never blocks publishers or
// other subscribers and events reach it in publish order.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySub
	nextID uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
	source string
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		subs:   make(map[uint64]*memorySub),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "eventbus")),
		source: "orchestrator",
	}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, eventType string, payload json.RawMessage) (*domain.Event, error) {
	if err := ValidateType(eventType); err != nil {
		return nil, err
	}
	evt := newEvent(eventType, payload, b.source)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, domain.Errorf(domain.ErrTransport, "event bus is closed")
	}
	for _, s := range b.subs {
		if Match(s.pattern, eventType) {
			s.enqueue(evt)
		}
	}
	return evt, nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
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
	b.nextID++
	s := &memorySub{
		id:      b.nextID,
		bus:     b,
		pattern: pattern,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs[s.id] = s
	b.wg.Add(1)
	go s.run()
	return s, nil
}

// Close stops every subscriber and waits for in-flight handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		s.stop()
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

type memorySub struct {
	id      uint64
	bus     *MemoryBus
	pattern string
	handler Handler

	mu      sync.Mutex
	queue   []*domain.Event
	signal  chan struct{}
	done    chan struct{}
	stopped bool
}

func (s *memorySub) enqueue(evt *domain.Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySub) run() {
	defer s.bus.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			s.mu.Lock()
			if s.stopped || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			evt := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			deliver(s.bus.ctx, s.bus.logger, s.pattern, s.handler, evt)
		}
	}
}

func (s *memorySub) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.queue = nil
	close(s.done)
}

// Unsubscribe removes the subscriber. Queued events are dropped.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}
