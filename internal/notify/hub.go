package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/orderflow-dispatch/internal/telemetry"
)

// Envelope is the serialized form of an Event. It is what connections
// receive and what the Kafka relay carries between instances.
type Envelope struct {
	Event      string          `json:"event"`
	OrderID    string          `json:"order_id,omitempty"`
	Rooms      []string        `json:"rooms"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func NewEnvelope(e Event) (Envelope, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", e.Name, err)
	}
	return Envelope{
		Event:      e.Name,
		OrderID:    e.OrderID,
		Rooms:      e.Rooms,
		Payload:    payload,
		OccurredAt: e.OccurredAt,
	}, nil
}

// Publisher announces lifecycle events. Implementations are best-effort and
// never decide business outcomes.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Sink receives envelopes for one connection. Deliver must not block.
type Sink interface {
	Deliver(env Envelope) bool
}

// Hub fans events out to the sinks of connections in the target rooms.
// A connection in several target rooms gets the event once.
type Hub struct {
	registry *Registry
	logger   zerolog.Logger

	mu    sync.RWMutex
	sinks map[string]Sink

	delivered metric.Int64Counter
	dropped   metric.Int64Counter
}

func NewHub(registry *Registry, logger zerolog.Logger) *Hub {
	return &Hub{
		registry:  registry,
		logger:    logger,
		sinks:     make(map[string]Sink),
		delivered: telemetry.Int64Counter("dispatch/notify", "dispatch.notify.deliveries", "Events handed to connection queues"),
		dropped:   telemetry.Int64Counter("dispatch/notify", "dispatch.notify.dropped", "Events dropped because a connection queue was full"),
	}
}

func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) Attach(connID string, sink Sink) {
	h.mu.Lock()
	h.sinks[connID] = sink
	h.mu.Unlock()
}

// Detach forgets the connection and all of its room memberships.
func (h *Hub) Detach(connID string) []string {
	h.mu.Lock()
	delete(h.sinks, connID)
	h.mu.Unlock()
	return h.registry.Drop(connID)
}

func (h *Hub) Join(connID, room string) bool { return h.registry.Join(connID, room) }

func (h *Hub) Leave(connID, room string) bool { return h.registry.Leave(connID, room) }

// Publish delivers e to local connections.
func (h *Hub) Publish(ctx context.Context, e Event) error {
	env, err := NewEnvelope(e)
	if err != nil {
		return err
	}
	h.Deliver(ctx, env)
	return nil
}

// Deliver hands env to every connection in its rooms and returns how many
// queues accepted it.
func (h *Hub) Deliver(ctx context.Context, env Envelope) int {
	audience := h.registry.Audience(env.Rooms...)

	h.mu.RLock()
	sinks := make([]Sink, 0, len(audience))
	for _, connID := range audience {
		if s, ok := h.sinks[connID]; ok {
			sinks = append(sinks, s)
		}
	}
	h.mu.RUnlock()

	accepted := 0
	for _, s := range sinks {
		if s.Deliver(env) {
			accepted++
		}
	}

	attrs := metric.WithAttributes(attribute.String("event", env.Event))
	h.delivered.Add(ctx, int64(accepted), attrs)
	if dropped := len(sinks) - accepted; dropped > 0 {
		h.dropped.Add(ctx, int64(dropped), attrs)
		h.logger.Warn().Str("event", env.Event).Str("order_id", env.OrderID).Int("dropped", dropped).Msg("notification queue full")
	}
	return accepted
}

// ChanSink is a bounded FIFO sink. Once closed it refuses new envelopes.
type ChanSink struct {
	mu     sync.Mutex
	ch     chan Envelope
	closed bool
}

func NewChanSink(size int) *ChanSink {
	if size <= 0 {
		size = 1
	}
	return &ChanSink{ch: make(chan Envelope, size)}
}

func (s *ChanSink) Deliver(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- env:
		return true
	default:
		return false
	}
}

func (s *ChanSink) C() <-chan Envelope { return s.ch }

func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
