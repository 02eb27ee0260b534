package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/terramentis-ai/terraqore-studio-sub002/internal/events"

// defaultQueueSize bounds the producer-to-consumer handoff channel.
const defaultQueueSize = 1024

// subscriberBuffer bounds each subscriber's delivery channel. A subscriber
// that stops draining loses events rather than stalling the fan-out.
const subscriberBuffer = 64

// Publisher mirrors events to an external broker. Implemented by the NATS
// mirror; delivery is best-effort.
type Publisher interface {
	Publish(ev *Event) error
}

// Subscription is a registered consumer. Read events from C; call the hub's
// Unsubscribe when the consumer disconnects.
type Subscription struct {
	ID        string
	Patterns  []string
	ProjectID string
	C         chan *Event
}

func (s *Subscription) matches(ev *Event) bool {
	if s.ProjectID != "" && ev.ProjectID != "" && s.ProjectID != ev.ProjectID {
		return false
	}
	for _, p := range s.Patterns {
		if MatchPattern(p, ev.Type) {
			return true
		}
	}
	return false
}

// Hub is the cross-goroutine event broadcaster. Emit is a non-blocking
// enqueue into a single consumer loop (Run); when no loop is running the
// event is fanned out synchronously so emission never fails.
type Hub struct {
	logger *zap.Logger
	mirror Publisher

	ch      chan *Event
	running atomic.Bool

	mu   sync.RWMutex
	subs map[string]*Subscription

	emitCounter    metric.Int64Counter
	droppedCounter metric.Int64Counter
}

// Option configures the hub.
type Option func(*Hub)

// WithMirror attaches a best-effort external publisher.
func WithMirror(p Publisher) Option {
	return func(h *Hub) { h.mirror = p }
}

// WithQueueSize overrides the handoff queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.ch = make(chan *Event, n)
		}
	}
}

// NewHub creates an event hub.
func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		logger: logger,
		ch:     make(chan *Event, defaultQueueSize),
		subs:   make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}

	meter := otel.Meter(instrumentationName)
	var err error
	h.emitCounter, err = meter.Int64Counter(
		"studio.events.emitted_total",
		metric.WithDescription("Total events emitted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		logger.Warn("failed to create emit counter", zap.Error(err))
	}
	h.droppedCounter, err = meter.Int64Counter(
		"studio.events.dropped_total",
		metric.WithDescription("Events dropped on full buffers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		logger.Warn("failed to create drop counter", zap.Error(err))
	}
	return h
}

// Run owns fan-out. It blocks until ctx is cancelled; producers keep
// working either way, falling back to synchronous delivery when no loop is
// active.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.ch:
			h.fanout(ev)
		}
	}
}

// Emit hands an event to the hub. Safe from any goroutine; never blocks the
// caller. With the consumer loop running it enqueues (dropping only when the
// handoff queue is saturated); without a loop it delivers synchronously.
func (h *Hub) Emit(ev *Event) {
	if ev == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if h.emitCounter != nil {
		h.emitCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("event.type", ev.Type)))
	}

	if !h.running.Load() {
		h.fanout(ev)
		return
	}
	select {
	case h.ch <- ev:
	default:
		if h.droppedCounter != nil {
			h.droppedCounter.Add(context.Background(), 1)
		}
		h.logger.Warn("event queue saturated, dropping event",
			zap.String("event_type", ev.Type))
	}
}

// fanout delivers to every matching subscriber and mirrors the event.
// A disconnected or slow subscriber never affects the others.
func (h *Hub) fanout(ev *Event) {
	if h.mirror != nil {
		if err := h.mirror.Publish(ev); err != nil {
			h.logger.Debug("event mirror publish failed", zap.Error(err))
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			if h.droppedCounter != nil {
				h.droppedCounter.Add(context.Background(), 1)
			}
			h.logger.Debug("subscriber buffer full, dropping event",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", ev.Type))
		}
	}
}

// Subscribe registers a consumer for the given patterns, optionally scoped
// to one project. Pass at least one pattern; "*" subscribes to everything.
func (h *Hub) Subscribe(patterns []string, projectID string) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		Patterns:  patterns,
		ProjectID: projectID,
		C:         make(chan *Event, subscriberBuffer),
	}
	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return false
	}
	delete(h.subs, id)
	close(sub.C)
	return true
}

// SubscriberCount returns the number of registered subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
