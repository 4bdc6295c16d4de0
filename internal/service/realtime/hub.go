package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/zhouzirui/tripmate/backend/internal/metrics"
	"github.com/zhouzirui/tripmate/backend/internal/model/event"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

// Forwarder 把本实例产生的事件转发给其他实例（例如 Kafka）。
type Forwarder interface {
	Forward(ctx context.Context, ev event.Event) error
}

// Hub fans events out to topic subscribers inside this process.
type Hub struct {
	origin string
	buffer int

	mu     sync.RWMutex
	topics map[string]map[*Subscriber]struct{}

	forwarder Forwarder
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 16
	}
	return &Hub{
		origin: uuid.NewString(),
		buffer: buffer,
		topics: make(map[string]map[*Subscriber]struct{}),
	}
}

// Origin identifies this hub instance in forwarded events.
func (h *Hub) Origin() string { return h.origin }

// SetForwarder installs the cross-instance forwarder. Must be called before serving.
func (h *Hub) SetForwarder(f Forwarder) { h.forwarder = f }

// Subscriber receives the events of one topic until Close.
type Subscriber struct {
	topic string
	ch    chan event.Event
	hub   *Hub
	once  sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscriber) Topic() string { return s.topic }

// Events is closed once the subscriber is closed.
func (s *Subscriber) Events() <-chan event.Event { return s.ch }

// Close unregisters the subscriber; safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Subscribe registers a new subscriber on topic.
func (h *Hub) Subscribe(topic string) *Subscriber {
	sub := &Subscriber{topic: topic, ch: make(chan event.Event, h.buffer), hub: h}

	h.mu.Lock()
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.topics[topic] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	metrics.Subscribers.Inc()
	return sub
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	if set, ok := h.topics[sub.topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.topics, sub.topic)
		}
	}
	close(sub.ch)
	h.mu.Unlock()

	metrics.Subscribers.Dec()
}

// Publish delivers ev locally and forwards it to other instances.
func (h *Hub) Publish(ctx context.Context, ev event.Event) {
	if ev.Origin == "" {
		ev.Origin = h.origin
	}
	h.Deliver(ev)

	if h.forwarder != nil {
		if err := h.forwarder.Forward(ctx, ev); err != nil {
			logger.Warn("realtime_forward_failed", "topic", ev.Topic, "type", ev.Type, "error", err)
		}
	}
}

// Deliver fans ev out to local subscribers without blocking. A subscriber
// whose buffer is full misses the event; clients converge on the next re-fetch.
func (h *Hub) Deliver(ev event.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.topics[ev.Topic] {
		select {
		case sub.ch <- ev:
		default:
			metrics.EventsDropped.Inc()
			logger.Warn("realtime_subscriber_full", "topic", ev.Topic, "type", ev.Type)
		}
	}
}

// SubscriberCount returns the number of subscribers on topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
