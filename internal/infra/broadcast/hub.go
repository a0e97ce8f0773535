// Package broadcast implements the in-process pub/sub backbone.
//
// A Hub carries named topics: the shared presence channel, and one targeted
// topic per sessionID for kick delivery. Delivery is at-least-once to live
// subscribers with a bounded buffer per subscription — a slow subscriber
// drops messages rather than wedging the publisher.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/avalove-network/avalove/internal/domain"
)

const subscriptionBuffer = 16

// Subscription is one listener on one topic.
type Subscription struct {
	topic string
	ch    chan []byte

	mu     sync.Mutex
	closed bool
}

// C returns the message channel. It is closed when the subscription is
// cancelled.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Hub is the process-wide topic registry.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[*Subscription]struct{})}
}

// Subscribe opens a subscription on a topic.
func (h *Hub) Subscribe(topic string) *Subscription {
	sub := &Subscription{topic: topic, ch: make(chan []byte, subscriptionBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription. Safe to call multiple times.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	if subs, ok := h.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, sub.topic)
		}
	}
	h.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish delivers a payload to every live subscriber of a topic.
// Subscribers whose buffer is full miss the message; eventual consistency is
// restored by the next sync or poll.
func (h *Hub) Publish(topic string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return domain.ErrChannelClosed
	}

	for sub := range h.topics[topic] {
		select {
		case sub.ch <- payload:
		default:
			// Slow subscriber: drop rather than block.
		}
	}
	return nil
}

// PublishJSON marshals v and publishes it.
func (h *Hub) PublishJSON(topic string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.Publish(topic, data)
}

// Close tears down every subscription. Further publishes fail with
// ErrChannelClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true

	for _, subs := range h.topics {
		for sub := range subs {
			sub.mu.Lock()
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			sub.mu.Unlock()
		}
	}
	h.topics = make(map[string]map[*Subscription]struct{})
}

// ─── Notifier ───────────────────────────────────────────────────────────────

// Notify implements domain.Notifier over the hub.
func (h *Hub) Notify(_ context.Context, topic string, payload []byte) error {
	return h.Publish(topic, payload)
}

// Listen implements domain.Notifier. The cancel func is idempotent.
func (h *Hub) Listen(topic string) (<-chan []byte, func()) {
	sub := h.Subscribe(topic)
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { h.Unsubscribe(sub) })
	}
}
