package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/avalove-network/avalove/internal/domain"
)

// ─── Presence Channels ──────────────────────────────────────────────────────
// A presence channel is a broadcast topic plus a membership registry: members
// track themselves under a key, and every join/leave is broadcast to all
// members. New members receive a full sync snapshot, which is also how
// reconnection recovers state.

const presenceTopicPrefix = "presence:"

// registry holds the shared membership state for one channel name.
// One key may be tracked by several concurrent connections.
type registry struct {
	mu      sync.Mutex
	members map[string]map[*Channel]domain.PresenceMeta // key → owner → payload
}

func (r *registry) snapshot() map[string][]domain.PresenceMeta {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := make(map[string][]domain.PresenceMeta, len(r.members))
	for key, owners := range r.members {
		metas := make([]domain.PresenceMeta, 0, len(owners))
		for _, m := range owners {
			metas = append(metas, m)
		}
		state[key] = metas
	}
	return state
}

// track records the meta and reports whether the key was newly present.
func (r *registry) track(key string, owner *Channel, meta domain.PresenceMeta) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	owners, ok := r.members[key]
	if !ok {
		owners = make(map[*Channel]domain.PresenceMeta)
		r.members[key] = owners
	}
	owners[owner] = meta
	return !ok
}

// untrack removes the owner's claim and reports whether the key is now gone.
func (r *registry) untrack(key string, owner *Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	owners, ok := r.members[key]
	if !ok {
		return false
	}
	delete(owners, owner)
	if len(owners) == 0 {
		delete(r.members, key)
		return true
	}
	return false
}

// Channels hands out memberships in named presence channels.
type Channels struct {
	hub  *Hub
	mu   sync.Mutex
	regs map[string]*registry
}

// NewChannels creates the presence channel directory over a hub.
func NewChannels(hub *Hub) *Channels {
	return &Channels{hub: hub, regs: make(map[string]*registry)}
}

func (c *Channels) reg(name string) *registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.regs[name]
	if !ok {
		r = &registry{members: make(map[string]map[*Channel]domain.PresenceMeta)}
		c.regs[name] = r
	}
	return r
}

// Join opens a membership in the named channel. The returned Channel receives
// an initial sync snapshot followed by live join/leave events.
func (c *Channels) Join(name string) *Channel {
	topic := presenceTopicPrefix + name
	ch := &Channel{
		name:    name,
		topic:   topic,
		hub:     c.hub,
		reg:     c.reg(name),
		sub:     c.hub.Subscribe(topic),
		events:  make(chan domain.PresenceEvent, subscriptionBuffer),
		tracked: make(map[string]struct{}),
		done:    make(chan struct{}),
	}

	// Initial sync so a joining (or reconnecting) member starts from the
	// full state rather than replaying history.
	ch.deliver(domain.PresenceEvent{Kind: domain.PresenceSync, State: ch.reg.snapshot()})

	go ch.pump()
	return ch
}

// Channel is one member's connection to a presence channel.
// It implements domain.PresenceChannel.
type Channel struct {
	name  string
	topic string
	hub   *Hub
	reg   *registry
	sub   *Subscription

	events chan domain.PresenceEvent

	mu      sync.Mutex
	tracked map[string]struct{}
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

// Track publishes this member's presence under the given key.
// Re-tracking the same key refreshes the payload (keepalive).
func (ch *Channel) Track(_ context.Context, key string, meta domain.PresenceMeta) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return domain.ErrChannelClosed
	}
	ch.tracked[key] = struct{}{}
	ch.mu.Unlock()

	ch.reg.track(key, ch, meta)
	return ch.hub.PublishJSON(ch.topic, domain.PresenceEvent{
		Kind:  domain.PresenceJoin,
		Key:   key,
		Metas: []domain.PresenceMeta{meta},
	})
}

// Leave withdraws this member's claim on a key. The leave event is only
// broadcast once the key has no remaining connections.
func (ch *Channel) Leave(_ context.Context, key string) error {
	ch.mu.Lock()
	delete(ch.tracked, key)
	ch.mu.Unlock()

	if gone := ch.reg.untrack(key, ch); !gone {
		return nil
	}
	return ch.hub.PublishJSON(ch.topic, domain.PresenceEvent{
		Kind: domain.PresenceLeave,
		Key:  key,
	})
}

// Events returns the validated event stream. Closed on Close.
func (ch *Channel) Events() <-chan domain.PresenceEvent { return ch.events }

// Close leaves all tracked keys and tears down the subscription.
// Safe to call multiple times.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		ch.closed = true
		keys := make([]string, 0, len(ch.tracked))
		for k := range ch.tracked {
			keys = append(keys, k)
		}
		ch.tracked = make(map[string]struct{})
		ch.mu.Unlock()

		for _, key := range keys {
			if gone := ch.reg.untrack(key, ch); gone {
				_ = ch.hub.PublishJSON(ch.topic, domain.PresenceEvent{
					Kind: domain.PresenceLeave,
					Key:  key,
				})
			}
		}

		close(ch.done)
		ch.hub.Unsubscribe(ch.sub)
	})
	return nil
}

// pump decodes and validates raw hub payloads into presence events.
func (ch *Channel) pump() {
	for {
		select {
		case <-ch.done:
			return
		case raw, ok := <-ch.sub.C():
			if !ok {
				return
			}
			var ev domain.PresenceEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				log.Printf("presence[%s]: dropping undecodable event: %v", ch.name, err)
				continue
			}
			if err := ev.Validate(); err != nil {
				log.Printf("presence[%s]: dropping event: %v", ch.name, err)
				continue
			}
			ch.deliver(ev)
		}
	}
}

func (ch *Channel) deliver(ev domain.PresenceEvent) {
	select {
	case ch.events <- ev:
	default:
		// Listener is behind; the next sync restores consistency.
	}
}
