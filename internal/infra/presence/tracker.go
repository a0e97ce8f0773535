// Package presence maintains the process-wide set of online users.
//
// The tracker is fed by a shared broadcast presence channel: sync events
// rebuild the full set, join/leave events patch it. A user is online iff at
// least one member key maps to them — one user may hold several concurrent
// connections (tabs, devices).
//
// There is no "unknown" state: losing the channel means everyone is treated
// offline, and reconnection recovers via a fresh sync.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/avalove-network/avalove/internal/domain"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config controls tracker behavior.
type Config struct {
	// ChannelName is the stable broadcast topic for presence.
	ChannelName string

	// KeepaliveInterval is how often locally tracked users re-publish
	// their presence payload to keep the membership alive and refresh the
	// external "last seen" timestamp. Failures are swallowed and retried
	// next interval.
	KeepaliveInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ChannelName:       "online-users",
		KeepaliveInterval: 20 * time.Minute,
	}
}

// TouchFunc refreshes an external last-seen timestamp for a user.
type TouchFunc func(ctx context.Context, userID string, at time.Time)

// ─── Tracker ────────────────────────────────────────────────────────────────

// Tracker owns the online set. Thread-safe via RWMutex.
type Tracker struct {
	cfg Config
	ch  domain.PresenceChannel

	mu     sync.RWMutex
	online map[string]map[string]struct{} // userID → member keys

	localMu sync.Mutex
	local   map[string]struct{} // locally announced users, re-published on keepalive

	onOnline  func(userID string)
	onOffline func(userID string)
	touch     TouchFunc

	// Injectable clock for testing.
	now func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewTracker creates a tracker over an open presence channel membership.
func NewTracker(ch domain.PresenceChannel, cfg Config) *Tracker {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultConfig().KeepaliveInterval
	}
	return &Tracker{
		cfg:    cfg,
		ch:     ch,
		online: make(map[string]map[string]struct{}),
		local:  make(map[string]struct{}),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// OnOnline sets a callback fired when a user transitions offline → online.
// Used by the reconciliation gate; must be set before Run.
func (t *Tracker) OnOnline(fn func(userID string)) { t.onOnline = fn }

// OnOffline sets a callback fired when a user's last key disappears.
func (t *Tracker) OnOffline(fn func(userID string)) { t.onOffline = fn }

// SetTouchFunc installs the external last-seen refresher invoked on keepalive.
func (t *Tracker) SetTouchFunc(fn TouchFunc) { t.touch = fn }

// Run consumes channel events until ctx is cancelled or the tracker closes.
// Blocks; run it in its own goroutine.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.markAllOffline()
			return ctx.Err()
		case <-t.done:
			return nil
		case ev, ok := <-t.ch.Events():
			if !ok {
				// Channel lost: everyone is offline until a reconnect syncs.
				t.markAllOffline()
				return domain.ErrChannelClosed
			}
			t.apply(ev)
		case <-ticker.C:
			t.keepalive(ctx)
		}
	}
}

// Track announces a local user on the channel and keeps the membership alive
// until Untrack or Close.
func (t *Tracker) Track(ctx context.Context, userID string) error {
	err := t.ch.Track(ctx, userID, domain.PresenceMeta{
		UserID:     userID,
		ObservedAt: t.now(),
	})
	if err != nil {
		return err
	}

	t.localMu.Lock()
	t.local[userID] = struct{}{}
	t.localMu.Unlock()
	return nil
}

// Untrack withdraws a local user's membership.
func (t *Tracker) Untrack(ctx context.Context, userID string) error {
	t.localMu.Lock()
	delete(t.local, userID)
	t.localMu.Unlock()
	return t.ch.Leave(ctx, userID)
}

// IsOnline reports set membership in O(1).
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.online[userID]) > 0
}

// OnlineCount returns the number of distinct online users.
func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.online)
}

// OnlineUsers returns a snapshot of online user IDs.
func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	users := make([]string, 0, len(t.online))
	for u := range t.online {
		users = append(users, u)
	}
	return users
}

// Close stops the tracker and leaves the channel. Safe to call multiple times.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.ch.Close()
		t.markAllOffline()
	})
	return nil
}

// ─── Event Application ──────────────────────────────────────────────────────

// usersFor unions the member key with any user IDs found in the payload
// list. This defends against key ≠ userID mismatches from foreign clients.
func usersFor(key string, metas []domain.PresenceMeta) map[string]struct{} {
	users := map[string]struct{}{key: {}}
	for _, m := range metas {
		if m.UserID != "" {
			users[m.UserID] = struct{}{}
		}
	}
	return users
}

func (t *Tracker) apply(ev domain.PresenceEvent) {
	switch ev.Kind {
	case domain.PresenceSync:
		t.applySync(ev.State)
	case domain.PresenceJoin:
		t.applyJoin(ev.Key, ev.Metas)
	case domain.PresenceLeave:
		t.applyLeave(ev.Key)
	}
}

// applySync replaces the full online set — an idempotent snapshot merge.
func (t *Tracker) applySync(state map[string][]domain.PresenceMeta) {
	next := make(map[string]map[string]struct{}, len(state))
	for key, metas := range state {
		for u := range usersFor(key, metas) {
			keys, ok := next[u]
			if !ok {
				keys = make(map[string]struct{})
				next[u] = keys
			}
			keys[key] = struct{}{}
		}
	}

	t.mu.Lock()
	prev := t.online
	t.online = next
	t.mu.Unlock()

	for u := range next {
		if len(prev[u]) == 0 {
			t.fireOnline(u)
		}
	}
	for u := range prev {
		if len(next[u]) == 0 {
			t.fireOffline(u)
		}
	}
}

func (t *Tracker) applyJoin(key string, metas []domain.PresenceMeta) {
	var cameOnline []string

	t.mu.Lock()
	for u := range usersFor(key, metas) {
		keys, ok := t.online[u]
		if !ok {
			keys = make(map[string]struct{})
			t.online[u] = keys
			cameOnline = append(cameOnline, u)
		}
		keys[key] = struct{}{}
	}
	t.mu.Unlock()

	for _, u := range cameOnline {
		t.fireOnline(u)
	}
}

func (t *Tracker) applyLeave(key string) {
	var wentOffline []string

	t.mu.Lock()
	for u, keys := range t.online {
		if _, ok := keys[key]; !ok {
			continue
		}
		delete(keys, key)
		if len(keys) == 0 {
			delete(t.online, u)
			wentOffline = append(wentOffline, u)
		}
	}
	t.mu.Unlock()

	for _, u := range wentOffline {
		t.fireOffline(u)
	}
}

func (t *Tracker) markAllOffline() {
	t.mu.Lock()
	prev := t.online
	t.online = make(map[string]map[string]struct{})
	t.mu.Unlock()

	for u := range prev {
		t.fireOffline(u)
	}
}

func (t *Tracker) fireOnline(userID string) {
	if t.onOnline != nil {
		t.onOnline(userID)
	}
}

func (t *Tracker) fireOffline(userID string) {
	if t.onOffline != nil {
		t.onOffline(userID)
	}
}

// ─── Keepalive ──────────────────────────────────────────────────────────────

// keepalive re-publishes every locally tracked user's payload and refreshes
// their external last-seen timestamp. Non-fatal: failures log and retry on
// the next interval.
func (t *Tracker) keepalive(ctx context.Context) {
	t.localMu.Lock()
	users := make([]string, 0, len(t.local))
	for u := range t.local {
		users = append(users, u)
	}
	t.localMu.Unlock()

	now := t.now()
	for _, u := range users {
		err := t.ch.Track(ctx, u, domain.PresenceMeta{UserID: u, ObservedAt: now})
		if err != nil {
			log.Printf("presence: keepalive for %s failed: %v", u, err)
			continue
		}
		if t.touch != nil {
			t.touch(ctx, u, now)
		}
	}
}
