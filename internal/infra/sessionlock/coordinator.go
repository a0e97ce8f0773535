// Package sessionlock enforces at most one active earning session per
// (user, kind) across arbitrarily many concurrent device connections.
//
// The invariant lives in the store: UpsertSession is a single atomic write
// keyed by (user, kind), so starting always succeeds and always displaces.
// The coordinator layers the loser-notification protocol and the client-side
// heartbeat/kick machinery on top. Losing the notification channel never
// breaks the invariant — it only delays the loser's awareness.
//
// Liveness is implicit: a crashed session simply stops heartbeating and the
// next start force-displaces it. No background reaper.
package sessionlock

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avalove-network/avalove/internal/domain"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config controls heartbeat cadence.
type Config struct {
	// HeartbeatInterval is how often an active session refreshes liveness.
	HeartbeatInterval time.Duration

	// LivenessMultiple is how many missed heartbeats mark a session dead.
	LivenessMultiple int
}

// DefaultConfig returns production defaults: 10s heartbeats, dead after 3
// missed.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		LivenessMultiple:  3,
	}
}

// LivenessWindow is the window after which an unheartbeated session is
// considered abandoned.
func (c Config) LivenessWindow() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.LivenessMultiple)
}

// KickTopic returns the notification topic unique to one sessionID, so
// unrelated sessions never observe another session's kick.
func KickTopic(sessionID string) string {
	return "session-kick:" + sessionID
}

// KickReasonDisplaced is the human-readable reason attached to displacement.
const KickReasonDisplaced = "you started earning on another device, this session ended"

// ─── Coordinator ────────────────────────────────────────────────────────────

// Coordinator mediates session exclusivity between the store and clients.
type Coordinator struct {
	store    domain.SessionStore
	notifier domain.Notifier
	cfg      Config

	// Injectable clock for testing.
	now func() time.Time
}

// New creates a coordinator.
func New(store domain.SessionStore, notifier domain.Notifier, cfg Config) *Coordinator {
	if cfg.HeartbeatInterval <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.LivenessMultiple <= 0 {
		cfg.LivenessMultiple = DefaultConfig().LivenessMultiple
	}
	return &Coordinator{store: store, notifier: notifier, cfg: cfg, now: time.Now}
}

// Config returns the coordinator's effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// StartSession installs sessionID as the sole holder for (userID, kind),
// minting an ID when none is supplied. Any displaced holder is notified on
// its own kick topic; notification is best-effort and never fails the start.
// A transport-level failure returns an error and introduces no partial state
// — the caller retries with a fresh attempt.
func (c *Coordinator) StartSession(ctx context.Context, userID string, kind domain.SessionKind, sessionID, deviceID string) (domain.UpsertResult, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	res, err := c.store.UpsertSession(ctx, userID, kind, sessionID, deviceID)
	if err != nil {
		return domain.UpsertResult{}, err
	}

	if res.KickedExisting {
		notice := domain.KickNotice{
			SessionID: res.DisplacedSessionID,
			Kicked:    true,
			Reason:    KickReasonDisplaced,
		}
		payload, _ := json.Marshal(notice)
		if err := c.notifier.Notify(ctx, KickTopic(res.DisplacedSessionID), payload); err != nil {
			// The store already holds the invariant; the loser finds out
			// when its next heartbeat is ignored.
			log.Printf("sessionlock: kick notify for %s failed: %v", res.DisplacedSessionID, err)
		}
	}
	return res, nil
}

// Heartbeat refreshes liveness for a session. A heartbeat for a superseded
// session is a benign no-op — it never resurrects a kicked session.
func (c *Coordinator) Heartbeat(ctx context.Context, userID string, kind domain.SessionKind, sessionID string) error {
	return c.store.HeartbeatSession(ctx, userID, kind, sessionID)
}

// End marks a session inactive if it is still the current holder. Idempotent.
func (c *Coordinator) End(ctx context.Context, userID string, kind domain.SessionKind, sessionID string) error {
	return c.store.EndSession(ctx, userID, kind, sessionID)
}

// HasLiveSession reports whether (userID, kind) currently has an active,
// unkicked session that heartbeated within the liveness window. Feeds the
// credit decay calculator's hasActiveEarnSession input.
func (c *Coordinator) HasLiveSession(ctx context.Context, userID string, kind domain.SessionKind) (bool, error) {
	s, err := c.store.GetSession(ctx, userID, kind)
	if err == domain.ErrSessionNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.LiveWithin(c.cfg.LivenessWindow(), c.now()), nil
}

// ─── Client Handles ─────────────────────────────────────────────────────────

// Acquire starts a session and returns a live handle that heartbeats on the
// configured interval and listens for its own kick notice. The handle stops
// itself when kicked and never restarts automatically.
func (c *Coordinator) Acquire(ctx context.Context, userID string, kind domain.SessionKind, deviceID string) (*Handle, error) {
	sessionID := uuid.NewString()

	// Subscribe to the kick topic before installing the session. A rival
	// start can displace us the instant the upsert lands, and a notice
	// published to an unsubscribed topic is gone for good.
	kickCh, cancel := c.notifier.Listen(KickTopic(sessionID))

	if _, err := c.StartSession(ctx, userID, kind, sessionID, deviceID); err != nil {
		cancel()
		return nil, err
	}

	h := &Handle{
		coord: c,
		session: domain.EarnSession{
			SessionID: sessionID,
			UserID:    userID,
			Kind:      kind,
			DeviceID:  deviceID,
			StartedAt: c.now(),
			Active:    true,
		},
		stopped:      make(chan struct{}),
		cancelListen: cancel,
	}

	go h.heartbeatLoop()
	go h.kickLoop(kickCh)
	return h, nil
}

// Handle is a client-side grip on an active session.
type Handle struct {
	coord   *Coordinator
	session domain.EarnSession

	mu           sync.Mutex
	onKicked     func(reason string)
	kicked       bool
	kickedReason string

	cancelListen func()
	stopOnce     sync.Once
	stopped      chan struct{}
}

// Session returns a copy of the session this handle holds.
func (h *Handle) Session() domain.EarnSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.session
	s.Kicked = h.kicked
	s.KickedReason = h.kickedReason
	return s
}

// OnKicked registers the callback surfaced to the user when this session is
// displaced. If the kick already happened, the callback fires immediately.
func (h *Handle) OnKicked(fn func(reason string)) {
	h.mu.Lock()
	already := h.kicked
	reason := h.kickedReason
	h.onKicked = fn
	h.mu.Unlock()

	if already && fn != nil {
		fn(reason)
	}
}

// Kicked reports whether this handle was displaced, and why.
func (h *Handle) Kicked() (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kicked, h.kickedReason
}

// End gracefully stops the session. Idempotent; the store-side end is
// best-effort on teardown.
func (h *Handle) End(ctx context.Context) error {
	var err error
	h.stopOnce.Do(func() {
		close(h.stopped)
		h.cancelListen()
		err = h.coord.End(ctx, h.session.UserID, h.session.Kind, h.session.SessionID)
	})
	return err
}

// heartbeatLoop refreshes liveness until the handle stops. Failures are
// non-fatal and simply skipped until the next interval.
func (h *Handle) heartbeatLoop() {
	ticker := time.NewTicker(h.coord.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopped:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.coord.cfg.HeartbeatInterval)
			err := h.coord.Heartbeat(ctx, h.session.UserID, h.session.Kind, h.session.SessionID)
			cancel()
			if err != nil {
				log.Printf("sessionlock: heartbeat for %s failed: %v", h.session.SessionID, err)
			}
		}
	}
}

// kickLoop waits for this session's targeted kick notice.
func (h *Handle) kickLoop(ch <-chan []byte) {
	for {
		select {
		case <-h.stopped:
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var notice domain.KickNotice
			if err := json.Unmarshal(raw, &notice); err != nil {
				log.Printf("sessionlock: dropping undecodable kick notice: %v", err)
				continue
			}
			if err := notice.Validate(); err != nil {
				log.Printf("sessionlock: dropping kick notice: %v", err)
				continue
			}
			if notice.SessionID != h.session.SessionID {
				continue
			}
			h.handleKick(notice.Reason)
			return
		}
	}
}

// handleKick stops the local machinery without ending the store-side record
// — the winner already owns it.
func (h *Handle) handleKick(reason string) {
	h.mu.Lock()
	h.kicked = true
	h.kickedReason = reason
	fn := h.onKicked
	h.mu.Unlock()

	h.stopOnce.Do(func() {
		close(h.stopped)
		h.cancelListen()
	})

	if fn != nil {
		fn(reason)
	}
}
