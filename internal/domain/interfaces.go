package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// SessionStore is the server-side registry of earning sessions.
// UpsertSession is the single serialization point for the exclusivity
// invariant: last start wins, and displacement is one atomic write.
type SessionStore interface {
	// UpsertSession installs sessionID as the sole active session for
	// (userID, kind), atomically marking any previous holder kicked.
	// Starting always succeeds for the caller — there is no "already
	// locked" error. Re-upserting the same sessionID is not a displacement.
	UpsertSession(ctx context.Context, userID string, kind SessionKind, sessionID, deviceID string) (UpsertResult, error)

	// HeartbeatSession refreshes liveness. A heartbeat for a session that
	// is no longer the current holder is a benign no-op — it must never
	// resurrect a kicked session.
	HeartbeatSession(ctx context.Context, userID string, kind SessionKind, sessionID string) error

	// EndSession marks the session inactive if it is still the current
	// holder, otherwise does nothing. Idempotent.
	EndSession(ctx context.Context, userID string, kind SessionKind, sessionID string) error

	// GetSession returns the current session record for (userID, kind),
	// or ErrSessionNotFound.
	GetSession(ctx context.Context, userID string, kind SessionKind) (*EarnSession, error)
}

// BalanceStore owns the durable decayable-balance ledger.
type BalanceStore interface {
	// GetBalance returns the persisted balance, or ErrBalanceNotFound.
	GetBalance(ctx context.Context, userID string, kind ResourceKind) (*Balance, error)

	// ReconcileDecay is the only operation permitted to persist a decay
	// debit. It computes accrued decay from the persisted last-activity
	// timestamp, writes a DECAY ledger row, and resets the accrual window
	// — all in one transaction. Returns the new base value.
	ReconcileDecay(ctx context.Context, userID string, kind ResourceKind, trigger ReconcileTrigger) (int64, error)

	// Credit applies a positive balance mutation (earn, bonus).
	Credit(ctx context.Context, userID string, kind ResourceKind, amount int64, tx TransactionType) (int64, error)

	// Debit applies a negative mutation. Score debits may push the base
	// value negative; credit debits clamp at zero.
	Debit(ctx context.Context, userID string, kind ResourceKind, amount int64, tx TransactionType) (int64, error)

	// TouchActivity refreshes the last-activity timestamp without touching
	// the base value (presence keepalive "last seen" side effect).
	TouchActivity(ctx context.Context, userID string, kind ResourceKind, at time.Time) error

	// Ledger returns the most recent ledger entries for a user, newest first.
	Ledger(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
}

// Store is the full persistence surface the daemon assembles.
type Store interface {
	SessionStore
	BalanceStore
	Close() error
}

// ─── Broadcast Interfaces ───────────────────────────────────────────────────

// Notifier is targeted one-to-one broadcast, used to deliver kick notices to
// a topic unique to the displaced sessionID.
type Notifier interface {
	// Notify publishes a payload to a topic. At-least-once, best effort:
	// losing the channel delays the loser's awareness, never the invariant.
	Notify(ctx context.Context, topic string, payload []byte) error

	// Listen subscribes to a topic. The returned cancel func is idempotent
	// and must be called on teardown.
	Listen(topic string) (<-chan []byte, func())
}

// PresenceChannel is a membership in a shared broadcast topic keyed by a
// stable channel name. Track publishes the member's payload; Events delivers
// validated sync/join/leave variants.
type PresenceChannel interface {
	Track(ctx context.Context, key string, meta PresenceMeta) error
	Leave(ctx context.Context, key string) error
	Events() <-chan PresenceEvent
	Close() error
}
