// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

import (
	"fmt"
	"time"
)

// ─── Resource Types ─────────────────────────────────────────────────────────

// ResourceKind identifies a decayable balance kind.
type ResourceKind string

const (
	// ResourceScore is the coarse per-minute-decaying reputation score.
	ResourceScore ResourceKind = "score"

	// ResourceCredit is the fine per-second-decaying spendable credit.
	ResourceCredit ResourceKind = "credit"
)

// Valid reports whether the resource kind is known.
func (k ResourceKind) Valid() bool {
	return k == ResourceScore || k == ResourceCredit
}

// Balance is the persisted state of one decayable balance.
// Decay accrual is advisory until reconciled — only ReconcileDecay on the
// store may turn accrued decay into a real ledger debit.
type Balance struct {
	UserID           string       `json:"user_id"`
	Kind             ResourceKind `json:"kind"`
	BaseValue        int64        `json:"base_value"`
	LastActivityAt   time.Time    `json:"last_activity_at"`
	LastReconciledAt time.Time    `json:"last_reconciled_at"`
}

// ─── Earn Sessions ──────────────────────────────────────────────────────────

// SessionKind identifies an earning activity kind. At most one active
// session may exist per (user, kind) across all devices.
type SessionKind string

const (
	SessionEarn SessionKind = "earn"
	SessionGame SessionKind = "game"
)

// Valid reports whether the session kind is known.
func (k SessionKind) Valid() bool {
	return k == SessionEarn || k == SessionGame
}

// EarnSession is a device's claim to be the sole earning context for a
// (user, kind) pair.
type EarnSession struct {
	SessionID       string      `json:"session_id"`
	UserID          string      `json:"user_id"`
	Kind            SessionKind `json:"kind"`
	DeviceID        string      `json:"device_id"`
	StartedAt       time.Time   `json:"started_at"`
	LastHeartbeatAt time.Time   `json:"last_heartbeat_at"`
	Active          bool        `json:"active"`
	Kicked          bool        `json:"kicked"`
	KickedReason    string      `json:"kicked_reason,omitempty"`
}

// LiveWithin reports whether the session has heartbeated recently enough to
// be considered alive. Sessions past the window are eligible to be silently
// superseded — there is no background reaper.
func (s *EarnSession) LiveWithin(window time.Duration, now time.Time) bool {
	if !s.Active || s.Kicked {
		return false
	}
	last := s.LastHeartbeatAt
	if last.IsZero() {
		last = s.StartedAt
	}
	return now.Sub(last) <= window
}

// UpsertResult reports the outcome of an atomic session upsert.
type UpsertResult struct {
	AcceptedSessionID  string `json:"accepted_session_id"`
	KickedExisting     bool   `json:"kicked_existing"`
	DisplacedSessionID string `json:"displaced_session_id,omitempty"`
	DisplacedDeviceID  string `json:"displaced_device_id,omitempty"`
}

// ─── Reconciliation Triggers ────────────────────────────────────────────────

// ReconcileTrigger names the point at which a decay debit may be persisted.
// Keeping these as an explicit enum makes "at most once per accrual window"
// auditable: every debit carries the trigger that caused it.
type ReconcileTrigger string

const (
	// TriggerOnConnect fires when a user transitions offline → online.
	TriggerOnConnect ReconcileTrigger = "on_connect"

	// TriggerOnEarnStart fires when a new earning session starts.
	TriggerOnEarnStart ReconcileTrigger = "on_earn_start"
)

// Valid reports whether the trigger is one of the named trigger points.
func (t ReconcileTrigger) Valid() bool {
	return t == TriggerOnConnect || t == TriggerOnEarnStart
}

// ─── Presence Events ────────────────────────────────────────────────────────

// PresenceEventKind tags the variant of a presence channel event.
type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceMeta is the payload a member publishes when tracking presence.
type PresenceMeta struct {
	UserID     string    `json:"user_id"`
	ObservedAt time.Time `json:"observed_at"`
}

// PresenceEvent is a tagged variant validated at the broadcast boundary.
// Sync carries the full channel state; join/leave carry the affected member
// key and its payload list. Malformed events are dropped, never
// best-effort-accessed.
type PresenceEvent struct {
	Kind  PresenceEventKind         `json:"kind"`
	State map[string][]PresenceMeta `json:"state,omitempty"` // sync only
	Key   string                    `json:"key,omitempty"`   // join/leave only
	Metas []PresenceMeta            `json:"metas,omitempty"` // join/leave only
}

// Validate checks the required fields for the event's variant.
func (e PresenceEvent) Validate() error {
	switch e.Kind {
	case PresenceSync:
		if e.State == nil {
			return fmt.Errorf("%w: sync event missing state", ErrMalformedEvent)
		}
	case PresenceJoin, PresenceLeave:
		if e.Key == "" {
			return fmt.Errorf("%w: %s event missing member key", ErrMalformedEvent, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrMalformedEvent, e.Kind)
	}
	return nil
}

// ─── Kick Notices ───────────────────────────────────────────────────────────

// KickNotice is delivered on a topic unique to the displaced sessionID so
// unrelated sessions never observe it. The displaced client must stop locally
// and must not restart automatically.
type KickNotice struct {
	SessionID string `json:"session_id"`
	Kicked    bool   `json:"kicked"`
	Reason    string `json:"reason"`
}

// Validate checks the notice carries the fields the loser needs.
func (n KickNotice) Validate() error {
	if n.SessionID == "" || !n.Kicked {
		return fmt.Errorf("%w: kick notice missing session_id or kicked flag", ErrMalformedEvent)
	}
	return nil
}
