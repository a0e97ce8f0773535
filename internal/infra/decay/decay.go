// Package decay implements the pure decay calculators for offline users.
//
// Two parametrizations share one algorithm shape:
//   - Score decay: coarse, one point per full offline minute.
//   - Credit decay: fine, one credit per offline second past a grace period.
//
// Both are read-only and advisory: every observer recomputes them locally on
// its own tick, and nothing here mutates the durable ledger. A decay value
// becomes a real debit only when the reconciliation gate persists it at a
// named trigger point. Double application is prevented by always computing
// from the post-reconciliation last-activity timestamp fetched fresh from
// the store, never from a locally accumulated total.
package decay

import "time"

// ─── Constants ──────────────────────────────────────────────────────────────

const (
	// CreditGracePeriod is how long a user may be offline before credit
	// decay starts accruing.
	CreditGracePeriod = 60 * time.Second

	// ScoreUnit is the accrual granularity for score decay. The effective
	// value is recomputed every UI tick for smooth display, but the decay
	// itself only changes once per minute boundary.
	ScoreUnit = time.Minute
)

// ─── Score Decay ────────────────────────────────────────────────────────────

// ScoreInput is everything score decay depends on.
type ScoreInput struct {
	BaseScore    int64
	LastActiveAt time.Time
	Online       bool
}

// ScoreResult is the advisory decay and the resulting display value.
type ScoreResult struct {
	Decay     int64
	Effective int64
}

// Score computes per-minute score decay at the given instant.
//
// Online users never decay. Negative base scores — created only by an
// external debit, never by decay — are immune: decay erodes positive
// balances and stops at zero.
func Score(in ScoreInput, now time.Time) ScoreResult {
	if in.BaseScore < 0 {
		return ScoreResult{Decay: 0, Effective: in.BaseScore}
	}
	if in.Online || in.LastActiveAt.IsZero() {
		return ScoreResult{Decay: 0, Effective: in.BaseScore}
	}

	inactive := now.Sub(in.LastActiveAt)
	if inactive < 0 {
		inactive = 0
	}
	minutes := int64(inactive / ScoreUnit)

	d := clamp(minutes, 0, in.BaseScore)
	return ScoreResult{Decay: d, Effective: in.BaseScore - d}
}

// ─── Credit Decay ───────────────────────────────────────────────────────────

// CreditInput is everything credit decay depends on.
type CreditInput struct {
	TotalEarned       int64
	TotalBurned       int64
	LastActiveAt      time.Time // zero means no activity recorded yet
	Online            bool
	ActiveEarnSession bool
	Grace             time.Duration // zero means CreditGracePeriod
}

// CreditResult is the current balance, the advisory pending decay, and the
// resulting display value.
type CreditResult struct {
	Balance      int64
	PendingDecay int64
	Effective    int64
}

// Credit computes per-second credit decay at the given instant.
//
// Decay is zero while the user is online, holds an active earning session,
// has nothing left to decay, or has no recorded activity. Otherwise one
// credit accrues per full second offline past the grace period, clamped to
// the available balance. Switching online snaps the pending decay to zero
// immediately — there are no intermediate values.
func Credit(in CreditInput, now time.Time) CreditResult {
	balance := in.TotalEarned - in.TotalBurned
	if balance < 0 {
		balance = 0
	}
	res := CreditResult{Balance: balance, Effective: balance}

	if in.Online || in.ActiveEarnSession || balance <= 0 || in.LastActiveAt.IsZero() {
		return res
	}

	grace := in.Grace
	if grace <= 0 {
		grace = CreditGracePeriod
	}

	offline := now.Sub(in.LastActiveAt)
	if offline < 0 {
		offline = 0
	}
	offlineSeconds := int64(offline / time.Second)
	graceSeconds := int64(grace / time.Second)
	if offlineSeconds < graceSeconds {
		return res
	}

	pending := clamp(offlineSeconds-graceSeconds, 0, balance)
	res.PendingDecay = pending
	res.Effective = balance - pending
	return res
}

// ─── Pure Helper Functions ──────────────────────────────────────────────────

// clamp restricts a value to [min, max].
func clamp(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
