package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Balance errors
	ErrBalanceNotFound = errors.New("balance not found")
	ErrUnknownResource = errors.New("unknown resource kind")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session already ended")

	// Reconciliation errors
	ErrInvalidTrigger = errors.New("reconcile called outside a named trigger point")

	// Broadcast errors
	ErrMalformedEvent = errors.New("malformed broadcast event")
	ErrChannelClosed  = errors.New("broadcast channel closed")

	// Store errors
	ErrStoreUnavailable = errors.New("store unreachable")
)
