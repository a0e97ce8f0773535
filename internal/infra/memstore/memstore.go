// Package memstore is the in-memory reference implementation of
// domain.Store. It backs tests and the "memory" store driver, and documents
// the store contract the SQL adapters must match: session upserts are the
// single serialization point (guarded here by one mutex), and decay debits
// happen only inside ReconcileDecay.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/avalove-network/avalove/internal/domain"
	"github.com/avalove-network/avalove/internal/infra/decay"
)

// Config controls store behavior.
type Config struct {
	// CreditGrace is the offline grace period before credit decay accrues.
	CreditGrace time.Duration
}

type balanceKey struct {
	userID string
	kind   domain.ResourceKind
}

type sessionKey struct {
	userID string
	kind   domain.SessionKind
}

// Store is an in-memory domain.Store.
type Store struct {
	cfg Config

	mu       sync.Mutex
	balances map[balanceKey]*domain.Balance
	sessions map[sessionKey]*domain.EarnSession
	ledger   []domain.LedgerEntry
	nextID   int64

	// Injectable clock for testing.
	now func() time.Time
}

// New creates an empty in-memory store.
func New(cfg Config) *Store {
	if cfg.CreditGrace <= 0 {
		cfg.CreditGrace = decay.CreditGracePeriod
	}
	return &Store{
		cfg:      cfg,
		balances: make(map[balanceKey]*domain.Balance),
		sessions: make(map[sessionKey]*domain.EarnSession),
		now:      time.Now,
	}
}

// SetClock overrides the store clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close implements domain.Store.
func (s *Store) Close() error { return nil }

// ─── Sessions ───────────────────────────────────────────────────────────────

// UpsertSession implements the atomic last-start-wins displacement.
func (s *Store) UpsertSession(_ context.Context, userID string, kind domain.SessionKind, sessionID, deviceID string) (domain.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	res := domain.UpsertResult{AcceptedSessionID: sessionID}

	key := sessionKey{userID, kind}
	if prev, ok := s.sessions[key]; ok && prev.Active && !prev.Kicked && prev.SessionID != sessionID {
		res.KickedExisting = true
		res.DisplacedSessionID = prev.SessionID
		res.DisplacedDeviceID = prev.DeviceID
	}

	s.sessions[key] = &domain.EarnSession{
		SessionID:       sessionID,
		UserID:          userID,
		Kind:            kind,
		DeviceID:        deviceID,
		StartedAt:       now,
		LastHeartbeatAt: now,
		Active:          true,
	}
	return res, nil
}

// HeartbeatSession refreshes liveness only for the current holder.
func (s *Store) HeartbeatSession(_ context.Context, userID string, kind domain.SessionKind, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionKey{userID, kind}]
	if !ok || sess.SessionID != sessionID || !sess.Active || sess.Kicked {
		return nil // benign no-op: never resurrect a superseded session
	}
	sess.LastHeartbeatAt = s.now()
	return nil
}

// EndSession marks the current holder inactive. Idempotent.
func (s *Store) EndSession(_ context.Context, userID string, kind domain.SessionKind, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionKey{userID, kind}]
	if !ok || sess.SessionID != sessionID || !sess.Active {
		return nil
	}
	sess.Active = false
	return nil
}

// GetSession returns the current record for (userID, kind).
func (s *Store) GetSession(_ context.Context, userID string, kind domain.SessionKind) (*domain.EarnSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionKey{userID, kind}]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

// ─── Balances ───────────────────────────────────────────────────────────────

func (s *Store) balance(userID string, kind domain.ResourceKind) *domain.Balance {
	key := balanceKey{userID, kind}
	b, ok := s.balances[key]
	if !ok {
		b = &domain.Balance{UserID: userID, Kind: kind}
		s.balances[key] = b
	}
	return b
}

func (s *Store) appendLedger(b *domain.Balance, tx domain.TransactionType, entry domain.EntryType, amount int64, trigger string) {
	s.nextID++
	s.ledger = append(s.ledger, domain.LedgerEntry{
		ID:        s.nextID,
		Timestamp: s.now(),
		Type:      tx,
		EntryType: entry,
		UserID:    b.UserID,
		Kind:      b.Kind,
		Amount:    amount,
		Trigger:   trigger,
		Balance:   b.BaseValue,
	})
}

// GetBalance returns the persisted balance.
func (s *Store) GetBalance(_ context.Context, userID string, kind domain.ResourceKind) (*domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[balanceKey{userID, kind}]
	if !ok {
		return nil, domain.ErrBalanceNotFound
	}
	cp := *b
	return &cp, nil
}

// Credit applies a positive mutation and counts as activity.
func (s *Store) Credit(_ context.Context, userID string, kind domain.ResourceKind, amount int64, tx domain.TransactionType) (int64, error) {
	if !kind.Valid() {
		return 0, domain.ErrUnknownResource
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balance(userID, kind)
	b.BaseValue += amount
	b.LastActivityAt = s.now()
	s.appendLedger(b, tx, domain.EntryCredit, amount, "")
	return b.BaseValue, nil
}

// Debit applies a negative mutation. Credit balances clamp at zero; score
// debits may go negative (the only path to a negative score).
func (s *Store) Debit(_ context.Context, userID string, kind domain.ResourceKind, amount int64, tx domain.TransactionType) (int64, error) {
	if !kind.Valid() {
		return 0, domain.ErrUnknownResource
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balance(userID, kind)
	b.BaseValue -= amount
	if kind == domain.ResourceCredit && b.BaseValue < 0 {
		b.BaseValue = 0
	}
	b.LastActivityAt = s.now()
	s.appendLedger(b, tx, domain.EntryDebit, amount, "")
	return b.BaseValue, nil
}

// TouchActivity refreshes last-activity without touching the base value.
func (s *Store) TouchActivity(_ context.Context, userID string, kind domain.ResourceKind, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance(userID, kind).LastActivityAt = at
	return nil
}

// Ledger returns the most recent entries for a user, newest first.
func (s *Store) Ledger(_ context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.ledger[i].UserID == userID {
			out = append(out, s.ledger[i])
		}
	}
	return out, nil
}

// ReconcileDecay persists the accrued decay debit for one balance — the only
// operation allowed to do so. Computes from the persisted last-activity
// timestamp and resets the accrual window, so a second call in the same
// instant is a no-op (at most once per window).
func (s *Store) ReconcileDecay(_ context.Context, userID string, kind domain.ResourceKind, trigger domain.ReconcileTrigger) (int64, error) {
	if !trigger.Valid() {
		return 0, domain.ErrInvalidTrigger
	}
	if !kind.Valid() {
		return 0, domain.ErrUnknownResource
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.balances[balanceKey{userID, kind}]
	if !ok {
		return 0, nil // nothing accrued for an unseen user
	}

	var d int64
	switch kind {
	case domain.ResourceScore:
		d = decay.Score(decay.ScoreInput{
			BaseScore:    b.BaseValue,
			LastActiveAt: b.LastActivityAt,
		}, now).Decay
	case domain.ResourceCredit:
		d = decay.Credit(decay.CreditInput{
			TotalEarned:  b.BaseValue,
			LastActiveAt: b.LastActivityAt,
			Grace:        s.cfg.CreditGrace,
		}, now).PendingDecay
	}

	if d > 0 {
		b.BaseValue -= d
		s.appendLedger(b, domain.TxDecay, domain.EntryDebit, d, string(trigger))
	}
	b.LastActivityAt = now
	b.LastReconciledAt = now
	return b.BaseValue, nil
}
