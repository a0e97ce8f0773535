// Package postgres is the shared-database implementation of domain.Store,
// for deployments where several engine instances coordinate through one
// PostgreSQL cluster.
//
// Same contract as the sqlite store: the sessions row keyed
// PRIMARY KEY (user_id, kind) is the exclusivity invariant, and both the
// displace-upsert and ReconcileDecay run as single transactions. Row locking
// (SELECT ... FOR UPDATE) serializes concurrent starts for the same pair
// across instances.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/avalove-network/avalove/internal/domain"
	"github.com/avalove-network/avalove/internal/infra/decay"
)

// Config controls store behavior.
type Config struct {
	// ConnString is a lib/pq connection string or postgres:// URL.
	ConnString string

	// CreditGrace is the offline grace period before credit decay accrues.
	CreditGrace time.Duration
}

// Store is a PostgreSQL-backed domain.Store.
type Store struct {
	db  *sql.DB
	cfg Config

	// Injectable clock for testing.
	now func() time.Time
}

// Open connects, pings, and applies migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.CreditGrace <= 0 {
		cfg.CreditGrace = decay.CreditGracePeriod
	}

	db, err := sql.Open("postgres", cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: db, cfg: cfg, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock overrides the store clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			user_id           TEXT NOT NULL,
			kind              TEXT NOT NULL,
			session_id        TEXT NOT NULL,
			device_id         TEXT NOT NULL DEFAULT '',
			started_at        TIMESTAMPTZ NOT NULL,
			last_heartbeat_at TIMESTAMPTZ NOT NULL,
			active            BOOLEAN NOT NULL DEFAULT TRUE,
			kicked            BOOLEAN NOT NULL DEFAULT FALSE,
			kicked_reason     TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, kind)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_session ON sessions(session_id)`,

		`CREATE TABLE IF NOT EXISTS balances (
			user_id            TEXT NOT NULL,
			kind               TEXT NOT NULL,
			base_value         BIGINT NOT NULL DEFAULT 0,
			last_activity_at   TIMESTAMPTZ NOT NULL,
			last_reconciled_at TIMESTAMPTZ,
			PRIMARY KEY (user_id, kind)
		)`,

		`CREATE TABLE IF NOT EXISTS ledger (
			id         BIGSERIAL PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			tx_type    TEXT NOT NULL,
			entry_type TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			kind       TEXT NOT NULL,
			amount     BIGINT NOT NULL,
			trigger_by TEXT NOT NULL DEFAULT '',
			balance    BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger(user_id, id DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ─── Session Operations ─────────────────────────────────────────────────────

// UpsertSession installs sessionID as the sole holder of (userID, kind) and
// reports any displaced predecessor.
func (s *Store) UpsertSession(ctx context.Context, userID string, kind domain.SessionKind, sessionID, deviceID string) (domain.UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.UpsertResult{}, err
	}
	defer tx.Rollback()

	res := domain.UpsertResult{AcceptedSessionID: sessionID}

	var prevID, prevDevice string
	var prevActive, prevKicked bool
	err = tx.QueryRowContext(ctx, `
		SELECT session_id, device_id, active, kicked
		FROM sessions WHERE user_id = $1 AND kind = $2
		FOR UPDATE
	`, userID, string(kind)).Scan(&prevID, &prevDevice, &prevActive, &prevKicked)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return domain.UpsertResult{}, err
	default:
		if prevActive && !prevKicked && prevID != sessionID {
			res.KickedExisting = true
			res.DisplacedSessionID = prevID
			res.DisplacedDeviceID = prevDevice
		}
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (user_id, kind, session_id, device_id, started_at, last_heartbeat_at, active, kicked, kicked_reason)
		VALUES ($1, $2, $3, $4, $5, $5, TRUE, FALSE, '')
		ON CONFLICT (user_id, kind) DO UPDATE SET
			session_id        = EXCLUDED.session_id,
			device_id         = EXCLUDED.device_id,
			started_at        = EXCLUDED.started_at,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			active            = TRUE,
			kicked            = FALSE,
			kicked_reason     = ''
	`, userID, string(kind), sessionID, deviceID, now)
	if err != nil {
		return domain.UpsertResult{}, err
	}
	return res, tx.Commit()
}

// HeartbeatSession refreshes liveness only while sessionID is still the
// current active holder.
func (s *Store) HeartbeatSession(ctx context.Context, userID string, kind domain.SessionKind, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_heartbeat_at = $1
		WHERE user_id = $2 AND kind = $3 AND session_id = $4 AND active AND NOT kicked
	`, s.now().UTC(), userID, string(kind), sessionID)
	return err
}

// EndSession deactivates sessionID if it is still the current holder.
func (s *Store) EndSession(ctx context.Context, userID string, kind domain.SessionKind, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET active = FALSE
		WHERE user_id = $1 AND kind = $2 AND session_id = $3 AND active
	`, userID, string(kind), sessionID)
	return err
}

// GetSession returns the current record for (userID, kind).
func (s *Store) GetSession(ctx context.Context, userID string, kind domain.SessionKind) (*domain.EarnSession, error) {
	sess := domain.EarnSession{UserID: userID, Kind: kind}
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, device_id, started_at, last_heartbeat_at, active, kicked, kicked_reason
		FROM sessions WHERE user_id = $1 AND kind = $2
	`, userID, string(kind)).Scan(&sess.SessionID, &sess.DeviceID, &sess.StartedAt, &sess.LastHeartbeatAt, &sess.Active, &sess.Kicked, &sess.KickedReason)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ─── Balance Operations ─────────────────────────────────────────────────────

// GetBalance returns the persisted balance for (userID, kind).
func (s *Store) GetBalance(ctx context.Context, userID string, kind domain.ResourceKind) (*domain.Balance, error) {
	b := domain.Balance{UserID: userID, Kind: kind}
	var reconciled sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT base_value, last_activity_at, last_reconciled_at
		FROM balances WHERE user_id = $1 AND kind = $2
	`, userID, string(kind)).Scan(&b.BaseValue, &b.LastActivityAt, &reconciled)
	if err == sql.ErrNoRows {
		return nil, domain.ErrBalanceNotFound
	}
	if err != nil {
		return nil, err
	}
	if reconciled.Valid {
		b.LastReconciledAt = reconciled.Time
	}
	return &b, nil
}

// Credit applies a positive mutation and counts as activity.
func (s *Store) Credit(ctx context.Context, userID string, kind domain.ResourceKind, amount int64, txType domain.TransactionType) (int64, error) {
	return s.mutate(ctx, userID, kind, amount, txType, domain.EntryCredit)
}

// Debit applies a negative mutation. Credit balances clamp at zero; score
// debits may go negative.
func (s *Store) Debit(ctx context.Context, userID string, kind domain.ResourceKind, amount int64, txType domain.TransactionType) (int64, error) {
	return s.mutate(ctx, userID, kind, amount, txType, domain.EntryDebit)
}

func (s *Store) mutate(ctx context.Context, userID string, kind domain.ResourceKind, amount int64, txType domain.TransactionType, entry domain.EntryType) (int64, error) {
	if !kind.Valid() {
		return 0, domain.ErrUnknownResource
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, kind, base_value, last_activity_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (user_id, kind) DO NOTHING
	`, userID, string(kind), now); err != nil {
		return 0, err
	}

	var value int64
	if err := tx.QueryRowContext(ctx, `
		SELECT base_value FROM balances WHERE user_id = $1 AND kind = $2 FOR UPDATE
	`, userID, string(kind)).Scan(&value); err != nil {
		return 0, err
	}

	if entry == domain.EntryCredit {
		value += amount
	} else {
		value -= amount
		if kind == domain.ResourceCredit && value < 0 {
			value = 0
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE balances SET base_value = $1, last_activity_at = $2
		WHERE user_id = $3 AND kind = $4
	`, value, now, userID, string(kind)); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger (created_at, tx_type, entry_type, user_id, kind, amount, trigger_by, balance)
		VALUES ($1, $2, $3, $4, $5, $6, '', $7)
	`, now, string(txType), string(entry), userID, string(kind), amount, value); err != nil {
		return 0, err
	}
	return value, tx.Commit()
}

// TouchActivity refreshes last-activity without touching the base value.
func (s *Store) TouchActivity(ctx context.Context, userID string, kind domain.ResourceKind, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, kind, base_value, last_activity_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (user_id, kind) DO UPDATE SET last_activity_at = EXCLUDED.last_activity_at
	`, userID, string(kind), at.UTC())
	return err
}

// Ledger returns the most recent entries for a user, newest first.
func (s *Store) Ledger(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, tx_type, entry_type, kind, amount, trigger_by, balance
		FROM ledger WHERE user_id = $1 ORDER BY id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		e := domain.LedgerEntry{UserID: userID}
		var txStr, entryStr, kindStr string
		if err := rows.Scan(&e.ID, &e.Timestamp, &txStr, &entryStr, &kindStr, &e.Amount, &e.Trigger, &e.Balance); err != nil {
			return nil, err
		}
		e.Type = domain.TransactionType(txStr)
		e.EntryType = domain.EntryType(entryStr)
		e.Kind = domain.ResourceKind(kindStr)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReconcileDecay settles accrued decay in one transaction, locking the
// balance row so concurrent triggers across instances settle exactly once.
func (s *Store) ReconcileDecay(ctx context.Context, userID string, kind domain.ResourceKind, trigger domain.ReconcileTrigger) (int64, error) {
	if !trigger.Valid() {
		return 0, domain.ErrInvalidTrigger
	}
	if !kind.Valid() {
		return 0, domain.ErrUnknownResource
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var value int64
	var lastActivity time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT base_value, last_activity_at FROM balances
		WHERE user_id = $1 AND kind = $2
		FOR UPDATE
	`, userID, string(kind)).Scan(&value, &lastActivity)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	now := s.now()
	var d int64
	switch kind {
	case domain.ResourceScore:
		d = decay.Score(decay.ScoreInput{BaseScore: value, LastActiveAt: lastActivity}, now).Decay
	case domain.ResourceCredit:
		d = decay.Credit(decay.CreditInput{TotalEarned: value, LastActiveAt: lastActivity, Grace: s.cfg.CreditGrace}, now).PendingDecay
	}

	if d > 0 {
		value -= d
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger (created_at, tx_type, entry_type, user_id, kind, amount, trigger_by, balance)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, now.UTC(), string(domain.TxDecay), string(domain.EntryDebit), userID, string(kind), d, string(trigger), value); err != nil {
			return 0, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE balances SET base_value = $1, last_activity_at = $2, last_reconciled_at = $2
		WHERE user_id = $3 AND kind = $4
	`, value, now.UTC(), userID, string(kind)); err != nil {
		return 0, err
	}
	return value, tx.Commit()
}

var _ domain.Store = (*Store)(nil)
