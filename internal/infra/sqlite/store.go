// Package sqlite is the embedded-database implementation of domain.Store.
//
// The exclusivity invariant maps directly onto the schema: sessions are keyed
// PRIMARY KEY (user_id, kind), so an upsert both reads the displaced holder
// and installs the new one inside a single transaction. ReconcileDecay is a
// single transaction too — read balance, write DECAY ledger row, reset the
// accrual window — so a crash never leaves a debited balance without its
// audit row.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/avalove-network/avalove/internal/domain"
	"github.com/avalove-network/avalove/internal/infra/decay"
)

// Config controls store behavior.
type Config struct {
	// Path is the database file path. ":memory:" for tests.
	Path string

	// CreditGrace is the offline grace period before credit decay accrues.
	CreditGrace time.Duration
}

// Store is a SQLite-backed domain.Store.
type Store struct {
	db  *sql.DB
	cfg Config

	// Injectable clock for testing.
	now func() time.Time
}

// Open opens (creating if needed) the database and applies migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "avalove.db"
	}
	if cfg.CreditGrace <= 0 {
		cfg.CreditGrace = decay.CreditGracePeriod
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, cfg: cfg, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SetClock overrides the store clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close implements domain.Store.
func (s *Store) Close() error { return s.db.Close() }

// ─── Schema ─────────────────────────────────────────────────────────────────

// migrations returns the schema statements. Each string is a single SQL
// statement (SQLite executes one at a time).
func migrations() []string {
	return []string{
		// One row per (user, kind): the row IS the exclusivity invariant.
		`CREATE TABLE IF NOT EXISTS sessions (
			user_id           TEXT NOT NULL,
			kind              TEXT NOT NULL,
			session_id        TEXT NOT NULL,
			device_id         TEXT NOT NULL DEFAULT '',
			started_at        TEXT NOT NULL,
			last_heartbeat_at TEXT NOT NULL,
			active            INTEGER NOT NULL DEFAULT 1,
			kicked            INTEGER NOT NULL DEFAULT 0,
			kicked_reason     TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, kind)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_session ON sessions(session_id)`,

		// Decayable balances
		`CREATE TABLE IF NOT EXISTS balances (
			user_id            TEXT NOT NULL,
			kind               TEXT NOT NULL,
			base_value         INTEGER NOT NULL DEFAULT 0,
			last_activity_at   TEXT NOT NULL,
			last_reconciled_at TEXT,
			PRIMARY KEY (user_id, kind)
		)`,

		// Append-only transaction ledger
		`CREATE TABLE IF NOT EXISTS ledger (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			tx_type    TEXT NOT NULL,
			entry_type TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			kind       TEXT NOT NULL,
			amount     INTEGER NOT NULL,
			trigger_by TEXT NOT NULL DEFAULT '',
			balance    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger(user_id, id DESC)`,
	}
}

func (s *Store) migrate() error {
	for _, stmt := range migrations() {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ─── Session Operations ─────────────────────────────────────────────────────

// UpsertSession installs sessionID as the sole holder of (userID, kind) and
// reports any displaced predecessor. Last start wins, atomically.
func (s *Store) UpsertSession(ctx context.Context, userID string, kind domain.SessionKind, sessionID, deviceID string) (domain.UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.UpsertResult{}, err
	}
	defer tx.Rollback()

	res := domain.UpsertResult{AcceptedSessionID: sessionID}

	var prevID, prevDevice string
	var prevActive, prevKicked int
	err = tx.QueryRowContext(ctx, `
		SELECT session_id, device_id, active, kicked
		FROM sessions WHERE user_id = ? AND kind = ?
	`, userID, string(kind)).Scan(&prevID, &prevDevice, &prevActive, &prevKicked)
	switch {
	case err == sql.ErrNoRows:
		// first session for this (user, kind)
	case err != nil:
		return domain.UpsertResult{}, err
	default:
		if prevActive == 1 && prevKicked == 0 && prevID != sessionID {
			res.KickedExisting = true
			res.DisplacedSessionID = prevID
			res.DisplacedDeviceID = prevDevice
		}
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (user_id, kind, session_id, device_id, started_at, last_heartbeat_at, active, kicked, kicked_reason)
		VALUES (?, ?, ?, ?, ?, ?, 1, 0, '')
		ON CONFLICT(user_id, kind) DO UPDATE SET
			session_id        = excluded.session_id,
			device_id         = excluded.device_id,
			started_at        = excluded.started_at,
			last_heartbeat_at = excluded.last_heartbeat_at,
			active            = 1,
			kicked            = 0,
			kicked_reason     = ''
	`, userID, string(kind), sessionID, deviceID, now, now)
	if err != nil {
		return domain.UpsertResult{}, err
	}
	return res, tx.Commit()
}

// HeartbeatSession refreshes liveness only while sessionID is still the
// current active holder. Stale heartbeats match zero rows — benign no-op.
func (s *Store) HeartbeatSession(ctx context.Context, userID string, kind domain.SessionKind, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_heartbeat_at = ?
		WHERE user_id = ? AND kind = ? AND session_id = ? AND active = 1 AND kicked = 0
	`, s.now().UTC().Format(time.RFC3339Nano), userID, string(kind), sessionID)
	return err
}

// EndSession deactivates sessionID if it is still the current holder.
// Idempotent; ending a superseded session matches zero rows.
func (s *Store) EndSession(ctx context.Context, userID string, kind domain.SessionKind, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET active = 0
		WHERE user_id = ? AND kind = ? AND session_id = ? AND active = 1
	`, userID, string(kind), sessionID)
	return err
}

// GetSession returns the current record for (userID, kind).
func (s *Store) GetSession(ctx context.Context, userID string, kind domain.SessionKind) (*domain.EarnSession, error) {
	var (
		sess                 domain.EarnSession
		startedStr, beatStr  string
		activeInt, kickedInt int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, device_id, started_at, last_heartbeat_at, active, kicked, kicked_reason
		FROM sessions WHERE user_id = ? AND kind = ?
	`, userID, string(kind)).Scan(&sess.SessionID, &sess.DeviceID, &startedStr, &beatStr, &activeInt, &kickedInt, &sess.KickedReason)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	sess.UserID = userID
	sess.Kind = kind
	sess.Active = activeInt == 1
	sess.Kicked = kickedInt == 1
	sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	sess.LastHeartbeatAt, _ = time.Parse(time.RFC3339Nano, beatStr)
	return &sess, nil
}

// ─── Balance Operations ─────────────────────────────────────────────────────

// ensureBalance creates the zero row if the user has never been seen.
func ensureBalance(ctx context.Context, tx *sql.Tx, userID string, kind domain.ResourceKind, now string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, kind, base_value, last_activity_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(user_id, kind) DO NOTHING
	`, userID, string(kind), now)
	return err
}

func appendLedger(ctx context.Context, tx *sql.Tx, now string, txType domain.TransactionType, entry domain.EntryType, userID string, kind domain.ResourceKind, amount int64, trigger string, balance int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger (created_at, tx_type, entry_type, user_id, kind, amount, trigger_by, balance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, now, string(txType), string(entry), userID, string(kind), amount, trigger, balance)
	return err
}

// GetBalance returns the persisted balance for (userID, kind).
func (s *Store) GetBalance(ctx context.Context, userID string, kind domain.ResourceKind) (*domain.Balance, error) {
	b := domain.Balance{UserID: userID, Kind: kind}
	var activityStr string
	var reconciledStr sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT base_value, last_activity_at, last_reconciled_at
		FROM balances WHERE user_id = ? AND kind = ?
	`, userID, string(kind)).Scan(&b.BaseValue, &activityStr, &reconciledStr)
	if err == sql.ErrNoRows {
		return nil, domain.ErrBalanceNotFound
	}
	if err != nil {
		return nil, err
	}

	b.LastActivityAt, _ = time.Parse(time.RFC3339Nano, activityStr)
	if reconciledStr.Valid {
		b.LastReconciledAt, _ = time.Parse(time.RFC3339Nano, reconciledStr.String)
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

	now := s.now().UTC().Format(time.RFC3339Nano)
	if err := ensureBalance(ctx, tx, userID, kind, now); err != nil {
		return 0, err
	}

	var value int64
	if err := tx.QueryRowContext(ctx, `
		SELECT base_value FROM balances WHERE user_id = ? AND kind = ?
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

	_, err = tx.ExecContext(ctx, `
		UPDATE balances SET base_value = ?, last_activity_at = ?
		WHERE user_id = ? AND kind = ?
	`, value, now, userID, string(kind))
	if err != nil {
		return 0, err
	}
	if err := appendLedger(ctx, tx, now, txType, entry, userID, kind, amount, "", value); err != nil {
		return 0, err
	}
	return value, tx.Commit()
}

// TouchActivity refreshes last-activity without touching the base value.
func (s *Store) TouchActivity(ctx context.Context, userID string, kind domain.ResourceKind, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := at.UTC().Format(time.RFC3339Nano)
	if err := ensureBalance(ctx, tx, userID, kind, ts); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE balances SET last_activity_at = ? WHERE user_id = ? AND kind = ?
	`, ts, userID, string(kind))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Ledger returns the most recent entries for a user, newest first.
func (s *Store) Ledger(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, tx_type, entry_type, kind, amount, trigger_by, balance
		FROM ledger WHERE user_id = ? ORDER BY id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		e := domain.LedgerEntry{UserID: userID}
		var createdStr, txStr, entryStr, kindStr string
		if err := rows.Scan(&e.ID, &createdStr, &txStr, &entryStr, &kindStr, &e.Amount, &e.Trigger, &e.Balance); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, createdStr)
		e.Type = domain.TransactionType(txStr)
		e.EntryType = domain.EntryType(entryStr)
		e.Kind = domain.ResourceKind(kindStr)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReconcileDecay settles accrued decay in one transaction: read the balance,
// write the DECAY ledger row, reset the accrual window. The window reset
// makes a repeated call settle zero — at most one debit per window.
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
	var activityStr string
	err = tx.QueryRowContext(ctx, `
		SELECT base_value, last_activity_at FROM balances WHERE user_id = ? AND kind = ?
	`, userID, string(kind)).Scan(&value, &activityStr)
	if err == sql.ErrNoRows {
		return 0, nil // nothing accrued for an unseen user
	}
	if err != nil {
		return 0, err
	}

	now := s.now()
	lastActivity, _ := time.Parse(time.RFC3339Nano, activityStr)

	var d int64
	switch kind {
	case domain.ResourceScore:
		d = decay.Score(decay.ScoreInput{BaseScore: value, LastActiveAt: lastActivity}, now).Decay
	case domain.ResourceCredit:
		d = decay.Credit(decay.CreditInput{TotalEarned: value, LastActiveAt: lastActivity, Grace: s.cfg.CreditGrace}, now).PendingDecay
	}

	nowStr := now.UTC().Format(time.RFC3339Nano)
	if d > 0 {
		value -= d
		if err := appendLedger(ctx, tx, nowStr, domain.TxDecay, domain.EntryDebit, userID, kind, d, string(trigger), value); err != nil {
			return 0, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE balances SET base_value = ?, last_activity_at = ?, last_reconciled_at = ?
		WHERE user_id = ? AND kind = ?
	`, value, nowStr, nowStr, userID, string(kind))
	if err != nil {
		return 0, err
	}
	return value, tx.Commit()
}

var _ domain.Store = (*Store)(nil)
