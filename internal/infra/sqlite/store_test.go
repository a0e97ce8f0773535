package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/avalove-network/avalove/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	s.SetClock(func() time.Time { return testNow })
	return s
}

// ─── Session Tests ──────────────────────────────────────────────────────────

func TestUpsertSession_Displaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertSession(ctx, "u1", domain.SessionEarn, "sess-a", "phone")
	if err != nil {
		t.Fatalf("UpsertSession() error: %v", err)
	}
	if first.KickedExisting {
		t.Error("first start should not displace anything")
	}

	second, err := s.UpsertSession(ctx, "u1", domain.SessionEarn, "sess-b", "laptop")
	if err != nil {
		t.Fatal(err)
	}
	if !second.KickedExisting || second.DisplacedSessionID != "sess-a" || second.DisplacedDeviceID != "phone" {
		t.Errorf("result = %+v, want displaced sess-a on phone", second)
	}

	cur, err := s.GetSession(ctx, "u1", domain.SessionEarn)
	if err != nil {
		t.Fatal(err)
	}
	if cur.SessionID != "sess-b" || !cur.Active || cur.Kicked {
		t.Errorf("current session = %+v, want active sess-b", cur)
	}
}

func TestUpsertSession_SameSessionIsNotDisplacement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.UpsertSession(ctx, "u1", domain.SessionEarn, "sess-a", "phone")
	res, err := s.UpsertSession(ctx, "u1", domain.SessionEarn, "sess-a", "phone")
	if err != nil {
		t.Fatal(err)
	}
	if res.KickedExisting {
		t.Error("re-upserting the same session must not kick itself")
	}
}

func TestUpsertSession_KindsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.UpsertSession(ctx, "u1", domain.SessionEarn, "sess-a", "phone")
	res, _ := s.UpsertSession(ctx, "u1", domain.SessionGame, "sess-b", "phone")
	if res.KickedExisting {
		t.Error("a different session kind must not displace")
	}
}

func TestHeartbeat_StaleIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.UpsertSession(ctx, "u1", domain.SessionEarn, "sess-a", "phone")
	s.UpsertSession(ctx, "u1", domain.SessionEarn, "sess-b", "laptop")

	if err := s.HeartbeatSession(ctx, "u1", domain.SessionEarn, "sess-a"); err != nil {
		t.Fatalf("stale heartbeat error: %v", err)
	}

	cur, _ := s.GetSession(ctx, "u1", domain.SessionEarn)
	if cur.SessionID != "sess-b" || !cur.Active {
		t.Errorf("stale heartbeat must not affect current holder: %+v", cur)
	}
}

func TestHeartbeat_RefreshesLiveness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.UpsertSession(ctx, "u1", domain.SessionEarn, "sess-a", "phone")

	later := testNow.Add(10 * time.Second)
	s.SetClock(func() time.Time { return later })
	if err := s.HeartbeatSession(ctx, "u1", domain.SessionEarn, "sess-a"); err != nil {
		t.Fatal(err)
	}

	cur, _ := s.GetSession(ctx, "u1", domain.SessionEarn)
	if !cur.LastHeartbeatAt.Equal(later) {
		t.Errorf("last heartbeat = %v, want %v", cur.LastHeartbeatAt, later)
	}
}

func TestEndSession_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.UpsertSession(ctx, "u1", domain.SessionEarn, "sess-a", "phone")
	if err := s.EndSession(ctx, "u1", domain.SessionEarn, "sess-a"); err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}
	if err := s.EndSession(ctx, "u1", domain.SessionEarn, "sess-a"); err != nil {
		t.Fatalf("second EndSession() error: %v", err)
	}

	cur, _ := s.GetSession(ctx, "u1", domain.SessionEarn)
	if cur.Active {
		t.Error("session should be inactive after end")
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "ghost", domain.SessionEarn)
	if err != domain.ErrSessionNotFound {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

// ─── Balance Tests ──────────────────────────────────────────────────────────

func TestCreditDebit_Persisted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bal, err := s.Credit(ctx, "u1", domain.ResourceCredit, 500, domain.TxEarn)
	if err != nil || bal != 500 {
		t.Fatalf("Credit() = %d, %v; want 500, nil", bal, err)
	}

	bal, _ = s.Debit(ctx, "u1", domain.ResourceCredit, 200, domain.TxBurn)
	if bal != 300 {
		t.Errorf("after burn balance = %d, want 300", bal)
	}

	bal, _ = s.Debit(ctx, "u1", domain.ResourceCredit, 999, domain.TxBurn)
	if bal != 0 {
		t.Errorf("over-burned credit = %d, want 0 (clamped)", bal)
	}

	bal, _ = s.Debit(ctx, "u1", domain.ResourceScore, 30, domain.TxDebit)
	if bal != -30 {
		t.Errorf("score after external debit = %d, want -30", bal)
	}

	b, err := s.GetBalance(ctx, "u1", domain.ResourceCredit)
	if err != nil {
		t.Fatal(err)
	}
	if b.BaseValue != 0 || !b.LastActivityAt.Equal(testNow) {
		t.Errorf("persisted balance = %+v", b)
	}
}

func TestLedger_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Credit(ctx, "u1", domain.ResourceCredit, 100, domain.TxEarn)
	s.Debit(ctx, "u1", domain.ResourceCredit, 40, domain.TxBurn)
	s.Credit(ctx, "u2", domain.ResourceCredit, 7, domain.TxEarn)

	entries, err := s.Ledger(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("ledger length = %d, want 2 (other users excluded)", len(entries))
	}
	if entries[0].Type != domain.TxBurn || entries[1].Type != domain.TxEarn {
		t.Errorf("ledger order = [%s %s], want [BURN EARN]", entries[0].Type, entries[1].Type)
	}
}

func TestTouchActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Credit(ctx, "u1", domain.ResourceCredit, 100, domain.TxEarn)

	seen := testNow.Add(5 * time.Minute)
	if err := s.TouchActivity(ctx, "u1", domain.ResourceCredit, seen); err != nil {
		t.Fatal(err)
	}

	b, _ := s.GetBalance(ctx, "u1", domain.ResourceCredit)
	if !b.LastActivityAt.Equal(seen) {
		t.Errorf("last activity = %v, want %v", b.LastActivityAt, seen)
	}
	if b.BaseValue != 100 {
		t.Errorf("touch must not change base value, got %d", b.BaseValue)
	}
}

// ─── Reconcile Tests ────────────────────────────────────────────────────────

func TestReconcileDecay_CreditSettles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Credit(ctx, "u1", domain.ResourceCredit, 500, domain.TxEarn)

	// 160s offline: 100s past the 60s grace.
	s.SetClock(func() time.Time { return testNow.Add(160 * time.Second) })

	bal, err := s.ReconcileDecay(ctx, "u1", domain.ResourceCredit, domain.TriggerOnConnect)
	if err != nil {
		t.Fatalf("ReconcileDecay() error: %v", err)
	}
	if bal != 400 {
		t.Errorf("balance after reconcile = %d, want 400", bal)
	}

	entries, _ := s.Ledger(ctx, "u1", 1)
	if entries[0].Type != domain.TxDecay || entries[0].Amount != 100 {
		t.Errorf("ledger head = %+v, want DECAY 100", entries[0])
	}
	if entries[0].Trigger != string(domain.TriggerOnConnect) {
		t.Errorf("trigger = %q, want %q", entries[0].Trigger, domain.TriggerOnConnect)
	}
}

func TestReconcileDecay_AtMostOncePerWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Credit(ctx, "u1", domain.ResourceCredit, 500, domain.TxEarn)
	s.SetClock(func() time.Time { return testNow.Add(160 * time.Second) })

	first, _ := s.ReconcileDecay(ctx, "u1", domain.ResourceCredit, domain.TriggerOnConnect)
	second, _ := s.ReconcileDecay(ctx, "u1", domain.ResourceCredit, domain.TriggerOnEarnStart)
	if first != 400 || second != 400 {
		t.Errorf("balances = %d, %d; second reconcile must not re-apply decay", first, second)
	}
}

func TestReconcileDecay_ScoreNegativeImmunity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Debit(ctx, "u1", domain.ResourceScore, 30, domain.TxDebit) // score = -30
	s.SetClock(func() time.Time { return testNow.Add(24 * time.Hour) })

	bal, err := s.ReconcileDecay(ctx, "u1", domain.ResourceScore, domain.TriggerOnConnect)
	if err != nil {
		t.Fatal(err)
	}
	if bal != -30 {
		t.Errorf("negative score after reconcile = %d, want -30", bal)
	}
}

func TestReconcileDecay_UnseenUserIsNoOp(t *testing.T) {
	s := newTestStore(t)
	bal, err := s.ReconcileDecay(context.Background(), "ghost", domain.ResourceCredit, domain.TriggerOnConnect)
	if err != nil || bal != 0 {
		t.Errorf("ReconcileDecay() = %d, %v; want 0, nil", bal, err)
	}
}

func TestReconcileDecay_InvalidTrigger(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReconcileDecay(context.Background(), "u1", domain.ResourceCredit, domain.ReconcileTrigger("manual"))
	if err != domain.ErrInvalidTrigger {
		t.Errorf("error = %v, want ErrInvalidTrigger", err)
	}
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/avalove.db"

	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	s.SetClock(func() time.Time { return testNow })
	s.Credit(context.Background(), "u1", domain.ResourceCredit, 42, domain.TxEarn)
	s.Close()

	s2, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	b, err := s2.GetBalance(context.Background(), "u1", domain.ResourceCredit)
	if err != nil {
		t.Fatal(err)
	}
	if b.BaseValue != 42 {
		t.Errorf("reopened balance = %d, want 42", b.BaseValue)
	}
}
