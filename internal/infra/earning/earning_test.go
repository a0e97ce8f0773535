package earning

import (
	"context"
	"testing"
	"time"

	"github.com/avalove-network/avalove/internal/domain"
	"github.com/avalove-network/avalove/internal/infra/broadcast"
	"github.com/avalove-network/avalove/internal/infra/memstore"
	"github.com/avalove-network/avalove/internal/infra/sessionlock"
)

func newTestEngine(t *testing.T) (*Engine, *memstore.Store, *sessionlock.Coordinator) {
	t.Helper()
	store := memstore.New(memstore.Config{})
	hub := broadcast.NewHub()
	t.Cleanup(hub.Close)

	coord := sessionlock.New(store, hub, sessionlock.Config{
		HeartbeatInterval: 10 * time.Millisecond,
		LivenessMultiple:  3,
	})

	e := New(store, coord, Config{TickInterval: time.Minute})
	t.Cleanup(func() { e.Close() })
	return e, store, coord
}

// ─── Tier Tests ─────────────────────────────────────────────────────────────

func TestTier_HourlyRate(t *testing.T) {
	tests := []struct {
		tier Tier
		want int64
	}{
		{TierBasic, 60},
		{TierPlus, 90},
		{TierGold, 150},
		{Tier(99), 60},
	}
	for _, tt := range tests {
		if got := tt.tier.HourlyRate(); got != tt.want {
			t.Errorf("%s.HourlyRate() = %d, want %d", tt.tier, got, tt.want)
		}
	}
}

func TestTickAmount_MinimumOne(t *testing.T) {
	e := New(memstore.New(memstore.Config{}), nil, Config{TickInterval: time.Second})
	// 60 credits/hour at a 1s tick would floor to zero; the engine credits
	// at least one per tick instead.
	if got := e.tickAmount(TierBasic); got != 1 {
		t.Errorf("tickAmount(TierBasic) = %d, want 1", got)
	}

	e = New(memstore.New(memstore.Config{}), nil, Config{TickInterval: time.Minute})
	if got := e.tickAmount(TierGold); got != 150/60 {
		t.Errorf("tickAmount(TierGold) = %d, want %d", got, 150/60)
	}
}

// ─── Accrual Tests ──────────────────────────────────────────────────────────

func TestTick_CreditsLiveSession(t *testing.T) {
	e, store, coord := newTestEngine(t)
	ctx := context.Background()

	if _, err := coord.StartSession(ctx, "alice", domain.SessionEarn, "sess-1", "phone"); err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	e.Register("alice", TierPlus)

	e.tick(ctx)

	b, err := store.GetBalance(ctx, "alice", domain.ResourceCredit)
	if err != nil {
		t.Fatalf("GetBalance() error: %v", err)
	}
	want := int64(90 / 60) // TierPlus at a one-minute tick
	if b.BaseValue != want {
		t.Errorf("BaseValue = %d, want %d", b.BaseValue, want)
	}

	entries, err := store.Ledger(ctx, "alice", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Type != domain.TxEarn {
		t.Errorf("ledger head = %+v, want one EARN entry", entries)
	}
}

func TestTick_PrunesDeadSession(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Registered but never started a session.
	e.Register("bob", TierBasic)
	e.tick(ctx)

	if got := e.Registered(); len(got) != 0 {
		t.Errorf("Registered() = %v, want empty after prune", got)
	}
}

func TestTick_StopsAfterSessionEnds(t *testing.T) {
	e, store, coord := newTestEngine(t)
	ctx := context.Background()

	if _, err := coord.StartSession(ctx, "carol", domain.SessionEarn, "sess-1", "phone"); err != nil {
		t.Fatal(err)
	}
	e.Register("carol", TierGold)
	e.tick(ctx)

	if err := coord.End(ctx, "carol", domain.SessionEarn, "sess-1"); err != nil {
		t.Fatal(err)
	}
	e.tick(ctx)
	e.tick(ctx)

	b, err := store.GetBalance(ctx, "carol", domain.ResourceCredit)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(150 / 60); b.BaseValue != want {
		t.Errorf("BaseValue = %d, want %d (no accrual after end)", b.BaseValue, want)
	}
	if got := e.Registered(); len(got) != 0 {
		t.Errorf("Registered() = %v, want empty after session end", got)
	}
}

func TestRegister_Reregister(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.Register("dave", TierBasic)
	e.Register("dave", TierGold)
	e.Register("erin", TierPlus)

	got := e.Registered()
	if len(got) != 2 || got[0] != "dave" || got[1] != "erin" {
		t.Errorf("Registered() = %v, want [dave erin]", got)
	}

	e.Unregister("dave")
	if got := e.Registered(); len(got) != 1 || got[0] != "erin" {
		t.Errorf("Registered() = %v, want [erin]", got)
	}
}

func TestRun_StopsOnClose(t *testing.T) {
	e, _, _ := newTestEngine(t)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	e.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() after Close = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after Close")
	}
}

// ─── Report Tests ───────────────────────────────────────────────────────────

func TestBuildReport(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := store.Credit(ctx, "alice", domain.ResourceCredit, 500, domain.TxEarn); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Credit(ctx, "alice", domain.ResourceCredit, 50, domain.TxBonus); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Debit(ctx, "alice", domain.ResourceCredit, 120, domain.TxBurn); err != nil {
		t.Fatal(err)
	}
	// Score entries must not leak into a credit report.
	if _, err := store.Credit(ctx, "alice", domain.ResourceScore, 999, domain.TxEarn); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)
	r, err := e.BuildReport(ctx, "alice", start, end)
	if err != nil {
		t.Fatalf("BuildReport() error: %v", err)
	}

	if r.CreditsEarned != 550 {
		t.Errorf("CreditsEarned = %d, want 550", r.CreditsEarned)
	}
	if r.CreditsBurned != 120 {
		t.Errorf("CreditsBurned = %d, want 120", r.CreditsBurned)
	}
	if r.Net != 430 {
		t.Errorf("Net = %d, want 430", r.Net)
	}
	if r.HoursInPeriod() != 2 {
		t.Errorf("HoursInPeriod() = %v, want 2", r.HoursInPeriod())
	}
	if got := r.CreditsPerHour(); got != 275 {
		t.Errorf("CreditsPerHour() = %v, want 275", got)
	}
}

func TestBuildReport_ExcludesOutsidePeriod(t *testing.T) {
	e, store, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := store.Credit(ctx, "bob", domain.ResourceCredit, 100, domain.TxEarn); err != nil {
		t.Fatal(err)
	}

	// Period entirely in the past excludes the just-written entry.
	r, err := e.BuildReport(ctx, "bob", time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if r.CreditsEarned != 0 {
		t.Errorf("CreditsEarned = %d, want 0 outside period", r.CreditsEarned)
	}
}
