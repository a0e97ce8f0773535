package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/avalove-network/avalove/internal/domain"
	"github.com/avalove-network/avalove/internal/infra/memstore"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestGate(t *testing.T) (*Gate, *memstore.Store) {
	t.Helper()
	store := memstore.New(memstore.Config{})
	store.SetClock(func() time.Time { return testNow })
	g := New(store)
	g.now = func() time.Time { return testNow }
	return g, store
}

func TestReconcile_PersistsDebitWithTrigger(t *testing.T) {
	g, store := newTestGate(t)
	ctx := context.Background()

	store.Credit(ctx, "u1", domain.ResourceCredit, 500, domain.TxEarn)
	store.SetClock(func() time.Time { return testNow.Add(160 * time.Second) })

	bal, err := g.Reconcile(ctx, "u1", domain.ResourceCredit, domain.TriggerOnConnect)
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if bal != 400 {
		t.Errorf("balance = %d, want 400", bal)
	}

	entries, _ := store.Ledger(ctx, "u1", 1)
	if entries[0].Type != domain.TxDecay || entries[0].Trigger != string(domain.TriggerOnConnect) {
		t.Errorf("ledger head = %+v, want DECAY with on_connect trigger", entries[0])
	}
}

func TestReconcile_RejectsUnknownTrigger(t *testing.T) {
	g, _ := newTestGate(t)

	_, err := g.Reconcile(context.Background(), "u1", domain.ResourceCredit, domain.ReconcileTrigger("cron"))
	if err != domain.ErrInvalidTrigger {
		t.Errorf("error = %v, want ErrInvalidTrigger", err)
	}
	if err := g.ReconcileAll(context.Background(), "u1", domain.ReconcileTrigger("")); err != domain.ErrInvalidTrigger {
		t.Errorf("ReconcileAll error = %v, want ErrInvalidTrigger", err)
	}
}

func TestReconcile_RejectsUnknownKind(t *testing.T) {
	g, _ := newTestGate(t)
	_, err := g.Reconcile(context.Background(), "u1", domain.ResourceKind("karma"), domain.TriggerOnConnect)
	if err != domain.ErrUnknownResource {
		t.Errorf("error = %v, want ErrUnknownResource", err)
	}
}

func TestReconcileAll_SettlesBothKinds(t *testing.T) {
	g, store := newTestGate(t)
	ctx := context.Background()

	store.Credit(ctx, "u1", domain.ResourceScore, 50, domain.TxBonus)
	store.Credit(ctx, "u1", domain.ResourceCredit, 500, domain.TxEarn)
	store.SetClock(func() time.Time { return testNow.Add(10 * time.Minute) })

	if err := g.ReconcileAll(ctx, "u1", domain.TriggerOnEarnStart); err != nil {
		t.Fatalf("ReconcileAll() error: %v", err)
	}

	score, _ := store.GetBalance(ctx, "u1", domain.ResourceScore)
	if score.BaseValue != 40 { // 10 offline minutes
		t.Errorf("score = %d, want 40", score.BaseValue)
	}
	credit, _ := store.GetBalance(ctx, "u1", domain.ResourceCredit)
	if credit.BaseValue != 500-(600-60) { // 600s offline minus 60s grace
		t.Errorf("credit = %d, want %d", credit.BaseValue, 500-540)
	}
}

func TestOnConnect_AtMostOncePerWindow(t *testing.T) {
	g, store := newTestGate(t)
	ctx := context.Background()

	store.Credit(ctx, "u1", domain.ResourceCredit, 500, domain.TxEarn)
	store.SetClock(func() time.Time { return testNow.Add(160 * time.Second) })

	// Two rapid connects in the same instant: the second settles nothing.
	g.OnConnect("u1")
	g.OnConnect("u1")

	bal, _ := store.GetBalance(ctx, "u1", domain.ResourceCredit)
	if bal.BaseValue != 400 {
		t.Errorf("balance after double connect = %d, want 400", bal.BaseValue)
	}

	var decays int
	entries, _ := store.Ledger(ctx, "u1", 0)
	for _, e := range entries {
		if e.Type == domain.TxDecay {
			decays++
		}
	}
	if decays != 1 {
		t.Errorf("DECAY ledger rows = %d, want exactly 1", decays)
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	g, store := newTestGate(t)
	ctx := context.Background()

	store.Credit(ctx, "u1", domain.ResourceCredit, 100, domain.TxEarn)
	g.Reconcile(ctx, "u1", domain.ResourceScore, domain.TriggerOnConnect)
	g.Reconcile(ctx, "u1", domain.ResourceCredit, domain.TriggerOnEarnStart)

	hist := g.History(10)
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].Kind != domain.ResourceCredit || hist[0].Trigger != domain.TriggerOnEarnStart {
		t.Errorf("history head = %+v, want latest settlement first", hist[0])
	}
	if hist[1].Kind != domain.ResourceScore {
		t.Errorf("history tail = %+v, want earlier settlement", hist[1])
	}
}
