// Package reconcile is the single doorway through which accrued decay
// becomes a persisted debit. Nothing else in the system writes decay: the
// rest of the codebase only computes effective views on read.
//
// Reconciliation fires on exactly two triggers — a user coming online, and
// an earning session starting. Both mark the start of an activity window, so
// settling the previous window here guarantees the debit lands at most once.
package reconcile

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/avalove-network/avalove/internal/domain"
)

// Result records one settled balance.
type Result struct {
	UserID   string
	Kind     domain.ResourceKind
	Trigger  domain.ReconcileTrigger
	NewValue int64
	At       time.Time
}

// Gate drives decay reconciliation against the balance store.
type Gate struct {
	store domain.BalanceStore

	// kinds are the balances settled per trigger. Both decayable resources
	// by default.
	kinds []domain.ResourceKind

	mu      sync.Mutex
	history []Result
	limit   int

	// Injectable clock for testing.
	now func() time.Time
}

// New creates a gate that settles every decayable resource kind.
func New(store domain.BalanceStore) *Gate {
	return &Gate{
		store: store,
		kinds: []domain.ResourceKind{domain.ResourceScore, domain.ResourceCredit},
		limit: 256,
		now:   time.Now,
	}
}

// Reconcile settles accrued decay for one (user, kind) under an explicit
// trigger. Unknown triggers are rejected before any store call.
func (g *Gate) Reconcile(ctx context.Context, userID string, kind domain.ResourceKind, trigger domain.ReconcileTrigger) (int64, error) {
	if !trigger.Valid() {
		return 0, domain.ErrInvalidTrigger
	}
	if !kind.Valid() {
		return 0, domain.ErrUnknownResource
	}

	value, err := g.store.ReconcileDecay(ctx, userID, kind, trigger)
	if err != nil {
		return 0, err
	}

	g.record(Result{
		UserID:   userID,
		Kind:     kind,
		Trigger:  trigger,
		NewValue: value,
		At:       g.now(),
	})
	return value, nil
}

// ReconcileAll settles every decayable kind for a user. The first store error
// aborts; earlier settlements stand (each is independently durable).
func (g *Gate) ReconcileAll(ctx context.Context, userID string, trigger domain.ReconcileTrigger) error {
	if !trigger.Valid() {
		return domain.ErrInvalidTrigger
	}
	for _, kind := range g.kinds {
		if _, err := g.Reconcile(ctx, userID, kind, trigger); err != nil {
			return err
		}
	}
	return nil
}

// OnConnect is the presence-transition entry point: wired to the tracker's
// offline → online callback. Store failures are logged, not propagated — the
// next trigger retries, and meanwhile reads still show the effective value.
func (g *Gate) OnConnect(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := g.ReconcileAll(ctx, userID, domain.TriggerOnConnect); err != nil {
		log.Printf("reconcile: on-connect settle for %s failed: %v", userID, err)
	}
}

// OnEarnStart settles pending credit decay before a new earning session
// begins accruing. Called by the API just after the session upsert succeeds.
func (g *Gate) OnEarnStart(ctx context.Context, userID string) error {
	return g.ReconcileAll(ctx, userID, domain.TriggerOnEarnStart)
}

// History returns the most recent settlements, newest first. Audit surface
// for the status API.
func (g *Gate) History(limit int) []Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Result, n)
	for i := 0; i < n; i++ {
		out[i] = g.history[len(g.history)-1-i]
	}
	return out
}

func (g *Gate) record(r Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = append(g.history, r)
	if len(g.history) > g.limit {
		g.history = g.history[len(g.history)-g.limit:]
	}
}
