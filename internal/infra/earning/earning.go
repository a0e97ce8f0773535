// Package earning accrues credits for users with a live earning session.
//
// Accrual is pull-based: a ticker walks the registered earners, re-checks
// session liveness against the coordinator (a displaced or abandoned session
// stops earning without any explicit unregister), and credits the tick's
// worth through the store so every accrual lands in the ledger.
package earning

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/avalove-network/avalove/internal/domain"
	"github.com/avalove-network/avalove/internal/infra/sessionlock"
)

// ─── Membership Tier ────────────────────────────────────────────────────────

// Tier classifies a user's membership for earning-rate purposes.
type Tier int

const (
	TierBasic Tier = iota
	TierPlus
	TierGold
)

// String returns a human-readable tier name.
func (t Tier) String() string {
	switch t {
	case TierBasic:
		return "basic"
	case TierPlus:
		return "plus"
	case TierGold:
		return "gold"
	default:
		return "unknown"
	}
}

// ParseTier maps a tier name to its Tier, defaulting to basic.
func ParseTier(s string) Tier {
	switch s {
	case "plus":
		return TierPlus
	case "gold":
		return TierGold
	default:
		return TierBasic
	}
}

// HourlyRate returns credits earned per hour of live session time.
func (t Tier) HourlyRate() int64 {
	switch t {
	case TierBasic:
		return 60
	case TierPlus:
		return 90
	case TierGold:
		return 150
	default:
		return 60
	}
}

// ─── Engine ─────────────────────────────────────────────────────────────────

// Config controls accrual cadence.
type Config struct {
	// TickInterval is how often live sessions are credited.
	TickInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{TickInterval: time.Minute}
}

type earner struct {
	userID string
	tier   Tier
}

// Engine drives credit accrual for live earning sessions.
type Engine struct {
	store domain.BalanceStore
	coord *sessionlock.Coordinator
	cfg   Config

	mu      sync.Mutex
	earners map[string]*earner

	closeOnce sync.Once
	done      chan struct{}
}

// New creates an accrual engine.
func New(store domain.BalanceStore, coord *sessionlock.Coordinator, cfg Config) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	return &Engine{
		store:   store,
		coord:   coord,
		cfg:     cfg,
		earners: make(map[string]*earner),
		done:    make(chan struct{}),
	}
}

// Register adds a user to the accrual set, typically when their earn session
// starts. Re-registering updates the tier.
func (e *Engine) Register(userID string, tier Tier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.earners[userID] = &earner{userID: userID, tier: tier}
}

// Unregister removes a user from the accrual set. Liveness re-checks make
// this optional: an ended session stops earning either way.
func (e *Engine) Unregister(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.earners, userID)
}

// Registered returns the current accrual set, sorted for stable output.
func (e *Engine) Registered() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	users := make([]string, 0, len(e.earners))
	for u := range e.earners {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Run accrues until ctx is cancelled or Close is called. Blocks.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// Close stops the engine. Safe to call multiple times.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

// tick credits one interval's worth to every registered user whose earn
// session is still live. Dead sessions are pruned from the set.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	batch := make([]earner, 0, len(e.earners))
	for _, er := range e.earners {
		batch = append(batch, *er)
	}
	e.mu.Unlock()

	for _, er := range batch {
		live, err := e.coord.HasLiveSession(ctx, er.userID, domain.SessionEarn)
		if err != nil {
			log.Printf("earning: liveness check for %s failed: %v", er.userID, err)
			continue
		}
		if !live {
			e.Unregister(er.userID)
			continue
		}

		amount := e.tickAmount(er.tier)
		if amount <= 0 {
			continue
		}
		if _, err := e.store.Credit(ctx, er.userID, domain.ResourceCredit, amount, domain.TxEarn); err != nil {
			log.Printf("earning: credit for %s failed: %v", er.userID, err)
		}
	}
}

// tickAmount converts an hourly rate into this tick's credit, minimum one.
func (e *Engine) tickAmount(tier Tier) int64 {
	perTick := tier.HourlyRate() * int64(e.cfg.TickInterval) / int64(time.Hour)
	if perTick < 1 {
		perTick = 1
	}
	return perTick
}

// ─── Earnings Report ────────────────────────────────────────────────────────

// Report summarizes a user's ledger activity over a period.
type Report struct {
	UserID         string    `json:"user_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	CreditsEarned  int64     `json:"credits_earned"`
	CreditsBurned  int64     `json:"credits_burned"`
	CreditsDecayed int64     `json:"credits_decayed"`
	Net            int64     `json:"net"`
}

// BuildReport aggregates the user's ledger entries inside [start, end].
func (e *Engine) BuildReport(ctx context.Context, userID string, start, end time.Time) (Report, error) {
	entries, err := e.store.Ledger(ctx, userID, 0)
	if err != nil {
		return Report{}, err
	}

	r := Report{UserID: userID, PeriodStart: start, PeriodEnd: end}
	for _, entry := range entries {
		if entry.Kind != domain.ResourceCredit {
			continue
		}
		if entry.Timestamp.Before(start) || entry.Timestamp.After(end) {
			continue
		}
		switch entry.Type {
		case domain.TxEarn, domain.TxBonus:
			r.CreditsEarned += entry.Amount
		case domain.TxBurn:
			r.CreditsBurned += entry.Amount
		case domain.TxDecay:
			r.CreditsDecayed += entry.Amount
		}
	}
	r.Net = r.CreditsEarned - r.CreditsBurned - r.CreditsDecayed
	return r, nil
}

// HoursInPeriod returns the report period length in hours.
func (r Report) HoursInPeriod() float64 {
	return r.PeriodEnd.Sub(r.PeriodStart).Hours()
}

// CreditsPerHour returns the average earning rate over the period.
func (r Report) CreditsPerHour() float64 {
	hours := r.HoursInPeriod()
	if hours <= 0 {
		return 0
	}
	return float64(r.CreditsEarned) / hours
}
