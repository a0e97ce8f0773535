// Package engagement implements EMA-based engagement scoring for users.
//
// Each user has 4 engagement components:
//   - Consistency: did earning sessions run to a clean end?
//   - Presence: was the user online when sampled?
//   - Intensity: session length relative to the target length?
//   - Tenure: how long has the user been around?
//
// Overall = 0.40×consistency + 0.30×presence + 0.20×intensity
//         + 0.10×tenure − penalties
//
// The overall level converts into score bonus points awarded when an
// earning session ends cleanly.
package engagement

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// ─── Constants ──────────────────────────────────────────────────────────────

const (
	// Component weights (sum to 1.0 before penalty deduction)
	WeightConsistency = 0.40
	WeightPresence    = 0.30
	WeightIntensity   = 0.20
	WeightTenure      = 0.10

	// PenaltyWeight is the deduction factor for accumulated penalties.
	PenaltyWeight = 0.05

	// AlphaNormal is the EMA smoothing factor for established users.
	// Low α = slow adaptation = resistant to gaming.
	AlphaNormal = 0.1

	// AlphaColdStart is used for a user's first ColdStartSessions events.
	// Higher α = faster convergence while the history is thin.
	AlphaColdStart = 0.3

	// ColdStartSessions is how many sessions before switching to normal α.
	ColdStartSessions = 10

	// DefaultLevel for brand new users (neutral).
	DefaultLevel = 0.5

	// FloorLevel is the minimum level. Users always get a second chance.
	FloorLevel = 0.1

	// CeilingLevel is the absolute maximum.
	CeilingLevel = 1.0

	// FadeRatePerWeek is the weekly fade for idle users (1%).
	FadeRatePerWeek = 0.01

	// TenureFullDays is how many active days for maximum tenure score.
	TenureFullDays = 90

	// MaxSessionBonus is the score award for a clean session at level 1.0.
	MaxSessionBonus = 20
)

// DefaultSessionTarget is the session length granting full intensity credit.
const DefaultSessionTarget = 25 * time.Minute

// ─── Types ──────────────────────────────────────────────────────────────────

// Components holds the 4 individual engagement components.
type Components struct {
	Consistency float64 `json:"consistency"` // EMA of clean session completion
	Presence    float64 `json:"presence"`    // EMA of online-when-sampled checks
	Intensity   float64 `json:"intensity"`   // EMA of min(1.0, duration/target)
	Tenure      float64 `json:"tenure"`      // min(1.0, active_days / 90)
}

// UserEngagement stores a user's complete engagement state.
type UserEngagement struct {
	UserID       string     `json:"user_id"`
	Components   Components `json:"components"`
	Penalties    float64    `json:"penalties"`     // Accumulated penalty score [0, ∞)
	SessionCount int        `json:"session_count"` // Number of sessions evaluated
	DaysActive   int        `json:"days_active"`   // Calendar days user has been active
	LastUpdate   time.Time  `json:"last_update"`
	LastFade     time.Time  `json:"last_fade"` // Last weekly fade timestamp
	FirstSeenAt  time.Time  `json:"first_seen_at"`
}

// Overall computes the weighted engagement level.
//
//	overall = Σ(weight_i × component_i) − penaltyWeight × penalties
//
// Clamped to [FloorLevel, CeilingLevel].
func (ue *UserEngagement) Overall() float64 {
	c := ue.Components
	level := WeightConsistency*c.Consistency +
		WeightPresence*c.Presence +
		WeightIntensity*c.Intensity +
		WeightTenure*c.Tenure -
		PenaltyWeight*ue.Penalties

	return clamp(level, FloorLevel, CeilingLevel)
}

// Tier returns a human label for the engagement level.
func (ue *UserEngagement) Tier() string {
	o := ue.Overall()
	switch {
	case o >= 0.9:
		return "DEVOTED"
	case o >= 0.7:
		return "REGULAR"
	case o >= 0.5:
		return "CASUAL"
	case o >= 0.3:
		return "DRIFTING"
	default:
		return "DORMANT"
	}
}

// SessionBonus converts the current level into a score award for one clean
// session end.
func (ue *UserEngagement) SessionBonus() int64 {
	return int64(math.Round(ue.Overall() * MaxSessionBonus))
}

// alpha returns the EMA smoothing factor, faster during cold start.
func (ue *UserEngagement) alpha() float64 {
	if ue.SessionCount < ColdStartSessions {
		return AlphaColdStart
	}
	return AlphaNormal
}

// ─── Update Events ──────────────────────────────────────────────────────────

// SessionOutcome describes how an earning session ended.
type SessionOutcome struct {
	Completed bool          // Did the session end cleanly (not kicked or abandoned)?
	Duration  time.Duration // How long did the session run?
	Target    time.Duration // The target session length for full intensity credit.
}

// PresenceSample describes whether a user was online when sampled.
type PresenceSample struct {
	WasOnline bool
}

// PenaltyEvent logs a penalty against a user.
type PenaltyEvent struct {
	Severity float64 // How severe (0.1 = minor, 1.0 = major)
	Reason   string
}

// ─── Configuration ──────────────────────────────────────────────────────────

// ScorerConfig configures the engagement scorer.
type ScorerConfig struct {
	FadeInterval time.Duration // How often to check for fade (default: 24h)
	FadeRate     float64       // Weekly fade rate (default: 0.01)
}

// DefaultScorerConfig returns production defaults.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		FadeInterval: 24 * time.Hour,
		FadeRate:     FadeRatePerWeek,
	}
}

// ─── Scorer ─────────────────────────────────────────────────────────────────

// Scorer manages engagement for all known users.
// Thread-safe via RWMutex.
type Scorer struct {
	mu     sync.RWMutex
	config ScorerConfig
	users  map[string]*UserEngagement // userID → engagement

	// Injectable clock for testing.
	now func() time.Time
}

// NewScorer creates an engagement scorer.
func NewScorer(cfg ScorerConfig) *Scorer {
	return &Scorer{
		config: cfg,
		users:  make(map[string]*UserEngagement),
		now:    time.Now,
	}
}

// ─── Registration ───────────────────────────────────────────────────────────

// Register initializes engagement for a new user at the neutral level.
func (s *Scorer) Register(userID string) *UserEngagement {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[userID]; ok {
		return existing
	}

	now := s.now()
	ue := &UserEngagement{
		UserID: userID,
		Components: Components{
			Consistency: DefaultLevel,
			Presence:    DefaultLevel,
			Intensity:   DefaultLevel,
			Tenure:      0, // No tenure yet
		},
		LastUpdate:  now,
		LastFade:    now,
		FirstSeenAt: now,
	}
	s.users[userID] = ue
	return ue
}

// Get returns a user's current engagement. Returns nil if unknown.
func (s *Scorer) Get(userID string) *UserEngagement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID]
}

// GetOrRegister returns existing engagement or registers a new user.
func (s *Scorer) GetOrRegister(userID string) *UserEngagement {
	s.mu.RLock()
	if ue, ok := s.users[userID]; ok {
		s.mu.RUnlock()
		return ue
	}
	s.mu.RUnlock()
	return s.Register(userID)
}

// ─── Level Updates ──────────────────────────────────────────────────────────

// RecordSession updates engagement based on a session outcome.
// Updates consistency and intensity in one call.
func (s *Scorer) RecordSession(userID string, outcome SessionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ue, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s not registered", userID)
	}

	α := ue.alpha()

	// Consistency: 1.0 if the session ended cleanly, 0.0 if not
	consistencySignal := 0.0
	if outcome.Completed {
		consistencySignal = 1.0
	}
	ue.Components.Consistency = ema(ue.Components.Consistency, consistencySignal, α)

	// Intensity: min(1.0, duration / target). 1.0 means full-length sessions.
	if outcome.Duration > 0 && outcome.Target > 0 {
		intensitySignal := math.Min(1.0, float64(outcome.Duration)/float64(outcome.Target))
		ue.Components.Intensity = ema(ue.Components.Intensity, intensitySignal, α)
	}

	ue.SessionCount++
	ue.LastUpdate = s.now()

	// Update tenure based on days since first seen
	days := int(s.now().Sub(ue.FirstSeenAt).Hours() / 24)
	if days > ue.DaysActive {
		ue.DaysActive = days
	}
	ue.Components.Tenure = math.Min(1.0, float64(ue.DaysActive)/float64(TenureFullDays))

	return nil
}

// RecordPresence updates the presence component from one sample.
func (s *Scorer) RecordPresence(userID string, sample PresenceSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ue, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s not registered", userID)
	}

	signal := 0.0
	if sample.WasOnline {
		signal = 1.0
	}
	ue.Components.Presence = ema(ue.Components.Presence, signal, ue.alpha())
	ue.LastUpdate = s.now()
	return nil
}

// RecordPenalty adds a penalty to a user's engagement.
func (s *Scorer) RecordPenalty(userID string, penalty PenaltyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ue, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s not registered", userID)
	}

	ue.Penalties += penalty.Severity
	ue.LastUpdate = s.now()
	return nil
}

// ─── Fade ───────────────────────────────────────────────────────────────────

// ApplyFade reduces engagement for idle users.
// Fade: 1% per week of inactivity, so dormant users drift down instead of
// holding a stale high level. Should be called periodically (e.g. daily).
func (s *Scorer) ApplyFade() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	faded := 0

	for _, ue := range s.users {
		weeksSinceUpdate := now.Sub(ue.LastUpdate).Hours() / (24 * 7)
		if weeksSinceUpdate < 1 {
			continue // Active within the last week
		}

		// Only fade if enough time has passed since the last fade
		weeksSinceFade := now.Sub(ue.LastFade).Hours() / (24 * 7)
		if weeksSinceFade < 1 {
			continue
		}

		fadeFactor := 1.0 - s.config.FadeRate*math.Floor(weeksSinceFade)
		if fadeFactor < 0 {
			fadeFactor = 0
		}

		ue.Components.Consistency *= fadeFactor
		ue.Components.Presence *= fadeFactor
		ue.Components.Intensity *= fadeFactor

		// Enforce floor
		ue.Components.Consistency = math.Max(ue.Components.Consistency, FloorLevel)
		ue.Components.Presence = math.Max(ue.Components.Presence, FloorLevel)
		ue.Components.Intensity = math.Max(ue.Components.Intensity, FloorLevel)

		ue.LastFade = now
		faded++
	}

	return faded
}

// ─── Queries ────────────────────────────────────────────────────────────────

// TopUsers returns users sorted by overall engagement, descending.
func (s *Scorer) TopUsers(limit int) []*UserEngagement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*UserEngagement, 0, len(s.users))
	for _, ue := range s.users {
		users = append(users, ue)
	}

	// Sort by overall descending
	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			if users[j].Overall() > users[i].Overall() {
				users[i], users[j] = users[j], users[i]
			}
		}
	}

	if limit > 0 && limit < len(users) {
		users = users[:limit]
	}
	return users
}

// UserCount returns total tracked users.
func (s *Scorer) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Remove deletes a user's engagement record.
func (s *Scorer) Remove(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
}

// ─── Pure Helper Functions ──────────────────────────────────────────────────

// ema computes the Exponential Moving Average:
//
//	new = α × sample + (1 - α) × old
func ema(old, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*old
}

// clamp restricts a value to [min, max].
func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
