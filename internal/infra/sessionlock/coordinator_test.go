package sessionlock

import (
	"context"
	"testing"
	"time"

	"github.com/avalove-network/avalove/internal/domain"
	"github.com/avalove-network/avalove/internal/infra/broadcast"
	"github.com/avalove-network/avalove/internal/infra/memstore"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *memstore.Store, *broadcast.Hub) {
	t.Helper()
	store := memstore.New(memstore.Config{})
	hub := broadcast.NewHub()
	t.Cleanup(hub.Close)

	coord := New(store, hub, Config{
		HeartbeatInterval: 10 * time.Millisecond,
		LivenessMultiple:  3,
	})
	return coord, store, hub
}

// ─── Exclusivity Tests ──────────────────────────────────────────────────────

func TestStartSession_Exclusivity(t *testing.T) {
	coord, store, hub := newTestCoordinator(t)
	ctx := context.Background()

	a, err := coord.StartSession(ctx, "u1", domain.SessionEarn, "sess-a", "phone")
	if err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}

	// Listen where session A's client would listen.
	kickCh, cancel := hub.Listen(KickTopic("sess-a"))
	defer cancel()

	b, err := coord.StartSession(ctx, "u1", domain.SessionEarn, "sess-b", "laptop")
	if err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	if !b.KickedExisting || b.DisplacedSessionID != a.AcceptedSessionID {
		t.Errorf("result = %+v, want displaced %s", b, a.AcceptedSessionID)
	}

	select {
	case <-kickCh:
	case <-time.After(time.Second):
		t.Fatal("displaced session never received its kick notice")
	}

	// Post-condition: only B active.
	cur, err := store.GetSession(ctx, "u1", domain.SessionEarn)
	if err != nil {
		t.Fatal(err)
	}
	if cur.SessionID != "sess-b" || !cur.Active {
		t.Errorf("current session = %+v, want active sess-b", cur)
	}
}

func TestStartSession_MintsSessionID(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	res, err := coord.StartSession(context.Background(), "u1", domain.SessionEarn, "", "phone")
	if err != nil {
		t.Fatal(err)
	}
	if res.AcceptedSessionID == "" {
		t.Error("StartSession should mint a session ID when none supplied")
	}
}

func TestHeartbeat_StaleDoesNotResurrect(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	coord.StartSession(ctx, "u1", domain.SessionEarn, "sess-a", "phone")
	coord.StartSession(ctx, "u1", domain.SessionEarn, "sess-b", "laptop")

	if err := coord.Heartbeat(ctx, "u1", domain.SessionEarn, "sess-a"); err != nil {
		t.Fatalf("stale heartbeat error: %v", err)
	}

	cur, _ := store.GetSession(ctx, "u1", domain.SessionEarn)
	if cur.SessionID != "sess-b" || !cur.Active || cur.Kicked {
		t.Errorf("B's status changed by stale heartbeat: %+v", cur)
	}
}

func TestEnd_Idempotent(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	coord.StartSession(ctx, "u1", domain.SessionEarn, "sess-a", "phone")
	if err := coord.End(ctx, "u1", domain.SessionEarn, "sess-a"); err != nil {
		t.Fatalf("End() error: %v", err)
	}
	if err := coord.End(ctx, "u1", domain.SessionEarn, "sess-a"); err != nil {
		t.Fatalf("second End() error: %v", err)
	}
}

func TestHasLiveSession(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	live, err := coord.HasLiveSession(ctx, "u1", domain.SessionEarn)
	if err != nil || live {
		t.Fatalf("HasLiveSession() = %v, %v; want false, nil before any start", live, err)
	}

	coord.StartSession(ctx, "u1", domain.SessionEarn, "sess-a", "phone")
	live, _ = coord.HasLiveSession(ctx, "u1", domain.SessionEarn)
	if !live {
		t.Error("session should be live right after start")
	}

	coord.End(ctx, "u1", domain.SessionEarn, "sess-a")
	live, _ = coord.HasLiveSession(ctx, "u1", domain.SessionEarn)
	if live {
		t.Error("ended session should not be live")
	}
}

func TestHasLiveSession_ExpiresWithoutHeartbeat(t *testing.T) {
	store := memstore.New(memstore.Config{})
	hub := broadcast.NewHub()
	defer hub.Close()

	coord := New(store, hub, Config{HeartbeatInterval: 10 * time.Second, LivenessMultiple: 3})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })
	coord.now = func() time.Time { return base }

	ctx := context.Background()
	coord.StartSession(ctx, "u1", domain.SessionEarn, "sess-a", "phone")

	// 31s later: past the 30s liveness window, no heartbeat arrived.
	coord.now = func() time.Time { return base.Add(31 * time.Second) }
	live, err := coord.HasLiveSession(ctx, "u1", domain.SessionEarn)
	if err != nil {
		t.Fatal(err)
	}
	if live {
		t.Error("session without heartbeats should be considered abandoned")
	}
}

// ─── Handle Tests ───────────────────────────────────────────────────────────

func TestAcquire_KickStopsLoser(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	loser, err := coord.Acquire(ctx, "u1", domain.SessionEarn, "phone")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	kicked := make(chan string, 1)
	loser.OnKicked(func(reason string) { kicked <- reason })

	winner, err := coord.Acquire(ctx, "u1", domain.SessionEarn, "laptop")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer winner.End(ctx)

	select {
	case reason := <-kicked:
		if reason == "" {
			t.Error("kick reason should be human-readable, got empty string")
		}
	case <-time.After(time.Second):
		t.Fatal("loser's OnKicked callback never fired")
	}

	if k, _ := loser.Kicked(); !k {
		t.Error("loser handle should report kicked")
	}

	// The loser must not have ended the winner's store record.
	cur, _ := store.GetSession(ctx, "u1", domain.SessionEarn)
	if cur.SessionID != winner.Session().SessionID || !cur.Active {
		t.Errorf("winner's record disturbed: %+v", cur)
	}
}

// displaceOnFirstUpsert installs a rival session the instant the first
// upsert lands, while Acquire has not yet returned to its caller.
type displaceOnFirstUpsert struct {
	domain.SessionStore
	coord *Coordinator
	fired bool
}

func (s *displaceOnFirstUpsert) UpsertSession(ctx context.Context, userID string, kind domain.SessionKind, sessionID, deviceID string) (domain.UpsertResult, error) {
	res, err := s.SessionStore.UpsertSession(ctx, userID, kind, sessionID, deviceID)
	if err != nil {
		return res, err
	}
	if !s.fired {
		s.fired = true
		if _, err := s.coord.StartSession(ctx, userID, kind, "rival-session", "other-device"); err != nil {
			return res, err
		}
	}
	return res, err
}

func TestAcquire_DisplacedBeforeReturnObservesKick(t *testing.T) {
	store := memstore.New(memstore.Config{})
	hub := broadcast.NewHub()
	t.Cleanup(hub.Close)

	wrapped := &displaceOnFirstUpsert{SessionStore: store}
	coord := New(wrapped, hub, Config{
		HeartbeatInterval: 10 * time.Millisecond,
		LivenessMultiple:  3,
	})
	wrapped.coord = coord
	ctx := context.Background()

	// The rival displaces this handle between its upsert and Acquire
	// returning. The kick topic must already be subscribed by then, or the
	// notice is published to nobody and lost forever.
	h, err := coord.Acquire(ctx, "u1", domain.SessionEarn, "phone")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if k, _ := h.Kicked(); k {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("displaced handle never observed its kick")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cur, err := store.GetSession(ctx, "u1", domain.SessionEarn)
	if err != nil {
		t.Fatal(err)
	}
	if cur.SessionID != "rival-session" || !cur.Active {
		t.Errorf("holder = %+v, want active rival-session", cur)
	}
}

func TestHandle_HeartbeatsRefreshLiveness(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	h, err := coord.Acquire(ctx, "u1", domain.SessionEarn, "phone")
	if err != nil {
		t.Fatal(err)
	}
	defer h.End(ctx)

	before, _ := store.GetSession(ctx, "u1", domain.SessionEarn)

	deadline := time.Now().Add(time.Second)
	for {
		cur, _ := store.GetSession(ctx, "u1", domain.SessionEarn)
		if cur.LastHeartbeatAt.After(before.LastHeartbeatAt) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat loop never refreshed liveness")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandle_EndIdempotent(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	h, err := coord.Acquire(ctx, "u1", domain.SessionEarn, "phone")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.End(ctx); err != nil {
		t.Fatalf("End() error: %v", err)
	}
	if err := h.End(ctx); err != nil {
		t.Fatalf("second End() error: %v", err)
	}
}

func TestHandle_OnKickedAfterTheFact(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	loser, _ := coord.Acquire(ctx, "u1", domain.SessionEarn, "phone")
	winner, _ := coord.Acquire(ctx, "u1", domain.SessionEarn, "laptop")
	defer winner.End(ctx)

	// Wait for the kick to land, then register the callback late.
	deadline := time.Now().Add(time.Second)
	for {
		if k, _ := loser.Kicked(); k {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("loser never kicked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fired := make(chan struct{}, 1)
	loser.OnKicked(func(string) { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("late OnKicked registration should fire immediately")
	}
}
