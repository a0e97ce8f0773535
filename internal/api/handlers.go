package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avalove-network/avalove/internal/domain"
	"github.com/avalove-network/avalove/internal/infra/decay"
	"github.com/avalove-network/avalove/internal/infra/earning"
	"github.com/avalove-network/avalove/internal/infra/engagement"
	"github.com/avalove-network/avalove/internal/infra/observability"
)

// ─── Status ─────────────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "avalove is running",
		"online_users": s.tracker.OnlineCount(),
	})
}

// ─── Presence ───────────────────────────────────────────────────────────────

func (s *Server) handlePresenceList(w http.ResponseWriter, r *http.Request) {
	users := s.tracker.OnlineUsers()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online_count": len(users),
		"users":        users,
	})
}

func (s *Server) handlePresenceGet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"online":  s.tracker.IsOnline(userID),
	})
}

// ─── Balances ───────────────────────────────────────────────────────────────

// balanceView is the effective read-model of one balance: the persisted base
// plus the advisory decay recomputed at request time. Nothing here is
// written back — only the reconciliation gate persists decay.
type balanceView struct {
	UserID       string    `json:"user_id"`
	Kind         string    `json:"kind"`
	BaseValue    int64     `json:"base_value"`
	PendingDecay int64     `json:"pending_decay"`
	Effective    int64     `json:"effective"`
	Online       bool      `json:"online"`
	ComputedAt   time.Time `json:"computed_at"`
}

func (s *Server) handleBalanceGet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	kind := domain.ResourceKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown resource kind")
		return
	}

	cacheKey := "balance:" + userID + ":" + string(kind)
	if v, ok := s.views.Get(cacheKey); ok {
		writeJSON(w, http.StatusOK, v)
		return
	}

	b, err := s.store.GetBalance(r.Context(), userID, kind)
	if errors.Is(err, domain.ErrBalanceNotFound) {
		b = &domain.Balance{UserID: userID, Kind: kind}
		err = nil
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	online := s.tracker.IsOnline(userID)
	view := balanceView{
		UserID:     userID,
		Kind:       string(kind),
		BaseValue:  b.BaseValue,
		Online:     online,
		ComputedAt: now,
	}

	switch kind {
	case domain.ResourceScore:
		res := decay.Score(decay.ScoreInput{
			BaseScore:    b.BaseValue,
			LastActiveAt: b.LastActivityAt,
			Online:       online,
		}, now)
		view.PendingDecay = res.Decay
		view.Effective = res.Effective
	case domain.ResourceCredit:
		earning, err := s.coord.HasLiveSession(r.Context(), userID, domain.SessionEarn)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		res := decay.Credit(decay.CreditInput{
			TotalEarned:       b.BaseValue,
			LastActiveAt:      b.LastActivityAt,
			Online:            online,
			ActiveEarnSession: earning,
		}, now)
		view.PendingDecay = res.PendingDecay
		view.Effective = res.Effective
	}

	s.views.Set(cacheKey, view)
	writeJSON(w, http.StatusOK, view)
}

type mutateRequest struct {
	Amount int64  `json:"amount"`
	Type   string `json:"type,omitempty"`
}

func (s *Server) handleBalanceCredit(w http.ResponseWriter, r *http.Request) {
	s.handleMutate(w, r, domain.EntryCredit)
}

func (s *Server) handleBalanceDebit(w http.ResponseWriter, r *http.Request) {
	s.handleMutate(w, r, domain.EntryDebit)
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request, entry domain.EntryType) {
	userID := chi.URLParam(r, "userID")
	kind := domain.ResourceKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown resource kind")
		return
	}

	var req mutateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	txType := domain.TransactionType(req.Type)
	var (
		value int64
		err   error
	)
	if entry == domain.EntryCredit {
		if txType == "" {
			txType = domain.TxEarn
		}
		value, err = s.store.Credit(r.Context(), userID, kind, req.Amount, txType)
	} else {
		if txType == "" {
			txType = domain.TxBurn
		}
		value, err = s.store.Debit(r.Context(), userID, kind, req.Amount, txType)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.views.InvalidatePrefix("balance:" + userID + ":")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"kind":    string(kind),
		"balance": value,
	})
}

// ─── Ledger ─────────────────────────────────────────────────────────────────

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.store.Ledger(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"entries": entries,
	})
}

// ─── Earnings ───────────────────────────────────────────────────────────────

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	if s.earn == nil {
		writeError(w, http.StatusNotFound, "earning engine not enabled")
		return
	}
	userID := chi.URLParam(r, "userID")

	end := time.Now()
	start := end.Add(-24 * time.Hour)
	if q := r.URL.Query().Get("hours"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid hours")
			return
		}
		start = end.Add(-time.Duration(n) * time.Hour)
	}

	report, err := s.earn.BuildReport(r.Context(), userID, start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ─── Sessions ───────────────────────────────────────────────────────────────

type sessionRequest struct {
	UserID    string `json:"user_id"`
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Tier      string `json:"tier,omitempty"`
}

func decodeSessionRequest(w http.ResponseWriter, r *http.Request) (sessionRequest, domain.SessionKind, bool) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, "", false
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return req, "", false
	}
	kind := domain.SessionKind(req.Kind)
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown session kind")
		return req, "", false
	}
	return req, kind, true
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	req, kind, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}

	// Settle the pending window before the new earn session starts accruing.
	if kind == domain.SessionEarn {
		span := s.tracer.StartSpan(r.Context(), "reconcile.on_earn_start", map[string]string{"user": req.UserID})
		err := s.gate.OnEarnStart(r.Context(), req.UserID)
		s.tracer.EndSpan(span, err)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		observability.ReconcileRuns.WithLabelValues(string(domain.TriggerOnEarnStart)).Inc()
		s.views.InvalidatePrefix("balance:" + req.UserID + ":")
	}

	res, err := s.coord.StartSession(r.Context(), req.UserID, kind, req.SessionID, req.DeviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	observability.SessionStarts.WithLabelValues(string(kind)).Inc()
	if res.KickedExisting {
		observability.SessionDisplacements.WithLabelValues(string(kind)).Inc()
	}

	if s.earn != nil && kind == domain.SessionEarn {
		s.earn.Register(req.UserID, earning.ParseTier(req.Tier))
	}
	if s.scorer != nil && kind == domain.SessionEarn {
		s.scorer.GetOrRegister(req.UserID)
		// A displaced session was abandoned mid-run.
		if res.KickedExisting {
			s.scorer.RecordSession(req.UserID, engagement.SessionOutcome{Completed: false})
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":           res.AcceptedSessionID,
		"kicked_existing":      res.KickedExisting,
		"displaced_session_id": res.DisplacedSessionID,
		"displaced_device_id":  res.DisplacedDeviceID,
	})
}

func (s *Server) handleSessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, kind, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if err := s.coord.Heartbeat(r.Context(), req.UserID, kind, req.SessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	observability.SessionHeartbeats.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	req, kind, ok := decodeSessionRequest(w, r)
	if !ok {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	// Snapshot the session before ending it so a clean end can be scored
	// with its actual duration.
	var started time.Time
	if sess, err := s.store.GetSession(r.Context(), req.UserID, kind); err == nil && sess.SessionID == req.SessionID {
		started = sess.StartedAt
	}

	if err := s.coord.End(r.Context(), req.UserID, kind, req.SessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.earn != nil && kind == domain.SessionEarn {
		s.earn.Unregister(req.UserID)
	}
	if s.scorer != nil && kind == domain.SessionEarn && !started.IsZero() {
		s.scoreSessionEnd(r.Context(), req.UserID, time.Since(started))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// scoreSessionEnd feeds a clean session end into the engagement scorer and
// awards the resulting score bonus.
func (s *Server) scoreSessionEnd(ctx context.Context, userID string, duration time.Duration) {
	ue := s.scorer.GetOrRegister(userID)
	s.scorer.RecordSession(userID, engagement.SessionOutcome{
		Completed: true,
		Duration:  duration,
		Target:    engagement.DefaultSessionTarget,
	})

	bonus := ue.SessionBonus()
	if bonus <= 0 {
		return
	}
	if _, err := s.store.Credit(ctx, userID, domain.ResourceScore, bonus, domain.TxBonus); err != nil {
		log.Printf("api: session bonus for %s failed: %v", userID, err)
		return
	}
	s.views.InvalidatePrefix("balance:" + userID + ":")
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	kind := domain.SessionKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown session kind")
		return
	}

	sess, err := s.store.GetSession(r.Context(), userID, kind)
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "no session for user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	live := sess.LiveWithin(s.coord.Config().LivenessWindow(), time.Now())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":        sess.SessionID,
		"user_id":           sess.UserID,
		"kind":              string(sess.Kind),
		"device_id":         sess.DeviceID,
		"started_at":        sess.StartedAt,
		"last_heartbeat_at": sess.LastHeartbeatAt,
		"active":            sess.Active,
		"kicked":            sess.Kicked,
		"live":              live,
	})
}

// ─── Engagement ─────────────────────────────────────────────────────────────

func (s *Server) handleEngagementGet(w http.ResponseWriter, r *http.Request) {
	if s.scorer == nil {
		writeError(w, http.StatusNotFound, "engagement scoring not enabled")
		return
	}
	userID := chi.URLParam(r, "userID")
	ue := s.scorer.Get(userID)
	if ue == nil {
		writeError(w, http.StatusNotFound, "no engagement record for user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":       ue.UserID,
		"components":    ue.Components,
		"overall":       ue.Overall(),
		"tier":          ue.Tier(),
		"session_count": ue.SessionCount,
	})
}

func (s *Server) handleEngagementTop(w http.ResponseWriter, r *http.Request) {
	if s.scorer == nil {
		writeError(w, http.StatusNotFound, "engagement scoring not enabled")
		return
	}
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": s.scorer.TopUsers(limit),
	})
}

// ─── Reconcile Audit ────────────────────────────────────────────────────────

func (s *Server) handleReconcileHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settlements": s.gate.History(limit),
	})
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"spans": s.tracer.Spans(limit),
	})
}
