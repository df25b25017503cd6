package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/calegray/flashhawk/internal/domain"
	"github.com/calegray/flashhawk/internal/sched"
	"github.com/calegray/flashhawk/internal/settle"
)

// RiskController is the risk-gate surface the status API needs.
type RiskController interface {
	Posture() domain.RiskPosture
	ClearBreaker(ctx context.Context)
}

// SchedulerStatus exposes the scheduler snapshot.
type SchedulerStatus interface {
	Status() sched.Status
}

// SettlementMetrics exposes the settlement unit's cumulative counters.
type SettlementMetrics interface {
	Metrics() settle.Metrics
}

// StatusHandler serves the pipeline status snapshot and operator actions.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	risk      RiskController
	sched     SchedulerStatus
	settle    SettlementMetrics
}

// NewStatusHandler creates a StatusHandler over the live pipeline components.
func NewStatusHandler(mode string, startedAt time.Time, risk RiskController, scheduler SchedulerStatus, settlement SettlementMetrics) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		startedAt: startedAt,
		risk:      risk,
		sched:     scheduler,
		settle:    settlement,
	}
}

// GetStatus responds with the composite pipeline snapshot: mode, uptime, risk
// posture, scheduler state, and settlement totals.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.risk != nil {
		resp["risk"] = h.risk.Posture()
	}
	if h.sched != nil {
		resp["scheduler"] = h.sched.Status()
	}
	if h.settle != nil {
		resp["settlement"] = h.settle.Metrics()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBreaker responds with the circuit breaker state alone.
// GET /api/breaker
func (h *StatusHandler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		writeError(w, http.StatusServiceUnavailable, "risk gate not running")
		return
	}
	writeJSON(w, http.StatusOK, h.risk.Posture().Breaker)
}

// ClearBreaker manually clears a tripped circuit breaker.
// POST /api/breaker/clear
func (h *StatusHandler) ClearBreaker(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		writeError(w, http.StatusServiceUnavailable, "risk gate not running")
		return
	}
	h.risk.ClearBreaker(r.Context())
	writeJSON(w, http.StatusOK, h.risk.Posture().Breaker)
}
