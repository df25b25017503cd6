package handler

import (
	"net/http"

	"github.com/calegray/flashhawk/internal/domain"
)

// Reporter is the analytics surface the report endpoints read from.
type Reporter interface {
	Report(tf domain.Timeframe) domain.Report
	Recent(n int) []domain.ExecutionRecord
}

// ReportHandler serves analytics reports, recent executions, and the audit
// trail.
type ReportHandler struct {
	ledger Reporter
	store  domain.ExecutionStore
	audit  domain.AuditStore
}

// NewReportHandler creates a ReportHandler. The execution and audit stores
// are optional; endpoints backed by a nil store respond 503.
func NewReportHandler(ledger Reporter, store domain.ExecutionStore, audit domain.AuditStore) *ReportHandler {
	return &ReportHandler{ledger: ledger, store: store, audit: audit}
}

// GetReport responds with the analytics report over the requested window.
// Since and until are RFC 3339; both optional.
// GET /api/report?since=...&until=...
func (h *ReportHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	since, err := parseTime(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
		return
	}
	until, err := parseTime(r, "until")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid until: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.ledger.Report(domain.Timeframe{Since: since, Until: until}))
}

// ListExecutions responds with the most recent terminal execution records.
// The in-memory ledger window serves the request; the durable store is the
// fallback for limits beyond it.
// GET /api/executions?limit=50
func (h *ReportHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)

	records := h.ledger.Recent(limit)
	if len(records) < limit && h.store != nil {
		stored, err := h.store.ListRecent(r.Context(), limit)
		if err == nil && len(stored) > len(records) {
			records = stored
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": records,
		"count":      len(records),
	})
}

// ListAudit responds with recent audit trail entries.
// GET /api/audit?limit=100
func (h *ReportHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	entries, err := h.audit.List(r.Context(), parseLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing audit entries: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
