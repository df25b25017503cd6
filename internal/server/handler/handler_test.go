package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calegray/flashhawk/internal/domain"
	"github.com/calegray/flashhawk/internal/sched"
	"github.com/calegray/flashhawk/internal/settle"
)

type stubRisk struct {
	posture domain.RiskPosture
	cleared bool
}

func (s *stubRisk) Posture() domain.RiskPosture {
	return s.posture
}

func (s *stubRisk) ClearBreaker(ctx context.Context) {
	s.cleared = true
	s.posture.Breaker = domain.BreakerState{}
}

type stubSched struct {
	status sched.Status
}

func (s *stubSched) Status() sched.Status {
	return s.status
}

type stubSettle struct{}

func (stubSettle) Metrics() settle.Metrics {
	return settle.Metrics{
		Operations:  4,
		TotalVolume: big.NewInt(4_000_000),
		TotalProfit: big.NewInt(120_000),
		TotalFees:   big.NewInt(600),
	}
}

type stubReporter struct {
	report domain.Report
	recent []domain.ExecutionRecord
}

func (s *stubReporter) Report(tf domain.Timeframe) domain.Report {
	r := s.report
	r.Timeframe = tf
	return r
}

func (s *stubReporter) Recent(n int) []domain.ExecutionRecord {
	if n > len(s.recent) {
		n = len(s.recent)
	}
	return s.recent[:n]
}

func TestStatusSnapshot(t *testing.T) {
	risk := &stubRisk{posture: domain.RiskPosture{
		DailyVolume:        big.NewInt(250_000),
		CumulativeExposure: big.NewInt(0),
		TotalOperations:    12,
	}}
	h := NewStatusHandler("run", time.Now().Add(-time.Minute), risk,
		&stubSched{status: sched.Status{QueueDepth: 3, InFlight: 1}}, stubSettle{})

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run", body["mode"])
	assert.GreaterOrEqual(t, body["uptime_seconds"].(float64), float64(59))
	require.Contains(t, body, "risk")
	require.Contains(t, body, "scheduler")
	require.Contains(t, body, "settlement")
}

func TestClearBreakerResetsState(t *testing.T) {
	risk := &stubRisk{posture: domain.RiskPosture{
		DailyVolume:        big.NewInt(0),
		CumulativeExposure: big.NewInt(0),
		Breaker: domain.BreakerState{
			Active: true,
			Reason: "failure rate 0.40 exceeds 0.25",
		},
	}}
	h := NewStatusHandler("run", time.Now(), risk, nil, nil)

	rec := httptest.NewRecorder()
	h.ClearBreaker(rec, httptest.NewRequest(http.MethodPost, "/api/breaker/clear", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, risk.cleared)

	var state domain.BreakerState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.False(t, state.Active)
}

func TestReportWindowParsing(t *testing.T) {
	reporter := &stubReporter{report: domain.Report{
		Executions:  10,
		TotalPnL:    big.NewInt(55_000),
		TotalVolume: big.NewInt(9_000_000),
	}}
	h := NewReportHandler(reporter, nil, nil)

	rec := httptest.NewRecorder()
	h.GetReport(rec, httptest.NewRequest(http.MethodGet, "/api/report?since=not-a-time", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.GetReport(rec, httptest.NewRequest(http.MethodGet,
		"/api/report?since=2026-08-01T00:00:00Z&until=2026-08-28T00:00:00Z", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report domain.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, int64(10), report.Executions)
	assert.Equal(t, 2026, report.Timeframe.Since.Year())
}

func TestListExecutionsHonorsLimit(t *testing.T) {
	recent := make([]domain.ExecutionRecord, 5)
	for i := range recent {
		recent[i] = domain.ExecutionRecord{
			ID:        uuidLike(i),
			Requested: big.NewInt(1),
			Actual:    big.NewInt(1),
			Profit:    big.NewInt(1),
		}
	}
	h := NewReportHandler(&stubReporter{recent: recent}, nil, nil)

	rec := httptest.NewRecorder()
	h.ListExecutions(rec, httptest.NewRequest(http.MethodGet, "/api/executions?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestListAuditWithoutStore(t *testing.T) {
	h := NewReportHandler(&stubReporter{}, nil, nil)

	rec := httptest.NewRecorder()
	h.ListAudit(rec, httptest.NewRequest(http.MethodGet, "/api/audit", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthCheckReportsDegraded(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{
		"postgres": func(ctx context.Context) error { return nil },
		"redis":    func(ctx context.Context) error { return errors.New("connection refused") },
	})

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Dependencies["postgres"])
	assert.Contains(t, body.Dependencies["redis"], "connection refused")
}

func uuidLike(i int) string {
	return string(rune('a'+i)) + "-record"
}
