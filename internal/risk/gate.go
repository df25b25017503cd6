// Package risk implements admission control for candidate opportunities. The
// gate scores each candidate, collects every applicable rejection reason,
// adjusts parameters on accepted candidates, and maintains the rolling risk
// state (daily volume, loss history, circuit breaker) that execution outcomes
// feed back into.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/calegray/flashhawk/internal/domain"
)

// Config holds the tunable parameters for admission control.
type Config struct {
	MaxPositionSize        *big.Int
	MaxDailyVolume         *big.Int
	MinProfit              *big.Int
	EmergencyLossThreshold *big.Int
	MaxGasPriceWei         *big.Int
	MaxSlippageBps         int
	MaxFailureRate         float64
	MaxLossesPerHour       int
	MarketScoreThreshold   int
	BreakerCooldown        time.Duration
	AdjustScoreThreshold   int
	ApprovalScoreThreshold int
	// MaxConcurrent mirrors the scheduler's execution budget; admissions are
	// refused once that many operations are in flight.
	MaxConcurrent int
}

// Penalty points per check. Hard rejections add the full penalty; soft
// conditions (approaching a ceiling without crossing it) add the reduced one
// so that accepted opportunities still accumulate a meaningful score.
const (
	penaltyStructural  = 100
	penaltySize        = 30
	penaltySizeSoft    = 15
	penaltyVolume      = 25
	penaltyVolumeSoft  = 10
	penaltyProfit      = 20
	penaltyMarket      = 30
	penaltyMarketSoft  = 15
	penaltyGas         = 15
	penaltyGasSoft     = 10
	penaltyLosses      = 25
	penaltyLossesSoft  = 10
	penaltySlots       = 10
	penaltySlotsSoft   = 5
)

// lossWindow is the trailing window for the loss-pattern check.
const lossWindow = time.Hour

// minOpsForFailureRate is the minimum sample before the systemic
// failure-rate check can trip the breaker.
const minOpsForFailureRate = 10

// Gate is the admission controller. It exclusively owns the rolling risk
// state; all mutation happens under its mutex.
type Gate struct {
	cfg       Config
	telemetry domain.MarketTelemetry
	audit     domain.AuditStore
	logger    *slog.Logger

	mu           sync.Mutex
	dailyVolume  *big.Int
	dailyResetAt time.Time
	exposure     *big.Int
	inFlight     int
	totalOps     int64
	failedOps    int64
	losses       []time.Time
	breaker      domain.BreakerState

	now func() time.Time
}

// NewGate creates a Gate with all required dependencies. The audit store is
// optional; pass nil to skip audit logging.
func NewGate(cfg Config, telemetry domain.MarketTelemetry, audit domain.AuditStore, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:          cfg,
		telemetry:    telemetry,
		audit:        audit,
		logger:       logger.With(slog.String("component", "risk_gate")),
		dailyVolume:  new(big.Int),
		dailyResetAt: time.Now().UTC(),
		exposure:     new(big.Int),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the gate's time source. This is useful for testing the
// daily-volume reset and breaker expiry.
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
	g.dailyResetAt = now()
}

// Admit runs the ordered admission checks against a candidate opportunity.
// All failing reasons are collected, not just the first. When the candidate
// is accepted, the returned decision carries a risk-adjusted copy.
func (g *Gate) Admit(ctx context.Context, opp domain.Opportunity) domain.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.maybeResetDailyVolume(now)

	// An active breaker blocks everything, regardless of individual merits.
	if g.breakerActive(now) {
		return g.reject(ctx, opp, penaltyStructural,
			[]string{fmt.Sprintf("circuit breaker active: %s", g.breaker.Reason)})
	}

	// 1. Structural validity. Without a principal and profit estimate none
	// of the remaining checks are meaningful, so this is a full-score
	// rejection on its own.
	if opp.Principal == nil || opp.Principal.Sign() <= 0 ||
		opp.EstimatedProfit == nil || opp.EstimatedProfit.Sign() <= 0 {
		return g.reject(ctx, opp, penaltyStructural,
			[]string{"structural: principal and estimated profit must be non-zero"})
	}

	score := 0
	var reasons []string

	// 2. Position-size ceiling.
	if opp.Principal.Cmp(g.cfg.MaxPositionSize) > 0 {
		score += penaltySize
		reasons = append(reasons, fmt.Sprintf(
			"position size %s exceeds ceiling %s", opp.Principal, g.cfg.MaxPositionSize))
	} else if overHalf(opp.Principal, g.cfg.MaxPositionSize) {
		score += penaltySizeSoft
	}

	// 3. Daily-volume ceiling.
	projected := new(big.Int).Add(g.dailyVolume, opp.Principal)
	if projected.Cmp(g.cfg.MaxDailyVolume) > 0 {
		score += penaltyVolume
		reasons = append(reasons, fmt.Sprintf(
			"daily volume %s would exceed cap %s", projected, g.cfg.MaxDailyVolume))
	} else if overFraction(projected, g.cfg.MaxDailyVolume, 80) {
		score += penaltyVolumeSoft
	}

	// Venue telemetry feeds checks 4-6. When the snapshot is unavailable we
	// log and skip those checks rather than block the pipeline.
	snap, telemetryOK := g.sampleTelemetry(ctx, opp.Venue)

	// 4. Profit threshold, scaled up under elevated volatility/congestion.
	minProfit := g.cfg.MinProfit
	if telemetryOK {
		minProfit = scaledMinProfit(g.cfg.MinProfit, snap)
	}
	if opp.EstimatedProfit.Cmp(minProfit) < 0 {
		score += penaltyProfit
		reasons = append(reasons, fmt.Sprintf(
			"estimated profit %s below adjusted minimum %s", opp.EstimatedProfit, minProfit))
	}

	if telemetryOK {
		// 5. Market-condition composite. Crossing the threshold trips the
		// breaker in addition to rejecting this candidate.
		composite := compositeScore(snap)
		if composite > g.cfg.MarketScoreThreshold {
			score += penaltyMarket
			reasons = append(reasons, fmt.Sprintf(
				"market conditions unfavourable: composite score %d exceeds %d",
				composite, g.cfg.MarketScoreThreshold))
			g.trip(ctx, now, fmt.Sprintf("market composite score %d", composite))
		} else if composite > g.cfg.MarketScoreThreshold/2 {
			score += penaltyMarketSoft
		}

		// 6. Gas ceiling.
		if snap.GasPriceWei != nil && snap.GasPriceWei.Cmp(g.cfg.MaxGasPriceWei) > 0 {
			score += penaltyGas
			reasons = append(reasons, fmt.Sprintf(
				"gas price %s wei exceeds ceiling %s", snap.GasPriceWei, g.cfg.MaxGasPriceWei))
		} else if snap.GasPriceWei != nil && overHalf(snap.GasPriceWei, g.cfg.MaxGasPriceWei) {
			score += penaltyGasSoft
		}
	}

	// 7. Loss-pattern detection. Too many recent losses reject regardless of
	// this candidate's individual merits.
	recent := g.pruneLosses(now)
	if recent > g.cfg.MaxLossesPerHour {
		score += penaltyLosses
		reasons = append(reasons, fmt.Sprintf(
			"suspicious loss pattern: %d losses in the last hour (max %d)",
			recent, g.cfg.MaxLossesPerHour))
	} else if recent*2 >= g.cfg.MaxLossesPerHour && recent > 0 {
		score += penaltyLossesSoft
	}

	// 8. Concurrency ceiling (back-pressure).
	if g.inFlight >= g.cfg.MaxConcurrent {
		score += penaltySlots
		reasons = append(reasons, fmt.Sprintf(
			"execution slots exhausted: %d in flight (max %d)", g.inFlight, g.cfg.MaxConcurrent))
	} else if g.inFlight == g.cfg.MaxConcurrent-1 {
		score += penaltySlotsSoft
	}

	if len(reasons) > 0 {
		return g.reject(ctx, opp, score, reasons)
	}

	// Accepted: apply risk-based parameter adjustment and reserve the
	// principal against the daily volume.
	adjusted := opp
	adjusted.RiskScore = score
	adjusted.MaxSlippageBps = g.cfg.MaxSlippageBps
	if score >= g.cfg.AdjustScoreThreshold {
		adjusted.AdjustedPrincipal = new(big.Int).Rsh(opp.Principal, 1)
		adjusted.MaxSlippageBps = g.cfg.MaxSlippageBps / 2
	}
	if score >= g.cfg.ApprovalScoreThreshold {
		adjusted.Priority = domain.PriorityHigh
		adjusted.RequiresApproval = true
	}

	g.dailyVolume.Add(g.dailyVolume, adjusted.EffectivePrincipal())

	g.logger.DebugContext(ctx, "opportunity admitted",
		slog.String("id", opp.ID),
		slog.Int("risk_score", score),
		slog.Bool("requires_approval", adjusted.RequiresApproval),
	)

	return domain.Decision{Accepted: true, RiskScore: score, Adjusted: adjusted}
}

// MarkInFlight increments the in-flight operation count. The scheduler calls
// it when an execution launches; RecordOutcome decrements it.
func (g *Gate) MarkInFlight() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight++
}

// RecordOutcome folds a terminal execution record back into the risk state:
// in-flight count, daily volume, exposure, failure and loss history. It also
// evaluates the emergency-stop conditions (catastrophic single loss, systemic
// failure rate) and trips the breaker when one fires.
func (g *Gate) RecordOutcome(ctx context.Context, rec domain.ExecutionRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if g.inFlight > 0 {
		g.inFlight--
	}
	g.totalOps++

	if rec.Success {
		if rec.Actual != nil {
			g.exposure.Add(g.exposure, rec.Actual)
		}
	} else {
		g.failedOps++
		// The admission reserved this principal against the daily cap; a
		// failed unit had zero effect, so release the reservation.
		if rec.Requested != nil {
			g.dailyVolume.Sub(g.dailyVolume, rec.Requested)
			if g.dailyVolume.Sign() < 0 {
				g.dailyVolume.SetInt64(0)
			}
		}
	}

	loss := rec.Loss()
	if loss.Sign() > 0 {
		g.losses = append(g.losses, now)
		if loss.Cmp(g.cfg.EmergencyLossThreshold) > 0 {
			g.trip(ctx, now, fmt.Sprintf("catastrophic loss %s exceeds emergency threshold %s",
				loss, g.cfg.EmergencyLossThreshold))
		}
	}

	if g.totalOps >= minOpsForFailureRate {
		rate := float64(g.failedOps) / float64(g.totalOps)
		if rate > g.cfg.MaxFailureRate {
			g.trip(ctx, now, fmt.Sprintf("failure rate %.2f exceeds max %.2f", rate, g.cfg.MaxFailureRate))
		}
	}
}

// ClearBreaker deactivates the circuit breaker ahead of its auto-expiry.
// This is the manual override surfaced by the status API.
func (g *Gate) ClearBreaker(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.breaker.Active {
		return
	}
	g.logger.WarnContext(ctx, "circuit breaker cleared manually",
		slog.String("reason", g.breaker.Reason),
	)
	g.auditLog(ctx, "breaker_cleared", map[string]any{"reason": g.breaker.Reason, "manual": true})
	g.breaker = domain.BreakerState{}
}

// Posture returns a read-only snapshot of the rolling risk state.
func (g *Gate) Posture() domain.RiskPosture {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	breaker := g.breaker
	if breaker.Active && now.After(breaker.ExpiresAt) {
		breaker = domain.BreakerState{}
	}

	return domain.RiskPosture{
		DailyVolume:        new(big.Int).Set(g.dailyVolume),
		DailyResetAt:       g.dailyResetAt,
		CumulativeExposure: new(big.Int).Set(g.exposure),
		InFlight:           g.inFlight,
		TotalOperations:    g.totalOps,
		FailedOperations:   g.failedOps,
		RecentLosses:       countSince(g.losses, now.Add(-lossWindow)),
		Breaker:            breaker,
	}
}

// ---------------------------------------------------------------------------
// Internals. All helpers below assume g.mu is held.
// ---------------------------------------------------------------------------

// maybeResetDailyVolume zeroes the rolling daily volume when a full 24h
// window has elapsed since the last reset. The reset happens exactly once per
// elapsed window, never partially.
func (g *Gate) maybeResetDailyVolume(now time.Time) {
	if now.Sub(g.dailyResetAt) >= 24*time.Hour {
		g.dailyVolume.SetInt64(0)
		g.dailyResetAt = now
	}
}

// breakerActive reports whether the breaker blocks admissions at the given
// instant, clearing it when the auto-expiry has passed.
func (g *Gate) breakerActive(now time.Time) bool {
	if !g.breaker.Active {
		return false
	}
	if now.After(g.breaker.ExpiresAt) {
		g.logger.Info("circuit breaker auto-expired",
			slog.String("reason", g.breaker.Reason),
		)
		g.breaker = domain.BreakerState{}
		return false
	}
	return true
}

// trip activates the circuit breaker. Re-tripping while active only extends
// the expiry; the original reason is kept.
func (g *Gate) trip(ctx context.Context, now time.Time, reason string) {
	expires := now.Add(g.cfg.BreakerCooldown)
	if g.breaker.Active {
		g.breaker.ExpiresAt = expires
		return
	}
	g.breaker = domain.BreakerState{
		Active:    true,
		Reason:    reason,
		TrippedAt: now,
		ExpiresAt: expires,
	}
	g.logger.ErrorContext(ctx, "circuit breaker tripped",
		slog.String("reason", reason),
		slog.Time("expires_at", expires),
	)
	g.auditLog(ctx, "breaker_tripped", map[string]any{"reason": reason})
}

// pruneLosses drops losses older than the trailing window and returns the
// remaining count.
func (g *Gate) pruneLosses(now time.Time) int {
	cutoff := now.Add(-lossWindow)
	kept := g.losses[:0]
	for _, t := range g.losses {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.losses = kept
	return len(kept)
}

func (g *Gate) reject(ctx context.Context, opp domain.Opportunity, score int, reasons []string) domain.Decision {
	g.logger.InfoContext(ctx, "opportunity rejected",
		slog.String("id", opp.ID),
		slog.Int("risk_score", score),
		slog.Any("reasons", reasons),
	)
	g.auditLog(ctx, "opportunity_rejected", map[string]any{
		"opportunity_id": opp.ID,
		"risk_score":     score,
		"reasons":        reasons,
	})
	return domain.Decision{Accepted: false, Reasons: reasons, RiskScore: score, Adjusted: opp}
}

func (g *Gate) auditLog(ctx context.Context, event string, detail map[string]any) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Log(ctx, event, detail); err != nil {
		g.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// sampleTelemetry fetches a market snapshot for the venue. A failure is
// logged and reported as not-ok so the caller can skip the telemetry-backed
// checks instead of blocking the pipeline.
func (g *Gate) sampleTelemetry(ctx context.Context, venue domain.Venue) (domain.MarketSnapshot, bool) {
	if g.telemetry == nil {
		return domain.MarketSnapshot{}, false
	}
	snap, err := g.telemetry.Snapshot(ctx, venue)
	if err != nil {
		g.logger.WarnContext(ctx, "telemetry unavailable, skipping market checks",
			slog.String("venue", string(venue)),
			slog.String("error", err.Error()),
		)
		return domain.MarketSnapshot{}, false
	}
	return snap, true
}

// scaledMinProfit raises the base profit floor in proportion to the worse of
// the volatility and congestion scores: floor × (100 + worst) / 100.
func scaledMinProfit(base *big.Int, snap domain.MarketSnapshot) *big.Int {
	worst := snap.Volatility
	if snap.Congestion > worst {
		worst = snap.Congestion
	}
	if worst <= 0 {
		return base
	}
	scaled := new(big.Int).Mul(base, big.NewInt(int64(100+worst)))
	return scaled.Div(scaled, big.NewInt(100))
}

// compositeScore combines the venue signals into a single 0-100 market
// stress score: volatility and congestion weigh 40% each, illiquidity 20%.
func compositeScore(snap domain.MarketSnapshot) int {
	return (clampScore(snap.Volatility)*40 +
		clampScore(snap.Congestion)*40 +
		(100-clampScore(snap.Liquidity))*20) / 100
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// overHalf reports v > limit/2.
func overHalf(v, limit *big.Int) bool {
	return overFraction(v, limit, 50)
}

// overFraction reports v > limit × pct/100.
func overFraction(v, limit *big.Int, pct int64) bool {
	scaled := new(big.Int).Mul(v, big.NewInt(100))
	bound := new(big.Int).Mul(limit, big.NewInt(pct))
	return scaled.Cmp(bound) > 0
}

func countSince(ts []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range ts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
