package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calegray/flashhawk/internal/crypto"
	"github.com/calegray/flashhawk/internal/discovery"
	"github.com/calegray/flashhawk/internal/domain"
	"github.com/calegray/flashhawk/internal/ledger"
	"github.com/calegray/flashhawk/internal/notify"
	"github.com/calegray/flashhawk/internal/risk"
	"github.com/calegray/flashhawk/internal/sched"
	"github.com/calegray/flashhawk/internal/server"
	"github.com/calegray/flashhawk/internal/server/handler"
	"github.com/calegray/flashhawk/internal/server/ws"
	"github.com/calegray/flashhawk/internal/settle"
	"github.com/calegray/flashhawk/internal/venue/evm"
)

// breakerWatchInterval is how often the breaker watcher samples the gate.
const breakerWatchInterval = 10 * time.Second

// reportInterval is the period of the summary report notification.
const reportInterval = 24 * time.Hour

// RunMode starts the full pipeline: discovery intake, risk gate, scheduler,
// settlement, archiver, breaker watcher, and the status server.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode")

	g, ctx := errgroup.WithContext(ctx)

	telemetry, executor, unit, err := a.buildExecution(ctx)
	if err != nil {
		return fmt.Errorf("run mode: %w", err)
	}
	if deps.PriceCache != nil {
		telemetry = &gasPublishingTelemetry{inner: telemetry, prices: deps.PriceCache}
	}

	gate := risk.NewGate(a.riskConfig(), telemetry, deps.AuditStore, a.logger)
	ldgr := ledger.New(a.ledgerConfig(), a.logger)
	a.warmLedger(ctx, deps, ldgr)

	scheduler := sched.New(a.schedConfig(), executor, gate, ldgr, deps.ExecStore, deps.Locks, a.logger)
	scheduler.AddSink(notify.NewResultSink(deps.Notifier))
	if deps.Bus != nil {
		scheduler.AddSink(discovery.NewResultPublisher(deps.Bus, a.cfg.Discovery.ResultStream, a.logger))
	}

	admitter := &alertingAdmitter{gate: gate, notifier: deps.Notifier}
	consumer := discovery.NewConsumer(discovery.Config{
		Stream:       a.cfg.Discovery.Stream,
		PollInterval: a.cfg.Discovery.PollInterval.Duration,
		BatchSize:    a.cfg.Discovery.BatchSize,
		BorrowFeeBps: a.cfg.Settle.BorrowFeeBps,
	}, deps.Bus, admitter, scheduler, a.logger)

	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error { return a.watchBreaker(ctx, deps, gate) })
	g.Go(func() error { return a.reportLoop(ctx, deps, ldgr) })

	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(ctx) })
	}

	if a.cfg.Server.Enabled {
		var metrics handler.SettlementMetrics
		if unit != nil {
			metrics = unit
		}
		a.startStatusServer(ctx, g, deps, gate, scheduler, metrics, ldgr)
	}

	return g.Wait()
}

// MonitorMode serves the status API and event feed over the persisted
// history. Nothing is admitted or executed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	ldgr := ledger.New(a.ledgerConfig(), a.logger)
	a.warmLedger(ctx, deps, ldgr)

	a.startStatusServer(ctx, g, deps, nil, nil, nil, ldgr)

	return g.Wait()
}

// ReplayMode rebuilds the analytics ledger from the full persisted history
// and emits the resulting report to stdout.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting replay mode")

	records, err := deps.ExecStore.ListRange(ctx, time.Time{}, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("replay mode: loading history: %w", err)
	}

	ldgr := ledger.New(a.ledgerConfig(), a.logger)
	ldgr.Rebuild(records)

	report := ldgr.Report(domain.Timeframe{})
	a.logger.InfoContext(ctx, "replay complete",
		slog.Int("records", len(records)),
		slog.Int64("executions", report.Executions),
		slog.Float64("success_rate", report.SuccessRate),
		slog.String("total_pnl", report.TotalPnL.String()),
	)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("replay mode: encoding report: %w", err)
	}
	return nil
}

// buildExecution assembles the execution backend. Dry-run settles against the
// in-memory lender and market; live mode signs real transactions through the
// per-venue executor contracts.
func (a *App) buildExecution(ctx context.Context) (domain.MarketTelemetry, sched.Executor, *settle.Unit, error) {
	if a.cfg.Settle.DryRun {
		market := settle.NewSimMarket(30)
		registry := settle.NewRegistry()
		registry.Register(settle.NewLiquidationStrategy(market))
		registry.Register(settle.NewArbitrageStrategy(market))

		unit := settle.NewUnit(settle.Config{
			MinProfit:    a.cfg.Settle.MinProfit.Value(),
			BorrowFeeBps: a.cfg.Settle.BorrowFeeBps,
		},
			&bottomlessLender{inner: settle.NewSimLender(a.cfg.Settle.BorrowFeeBps)},
			registry,
			a.feeSchedule(),
			nil,
			a.logger,
		)
		return calmTelemetry{}, unit, unit, nil
	}

	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Signer.PrivateKey,
		EncryptedKeyPath: a.cfg.Signer.EncryptedKeyPath,
		KeyPassword:      a.cfg.Signer.KeyPassword,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading signing key: %w", err)
	}

	clients := make(map[domain.Venue]*evm.Client, len(a.cfg.Venues))
	executors := make(map[domain.Venue]*evm.Executor, len(a.cfg.Venues))
	for name, vcfg := range a.cfg.Venues {
		if vcfg.RPCURL == "" {
			continue
		}
		venue := domain.Venue(name)

		client, err := evm.NewClient(ctx, evm.ClientConfig{
			Venue:   venue,
			RPCURL:  vcfg.RPCURL,
			ChainID: vcfg.ChainID,
		}, a.logger)
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		clients[venue] = client

		signer, err := crypto.NewSigner(keyHex, big.NewInt(vcfg.ChainID))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("venue %s: %w", venue, err)
		}
		executor, err := evm.NewExecutor(evm.ExecutorConfig{
			Contract:       vcfg.Contract,
			ConfirmTimeout: vcfg.ConfirmTimeout.Duration,
		}, client, signer, a.logger)
		if err != nil {
			return nil, nil, nil, err
		}
		executors[venue] = executor
	}
	if len(executors) == 0 {
		return nil, nil, nil, fmt.Errorf("no venue has an rpc_url configured")
	}

	telemetry := evm.NewTelemetry(evm.TelemetryConfig{}, clients, a.logger)
	return telemetry, evm.NewRouter(executors), nil, nil
}

// warmLedger preloads the analytics window from the durable store so reports
// survive restarts. Best-effort: a cold ledger is not an error.
func (a *App) warmLedger(ctx context.Context, deps *Dependencies, ldgr *ledger.Ledger) {
	recent, err := deps.ExecStore.ListRecent(ctx, a.cfg.Ledger.MaxHistory)
	if err != nil {
		a.logger.WarnContext(ctx, "ledger warm start failed",
			slog.String("error", err.Error()),
		)
		return
	}
	// ListRecent is newest-first; the ledger replays chronologically.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	ldgr.Rebuild(recent)
	a.logger.InfoContext(ctx, "ledger warmed from store", slog.Int("records", len(recent)))
}

// watchBreaker samples the circuit breaker and alerts on transitions.
func (a *App) watchBreaker(ctx context.Context, deps *Dependencies, gate *risk.Gate) error {
	ticker := time.NewTicker(breakerWatchInterval)
	defer ticker.Stop()

	var wasActive bool
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			state := gate.Posture().Breaker
			if state.Active == wasActive {
				continue
			}
			wasActive = state.Active

			if state.Active {
				a.logger.WarnContext(ctx, "circuit breaker tripped",
					slog.String("reason", state.Reason),
					slog.Time("expires_at", state.ExpiresAt),
				)
				_ = deps.Notifier.Notify(ctx, notify.EventBreakerTripped,
					"Circuit breaker tripped",
					fmt.Sprintf("reason: %s\nauto-clears: %s", state.Reason, state.ExpiresAt.Format(time.RFC3339)),
				)
			} else {
				a.logger.InfoContext(ctx, "circuit breaker cleared")
				_ = deps.Notifier.Notify(ctx, notify.EventBreakerCleared,
					"Circuit breaker cleared", "admissions resumed")
			}

			if deps.Bus != nil {
				if payload, err := json.Marshal(state); err == nil {
					_ = deps.Bus.Publish(ctx, "ch:breaker", payload)
				}
			}
		}
	}
}

// reportLoop pushes a trailing-window summary through the notifier. Filtered
// out unless the "report" event is enabled in config.
func (a *App) reportLoop(ctx context.Context, deps *Dependencies, ldgr *ledger.Ledger) error {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			report := ldgr.Report(domain.Timeframe{Since: now.Add(-reportInterval), Until: now})
			_ = deps.Notifier.Notify(ctx, notify.EventReport,
				"Execution summary",
				fmt.Sprintf("executions: %d\nsuccess rate: %.1f%%\npnl: %s\nvolume: %s\nmax drawdown: %.1f%%",
					report.Executions, report.SuccessRate*100,
					report.TotalPnL, report.TotalVolume, report.MaxDrawdown*100),
			)
		}
	}
}

// alertingAdmitter decorates the gate with a rejection alert. The notifier's
// event filter keeps this quiet unless "opportunity_rejected" is enabled.
type alertingAdmitter struct {
	gate     *risk.Gate
	notifier *notify.Notifier
}

func (a *alertingAdmitter) Admit(ctx context.Context, opp domain.Opportunity) domain.Decision {
	decision := a.gate.Admit(ctx, opp)
	if !decision.Accepted {
		_ = a.notifier.Notify(ctx, notify.EventRejected,
			"Opportunity rejected",
			fmt.Sprintf("%s %s on %s\nscore: %d\nreasons: %s",
				opp.Kind, opp.ID, opp.Venue, decision.RiskScore, strings.Join(decision.Reasons, "; ")),
		)
	}
	return decision
}

// startStatusServer adds the HTTP server (and WebSocket hub when the bus is
// wired) to the errgroup.
func (a *App) startStatusServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	gate *risk.Gate,
	scheduler *sched.Scheduler,
	metrics handler.SettlementMetrics,
	ldgr *ledger.Ledger,
) {
	checks := map[string]handler.Pinger{
		"postgres": func(ctx context.Context) error { return deps.PG.Pool().Ping(ctx) },
	}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis.Ping
	}
	if deps.S3 != nil {
		checks["s3"] = deps.S3.Health
	}

	var riskCtrl handler.RiskController
	if gate != nil {
		riskCtrl = gate
	}
	var schedStatus handler.SchedulerStatus
	if scheduler != nil {
		schedStatus = scheduler
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(checks),
		Status: handler.NewStatusHandler(a.cfg.Mode, time.Now().UTC(), riskCtrl, schedStatus, metrics),
		Report: handler.NewReportHandler(ldgr, deps.ExecStore, deps.AuditStore),
	}

	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, a.cfg.Mode, a.logger)
		g.Go(func() error { return hub.Run(ctx) })
	}

	srv := server.New(server.Config{
		Port:   a.cfg.Server.Port,
		APIKey: a.cfg.Server.APIKey,
	}, handlers, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// riskConfig maps the file configuration onto the gate's config.
func (a *App) riskConfig() risk.Config {
	return risk.Config{
		MaxPositionSize:        a.cfg.Risk.MaxPositionSize.Value(),
		MaxDailyVolume:         a.cfg.Risk.MaxDailyVolume.Value(),
		MinProfit:              a.cfg.Risk.MinProfit.Value(),
		EmergencyLossThreshold: a.cfg.Risk.EmergencyLossThreshold.Value(),
		MaxGasPriceWei:         a.cfg.Risk.MaxGasPriceWei.Value(),
		MaxSlippageBps:         a.cfg.Risk.MaxSlippageBps,
		MaxFailureRate:         a.cfg.Risk.MaxFailureRate,
		MaxLossesPerHour:       a.cfg.Risk.MaxLossesPerHour,
		MarketScoreThreshold:   a.cfg.Risk.MarketScoreThreshold,
		BreakerCooldown:        a.cfg.Risk.BreakerCooldown.Duration,
		AdjustScoreThreshold:   a.cfg.Risk.AdjustScoreThreshold,
		ApprovalScoreThreshold: a.cfg.Risk.ApprovalScoreThreshold,
		MaxConcurrent:          a.cfg.Scheduler.MaxConcurrent,
	}
}

func (a *App) schedConfig() sched.Config {
	return sched.Config{
		MaxConcurrent:  a.cfg.Scheduler.MaxConcurrent,
		PollInterval:   a.cfg.Scheduler.PollInterval.Duration,
		MaxRetries:     a.cfg.Scheduler.MaxRetries,
		RetryBaseDelay: a.cfg.Scheduler.RetryBaseDelay.Duration,
		MaxAge:         a.cfg.Scheduler.MaxAge.Duration,
		LockTTL:        a.cfg.Scheduler.LockTTL.Duration,
	}
}

func (a *App) ledgerConfig() ledger.Config {
	return ledger.Config{
		MaxHistory:     a.cfg.Ledger.MaxHistory,
		MaxDrawdown:    a.cfg.Ledger.MaxDrawdown,
		MaxFailureRate: a.cfg.Ledger.MaxErrorRate,
	}
}

func (a *App) feeSchedule() *settle.FeeSchedule {
	tiers := make([]settle.Tier, 0, len(a.cfg.Settle.Tiers))
	for _, t := range a.cfg.Settle.Tiers {
		tiers = append(tiers, settle.Tier{
			Name:        t.Name,
			MinVolume:   t.MinVolume.Value(),
			DiscountBps: t.DiscountBps,
		})
	}
	return settle.NewFeeSchedule(a.cfg.Settle.PlatformFeeBps, tiers)
}

// calmTelemetry is the dry-run market feed: quiet conditions well inside
// every gate threshold.
type calmTelemetry struct{}

func (calmTelemetry) Snapshot(ctx context.Context, venue domain.Venue) (domain.MarketSnapshot, error) {
	return domain.MarketSnapshot{
		Venue:       venue,
		Volatility:  20,
		Liquidity:   80,
		Congestion:  25,
		GasPriceWei: big.NewInt(20_000_000_000), // 20 gwei
		SampledAt:   time.Now().UTC(),
	}, nil
}

// gasPublishingTelemetry mirrors each sampled gas price into the price cache
// under "gas:<venue>" (gwei) so external scanners and dashboards can read it
// without their own RPC connection.
type gasPublishingTelemetry struct {
	inner  domain.MarketTelemetry
	prices domain.PriceCache
}

func (t *gasPublishingTelemetry) Snapshot(ctx context.Context, venue domain.Venue) (domain.MarketSnapshot, error) {
	snap, err := t.inner.Snapshot(ctx, venue)
	if err != nil {
		return snap, err
	}
	if snap.GasPriceWei != nil {
		gwei, _ := new(big.Float).Quo(
			new(big.Float).SetInt(snap.GasPriceWei),
			big.NewFloat(1e9),
		).Float64()
		_ = t.prices.SetPrice(ctx, "gas:"+string(venue), gwei, snap.SampledAt)
	}
	return snap, nil
}

// bottomlessLender gives the dry-run lender unlimited liquidity: the pool is
// topped up to the requested principal before every borrow, so the atomic
// borrow contract is still exercised without seeding balances.
type bottomlessLender struct {
	inner *settle.SimLender
}

func (l *bottomlessLender) Borrow(ctx context.Context, token string, amount *big.Int, fn settle.BorrowFunc) error {
	if have := l.inner.Liquidity(token); have.Cmp(amount) < 0 {
		l.inner.Fund(token, new(big.Int).Sub(amount, have))
	}
	return l.inner.Borrow(ctx, token, amount, fn)
}
