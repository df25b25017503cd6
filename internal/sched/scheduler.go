// Package sched implements the bounded-concurrency execution scheduler: a
// priority queue of admitted opportunities drained by a polling loop that
// launches settlement attempts under a concurrency budget, retries failures
// with linear backoff, and fans terminal outcomes out to the ledger, the risk
// gate, and any configured result sinks.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calegray/flashhawk/internal/domain"
)

// Executor runs one settlement attempt for an opportunity. Implemented by the
// settle package.
type Executor interface {
	Execute(ctx context.Context, opp domain.Opportunity) domain.ExecutionResult
}

// OutcomeRecorder receives execution lifecycle feedback. Implemented by the
// risk gate.
type OutcomeRecorder interface {
	MarkInFlight()
	RecordOutcome(ctx context.Context, rec domain.ExecutionRecord)
}

// LedgerRecorder appends terminal execution records to the analytics ledger.
type LedgerRecorder interface {
	Record(rec domain.ExecutionRecord)
}

// ResultSink receives a copy of every terminal execution record. Sinks are
// best-effort: errors are logged, never propagated.
type ResultSink interface {
	Consume(ctx context.Context, rec domain.ExecutionRecord) error
}

// Config holds the scheduler tunables.
type Config struct {
	MaxConcurrent  int
	PollInterval   time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	MaxAge         time.Duration
	LockTTL        time.Duration
}

// Stats counts scheduler activity since start.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Launched  int64 `json:"launched"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Purged    int64 `json:"purged"`
	Skipped   int64 `json:"skipped"`
}

// Status is the snapshot returned by Status.
type Status struct {
	QueueDepth int   `json:"queue_depth"`
	InFlight   int   `json:"in_flight"`
	Stats      Stats `json:"stats"`
}

// Scheduler owns the opportunity queue and the in-flight counter. Queue
// mutations are serialized under its mutex against concurrent producers and
// the polling loop.
type Scheduler struct {
	cfg      Config
	executor Executor
	recorder OutcomeRecorder
	ledger   LedgerRecorder
	store    domain.ExecutionStore
	locks    domain.LockManager
	sinks    []ResultSink
	logger   *slog.Logger

	mu       sync.Mutex
	queue    *opportunityQueue
	inFlight int
	stats    Stats

	wg  sync.WaitGroup
	now func() time.Time
}

// New creates a Scheduler. The execution store and lock manager are optional;
// pass nil to run without persistence or cross-replica locking.
func New(
	cfg Config,
	executor Executor,
	recorder OutcomeRecorder,
	ledger LedgerRecorder,
	store domain.ExecutionStore,
	locks domain.LockManager,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		executor: executor,
		recorder: recorder,
		ledger:   ledger,
		store:    store,
		locks:    locks,
		logger:   logger.With(slog.String("component", "scheduler")),
		queue:    newOpportunityQueue(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddSink registers a result sink. Must be called before Run.
func (s *Scheduler) AddSink(sink ResultSink) {
	s.sinks = append(s.sinks, sink)
}

// SetClock replaces the scheduler's time source for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Enqueue adds an admitted opportunity to the priority queue. Entries already
// past their expiry are dropped immediately.
func (s *Scheduler) Enqueue(opp domain.Opportunity) error {
	if opp.Expired(s.now()) {
		return domain.ErrExpired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.push(opp)
	s.stats.Enqueued++

	s.logger.Debug("opportunity enqueued",
		slog.String("id", opp.ID),
		slog.String("priority", opp.Priority.String()),
		slog.Int("queue_depth", s.queue.Len()),
	)
	return nil
}

// Status returns a snapshot of queue depth, in-flight count, and counters.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		QueueDepth: s.queue.Len(),
		InFlight:   s.inFlight,
		Stats:      s.stats,
	}
}

// Run starts the polling loop. On each tick it purges stale entries, then
// launches executions while the concurrency budget allows. Run blocks until
// the context is cancelled, then waits for in-flight executions to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		slog.Int("max_concurrent", s.cfg.MaxConcurrent),
		slog.Duration("poll_interval", s.cfg.PollInterval),
	)
	defer s.logger.Info("scheduler stopped")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs one scheduling round: purge, then dispatch.
func (s *Scheduler) tick(ctx context.Context) {
	s.purgeStale(ctx)

	for {
		opp, ok := s.tryDequeue()
		if !ok {
			return
		}
		s.launch(ctx, opp)
	}
}

// purgeStale drops queued opportunities older than MaxAge or past expiry.
// Staleness purge is the only cancellation point; once dequeued a unit runs
// to its own terminal state.
func (s *Scheduler) purgeStale(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	removed := s.queue.purgeExpired(func(opp domain.Opportunity) bool {
		return !opp.Expired(now) && opp.Age(now) <= s.cfg.MaxAge
	})
	s.stats.Purged += int64(len(removed))
	s.mu.Unlock()

	for _, opp := range removed {
		s.logger.InfoContext(ctx, "stale opportunity cleaned",
			slog.String("id", opp.ID),
			slog.Duration("age", opp.Age(now)),
		)
	}
}

// tryDequeue pops the queue head when an execution slot is free, reserving
// the slot before the goroutine starts so the budget is never exceeded.
func (s *Scheduler) tryDequeue() (domain.Opportunity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight >= s.cfg.MaxConcurrent {
		return domain.Opportunity{}, false
	}
	opp, ok := s.queue.pop()
	if !ok {
		return domain.Opportunity{}, false
	}
	s.inFlight++
	s.stats.Launched++
	return opp, true
}

// launch runs one opportunity asynchronously. The in-flight slot is released
// on completion regardless of outcome.
func (s *Scheduler) launch(ctx context.Context, opp domain.Opportunity) {
	// Cross-replica dedup: only one instance may settle a given candidate.
	var unlock func()
	if s.locks != nil {
		var err error
		unlock, err = s.locks.Acquire(ctx, "exec:"+opp.ID, s.cfg.LockTTL)
		if err != nil {
			s.releaseSlot()
			if errors.Is(err, domain.ErrLockHeld) {
				s.mu.Lock()
				s.stats.Skipped++
				s.mu.Unlock()
				s.logger.Debug("opportunity locked by another replica",
					slog.String("id", opp.ID),
				)
			} else {
				s.logger.Warn("execution lock failed",
					slog.String("id", opp.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}

	s.recorder.MarkInFlight()
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.releaseSlot()
		if unlock != nil {
			defer unlock()
		}
		s.executeWithRetry(ctx, opp)
	}()
}

func (s *Scheduler) releaseSlot() {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
}

// executeWithRetry drives one opportunity to a terminal state: up to
// MaxRetries attempts with linearly increasing backoff (base × attempt). A
// success at any attempt finalizes immediately; exhausting attempts
// finalizes as failed. Retries happen in place, without requeueing.
func (s *Scheduler) executeWithRetry(ctx context.Context, opp domain.Opportunity) {
	log := s.logger.With(
		slog.String("id", opp.ID),
		slog.String("venue", string(opp.Venue)),
		slog.String("kind", string(opp.Kind)),
	)

	var result domain.ExecutionResult
	attempts := 0

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		attempts = attempt
		result = s.executor.Execute(ctx, opp)
		if result.Success {
			break
		}

		log.Warn("execution attempt failed",
			slog.Int("attempt", attempt),
			slog.String("reason", result.FailureReason),
		)

		if attempt == s.cfg.MaxRetries {
			break
		}

		s.mu.Lock()
		s.stats.Retried++
		s.mu.Unlock()

		// Linear backoff. The settlement unit is atomic, so a failed
		// attempt left no partial state behind and is safe to retry.
		select {
		case <-ctx.Done():
			result.FailureReason = "shutdown during retry backoff"
			attempt = s.cfg.MaxRetries
		case <-time.After(s.cfg.RetryBaseDelay * time.Duration(attempt)):
		}
	}

	s.finalize(ctx, opp, result, attempts, log)
}

// finalize builds the immutable execution record and fans it out: ledger,
// risk feedback, persistence, and sinks. Per-opportunity errors are fully
// contained here; nothing escapes to the polling loop.
func (s *Scheduler) finalize(ctx context.Context, opp domain.Opportunity, result domain.ExecutionResult, attempts int, log *slog.Logger) {
	rec := domain.ExecutionRecord{
		ID:            uuid.New().String(),
		OpportunityID: opp.ID,
		Venue:         opp.Venue,
		Kind:          opp.Kind,
		Requested:     opp.Principal,
		Actual:        opp.EffectivePrincipal(),
		Profit:        result.ActualProfit,
		GasUsed:       result.GasUsed,
		Latency:       result.ExecutionTime,
		Attempts:      attempts,
		Success:       result.Success,
		FailureReason: result.FailureReason,
		TxRef:         result.TxRef,
		ExecutedAt:    s.now(),
	}

	s.mu.Lock()
	if rec.Success {
		s.stats.Succeeded++
	} else {
		s.stats.Failed++
	}
	s.mu.Unlock()

	s.ledger.Record(rec)
	s.recorder.RecordOutcome(ctx, rec)

	if s.store != nil {
		if err := s.store.Insert(ctx, rec); err != nil {
			log.Error("execution record persist failed",
				slog.String("error", err.Error()),
			)
		}
	}

	for _, sink := range s.sinks {
		if err := sink.Consume(ctx, rec); err != nil {
			log.Warn("result sink failed",
				slog.String("error", err.Error()),
			)
		}
	}

	if rec.Success {
		log.Info("execution settled",
			slog.String("tx_ref", rec.TxRef),
			slog.Int("attempts", attempts),
			slog.Duration("latency", rec.Latency),
		)
	} else {
		log.Warn("execution failed after retries",
			slog.Int("attempts", attempts),
			slog.String("reason", rec.FailureReason),
		)
	}
}
