package sched

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calegray/flashhawk/internal/domain"
)

type stubExecutor struct {
	mu      sync.Mutex
	calls   int
	fn      func(attempt int) domain.ExecutionResult
	release chan struct{} // when set, Execute blocks until it closes
}

func (e *stubExecutor) Execute(_ context.Context, _ domain.Opportunity) domain.ExecutionResult {
	e.mu.Lock()
	e.calls++
	n := e.calls
	e.mu.Unlock()
	if e.release != nil {
		<-e.release
	}
	return e.fn(n)
}

func (e *stubExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func succeedOnAttempt(n int) func(int) domain.ExecutionResult {
	return func(attempt int) domain.ExecutionResult {
		if attempt >= n {
			return domain.ExecutionResult{Success: true, ActualProfit: big.NewInt(1_000), TxRef: "0xabc"}
		}
		return domain.ExecutionResult{Success: false, ActualProfit: new(big.Int), FailureReason: "transient"}
	}
}

type stubRecorder struct {
	mu       sync.Mutex
	inFlight int
	records  []domain.ExecutionRecord
}

func (r *stubRecorder) MarkInFlight() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight++
}

func (r *stubRecorder) RecordOutcome(_ context.Context, rec domain.ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *stubRecorder) outcomes() []domain.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ExecutionRecord(nil), r.records...)
}

type stubLedger struct {
	mu      sync.Mutex
	records []domain.ExecutionRecord
}

func (l *stubLedger) Record(rec domain.ExecutionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

func (l *stubLedger) all() []domain.ExecutionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ExecutionRecord(nil), l.records...)
}

type stubLocks struct {
	err error

	mu   sync.Mutex
	keys []string
}

func (l *stubLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return func() {}, nil
}

type stubSink struct {
	mu      sync.Mutex
	records []domain.ExecutionRecord
}

func (s *stubSink) Consume(_ context.Context, rec domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

type memStore struct {
	mu      sync.Mutex
	records []domain.ExecutionRecord
}

func (m *memStore) Insert(_ context.Context, rec domain.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) ListRecent(_ context.Context, limit int) ([]domain.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.records) {
		limit = len(m.records)
	}
	return append([]domain.ExecutionRecord(nil), m.records[len(m.records)-limit:]...), nil
}

func (m *memStore) ListRange(_ context.Context, _, _ time.Time) ([]domain.ExecutionRecord, error) {
	return nil, nil
}

func (m *memStore) ListBefore(_ context.Context, _ time.Time, _ int) ([]domain.ExecutionRecord, error) {
	return nil, nil
}

func (m *memStore) DeleteBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func testCfg() Config {
	return Config{
		MaxConcurrent:  3,
		PollInterval:   time.Millisecond,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		MaxAge:         5 * time.Minute,
		LockTTL:        time.Second,
	}
}

func admitted(id string, prio domain.Priority) domain.Opportunity {
	return domain.Opportunity{
		ID:              id,
		Kind:            domain.KindArbitrage,
		Venue:           domain.VenueEthereum,
		Priority:        prio,
		Principal:       big.NewInt(1_000_000),
		EstimatedProfit: big.NewInt(1_000),
		DiscoveredAt:    time.Now().UTC(),
	}
}

func newTestScheduler(cfg Config, exec Executor, locks domain.LockManager) (*Scheduler, *stubRecorder, *stubLedger) {
	recorder := &stubRecorder{}
	ledger := &stubLedger{}
	s := New(cfg, exec, recorder, ledger, nil, locks, slog.New(slog.DiscardHandler))
	return s, recorder, ledger
}

func TestSchedulerRetriesUntilSuccess(t *testing.T) {
	exec := &stubExecutor{fn: succeedOnAttempt(3)}
	s, recorder, ledger := newTestScheduler(testCfg(), exec, nil)

	require.NoError(t, s.Enqueue(admitted("opp-1", domain.PriorityHigh)))
	s.tick(context.Background())
	s.wg.Wait()

	assert.Equal(t, 3, exec.callCount())

	st := s.Status()
	assert.Equal(t, int64(1), st.Stats.Launched)
	assert.Equal(t, int64(2), st.Stats.Retried)
	assert.Equal(t, int64(1), st.Stats.Succeeded)
	assert.Equal(t, int64(0), st.Stats.Failed)

	recs := ledger.all()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Success)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.Equal(t, "0xabc", recs[0].TxRef)

	require.Len(t, recorder.outcomes(), 1)
}

func TestSchedulerExhaustsRetries(t *testing.T) {
	exec := &stubExecutor{fn: succeedOnAttempt(99)} // never succeeds
	s, recorder, ledger := newTestScheduler(testCfg(), exec, nil)

	require.NoError(t, s.Enqueue(admitted("opp-1", domain.PriorityHigh)))
	s.tick(context.Background())
	s.wg.Wait()

	// MaxRetries bounds total attempts, not extra attempts after the first.
	assert.Equal(t, 3, exec.callCount())

	st := s.Status()
	assert.Equal(t, int64(1), st.Stats.Failed)
	assert.Equal(t, int64(2), st.Stats.Retried)

	recs := ledger.all()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.Equal(t, "transient", recs[0].FailureReason)

	outcomes := recorder.outcomes()
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Success)
}

func TestSchedulerHonorsConcurrencyBudget(t *testing.T) {
	release := make(chan struct{})
	exec := &stubExecutor{fn: succeedOnAttempt(1), release: release}

	cfg := testCfg()
	cfg.MaxConcurrent = 2
	s, recorder, _ := newTestScheduler(cfg, exec, nil)

	for i, id := range []string{"a", "b", "c"} {
		opp := admitted(id, domain.PriorityHigh)
		opp.EstimatedProfit = big.NewInt(int64(1000 - i))
		require.NoError(t, s.Enqueue(opp))
	}

	s.tick(context.Background())

	// Budget reached: two launched, one still queued.
	st := s.Status()
	assert.Equal(t, 2, st.InFlight)
	assert.Equal(t, 1, st.QueueDepth)
	assert.Equal(t, int64(2), st.Stats.Launched)

	close(release)
	s.wg.Wait()

	s.tick(context.Background())
	s.wg.Wait()

	st = s.Status()
	assert.Equal(t, 0, st.InFlight)
	assert.Equal(t, 0, st.QueueDepth)
	assert.Equal(t, int64(3), st.Stats.Launched)
	assert.Equal(t, int64(3), st.Stats.Succeeded)

	recorder.mu.Lock()
	assert.Equal(t, 3, recorder.inFlight)
	recorder.mu.Unlock()
}

func TestSchedulerPurgesStaleEntries(t *testing.T) {
	exec := &stubExecutor{fn: succeedOnAttempt(1)}
	s, _, _ := newTestScheduler(testCfg(), exec, nil)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	stale := admitted("stale", domain.PriorityHigh)
	stale.DiscoveredAt = now.Add(-10 * time.Minute)
	require.NoError(t, s.Enqueue(stale))

	s.tick(context.Background())
	s.wg.Wait()

	st := s.Status()
	assert.Equal(t, int64(1), st.Stats.Purged)
	assert.Equal(t, int64(0), st.Stats.Launched)
	assert.Equal(t, 0, exec.callCount())
}

func TestSchedulerEnqueueRejectsExpired(t *testing.T) {
	s, _, _ := newTestScheduler(testCfg(), &stubExecutor{fn: succeedOnAttempt(1)}, nil)

	opp := admitted("expired", domain.PriorityHigh)
	opp.ExpiresAt = time.Now().UTC().Add(-time.Second)

	err := s.Enqueue(opp)
	require.ErrorIs(t, err, domain.ErrExpired)
	assert.Equal(t, 0, s.Status().QueueDepth)
}

func TestSchedulerSkipsWhenLockHeld(t *testing.T) {
	exec := &stubExecutor{fn: succeedOnAttempt(1)}
	locks := &stubLocks{err: domain.ErrLockHeld}
	s, recorder, _ := newTestScheduler(testCfg(), exec, locks)

	require.NoError(t, s.Enqueue(admitted("opp-1", domain.PriorityHigh)))
	s.tick(context.Background())
	s.wg.Wait()

	st := s.Status()
	assert.Equal(t, int64(1), st.Stats.Skipped)
	assert.Equal(t, 0, st.InFlight)
	assert.Equal(t, 0, exec.callCount())
	assert.Empty(t, recorder.outcomes())
}

func TestSchedulerAcquiresPerOpportunityLock(t *testing.T) {
	exec := &stubExecutor{fn: succeedOnAttempt(1)}
	locks := &stubLocks{}
	s, _, _ := newTestScheduler(testCfg(), exec, locks)

	require.NoError(t, s.Enqueue(admitted("opp-42", domain.PriorityHigh)))
	s.tick(context.Background())
	s.wg.Wait()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	require.Len(t, locks.keys, 1)
	assert.Equal(t, "exec:opp-42", locks.keys[0])
}

func TestSchedulerFansOutTerminalRecords(t *testing.T) {
	exec := &stubExecutor{fn: succeedOnAttempt(1)}
	recorder := &stubRecorder{}
	ledger := &stubLedger{}
	store := &memStore{}
	sink := &stubSink{}

	s := New(testCfg(), exec, recorder, ledger, store, nil, slog.New(slog.DiscardHandler))
	s.AddSink(sink)

	opp := admitted("opp-1", domain.PriorityHigh)
	opp.AdjustedPrincipal = big.NewInt(500_000)
	require.NoError(t, s.Enqueue(opp))

	s.tick(context.Background())
	s.wg.Wait()

	recs := ledger.all()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "opp-1", rec.OpportunityID)
	assert.Equal(t, int64(1_000_000), rec.Requested.Int64())
	assert.Equal(t, int64(500_000), rec.Actual.Int64())
	assert.Equal(t, int64(1_000), rec.Profit.Int64())

	require.Len(t, recorder.outcomes(), 1)

	store.mu.Lock()
	assert.Len(t, store.records, 1)
	store.mu.Unlock()

	sink.mu.Lock()
	assert.Len(t, sink.records, 1)
	sink.mu.Unlock()
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	s, _, _ := newTestScheduler(testCfg(), &stubExecutor{fn: succeedOnAttempt(1)}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
