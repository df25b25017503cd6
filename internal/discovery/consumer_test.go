package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calegray/flashhawk/internal/domain"
)

// memBus is an in-memory SignalBus holding a single stream.
type memBus struct {
	entries []domain.StreamMessage
}

func (b *memBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.entries = append(b.entries, domain.StreamMessage{
		ID:      fmt.Sprintf("%d-0", len(b.entries)+1),
		Payload: payload,
	})
	return nil
}

func (b *memBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	start := 0
	if lastID != "0" {
		for i, e := range b.entries {
			if e.ID == lastID {
				start = i + 1
				break
			}
		}
	}
	end := start + count
	if end > len(b.entries) {
		end = len(b.entries)
	}
	return b.entries[start:end], nil
}

// stubAdmitter accepts or rejects everything and records what it saw.
type stubAdmitter struct {
	accept bool
	seen   []domain.Opportunity
}

func (a *stubAdmitter) Admit(ctx context.Context, opp domain.Opportunity) domain.Decision {
	a.seen = append(a.seen, opp)
	if !a.accept {
		return domain.Decision{Accepted: false, Reasons: []string{"rejected for test"}}
	}
	adjusted := opp
	adjusted.RiskScore = 10
	return domain.Decision{Accepted: true, RiskScore: 10, Adjusted: adjusted}
}

// stubEnqueuer records enqueued opportunities, optionally failing.
type stubEnqueuer struct {
	err      error
	enqueued []domain.Opportunity
}

func (e *stubEnqueuer) Enqueue(opp domain.Opportunity) error {
	if e.err != nil {
		return e.err
	}
	e.enqueued = append(e.enqueued, opp)
	return nil
}

func testConsumer(t *testing.T, bus *memBus, admitter *stubAdmitter, enqueuer *stubEnqueuer) *Consumer {
	t.Helper()
	return NewConsumer(
		Config{Stream: "test:opportunities", BatchSize: 16, BorrowFeeBps: 9},
		bus, admitter, enqueuer,
		slog.New(slog.DiscardHandler),
	)
}

func liquidationPayload(t *testing.T, id string) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":       id,
		"kind":     "liquidation",
		"venue":    "ethereum",
		"priority": "HIGH",
		"principal": big.NewInt(1_000_000),
		"estimated_profit": big.NewInt(50_000),
		"expires_at": time.Now().UTC().Add(time.Minute),
		"liquidation": map[string]any{
			"borrower":         "0x1111111111111111111111111111111111111111",
			"debt_token":       "0x2222222222222222222222222222222222222222",
			"collateral_token": "0x3333333333333333333333333333333333333333",
			"debt_amount":      big.NewInt(2_000_000),
			"close_factor_bps": 5000,
			"incentive_bps":    10800,
		},
	})
	require.NoError(t, err)
	return payload
}

func TestConsumerAdmitsAndEnqueues(t *testing.T) {
	ctx := context.Background()
	bus := &memBus{}
	admitter := &stubAdmitter{accept: true}
	enqueuer := &stubEnqueuer{}
	c := testConsumer(t, bus, admitter, enqueuer)

	require.NoError(t, bus.StreamAppend(ctx, "test:opportunities", liquidationPayload(t, "opp-1")))
	require.NoError(t, c.poll(ctx))

	require.Len(t, enqueuer.enqueued, 1)
	got := enqueuer.enqueued[0]
	assert.Equal(t, "opp-1", got.ID)
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.Equal(t, 10, got.RiskScore)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Consumed)
	assert.Equal(t, int64(1), stats.Admitted)
	assert.Zero(t, stats.Malformed)
}

func TestConsumerDropsMalformedPayloads(t *testing.T) {
	ctx := context.Background()
	bus := &memBus{}
	admitter := &stubAdmitter{accept: true}
	enqueuer := &stubEnqueuer{}
	c := testConsumer(t, bus, admitter, enqueuer)

	badPayloads := [][]byte{
		[]byte("{not json"),
		[]byte(`{"kind":"sandwich","venue":"ethereum","principal":100}`),
		[]byte(`{"kind":"liquidation","venue":"ethereum","principal":100}`),
		[]byte(`{"kind":"arbitrage","venue":"ethereum","principal":0,"arbitrage":{"token_in":"0x1","route":[]}}`),
	}
	for _, p := range badPayloads {
		require.NoError(t, bus.StreamAppend(ctx, "test:opportunities", p))
	}
	require.NoError(t, c.poll(ctx))

	assert.Empty(t, admitter.seen)
	assert.Empty(t, enqueuer.enqueued)
	stats := c.Stats()
	assert.Equal(t, int64(4), stats.Consumed)
	assert.Equal(t, int64(4), stats.Malformed)
}

func TestConsumerFillsSafeDefaults(t *testing.T) {
	ctx := context.Background()
	bus := &memBus{}
	admitter := &stubAdmitter{accept: true}
	enqueuer := &stubEnqueuer{}
	c := testConsumer(t, bus, admitter, enqueuer)

	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return fixed })

	// No id, no timestamps, no profit estimate, unknown priority label.
	payload, err := json.Marshal(map[string]any{
		"kind":      "liquidation",
		"venue":     "polygon",
		"priority":  "urgent",
		"principal": big.NewInt(1_000_000),
		"liquidation": map[string]any{
			"borrower":         "0x1111111111111111111111111111111111111111",
			"debt_token":       "0x2222222222222222222222222222222222222222",
			"collateral_token": "0x3333333333333333333333333333333333333333",
			"debt_amount":      big.NewInt(1_000_000),
			"close_factor_bps": 5000,
			"incentive_bps":    10800,
		},
	})
	require.NoError(t, err)
	require.NoError(t, bus.StreamAppend(ctx, "test:opportunities", payload))
	require.NoError(t, c.poll(ctx))

	require.Len(t, admitter.seen, 1)
	got := admitter.seen[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, fixed, got.DiscoveredAt)
	assert.Equal(t, fixed.Add(defaultTTL), got.ExpiresAt)
	assert.Equal(t, domain.PriorityLow, got.Priority)

	// Precheck: repay 500_000 (close factor), seize at 108% = 540_000,
	// borrow fee 9bps on repay = 450. Profit 540000-500000-450 = 39550.
	require.NotNil(t, got.EstimatedProfit)
	assert.Equal(t, "39550", got.EstimatedProfit.String())
}

func TestConsumerCountsRejectedAndExpired(t *testing.T) {
	ctx := context.Background()

	bus := &memBus{}
	rejecting := &stubAdmitter{accept: false}
	enqueuer := &stubEnqueuer{}
	c := testConsumer(t, bus, rejecting, enqueuer)

	require.NoError(t, bus.StreamAppend(ctx, "test:opportunities", liquidationPayload(t, "opp-r")))
	require.NoError(t, c.poll(ctx))
	assert.Equal(t, int64(1), c.Stats().Rejected)
	assert.Empty(t, enqueuer.enqueued)

	bus2 := &memBus{}
	accepting := &stubAdmitter{accept: true}
	expiring := &stubEnqueuer{err: domain.ErrExpired}
	c2 := testConsumer(t, bus2, accepting, expiring)

	require.NoError(t, bus2.StreamAppend(ctx, "test:opportunities", liquidationPayload(t, "opp-e")))
	require.NoError(t, c2.poll(ctx))
	assert.Equal(t, int64(1), c2.Stats().Expired)
}

func TestConsumerResumesFromLastID(t *testing.T) {
	ctx := context.Background()
	bus := &memBus{}
	admitter := &stubAdmitter{accept: true}
	enqueuer := &stubEnqueuer{}
	c := testConsumer(t, bus, admitter, enqueuer)

	require.NoError(t, bus.StreamAppend(ctx, "test:opportunities", liquidationPayload(t, "opp-1")))
	require.NoError(t, c.poll(ctx))
	require.NoError(t, c.poll(ctx)) // nothing new; nothing re-consumed
	require.NoError(t, bus.StreamAppend(ctx, "test:opportunities", liquidationPayload(t, "opp-2")))
	require.NoError(t, c.poll(ctx))

	require.Len(t, enqueuer.enqueued, 2)
	assert.Equal(t, "opp-1", enqueuer.enqueued[0].ID)
	assert.Equal(t, "opp-2", enqueuer.enqueued[1].ID)
	assert.Equal(t, int64(2), c.Stats().Consumed)
}
