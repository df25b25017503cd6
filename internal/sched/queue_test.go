package sched

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calegray/flashhawk/internal/domain"
)

func queued(id string, prio domain.Priority, profit int64) domain.Opportunity {
	return domain.Opportunity{
		ID:              id,
		Priority:        prio,
		EstimatedProfit: big.NewInt(profit),
	}
}

func TestQueueOrdersByPriorityThenProfit(t *testing.T) {
	q := newOpportunityQueue()
	q.push(queued("low-500", domain.PriorityLow, 500))
	q.push(queued("high-100", domain.PriorityHigh, 100))
	q.push(queued("high-900", domain.PriorityHigh, 900))
	q.push(queued("med-700", domain.PriorityMedium, 700))

	var order []string
	for {
		opp, ok := q.pop()
		if !ok {
			break
		}
		order = append(order, opp.ID)
	}

	// Priority class dominates profit: the high-priority $100 entry beats
	// the low-priority $500 one.
	assert.Equal(t, []string{"high-900", "high-100", "med-700", "low-500"}, order)
}

func TestQueueTieBreaksByArrival(t *testing.T) {
	q := newOpportunityQueue()
	q.push(queued("first", domain.PriorityHigh, 100))
	q.push(queued("second", domain.PriorityHigh, 100))
	q.push(queued("third", domain.PriorityHigh, 100))

	a, _ := q.pop()
	b, _ := q.pop()
	c, _ := q.pop()
	assert.Equal(t, []string{"first", "second", "third"}, []string{a.ID, b.ID, c.ID})
}

func TestQueueNilProfitSortsLast(t *testing.T) {
	q := newOpportunityQueue()
	q.push(domain.Opportunity{ID: "no-estimate", Priority: domain.PriorityHigh})
	q.push(queued("estimated", domain.PriorityHigh, 1))

	first, _ := q.pop()
	assert.Equal(t, "estimated", first.ID)
}

func TestQueuePurgeExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	q := newOpportunityQueue()
	fresh := queued("fresh", domain.PriorityHigh, 100)
	fresh.DiscoveredAt = now.Add(-time.Minute)
	stale := queued("stale", domain.PriorityHigh, 900)
	stale.DiscoveredAt = now.Add(-10 * time.Minute)
	q.push(fresh)
	q.push(stale)

	removed := q.purgeExpired(func(opp domain.Opportunity) bool {
		return opp.Age(now) <= 5*time.Minute
	})

	require.Len(t, removed, 1)
	assert.Equal(t, "stale", removed[0].ID)

	// Heap order survives the rebuild.
	opp, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "fresh", opp.ID)
	_, ok = q.pop()
	assert.False(t, ok)
}

func TestQueuePopEmpty(t *testing.T) {
	q := newOpportunityQueue()
	_, ok := q.pop()
	assert.False(t, ok)
}
