package sched

import (
	"container/heap"
	"math/big"

	"github.com/calegray/flashhawk/internal/domain"
)

// queueItem wraps an opportunity with an insertion sequence number used as
// the final tie-breaker so equal entries dequeue in arrival order.
type queueItem struct {
	opp domain.Opportunity
	seq uint64
}

// opportunityQueue is a max-heap ordered by priority class first, estimated
// profit second (larger first), insertion order third. It implements
// heap.Interface; callers must not use it concurrently without holding the
// scheduler's mutex.
type opportunityQueue struct {
	items []queueItem
	seq   uint64
}

func newOpportunityQueue() *opportunityQueue {
	return &opportunityQueue{}
}

func (q *opportunityQueue) Len() int { return len(q.items) }

func (q *opportunityQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.opp.Priority != b.opp.Priority {
		return a.opp.Priority > b.opp.Priority
	}
	if c := cmpProfit(a.opp.EstimatedProfit, b.opp.EstimatedProfit); c != 0 {
		return c > 0
	}
	return a.seq < b.seq
}

func (q *opportunityQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *opportunityQueue) Push(x any) {
	q.items = append(q.items, x.(queueItem))
}

func (q *opportunityQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	q.items = old[:n-1]
	return it
}

// push inserts an opportunity maintaining heap order.
func (q *opportunityQueue) push(opp domain.Opportunity) {
	q.seq++
	heap.Push(q, queueItem{opp: opp, seq: q.seq})
}

// pop removes and returns the highest-priority, highest-profit entry.
func (q *opportunityQueue) pop() (domain.Opportunity, bool) {
	if q.Len() == 0 {
		return domain.Opportunity{}, false
	}
	it := heap.Pop(q).(queueItem)
	return it.opp, true
}

// purgeExpired removes every entry whose keep predicate returns false and
// returns the removed opportunities. The heap is rebuilt afterwards.
func (q *opportunityQueue) purgeExpired(keep func(domain.Opportunity) bool) []domain.Opportunity {
	var removed []domain.Opportunity
	kept := q.items[:0]
	for _, it := range q.items {
		if keep(it.opp) {
			kept = append(kept, it)
		} else {
			removed = append(removed, it.opp)
		}
	}
	if len(removed) > 0 {
		q.items = kept
		heap.Init(q)
	}
	return removed
}

// cmpProfit compares two possibly-nil profit estimates; nil sorts last.
func cmpProfit(a, b *big.Int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Cmp(b)
}
