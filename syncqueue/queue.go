// Package syncqueue implements the period-ordered sync deque that
// buffers incoming PeriodData from the sync protocol ahead of the
// engine's sync drain applying it through the period finalizer (spec
// §4.5 "Sync queue", grounded on
// original_source/libraries/consensus/pbft/src/sync_queue.cpp's
// SyncBlockQueue).
package syncqueue

import (
	"sync"

	"github.com/luxfi/ids"

	"github.com/luxfi/dagbft-core/metrics"
	"github.com/luxfi/dagbft-core/types"
)

// PeerID identifies the peer a queued entry was received from; Pop
// returns it alongside the entry's PeriodData.
type PeerID = ids.NodeID

type entry struct {
	period types.Period
	peer   PeerID
	data   *types.PeriodData
}

// Queue is a thread-safe, period-ordered deque of pending PeriodData
// (spec §4.5 "Sync queue"). The zero value is not usable; construct
// with New.
type Queue struct {
	mu      sync.RWMutex
	entries []entry
	period  types.Period // period of the most recently pushed entry
	metrics metrics.Metrics
}

// New constructs an empty Queue. m may be nil.
func New(m metrics.Metrics) *Queue {
	return &Queue{metrics: m}
}

// Push appends data for period if it is exactly one past
// max(current queue period, maxPbftSize), matching
// SyncBlockQueue::push's acceptance rule. If maxPbftSize has advanced
// past the queue's own period (the local chain caught up or passed
// what's queued), the queue is cleared first, exactly as the original
// drops stale queued entries before accepting the new one.
func (q *Queue) Push(period types.Period, peer PeerID, data *types.PeriodData, maxPbftSize types.Period) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	floor := q.period
	if maxPbftSize > floor {
		floor = maxPbftSize
	}
	if period != floor+1 {
		return false
	}
	if maxPbftSize > q.period && len(q.entries) > 0 {
		q.entries = nil
	}
	q.period = period
	q.entries = append(q.entries, entry{period: period, peer: peer, data: data})
	if q.metrics != nil {
		q.metrics.SyncQueueDepth().Set(float64(len(q.entries)))
	}
	return true
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (*types.PeriodData, PeerID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, ids.EmptyNodeID, false
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	if q.metrics != nil {
		q.metrics.SyncQueueDepth().Set(float64(len(q.entries)))
	}
	return head.data, head.peer, true
}

// Clear empties the queue and resets its tracked period.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.period = 0
	if q.metrics != nil {
		q.metrics.SyncQueueDepth().Set(0)
	}
}

// Size returns the number of entries currently queued.
func (q *Queue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Period returns the period of the most recently accepted entry. Note
// this can be ahead of what Pop has returned: an entry briefly counts
// toward Period before it has been popped and processed, matching the
// original's comment that the variable exists "as for small amount of
// time block is not part of queue but still being processed".
func (q *Queue) Period() types.Period {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.period
}
