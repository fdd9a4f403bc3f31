package activetrx

import (
	"fmt"
	"sort"

	"github.com/ValentinKolb/dDoc/lib/ops"
)

// marker records the first index of a transaction and whether it is still open
type marker struct {
	index  ops.LogIndex
	active bool
}

// Queue maps open transactions to the log index at which they became active
// and derives the lowest log index that must not be released yet.
//
// The markers are kept in log index order. The front marker is always active
// (inactive markers are trimmed eagerly), so ReleaseIndex is O(1).
//
// Thread-safety: Queue is not safe for concurrent use, the owner serializes access.
type Queue struct {
	transactions map[ops.TransactionID]ops.LogIndex
	markers      []marker
	lastIndex    ops.LogIndex
}

// New creates an empty queue
func New() *Queue {
	return &Queue{transactions: map[ops.TransactionID]ops.LogIndex{}}
}

// MarkActive records idx as the first index of tid. It is a no-op if tid is already tracked.
// idx must be strictly greater than every index recorded before, violating this is a programming error.
func (q *Queue) MarkActive(tid ops.TransactionID, idx ops.LogIndex) {
	if _, ok := q.transactions[tid]; ok {
		return
	}
	if idx <= q.lastIndex {
		panic(fmt.Sprintf("activetrx: index %d of transaction %s is not greater than the last index %d", idx, tid, q.lastIndex))
	}
	q.transactions[tid] = idx
	q.markers = append(q.markers, marker{index: idx, active: true})
	q.lastIndex = idx
}

// MarkInactive removes tid from the queue. It returns false if tid was not tracked.
func (q *Queue) MarkInactive(tid ops.TransactionID) bool {
	idx, ok := q.transactions[tid]
	if !ok {
		return false
	}
	delete(q.transactions, tid)

	pos := sort.Search(len(q.markers), func(i int) bool { return q.markers[i].index >= idx })
	if pos < len(q.markers) && q.markers[pos].index == idx {
		q.markers[pos].active = false
	}

	// trim the front
	n := 0
	for n < len(q.markers) && !q.markers[n].active {
		n++
	}
	q.markers = q.markers[n:]
	return true
}

// ReleaseIndex returns the highest index that can be released. That is currentIndex if no
// transaction is open, otherwise the index right before the first index of the oldest open transaction.
func (q *Queue) ReleaseIndex(currentIndex ops.LogIndex) ops.LogIndex {
	if len(q.markers) == 0 {
		return currentIndex
	}
	if front := q.markers[0].index; front > 0 {
		return front - 1
	}
	return 0
}

// Clear drops all state
func (q *Queue) Clear() {
	q.transactions = map[ops.TransactionID]ops.LogIndex{}
	q.markers = nil
	q.lastIndex = 0
}

// Contains reports whether tid is tracked
func (q *Queue) Contains(tid ops.TransactionID) bool {
	_, ok := q.transactions[tid]
	return ok
}

// FirstIndex returns the index at which tid became active
func (q *Queue) FirstIndex(tid ops.TransactionID) (ops.LogIndex, bool) {
	idx, ok := q.transactions[tid]
	return idx, ok
}

// Transactions returns the tracked transactions ordered by their first index
func (q *Queue) Transactions() []ops.TransactionID {
	tids := make([]ops.TransactionID, 0, len(q.transactions))
	for tid := range q.transactions {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return q.transactions[tids[i]] < q.transactions[tids[j]] })
	return tids
}

// Len returns the number of tracked transactions
func (q *Queue) Len() int {
	return len(q.transactions)
}
