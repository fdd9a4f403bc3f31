package rsm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dDoc/lib/ops"
)

// trxWorker applies the entries of one transaction in log order. Workers of
// different transactions run in parallel.
type trxWorker struct {
	tid     ops.TransactionID
	entries chan ops.Entry
	done    chan struct{}
	aborted atomic.Bool
}

func newTrxWorker(tid ops.TransactionID, queueSize int) *trxWorker {
	return &trxWorker{
		tid:     tid,
		entries: make(chan ops.Entry, queueSize),
		done:    make(chan struct{}),
	}
}

// run applies entries until the queue is closed. After the first failure, once
// the worker is aborted or ctx is cancelled the remaining entries are only drained.
// Every received entry is marked done on pending.
func (w *trxWorker) run(ctx context.Context, core *Core, pending *sync.WaitGroup, stop <-chan struct{}, fail func(error)) error {
	defer close(w.done)

	var failed error
	for e := range w.entries {
		if failed == nil && !w.aborted.Load() && !isClosed(stop) && ctx.Err() == nil {
			op := e.Op.WithTransaction(e.Op.Tid.AsFollower())
			if err := core.handleApplyError(e.Index, e.Op, core.Transactions.ReplayEntry(e.Index, op)); err != nil {
				failed = fmt.Errorf("apply %s at index %d on follower: %w", e.Op, e.Index, err)
				fail(failed)
			} else {
				core.metrics.appliedEntries.Inc()
			}
		}
		pending.Done()
	}
	return failed
}

// abort closes the queue, entries that are still queued are dropped
func (w *trxWorker) abort() {
	w.aborted.Store(true)
	close(w.entries)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
