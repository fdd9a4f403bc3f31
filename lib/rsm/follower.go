package rsm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/rsm/activetrx"
	"github.com/ValentinKolb/dDoc/lib/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type requestKind uint8

const (
	requestApply requestKind = iota
	requestSnapshot
	requestResign
)

type request struct {
	kind    requestKind
	ctx     context.Context
	entries ops.EntryIterator
	source  SnapshotSource
	version uint64
	reply   chan response
}

type response struct {
	index ops.LogIndex
	core  *Core
	err   error
}

// Follower is the follower role of a shard-replica. It applies committed log
// entries: transactions are applied by one worker per transaction, data definition
// operations and the global abort wait for all workers to finish first.
//
// All requests are executed one after another by a single run loop that owns the
// core, the workers and the tracker.
type Follower struct {
	log     ReplicatedLog
	opts    Options
	metrics *replicaMetrics
	limiter *rate.Limiter

	requests        chan request
	stop            chan struct{}
	done            chan struct{}
	resigned        atomic.Bool
	snapshotVersion atomic.Uint64

	failMu    sync.Mutex
	failErr   error
	fatalOnce sync.Once

	// owned by the run loop
	core        *Core
	tracker     *activetrx.Queue
	workers     map[ops.TransactionID]*trxWorker
	retired     map[ops.TransactionID]*trxWorker
	group       *errgroup.Group
	groupCtx    context.Context
	pending     sync.WaitGroup
	lastApplied ops.LogIndex
	released    ops.LogIndex

	statusMu   sync.Mutex
	status     Status
	statusCore *Core
}

func newFollower(rlog ReplicatedLog, core *Core, opts Options) *Follower {
	f := &Follower{
		log:        rlog,
		opts:       opts,
		metrics:    core.metrics,
		limiter:    rate.NewLimiter(opts.snapshotLimit(), 1),
		requests:   make(chan request, opts.IntakeQueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		core:       core,
		tracker:    activetrx.New(),
		statusCore: core,
	}
	f.resetWorkers()
	f.publishStatus()
	go f.run()
	return f
}

// --------------------------------------------------------------------------
// Public API
// --------------------------------------------------------------------------

// ApplyEntries applies a batch of committed entries and returns the index up to
// which the log was released. Entries at or below the last applied index are skipped.
func (f *Follower) ApplyEntries(ctx context.Context, entries ops.EntryIterator) (ops.LogIndex, error) {
	return f.submit(ctx, request{kind: requestApply, ctx: ctx, entries: entries})
}

// AcquireSnapshot replaces the local state with a snapshot of source. Starting a
// new snapshot transfer supersedes the running one. A failed transfer is not fatal.
func (f *Follower) AcquireSnapshot(ctx context.Context, source SnapshotSource) error {
	version := f.snapshotVersion.Add(1)
	_, err := f.submit(ctx, request{kind: requestSnapshot, ctx: ctx, source: source, version: version})
	return err
}

// Resign stops the follower and hands back the core. Running requests are
// interrupted, open transactions are aborted. Resign returns nil if the follower
// already resigned.
func (f *Follower) Resign() *Core {
	if !f.resigned.CompareAndSwap(false, true) {
		return nil
	}
	close(f.stop)

	reply := make(chan response, 1)
	f.requests <- request{kind: requestResign, reply: reply}
	return (<-reply).core
}

// Status returns the state of the follower as of the last finished request
func (f *Follower) Status() Status {
	f.statusMu.Lock()
	st := f.status
	f.statusMu.Unlock()

	st.Role = RoleFollower
	st.State = "active"
	if f.resigned.Load() {
		st.State = "resigned"
		return st
	}
	st.fill(f.statusCore)
	return st
}

func (f *Follower) submit(ctx context.Context, req request) (ops.LogIndex, error) {
	if f.resigned.Load() {
		return 0, errResigned
	}
	req.reply = make(chan response, 1)

	select {
	case f.requests <- req:
	case <-f.stop:
		return 0, errResigned
	case <-ctx.Done():
		return 0, wrapLogError("submit to follower", ctx.Err())
	}

	select {
	case resp := <-req.reply:
		return resp.index, resp.err
	case <-f.done:
		select {
		case resp := <-req.reply:
			return resp.index, resp.err
		default:
			return 0, errResigned
		}
	case <-ctx.Done():
		return 0, wrapLogError("wait for follower", ctx.Err())
	}
}

// --------------------------------------------------------------------------
// Run Loop
// --------------------------------------------------------------------------

func (f *Follower) run() {
	defer close(f.done)

	for req := range f.requests {
		switch req.kind {
		case requestResign:
			req.reply <- response{core: f.shutdown()}
			return
		case requestApply:
			if f.resigned.Load() {
				req.reply <- response{err: errResigned}
				continue
			}
			idx, err := f.applyBatch(req.entries)
			req.reply <- response{index: idx, err: err}
		case requestSnapshot:
			if f.resigned.Load() {
				req.reply <- response{err: errResigned}
				continue
			}
			err := f.acquireSnapshot(req.ctx, req.source, req.version)
			if err != nil {
				log.Warningf("[group=%d] snapshot transfer failed: %v", f.core.GroupID, err)
			}
			req.reply <- response{err: err}
		}
	}
}

func (f *Follower) applyBatch(entries ops.EntryIterator) (ops.LogIndex, error) {
	if err := f.failure(); err != nil {
		return 0, err
	}
	start := time.Now()
	core := f.core

	for e, ok := entries.Next(); ok; e, ok = entries.Next() {
		if isClosed(f.stop) {
			return 0, errResigned
		}
		if e.Index <= f.lastApplied {
			log.Debugf("[group=%d] skipping %s at index %d, already applied", core.GroupID, e.Op, e.Index)
			continue
		}
		if err := f.applyEntry(e); err != nil {
			return 0, err
		}
		f.lastApplied = e.Index
	}

	if err := f.join(); err != nil {
		return 0, err
	}

	release := f.tracker.ReleaseIndex(f.lastApplied)
	if release > f.released {
		if f.log != nil {
			if err := f.log.Release(release); err != nil {
				log.Warningf("[group=%d] failed to release log up to %d: %v", core.GroupID, release, err)
			}
		}
		f.released = release
		f.metrics.releaseIndex.Store(uint64(release))
	}

	f.metrics.activeTransactions.Store(int64(f.tracker.Len()))
	f.metrics.batchDuration.UpdateDuration(start)
	f.publishStatus()
	return f.released, nil
}

func (f *Follower) applyEntry(e ops.Entry) error {
	core := f.core
	op := e.Op

	switch op.Kind.Category() {
	case ops.CategoryDataDefinition:
		if err := f.join(); err != nil {
			return err
		}
		if op.Kind == ops.KindDropShard {
			f.abortShardTransactions(e.Index, op.Shard)
		}
		if err := core.handleApplyError(e.Index, op, core.applyDataDefinition(op)); err != nil {
			return f.applyFailed(e, err)
		}
		f.metrics.appliedEntries.Inc()

	case ops.CategoryAbortAll:
		if err := f.join(); err != nil {
			return err
		}
		f.stopWorkers()
		if err := core.Transactions.ApplyEntry(e.Index, op); err != nil {
			return f.applyFailed(e, err)
		}
		f.tracker.Clear()
		f.metrics.appliedEntries.Inc()

	case ops.CategoryDataMutation:
		if !core.IsSafeForReplay(op.Shard, e.Index) {
			f.metrics.skippedEntries.Inc()
			return nil
		}
		w, ok := f.workers[op.Tid]
		if !ok {
			w = f.spawnWorker(op.Tid)
		}
		f.tracker.MarkActive(op.Tid, e.Index)
		return f.dispatch(w, e)

	case ops.CategoryBoundary:
		w, ok := f.workers[op.Tid]
		if !ok {
			log.Debugf("[group=%d] skipping %s at index %d, transaction is unknown", core.GroupID, op, e.Index)
			f.metrics.skippedEntries.Inc()
			return nil
		}
		if err := f.dispatch(w, e); err != nil {
			return err
		}
		// after an intermediate commit the worker stays for the remaining entries
		f.tracker.MarkInactive(op.Tid)
		if op.FinishesUserTransaction() {
			// a later entry of the same transaction starts a new worker
			delete(f.workers, op.Tid)
			close(w.entries)
			f.retired[op.Tid] = w
		}
	}
	return nil
}

func (f *Follower) applyFailed(e ops.Entry, err error) error {
	err = fmt.Errorf("apply %s at index %d on follower: %w", e.Op, e.Index, err)
	if store.HasCode(err, store.RetCShuttingDown) {
		return err
	}
	return f.fatal(err)
}

// --------------------------------------------------------------------------
// Workers
// --------------------------------------------------------------------------

func (f *Follower) spawnWorker(tid ops.TransactionID) *trxWorker {
	// the previous worker of the same transaction must be done before the next one starts
	if old, ok := f.retired[tid]; ok {
		<-old.done
		delete(f.retired, tid)
	}

	w := newTrxWorker(tid, f.opts.WorkerQueueSize)
	ctx, core, stop := f.groupCtx, f.core, f.stop
	f.group.Go(func() error {
		return w.run(ctx, core, &f.pending, stop, f.fail)
	})
	f.workers[tid] = w
	return w
}

// dispatch queues e on w. After stop is closed nothing is added to pending
// anymore, a join that returned early may still wait on it.
func (f *Follower) dispatch(w *trxWorker, e ops.Entry) error {
	if isClosed(f.stop) {
		return errResigned
	}
	f.pending.Add(1)
	select {
	case w.entries <- e:
		return nil
	case <-f.stop:
		f.pending.Done()
		return errResigned
	}
}

// join waits until every dispatched entry is applied
func (f *Follower) join() error {
	idle := make(chan struct{})
	go func() {
		f.pending.Wait()
		close(idle)
	}()

	select {
	case <-idle:
	case <-f.stop:
		return errResigned
	}

	for tid, w := range f.retired {
		if isClosed(w.done) {
			delete(f.retired, tid)
		}
	}

	if err := f.failure(); err != nil {
		if store.HasCode(err, store.RetCShuttingDown) {
			return err
		}
		return f.fatal(err)
	}
	return nil
}

// stopWorkers aborts all workers and waits until they exited
func (f *Follower) stopWorkers() {
	for _, w := range f.workers {
		w.abort()
	}
	if err := f.group.Wait(); err != nil {
		log.Warningf("[group=%d] transaction worker failed: %v", f.core.GroupID, err)
	}
	f.resetWorkers()
}

// resetWorkers starts with an empty worker group. The first failing worker
// cancels the group, the other workers only drain their queues from then on.
func (f *Follower) resetWorkers() {
	f.workers = map[ops.TransactionID]*trxWorker{}
	f.retired = map[ops.TransactionID]*trxWorker{}
	f.group, f.groupCtx = errgroup.WithContext(context.Background())
}

// abortShardTransactions aborts all transactions that wrote to the shard. Must be called after join.
func (f *Follower) abortShardTransactions(idx ops.LogIndex, shard ops.ShardID) {
	core := f.core
	tids := core.Transactions.GetTransactionsForShard(shard)
	onShard := make(map[ops.TransactionID]bool, len(tids))
	for _, tid := range tids {
		onShard[tid] = true
	}

	for tid, w := range f.workers {
		if !onShard[tid.AsFollower()] {
			continue
		}
		w.abort()
		f.retired[tid] = w
		delete(f.workers, tid)
		f.tracker.MarkInactive(tid)
	}
	for _, tid := range tids {
		if err := core.Transactions.ApplyEntry(idx, ops.Abort(tid)); err != nil {
			log.Warningf("[group=%d] failed to abort transaction %s on dropped shard %s: %v", core.GroupID, tid, shard, err)
		}
	}
}

func (f *Follower) fail(err error) {
	f.failMu.Lock()
	defer f.failMu.Unlock()
	if f.failErr == nil {
		f.failErr = err
	}
}

func (f *Follower) failure() error {
	f.failMu.Lock()
	defer f.failMu.Unlock()
	return f.failErr
}

func (f *Follower) fatal(err error) error {
	f.fail(err)
	f.fatalOnce.Do(func() { f.opts.FatalHandler(err) })
	return err
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

func (f *Follower) acquireSnapshot(ctx context.Context, source SnapshotSource, version uint64) error {
	core := f.core
	superseded := func() error {
		if f.snapshotVersion.Load() != version {
			return store.Errorf(store.RetCSnapshotSuperseded, "snapshot transfer %d was superseded", version)
		}
		return nil
	}
	if err := superseded(); err != nil {
		return err
	}

	// the snapshot replaces everything
	if err := f.join(); err != nil {
		return err
	}
	f.stopWorkers()
	if err := core.Transactions.ApplyEntry(0, ops.AbortAll()); err != nil {
		return fmt.Errorf("abort transactions before snapshot: %w", err)
	}
	f.tracker.Clear()
	core.ResetLowestSafeIndexes()
	if err := core.Shards.DropAllShards(); err != nil {
		return fmt.Errorf("drop shards before snapshot: %w", err)
	}

	batch, err := source.SnapshotStart(ctx, SnapshotStartParams{Destination: f.opts.Name})
	if err != nil {
		return fmt.Errorf("start snapshot: %w", err)
	}
	id := batch.SnapshotID
	defer func() {
		if err := source.SnapshotFinish(context.WithoutCancel(ctx), id); err != nil {
			log.Debugf("[group=%d] failed to finish snapshot %s: %v", core.GroupID, id, err)
		}
	}()

	var shards []ops.ShardID
	batches := 0
	for {
		for _, op := range batch.Operations {
			if op.Kind == ops.KindCreateShard {
				shards = append(shards, op.Shard)
			}
			if err := f.applySnapshotOperation(op); err != nil {
				return fmt.Errorf("apply %s of snapshot %s: %w", op, id, err)
			}
		}
		batches++
		f.metrics.snapshotBatches.Inc()

		if !batch.HasMore {
			break
		}
		if isClosed(f.stop) {
			return errResigned
		}
		if err := superseded(); err != nil {
			return err
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return wrapLogError("wait for snapshot rate limit", err)
		}
		next, err := source.SnapshotNext(ctx, id)
		if err != nil {
			return fmt.Errorf("fetch batch %d of snapshot %s: %w", batches+1, id, err)
		}
		batch = next
	}

	core.Shards.PrepareShardsForLogReplay()
	for _, shard := range shards {
		core.SetLowestSafeIndex(shard, batch.LogIndex)
	}
	if batch.LogIndex > 0 {
		f.lastApplied = batch.LogIndex - 1
	}
	f.released = 0

	log.Infof("[group=%d] applied snapshot %s with %d shards in %d batches, replay starts at index %d",
		core.GroupID, id, len(shards), batches, batch.LogIndex)
	f.publishStatus()
	return nil
}

func (f *Follower) applySnapshotOperation(op ops.Operation) error {
	core := f.core
	if op.IsDataDefinition() {
		return core.handleApplyError(0, op, core.applyDataDefinition(op))
	}
	return core.handleApplyError(0, op, core.Transactions.ApplyEntry(0, op))
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

func (f *Follower) shutdown() *Core {
	f.stopWorkers()
	core := f.core
	if err := core.Transactions.ApplyEntry(0, ops.AbortAll()); err != nil {
		log.Warningf("[group=%d] failed to abort transactions on resign: %v", core.GroupID, err)
	}
	f.tracker.Clear()
	f.metrics.activeTransactions.Store(0)
	f.core = nil

	log.Infof("[group=%d] follower resigned at index %d", core.GroupID, f.lastApplied)
	return core
}

func (f *Follower) publishStatus() {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	f.status = Status{
		GroupID:            f.core.GroupID,
		LastIndex:          f.lastApplied,
		ReleaseIndex:       f.released,
		ActiveTransactions: f.tracker.Len(),
	}
}
