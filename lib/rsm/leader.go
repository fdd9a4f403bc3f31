package rsm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/rsm/activetrx"
	"github.com/ValentinKolb/dDoc/lib/store"
)

// LeaderState is the lifecycle state of a leader
type LeaderState uint32

const (
	LeaderActive LeaderState = iota
	LeaderResigning
	LeaderResigned
)

func (s LeaderState) String() string {
	switch s {
	case LeaderActive:
		return "active"
	case LeaderResigning:
		return "resigning"
	case LeaderResigned:
		return "resigned"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(s))
	}
}

// Leader is the leader role of a shard-replica. It replicates operations into the
// log, applies them locally and releases the log once entries are no longer needed.
//
// Data mutations are executed locally first and only replicated on success, every
// other operation is replicated first and applied once the log committed it.
type Leader struct {
	log     ReplicatedLog
	opts    Options
	metrics *replicaMetrics

	state atomic.Uint32
	// gate is held shared by every request and exclusively by Resign. The core
	// is only replaced under the exclusive gate, so request handlers may use it
	// without holding mu.
	gate sync.RWMutex
	// trxGate is held shared by transaction operations and exclusively by
	// AbortAllTransactions. No mutation may enter the log between a global abort
	// and its local application.
	trxGate sync.RWMutex

	// mu guards tracker, flushed, lastIndex and the insertion into the log
	mu        sync.Mutex
	core      *Core
	tracker   *activetrx.Queue
	lastIndex ops.LogIndex
	// flushed holds the open transactions whose replicated writes were all
	// intermediately committed. They no longer hold back the release index,
	// but their boundaries must still be replicated.
	flushed map[ops.TransactionID]struct{}

	snapshots *snapshotRegistry
}

func newLeader(rlog ReplicatedLog, core *Core, opts Options) *Leader {
	return &Leader{
		log:       rlog,
		opts:      opts,
		metrics:   core.metrics,
		core:      core,
		tracker:   activetrx.New(),
		flushed:   map[ops.TransactionID]struct{}{},
		snapshots: newSnapshotRegistry(opts.SnapshotBatchSize),
	}
}

// dataDefinitionMarker is the tracker key of a data definition operation that is
// replicated but not yet applied. Users can not create coordinator ids on a leader.
func dataDefinitionMarker(idx ops.LogIndex) ops.TransactionID {
	return ops.TransactionID(uint64(idx)<<2 | uint64(ops.RoleCoordinator))
}

// enter acquires the gate for a request. The returned function releases it.
func (l *Leader) enter() (func(), error) {
	l.gate.RLock()
	if LeaderState(l.state.Load()) != LeaderActive {
		l.gate.RUnlock()
		return nil, store.NewError(store.RetCNotLeader, "leader is resigning")
	}
	return l.gate.RUnlock, nil
}

// State returns the lifecycle state
func (l *Leader) State() LeaderState {
	return LeaderState(l.state.Load())
}

// --------------------------------------------------------------------------
// Replication
// --------------------------------------------------------------------------

// Replicate inserts op into the log. Commit, Abort and IntermediateCommit of a
// transaction without replicated mutations are not replicated, 0 is returned for them.
func (l *Leader) Replicate(ctx context.Context, op ops.Operation, opts ReplicationOptions) (ops.LogIndex, error) {
	leave, err := l.enter()
	if err != nil {
		return 0, err
	}
	defer leave()
	if op.Kind.HasTransaction() {
		l.trxGate.RLock()
		defer l.trxGate.RUnlock()
	}
	return l.replicate(ctx, op, opts)
}

func (l *Leader) replicate(ctx context.Context, op ops.Operation, opts ReplicationOptions) (ops.LogIndex, error) {
	if err := op.Validate(); err != nil {
		return 0, store.Errorf(store.RetCInvalidOperation, "%v", err)
	}

	// the insertion and the tracker update form one step, otherwise the
	// release index could pass an entry that is not yet tracked
	l.mu.Lock()
	if l.State() != LeaderActive {
		l.mu.Unlock()
		return 0, store.NewError(store.RetCNotLeader, "leader is resigning")
	}
	if op.FinishesUserTransactionOrIntermediate() && !l.tracker.Contains(op.Tid) && !l.isFlushed(op.Tid) {
		l.mu.Unlock()
		log.Debugf("[group=%d] not replicating %s, no mutation of the transaction was replicated", l.core.GroupID, op)
		return 0, nil
	}
	idx, err := l.log.Insert(ctx, op, opts.WaitForSync)
	if err != nil {
		l.mu.Unlock()
		return 0, wrapLogError(fmt.Sprintf("replicate %s", op), err)
	}
	l.lastIndex = idx
	switch {
	case op.ModifiesUserTransaction():
		l.tracker.MarkActive(op.Tid, idx)
	case op.IsDataDefinition():
		l.tracker.MarkActive(dataDefinitionMarker(idx), idx)
	}
	l.metrics.activeTransactions.Store(int64(l.tracker.Len()))
	l.mu.Unlock()

	l.metrics.replicatedEntries.Inc()
	if opts.WaitForCommit {
		if err := l.log.WaitFor(ctx, idx); err != nil {
			return idx, wrapLogError(fmt.Sprintf("wait for %s at index %d", op, idx), err)
		}
	}
	return idx, nil
}

// Release releases the log up to idx, bounded by the oldest open transaction.
func (l *Leader) Release(idx ops.LogIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseLocked(idx)
}

// ReleaseTransaction marks tid as finished and releases the log up to idx.
func (l *Leader) ReleaseTransaction(tid ops.TransactionID, idx ops.LogIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracker.MarkInactive(tid)
	delete(l.flushed, tid)
	l.metrics.activeTransactions.Store(int64(l.tracker.Len()))
	return l.releaseLocked(idx)
}

// releaseIntermediate is ReleaseTransaction for an intermediate commit, tid stays open
func (l *Leader) releaseIntermediate(tid ops.TransactionID, idx ops.LogIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracker.MarkInactive(tid)
	l.flushed[tid] = struct{}{}
	l.metrics.activeTransactions.Store(int64(l.tracker.Len()))
	return l.releaseLocked(idx)
}

func (l *Leader) isFlushed(tid ops.TransactionID) bool {
	_, ok := l.flushed[tid]
	return ok
}

func (l *Leader) releaseLocked(idx ops.LogIndex) error {
	if l.core == nil {
		return errResigned
	}
	// every entry up to lastIndex that is still needed is tracked
	release := l.tracker.ReleaseIndex(max(idx, l.lastIndex))
	if release == 0 {
		return nil
	}
	l.metrics.releaseIndex.Store(uint64(release))
	return wrapLogError("release log", l.log.Release(release))
}

func (l *Leader) fatal(err error) error {
	l.opts.FatalHandler(err)
	return err
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// ExecuteTransactionOperation executes a data mutation or a transaction boundary
// of a leader transaction and returns the log index of its entry.
func (l *Leader) ExecuteTransactionOperation(ctx context.Context, op ops.Operation, opts ReplicationOptions) (ops.LogIndex, error) {
	leave, err := l.enter()
	if err != nil {
		return 0, err
	}
	defer leave()

	if err := op.Validate(); err != nil {
		return 0, store.Errorf(store.RetCInvalidOperation, "%v", err)
	}
	if !op.Kind.HasTransaction() {
		return 0, store.Errorf(store.RetCInvalidOperation, "%s is not a transaction operation", op.Kind)
	}
	if !op.Tid.IsLeader() {
		return 0, store.Errorf(store.RetCInvalidOperation, "transaction %s is not a leader transaction", op.Tid)
	}
	return l.executeTransactionOperation(ctx, op, opts)
}

func (l *Leader) executeTransactionOperation(ctx context.Context, op ops.Operation, opts ReplicationOptions) (ops.LogIndex, error) {
	l.trxGate.RLock()
	defer l.trxGate.RUnlock()

	core := l.core
	if core.Manager.IsAborted(op.Tid) {
		if op.Kind == ops.KindAbort {
			return 0, nil
		}
		return 0, store.Errorf(store.RetCTransactionAborted, "transaction %s was aborted", op.Tid)
	}

	if op.ModifiesUserTransaction() {
		// a failing mutation must never reach the log
		if err := core.Transactions.ApplyEntry(0, op); err != nil {
			return 0, err
		}
		idx, err := l.replicate(ctx, op, opts)
		if err != nil {
			// the local transaction holds writes the log does not know about
			core.Transactions.RemoveTransaction(op.Tid)
			return 0, err
		}
		return idx, nil
	}

	if op.Kind != ops.KindAbort {
		opts.WaitForCommit = true
	}
	idx, err := l.replicate(ctx, op, opts)
	if err != nil {
		if op.Kind == ops.KindAbort {
			core.Transactions.RemoveTransaction(op.Tid)
		}
		return idx, err
	}
	if err := core.handleApplyError(idx, op, core.Transactions.ApplyEntry(idx, op)); err != nil {
		if store.HasCode(err, store.RetCShuttingDown) {
			return idx, err
		}
		return idx, l.fatal(fmt.Errorf("apply %s at index %d on leader: %w", op, idx, err))
	}
	if idx != 0 {
		release := l.ReleaseTransaction
		if op.Kind == ops.KindIntermediateCommit {
			release = l.releaseIntermediate
		}
		if err := release(op.Tid, idx); err != nil {
			log.Warningf("[group=%d] failed to release log after %s: %v", core.GroupID, op, err)
		}
	}
	return idx, nil
}

// AbortAllTransactions replicates and applies a global abort. Every open
// transaction is dropped and tombstoned: later operations of these transactions
// fail with RetCTransactionAborted, a later Abort succeeds.
// Transaction operations wait until the global abort is applied.
func (l *Leader) AbortAllTransactions(ctx context.Context) (ops.LogIndex, error) {
	leave, err := l.enter()
	if err != nil {
		return 0, err
	}
	defer leave()

	l.trxGate.Lock()
	defer l.trxGate.Unlock()

	op := ops.AbortAll()
	idx, err := l.replicate(ctx, op, ReplicationOptions{WaitForCommit: true})
	if err != nil {
		return idx, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	core := l.core
	aborted := 0
	for tid := range core.Transactions.GetUnfinishedTransactions() {
		if tid.IsLeader() {
			core.Manager.AbortManagedTransaction(tid)
			aborted++
		}
	}
	if err := core.Transactions.ApplyEntry(idx, op); err != nil {
		if store.HasCode(err, store.RetCShuttingDown) {
			return idx, err
		}
		return idx, l.fatal(fmt.Errorf("apply %s at index %d on leader: %w", op, idx, err))
	}
	// pending data definition markers stay
	for _, tid := range l.tracker.Transactions() {
		if tid.IsLeader() {
			l.tracker.MarkInactive(tid)
		}
	}
	l.flushed = map[ops.TransactionID]struct{}{}
	log.Infof("[group=%d] aborted %d open transactions at index %d", core.GroupID, aborted, idx)
	l.metrics.activeTransactions.Store(int64(l.tracker.Len()))
	return idx, l.releaseLocked(idx)
}

// --------------------------------------------------------------------------
// Data Definition
// --------------------------------------------------------------------------

// CreateShard creates a shard on all replicas
func (l *Leader) CreateShard(ctx context.Context, shard ops.ShardID, collection string, properties []byte) error {
	leave, err := l.enter()
	if err != nil {
		return err
	}
	defer leave()
	return l.executeDataDefinition(ctx, ops.CreateShard(shard, collection, properties))
}

// ModifyShard replaces the properties of a shard. No transaction operation on the shard
// runs while the modification is replicated and applied.
func (l *Leader) ModifyShard(ctx context.Context, shard ops.ShardID, collection string, properties []byte) error {
	leave, err := l.enter()
	if err != nil {
		return err
	}
	defer leave()
	return l.withExclusiveShardLock(shard, func() error {
		return l.executeDataDefinition(ctx, ops.ModifyShard(shard, collection, properties))
	})
}

// DropShard aborts all transactions on the shard and drops it on all replicas
func (l *Leader) DropShard(ctx context.Context, shard ops.ShardID, collection string) error {
	leave, err := l.enter()
	if err != nil {
		return err
	}
	defer leave()

	for _, tid := range l.core.Transactions.GetTransactionsForShard(shard) {
		if _, err := l.executeTransactionOperation(ctx, ops.Abort(tid), ReplicationOptions{}); err != nil {
			return fmt.Errorf("abort transaction %s before dropping shard %s: %w", tid, shard, err)
		}
	}
	return l.executeDataDefinition(ctx, ops.DropShard(shard, collection))
}

// CreateIndex creates an index on all replicas. index is a JSON encoded store.IndexDescriptor.
func (l *Leader) CreateIndex(ctx context.Context, shard ops.ShardID, index []byte) error {
	leave, err := l.enter()
	if err != nil {
		return err
	}
	defer leave()
	return l.executeDataDefinition(ctx, ops.CreateIndex(shard, index))
}

// DropIndex drops an index on all replicas
func (l *Leader) DropIndex(ctx context.Context, shard ops.ShardID, index []byte) error {
	leave, err := l.enter()
	if err != nil {
		return err
	}
	defer leave()
	return l.withExclusiveShardLock(shard, func() error {
		return l.executeDataDefinition(ctx, ops.DropIndex(shard, index))
	})
}

func (l *Leader) withExclusiveShardLock(shard ops.ShardID, fn func() error) error {
	unlock, err := l.core.Shards.LockShard(shard, store.LockExclusive)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// executeDataDefinition replicates op, waits for the commit and applies it locally.
// If waiting fails the entry stays unreleased, the next leader applies it during recovery.
func (l *Leader) executeDataDefinition(ctx context.Context, op ops.Operation) error {
	idx, err := l.replicate(ctx, op, ReplicationOptions{WaitForCommit: true})
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.core.handleApplyError(idx, op, l.core.applyDataDefinition(op)); err != nil {
		if store.HasCode(err, store.RetCShuttingDown) {
			return err
		}
		return l.fatal(fmt.Errorf("apply %s at index %d on leader: %w", op, idx, err))
	}
	l.metrics.appliedEntries.Inc()
	l.tracker.MarkInactive(dataDefinitionMarker(idx))
	l.metrics.activeTransactions.Store(int64(l.tracker.Len()))
	return l.releaseLocked(idx)
}

// --------------------------------------------------------------------------
// Recovery
// --------------------------------------------------------------------------

// recoverEntries replays the unreleased entries of the log, then replicates and
// applies a global abort, so no transaction of a former leader survives.
//
// Unlike on followers, a failing data mutation is not fatal here: the transaction
// is aborted and recovery continues.
func (l *Leader) recoverEntries(ctx context.Context, it ops.EntryIterator) error {
	core := l.core
	seen := map[ops.TransactionID]struct{}{}
	failed := map[ops.TransactionID]struct{}{}

	abort := func(idx ops.LogIndex, tid ops.TransactionID) {
		if err := core.Transactions.ApplyEntry(idx, ops.Abort(tid)); err != nil {
			log.Warningf("[group=%d] failed to abort transaction %s during recovery: %v", core.GroupID, tid, err)
		}
		delete(seen, tid)
		l.tracker.MarkInactive(tid)
	}

	recovered := 0
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		op := e.Op
		if e.Index > l.lastIndex {
			l.lastIndex = e.Index
		}

		switch op.Kind.Category() {
		case ops.CategoryDataDefinition:
			if op.Kind == ops.KindDropShard {
				for _, tid := range core.Transactions.GetTransactionsForShard(op.Shard) {
					abort(e.Index, tid)
				}
			}
			if err := core.handleApplyError(e.Index, op, core.applyDataDefinition(op)); err != nil {
				return fmt.Errorf("recover %s at index %d: %w", op, e.Index, err)
			}

		case ops.CategoryAbortAll:
			if err := core.Transactions.ApplyEntry(e.Index, op); err != nil {
				return fmt.Errorf("recover %s at index %d: %w", op, e.Index, err)
			}
			seen = map[ops.TransactionID]struct{}{}
			l.tracker.Clear()

		case ops.CategoryDataMutation:
			if _, ok := failed[op.Tid]; ok {
				continue
			}
			if !core.IsSafeForReplay(op.Shard, e.Index) {
				core.metrics.skippedEntries.Inc()
				continue
			}
			if err := core.handleApplyError(e.Index, op, core.Transactions.ReplayEntry(e.Index, op)); err != nil {
				log.Warningf("[group=%d] aborting transaction %s, %s at index %d failed during recovery: %v",
					core.GroupID, op.Tid, op, e.Index, err)
				failed[op.Tid] = struct{}{}
				abort(e.Index, op.Tid)
				continue
			}
			seen[op.Tid] = struct{}{}
			l.tracker.MarkActive(op.Tid, e.Index)

		case ops.CategoryBoundary:
			if _, ok := seen[op.Tid]; !ok {
				log.Debugf("[group=%d] skipping %s at index %d, transaction is unknown", core.GroupID, op, e.Index)
				continue
			}
			if err := core.handleApplyError(e.Index, op, core.Transactions.ApplyEntry(e.Index, op)); err != nil {
				log.Warningf("[group=%d] aborting transaction %s, %s at index %d failed during recovery: %v",
					core.GroupID, op.Tid, op, e.Index, err)
				failed[op.Tid] = struct{}{}
				abort(e.Index, op.Tid)
				continue
			}
			l.tracker.MarkInactive(op.Tid)
			if op.FinishesUserTransaction() {
				delete(seen, op.Tid)
			}
		}
		recovered++
		core.metrics.appliedEntries.Inc()
	}

	idx, err := l.replicate(ctx, ops.AbortAll(), ReplicationOptions{WaitForCommit: true})
	if err != nil {
		return fmt.Errorf("replicate global abort after recovery: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := core.Transactions.ApplyEntry(idx, ops.AbortAll()); err != nil {
		return fmt.Errorf("apply global abort after recovery: %w", err)
	}
	for tid := range core.Transactions.GetUnfinishedTransactions() {
		core.Transactions.RemoveTransaction(tid)
	}
	l.tracker.Clear()
	l.flushed = map[ops.TransactionID]struct{}{}
	l.metrics.activeTransactions.Store(0)

	log.Infof("[group=%d] leader recovered %d entries, global abort at index %d", core.GroupID, recovered, idx)
	if err := l.releaseLocked(idx); err != nil {
		log.Warningf("[group=%d] failed to release log after recovery: %v", core.GroupID, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Resign
// --------------------------------------------------------------------------

// Resign stops the leader and hands back the core. All open transactions are
// aborted and tombstoned. Every later request fails with RetCNotLeader.
// Resign returns nil if the leader already resigned.
func (l *Leader) Resign() *Core {
	if !l.state.CompareAndSwap(uint32(LeaderActive), uint32(LeaderResigning)) {
		return nil
	}

	// wait for running requests, new ones are rejected
	l.gate.Lock()
	defer l.gate.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	core := l.core

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.ResignTimeout)
	defer cancel()
	if _, err := l.log.Insert(ctx, ops.AbortAll(), false); err != nil {
		log.Warningf("[group=%d] failed to replicate the global abort on resign: %v", core.GroupID, err)
	}

	for _, tid := range l.tracker.Transactions() {
		if tid.IsLeader() {
			core.Manager.AbortManagedTransaction(tid)
		}
	}
	for tid := range core.Transactions.GetUnfinishedTransactions() {
		core.Manager.AbortManagedTransaction(tid)
	}
	if err := core.Transactions.ApplyEntry(0, ops.AbortAll()); err != nil {
		log.Warningf("[group=%d] failed to abort transactions on resign: %v", core.GroupID, err)
	}

	l.tracker.Clear()
	l.flushed = map[ops.TransactionID]struct{}{}
	l.metrics.activeTransactions.Store(0)
	l.snapshots.clear()
	l.core = nil
	l.state.Store(uint32(LeaderResigned))

	log.Infof("[group=%d] leader resigned", core.GroupID)
	return core
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

// SnapshotStart captures the shards of the leader and returns the first batch.
// The log index of the snapshot is the first index that is not reflected by it.
func (l *Leader) SnapshotStart(ctx context.Context, params SnapshotStartParams) (*SnapshotBatch, error) {
	leave, err := l.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	l.mu.Lock()
	position := l.tracker.ReleaseIndex(l.lastIndex) + 1
	shards, err := l.captureShards(params.Shards)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	log.Infof("[group=%d] starting snapshot for %q at index %d with %d shards",
		l.core.GroupID, params.Destination, position, len(shards))
	return l.snapshots.start(params.Destination, position, shards), nil
}

// SnapshotNext returns the next batch of the snapshot
func (l *Leader) SnapshotNext(ctx context.Context, id string) (*SnapshotBatch, error) {
	leave, err := l.enter()
	if err != nil {
		return nil, err
	}
	defer leave()
	return l.snapshots.next(id)
}

// SnapshotFinish drops the snapshot
func (l *Leader) SnapshotFinish(ctx context.Context, id string) error {
	leave, err := l.enter()
	if err != nil {
		return err
	}
	defer leave()
	return l.snapshots.finish(id)
}

func (l *Leader) captureShards(filter []ops.ShardID) ([]store.ShardData, error) {
	wanted := map[ops.ShardID]bool{}
	for _, s := range filter {
		wanted[s] = true
	}

	var out []store.ShardData
	for _, info := range l.core.Shards.GetAvailableShards() {
		if len(wanted) > 0 && !wanted[info.ID] {
			continue
		}
		data, err := l.core.Shards.ReadShard(info.ID)
		if store.HasCode(err, store.RetCShardNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

// Status returns the current state of the leader
func (l *Leader) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{
		Role:               RoleLeader,
		State:              l.State().String(),
		LastIndex:          l.lastIndex,
		ReleaseIndex:       l.tracker.ReleaseIndex(l.lastIndex),
		ActiveTransactions: l.tracker.Len(),
		Snapshots:          l.snapshots.len(),
	}
	if l.core != nil {
		st.fill(l.core)
	}
	return st
}
