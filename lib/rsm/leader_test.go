package rsm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/lib/log/memlog"
	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/stretchr/testify/require"
)

func TestLeaderReplicatesTransaction(t *testing.T) {
	ctx := context.Background()
	rlog := newRecordingLog()
	leader, s := newTestLeader(t, rlog, testOptions(t))

	require.NoError(t, leader.CreateShard(ctx, "s1", "users", nil))

	tid := ops.NewLeaderTransactionID(5)
	insertIdx := exec(t, leader, ops.Insert(tid, "s1", []byte(`[{"_key":"d1","name":"alice"}]`)))
	require.Equal(t, 1, leader.Status().ActiveTransactions)

	// not visible before the commit
	_, ok, err := s.Get("s1", "d1")
	require.NoError(t, err)
	require.False(t, ok)

	commitIdx := exec(t, leader, ops.Commit(tid))
	require.Greater(t, commitIdx, insertIdx)

	st := leader.Status()
	require.Equal(t, 0, st.ActiveTransactions)
	require.Equal(t, commitIdx, st.ReleaseIndex)
	require.Equal(t, commitIdx, rlog.ReleaseIndex())

	body, ok, err := s.Get("s1", "d1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"_key":"d1","name":"alice"}`, string(body))
}

func TestLeaderReleaseBoundedByOpenTransaction(t *testing.T) {
	ctx := context.Background()
	rlog := newRecordingLog()
	leader, _ := newTestLeader(t, rlog, testOptions(t))
	require.NoError(t, leader.CreateShard(ctx, "s1", "c", nil))

	open := ops.NewLeaderTransactionID(1)
	openIdx := exec(t, leader, ops.Insert(open, "s1", []byte(`[{"_key":"a"}]`)))

	done := ops.NewLeaderTransactionID(2)
	exec(t, leader, ops.Insert(done, "s1", []byte(`[{"_key":"b"}]`)))
	exec(t, leader, ops.Commit(done))

	require.Equal(t, openIdx-1, rlog.ReleaseIndex())

	last := exec(t, leader, ops.Commit(open))
	require.Equal(t, last, rlog.ReleaseIndex())
}

func TestLeaderFailingMutationIsNotReplicated(t *testing.T) {
	ctx := context.Background()
	rlog := newRecordingLog()
	leader, _ := newTestLeader(t, rlog, testOptions(t))
	require.NoError(t, leader.CreateShard(ctx, "s1", "c", nil))

	before := rlog.LastIndex()
	tid := ops.NewLeaderTransactionID(1)

	_, err := leader.ExecuteTransactionOperation(ctx, ops.Insert(tid, "s1", []byte(`not json`)), ReplicationOptions{})
	require.True(t, store.HasCode(err, store.RetCInvalidOperation), "got %v", err)

	_, err = leader.ExecuteTransactionOperation(ctx, ops.Update(tid, "s1", []byte(`[{"_key":"missing"}]`)), ReplicationOptions{})
	require.True(t, store.HasCode(err, store.RetCDocumentNotFound), "got %v", err)

	require.Equal(t, before, rlog.LastIndex())
	require.Equal(t, 0, leader.Status().ActiveTransactions)
}

func TestLeaderRejectsInvalidOperations(t *testing.T) {
	ctx := context.Background()
	leader, _ := newTestLeader(t, newRecordingLog(), testOptions(t))

	tests := []struct {
		name string
		op   ops.Operation
	}{
		{"data definition", ops.CreateShard("s1", "c", nil)},
		{"abort all", ops.AbortAll()},
		{"follower transaction", ops.Insert(ops.NewLeaderTransactionID(1).AsFollower(), "s1", nil)},
		{"missing transaction id", ops.Insert(0, "s1", nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := leader.ExecuteTransactionOperation(ctx, tt.op, ReplicationOptions{})
			require.True(t, store.HasCode(err, store.RetCInvalidOperation), "got %v", err)
		})
	}
}

func TestLeaderUnknownBoundariesAreNotReplicated(t *testing.T) {
	rlog := newRecordingLog()
	leader, _ := newTestLeader(t, rlog, testOptions(t))
	before := rlog.LastIndex()

	tid := ops.NewLeaderTransactionID(42)
	for _, op := range []ops.Operation{ops.IntermediateCommit(tid), ops.Commit(tid), ops.Abort(tid)} {
		idx := exec(t, leader, op)
		require.Zero(t, idx, "%s must not be replicated", op)
	}
	require.Equal(t, before, rlog.LastIndex())
}

func TestLeaderAbortAll(t *testing.T) {
	ctx := context.Background()
	rlog := newRecordingLog()
	leader, s := newTestLeader(t, rlog, testOptions(t))
	require.NoError(t, leader.CreateShard(ctx, "s1", "c", nil))

	tid7 := ops.NewLeaderTransactionID(7)
	tid9 := ops.NewLeaderTransactionID(9)
	exec(t, leader, ops.Insert(tid7, "s1", []byte(`[{"_key":"seven"}]`)))
	exec(t, leader, ops.Insert(tid9, "s1", []byte(`[{"_key":"nine"}]`)))
	require.Equal(t, 2, leader.Status().ActiveTransactions)

	abortIdx, err := leader.AbortAllTransactions(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, leader.Status().ActiveTransactions)
	require.Equal(t, abortIdx, rlog.ReleaseIndex())

	// the old transaction is tombstoned, its commit fails and nothing is replicated
	last := rlog.LastIndex()
	_, err = leader.ExecuteTransactionOperation(ctx, ops.Commit(tid7), ReplicationOptions{})
	require.True(t, store.HasCode(err, store.RetCTransactionAborted), "got %v", err)
	_, err = leader.ExecuteTransactionOperation(ctx, ops.Insert(tid9, "s1", []byte(`[{"_key":"again"}]`)), ReplicationOptions{})
	require.True(t, store.HasCode(err, store.RetCTransactionAborted), "got %v", err)
	require.Zero(t, exec(t, leader, ops.Abort(tid9)))
	require.Equal(t, last, rlog.LastIndex())
	n, err := s.Count("s1")
	require.NoError(t, err)
	require.Zero(t, n)

	// the follower ends up in the same state
	follower, fs := newTestFollower(t, testOptions(t))
	_, err = follower.ApplyEntries(ctx, rlog.from(1))
	require.NoError(t, err)
	_, err = follower.ApplyEntries(ctx, ops.NewSliceIterator([]ops.Entry{{Index: rlog.LastIndex() + 1, Op: ops.Commit(tid7)}}))
	require.NoError(t, err)

	n, err = fs.Count("s1")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 0, follower.Status().ActiveTransactions)
}

// waitHookLog calls onWait before waiting for the commit of an entry
type waitHookLog struct {
	*recordingLog
	onWait func(idx ops.LogIndex)
}

func (w *waitHookLog) WaitFor(ctx context.Context, idx ops.LogIndex) error {
	if w.onWait != nil {
		w.onWait(idx)
	}
	return w.recordingLog.WaitFor(ctx, idx)
}

// TestLeaderAbortAllWithConcurrentMutations runs mutations while a global abort is
// replicated but not yet applied. They must not end up in the log between the two.
func TestLeaderAbortAllWithConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	rlog := &waitHookLog{recordingLog: newRecordingLog()}
	leader, s := newTestLeader(t, rlog, testOptions(t))
	require.NoError(t, leader.CreateShard(ctx, "s1", "c", nil))

	tid7 := ops.NewLeaderTransactionID(7)
	tid8 := ops.NewLeaderTransactionID(8)
	exec(t, leader, ops.Insert(tid7, "s1", []byte(`[{"_key":"seven"}]`)))

	type result struct {
		tid ops.TransactionID
		err error
	}
	results := make(chan result, 2)
	var once sync.Once
	rlog.onWait = func(ops.LogIndex) {
		once.Do(func() {
			for _, op := range []ops.Operation{
				ops.Insert(tid7, "s1", []byte(`[{"_key":"late"}]`)),
				ops.Insert(tid8, "s1", []byte(`[{"_key":"eight"}]`)),
			} {
				go func(op ops.Operation) {
					_, err := leader.ExecuteTransactionOperation(ctx, op, ReplicationOptions{})
					results <- result{tid: op.Tid, err: err}
				}(op)
			}
			time.Sleep(20 * time.Millisecond)
		})
	}

	abortIdx, err := leader.AbortAllTransactions(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		r := <-results
		if r.tid == tid7 {
			require.True(t, store.HasCode(r.err, store.RetCTransactionAborted), "got %v", r.err)
		} else {
			require.NoError(t, r.err)
		}
	}
	for _, e := range ops.Collect(rlog.from(abortIdx + 1)) {
		require.NotEqual(t, tid7, e.Op.Tid, "%s was replicated after the global abort", e.Op)
	}

	_, err = leader.ExecuteTransactionOperation(ctx, ops.Commit(tid7), ReplicationOptions{})
	require.True(t, store.HasCode(err, store.RetCTransactionAborted), "got %v", err)
	require.NotZero(t, exec(t, leader, ops.Commit(tid8)))
	require.Zero(t, leader.Status().ActiveTransactions)
	require.Equal(t, rlog.LastIndex(), rlog.ReleaseIndex())

	want := dumpState(t, s)
	require.Equal(t, map[string]string{"eight": `{"_key":"eight"}`}, want["s1"])

	// no transaction stays open on a follower
	follower, fs := newTestFollower(t, testOptions(t))
	release, err := follower.ApplyEntries(ctx, rlog.from(1))
	require.NoError(t, err)
	require.Equal(t, rlog.LastIndex(), release)
	require.Zero(t, follower.Status().ActiveTransactions)
	require.Empty(t, fs.GetUnfinishedTransactions())
	require.Equal(t, want, dumpState(t, fs))
}

func TestLeaderIntermediateCommitReleasesLog(t *testing.T) {
	ctx := context.Background()
	rlog := newRecordingLog()
	leader, s := newTestLeader(t, rlog, testOptions(t))
	require.NoError(t, leader.CreateShard(ctx, "s1", "c", nil))

	tid := ops.NewLeaderTransactionID(3)
	exec(t, leader, ops.Insert(tid, "s1", []byte(`[{"_key":"a"}]`)))
	icIdx := exec(t, leader, ops.IntermediateCommit(tid))
	require.NotZero(t, icIdx)
	require.Zero(t, leader.Status().ActiveTransactions)
	require.Equal(t, icIdx, rlog.ReleaseIndex())
	require.Contains(t, s.GetUnfinishedTransactions(), tid)

	// the transaction is still open, its commit is replicated
	commitIdx := exec(t, leader, ops.Commit(tid))
	require.Greater(t, commitIdx, icIdx)
	require.Empty(t, s.GetUnfinishedTransactions())

	follower, fs := newTestFollower(t, testOptions(t))
	_, err := follower.ApplyEntries(ctx, rlog.from(1))
	require.NoError(t, err)
	require.Zero(t, follower.Status().ActiveTransactions)
	require.Empty(t, fs.GetUnfinishedTransactions())
	require.Equal(t, dumpState(t, s), dumpState(t, fs))

	// a second intermediate commit without new writes is harmless
	other := ops.NewLeaderTransactionID(5)
	exec(t, leader, ops.Insert(other, "s1", []byte(`[{"_key":"b"}]`)))
	exec(t, leader, ops.IntermediateCommit(other))
	exec(t, leader, ops.IntermediateCommit(other))
	exec(t, leader, ops.Insert(other, "s1", []byte(`[{"_key":"c"}]`)))
	require.Equal(t, 1, leader.Status().ActiveTransactions)
	exec(t, leader, ops.Abort(other))
	require.Zero(t, leader.Status().ActiveTransactions)
	require.Equal(t, rlog.LastIndex(), rlog.ReleaseIndex())

	n, err := s.Count("s1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestLeaderCreateShardTwice(t *testing.T) {
	ctx := context.Background()
	leader, s := newTestLeader(t, newRecordingLog(), testOptions(t))

	require.NoError(t, leader.CreateShard(ctx, "s2", "c", nil))
	require.NoError(t, leader.CreateShard(ctx, "s2", "c", nil))
	require.Len(t, s.GetAvailableShards(), 1)
}

func TestLeaderDataDefinition(t *testing.T) {
	ctx := context.Background()
	leader, s := newTestLeader(t, newRecordingLog(), testOptions(t))

	require.NoError(t, leader.CreateShard(ctx, "s1", "c", []byte(`{"replicationFactor":3}`)))
	require.NoError(t, leader.ModifyShard(ctx, "s1", "c", []byte(`{"replicationFactor":2}`)))
	require.NoError(t, leader.CreateIndex(ctx, "s1", []byte(`{"id":"byName","type":"persistent","fields":["name"]}`)))

	infos := s.GetAvailableShards()
	require.Len(t, infos, 1)
	require.JSONEq(t, `{"replicationFactor":2}`, string(infos[0].Properties))
	require.Len(t, infos[0].Indexes, 1)

	require.NoError(t, leader.DropIndex(ctx, "s1", []byte(`{"id":"byName"}`)))
	// dropping a missing index is ignorable
	require.NoError(t, leader.DropIndex(ctx, "s1", []byte(`{"id":"byName"}`)))
	require.Empty(t, s.GetAvailableShards()[0].Indexes)

	// modifying a missing shard fails before anything is replicated
	err := leader.ModifyShard(ctx, "missing", "c", nil)
	require.True(t, store.HasCode(err, store.RetCShardNotFound), "got %v", err)
}

func TestLeaderDropShardAbortsTransactions(t *testing.T) {
	ctx := context.Background()
	rlog := newRecordingLog()
	leader, s := newTestLeader(t, rlog, testOptions(t))
	require.NoError(t, leader.CreateShard(ctx, "s1", "c", nil))

	tid := ops.NewLeaderTransactionID(3)
	exec(t, leader, ops.Insert(tid, "s1", []byte(`[{"_key":"a"}]`)))

	require.NoError(t, leader.DropShard(ctx, "s1", "c"))
	require.Empty(t, s.GetAvailableShards())
	require.Empty(t, s.GetUnfinishedTransactions())
	require.Equal(t, 0, leader.Status().ActiveTransactions)

	var kinds []ops.Kind
	for _, e := range ops.Collect(rlog.from(1)) {
		kinds = append(kinds, e.Op.Kind)
	}
	require.Equal(t, []ops.Kind{
		ops.KindAbortAllOngoingTrx, // recovery
		ops.KindCreateShard,
		ops.KindInsert,
		ops.KindAbort,
		ops.KindDropShard,
	}, kinds)
}

func TestLeaderRecovery(t *testing.T) {
	ctx := context.Background()
	mlog := memlog.New(memlog.DefaultOptions())

	t1 := ops.NewLeaderTransactionID(1)
	t2 := ops.NewLeaderTransactionID(2)
	t3 := ops.NewLeaderTransactionID(3)
	t4 := ops.NewLeaderTransactionID(4)
	for _, op := range []ops.Operation{
		ops.CreateShard("s1", "c", nil),
		ops.Insert(t1, "s1", []byte(`[{"_key":"one"}]`)),
		ops.Commit(t1),
		ops.Insert(t2, "s1", []byte(`[{"_key":"two"}]`)), // never finished
		ops.Commit(t3),                         // unknown transaction
		ops.Insert(t4, "s1", []byte(`broken`)), // fails, t4 is aborted
		ops.Insert(t4, "s1", []byte(`[{"_key":"four"}]`)),
		ops.Commit(t4),
		ops.CreateShard("s1", "c", nil), // replayed twice
	} {
		_, err := mlog.Insert(ctx, op, false)
		require.NoError(t, err)
	}
	last := mlog.LastIndex()

	core, s := newTestCore(1)
	leader, err := NewFactory(mlog, testOptions(t)).ConstructLeader(ctx, core, mlog.Entries(1))
	require.NoError(t, err)

	state := dumpState(t, s)
	require.Equal(t, map[ops.ShardID]map[string]string{"s1": {"one": `{"_key":"one"}`}}, state)
	require.Empty(t, s.GetUnfinishedTransactions())

	// recovery ends with a replicated global abort and releases the log
	require.Equal(t, last+1, mlog.LastIndex())
	require.Equal(t, last+1, mlog.ReleaseIndex())
	st := leader.Status()
	require.Equal(t, last+1, st.LastIndex)
	require.Equal(t, 0, st.ActiveTransactions)
}

func TestLeaderRecoveryFailsOnFatalDataDefinition(t *testing.T) {
	mlog := memlog.New(memlog.DefaultOptions())
	_, err := mlog.Insert(context.Background(), ops.CreateIndex("s1", []byte(`not json`)), false)
	require.NoError(t, err)
	_, err = mlog.Insert(context.Background(), ops.CreateShard("s1", "c", nil), false)
	require.NoError(t, err)
	_, err = mlog.Insert(context.Background(), ops.CreateIndex("s1", []byte(`not json`)), false)
	require.NoError(t, err)

	core, _ := newTestCore(1)
	_, err = NewFactory(mlog, testOptions(t)).ConstructLeader(context.Background(), core, mlog.Entries(1))
	require.Error(t, err)
}

func TestLeaderResign(t *testing.T) {
	ctx := context.Background()
	rlog := newRecordingLog()
	leader, s := newTestLeader(t, rlog, testOptions(t))
	require.NoError(t, leader.CreateShard(ctx, "s1", "c", nil))

	tid := ops.NewLeaderTransactionID(11)
	exec(t, leader, ops.Insert(tid, "s1", []byte(`[{"_key":"a"}]`)))

	core := leader.Resign()
	require.NotNil(t, core)
	require.Equal(t, LeaderResigned, leader.State())
	require.True(t, core.Manager.IsAborted(tid))
	require.Empty(t, s.GetUnfinishedTransactions())

	// the global abort was replicated
	entries := ops.Collect(rlog.from(1))
	require.Equal(t, ops.KindAbortAllOngoingTrx, entries[len(entries)-1].Op.Kind)

	_, err := leader.ExecuteTransactionOperation(ctx, ops.Commit(tid), ReplicationOptions{})
	require.True(t, store.IsLeadershipLost(err), "got %v", err)
	require.True(t, store.IsLeadershipLost(leader.CreateShard(ctx, "s2", "c", nil)))
	_, err = leader.SnapshotStart(ctx, SnapshotStartParams{Destination: "x"})
	require.True(t, store.IsLeadershipLost(err))

	require.Nil(t, leader.Resign())
}

func TestLeaderConcurrentTransactions(t *testing.T) {
	ctx := context.Background()
	rlog := newRecordingLog()
	leader, s := newTestLeader(t, rlog, testOptions(t))
	require.NoError(t, leader.CreateShard(ctx, "s1", "c", nil))

	const transactions = 20
	const docs = 10

	var wg sync.WaitGroup
	for i := 0; i < transactions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tid := ops.NewLeaderTransactionID(uint64(i + 1))
			for d := 0; d < docs; d++ {
				payload := []byte(fmt.Sprintf(`[{"_key":"t%d-%d"}]`, i, d))
				if _, err := leader.ExecuteTransactionOperation(ctx, ops.Insert(tid, "s1", payload), ReplicationOptions{}); err != nil {
					t.Errorf("insert: %v", err)
					return
				}
			}
			if _, err := leader.ExecuteTransactionOperation(ctx, ops.Commit(tid), ReplicationOptions{}); err != nil {
				t.Errorf("commit: %v", err)
			}
		}(i)
	}
	wg.Wait()

	n, err := s.Count("s1")
	require.NoError(t, err)
	require.Equal(t, transactions*docs, n)
	require.Equal(t, rlog.LastIndex(), rlog.ReleaseIndex())

	follower, fs := newTestFollower(t, testOptions(t))
	_, err = follower.ApplyEntries(ctx, rlog.from(1))
	require.NoError(t, err)
	require.Equal(t, dumpState(t, s), dumpState(t, fs))
}
