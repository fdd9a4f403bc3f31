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

// entries numbers the operations starting at first
func entries(first ops.LogIndex, operations ...ops.Operation) ops.EntryIterator {
	out := make([]ops.Entry, len(operations))
	for i, op := range operations {
		out[i] = ops.Entry{Index: first + ops.LogIndex(i), Op: op}
	}
	return ops.NewSliceIterator(out)
}

func TestFollowerAppliesTransaction(t *testing.T) {
	ctx := context.Background()
	follower, s := newTestFollower(t, testOptions(t))
	tid := ops.NewLeaderTransactionID(5)

	release, err := follower.ApplyEntries(ctx, entries(1,
		ops.CreateShard("s1", "c", nil),
		ops.Insert(tid, "s1", []byte(`[{"_key":"d1","v":1}]`)),
		ops.Commit(tid),
	))
	require.NoError(t, err)
	require.Equal(t, ops.LogIndex(3), release)

	body, ok, err := s.Get("s1", "d1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"_key":"d1","v":1}`, string(body))

	st := follower.Status()
	require.Equal(t, RoleFollower, st.Role)
	require.Equal(t, 0, st.ActiveTransactions)
	require.Equal(t, ops.LogIndex(3), st.LastIndex)
	require.Equal(t, ops.LogIndex(3), st.ReleaseIndex)
}

func TestFollowerReleaseBoundedByOpenTransaction(t *testing.T) {
	ctx := context.Background()
	follower, s := newTestFollower(t, testOptions(t))
	open := ops.NewLeaderTransactionID(1)
	done := ops.NewLeaderTransactionID(2)

	release, err := follower.ApplyEntries(ctx, entries(1,
		ops.CreateShard("s1", "c", nil),
		ops.Insert(open, "s1", []byte(`[{"_key":"a"}]`)),
		ops.Insert(done, "s1", []byte(`[{"_key":"b"}]`)),
		ops.Commit(done),
	))
	require.NoError(t, err)
	require.Equal(t, ops.LogIndex(1), release)
	require.Equal(t, 1, follower.Status().ActiveTransactions)

	// the open transaction is applied under the follower id
	unfinished := s.GetUnfinishedTransactions()
	require.Contains(t, unfinished, open.AsFollower())
	require.NotContains(t, unfinished, open)

	release, err = follower.ApplyEntries(ctx, entries(5, ops.Commit(open)))
	require.NoError(t, err)
	require.Equal(t, ops.LogIndex(5), release)

	n, err := s.Count("s1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestFollowerUnknownBoundaries(t *testing.T) {
	ctx := context.Background()
	follower, s := newTestFollower(t, testOptions(t))
	tid := ops.NewLeaderTransactionID(99)

	_, err := follower.ApplyEntries(ctx, entries(1,
		ops.IntermediateCommit(tid),
		ops.Commit(tid),
		ops.Abort(tid),
	))
	require.NoError(t, err)
	require.Equal(t, 0, follower.Status().ActiveTransactions)
	require.Empty(t, s.GetUnfinishedTransactions())
}

func TestFollowerIntermediateCommit(t *testing.T) {
	ctx := context.Background()
	follower, s := newTestFollower(t, testOptions(t))
	tid := ops.NewLeaderTransactionID(3)

	// the intermediate commit no longer holds back the log
	release, err := follower.ApplyEntries(ctx, entries(1,
		ops.CreateShard("s1", "c", nil),
		ops.Insert(tid, "s1", []byte(`[{"_key":"a"}]`)),
		ops.IntermediateCommit(tid),
	))
	require.NoError(t, err)
	require.Equal(t, ops.LogIndex(3), release)
	require.Equal(t, 0, follower.Status().ActiveTransactions)
	require.Contains(t, s.GetUnfinishedTransactions(), tid.AsFollower())

	release, err = follower.ApplyEntries(ctx, entries(4, ops.CreateShard("s2", "c", nil)))
	require.NoError(t, err)
	require.Equal(t, ops.LogIndex(4), release)
	require.Equal(t, 0, follower.Status().ActiveTransactions)

	// the next write opens it again, a is visible, b is not
	release, err = follower.ApplyEntries(ctx, entries(5, ops.Insert(tid, "s1", []byte(`[{"_key":"b"}]`))))
	require.NoError(t, err)
	require.Equal(t, ops.LogIndex(4), release)
	require.Equal(t, 1, follower.Status().ActiveTransactions)
	_, ok, _ := s.Get("s1", "a")
	require.True(t, ok)
	_, ok, _ = s.Get("s1", "b")
	require.False(t, ok)

	release, err = follower.ApplyEntries(ctx, entries(6, ops.Commit(tid)))
	require.NoError(t, err)
	require.Equal(t, ops.LogIndex(6), release)
	require.Equal(t, 0, follower.Status().ActiveTransactions)
	require.Empty(t, s.GetUnfinishedTransactions())
	_, ok, _ = s.Get("s1", "b")
	require.True(t, ok)
}

func TestFollowerAbortAll(t *testing.T) {
	ctx := context.Background()
	follower, s := newTestFollower(t, testOptions(t))
	tid7 := ops.NewLeaderTransactionID(7)
	tid9 := ops.NewLeaderTransactionID(9)

	release, err := follower.ApplyEntries(ctx, entries(1,
		ops.CreateShard("s1", "c", nil),
		ops.Insert(tid7, "s1", []byte(`[{"_key":"seven"}]`)),
		ops.Insert(tid9, "s1", []byte(`[{"_key":"nine"}]`)),
		ops.AbortAll(),
		ops.Commit(tid7),
	))
	require.NoError(t, err)
	require.Equal(t, ops.LogIndex(5), release)

	n, err := s.Count("s1")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, s.GetUnfinishedTransactions())
	require.Equal(t, 0, follower.Status().ActiveTransactions)
}

func TestFollowerDropShardAbortsTransactions(t *testing.T) {
	ctx := context.Background()
	follower, s := newTestFollower(t, testOptions(t))
	tid := ops.NewLeaderTransactionID(4)
	other := ops.NewLeaderTransactionID(5)

	_, err := follower.ApplyEntries(ctx, entries(1,
		ops.CreateShard("s1", "c", nil),
		ops.CreateShard("s2", "c", nil),
		ops.Insert(tid, "s1", []byte(`[{"_key":"a"}]`)),
		ops.Insert(other, "s2", []byte(`[{"_key":"b"}]`)),
		ops.DropShard("s1", "c"),
		ops.Commit(tid),
		ops.Commit(other),
	))
	require.NoError(t, err)

	require.Equal(t, map[ops.ShardID]map[string]string{"s2": {"b": `{"_key":"b"}`}}, dumpState(t, s))
	require.Empty(t, s.GetUnfinishedTransactions())
}

func TestFollowerSkipsEntriesBelowWatermark(t *testing.T) {
	ctx := context.Background()
	core, s := newTestCore(1)
	require.NoError(t, s.CreateLocalShard("s1", "c", nil))
	core.SetLowestSafeIndex("s1", 10)

	follower := NewFactory(memlog.New(memlog.DefaultOptions()), testOptions(t)).ConstructFollower(core)
	t.Cleanup(func() { follower.Resign() })

	tid := ops.NewLeaderTransactionID(1)
	late := ops.NewLeaderTransactionID(2)
	_, err := follower.ApplyEntries(ctx, entries(8,
		ops.Insert(tid, "s1", []byte(`[{"_key":"old"}]`)), // 8: already in the snapshot
		ops.Commit(tid), // 9: unknown, skipped
		ops.Insert(late, "s1", []byte(`[{"_key":"new"}]`)),
		ops.Commit(late),
	))
	require.NoError(t, err)

	require.Equal(t, map[ops.ShardID]map[string]string{"s1": {"new": `{"_key":"new"}`}}, dumpState(t, s))
}

func TestFollowerSkipsRedeliveredEntries(t *testing.T) {
	ctx := context.Background()
	follower, s := newTestFollower(t, testOptions(t))
	tid := ops.NewLeaderTransactionID(1)

	batch := []ops.Operation{
		ops.CreateShard("s1", "c", nil),
		ops.Insert(tid, "s1", []byte(`[{"_key":"a"}]`)),
		ops.Commit(tid),
	}
	_, err := follower.ApplyEntries(ctx, entries(1, batch...))
	require.NoError(t, err)
	_, err = follower.ApplyEntries(ctx, entries(1, batch...))
	require.NoError(t, err)

	n, err := s.Count("s1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

// TestFollowerReplayIsIdempotent replays a log on a follower, then replays it a
// second time on a fresh follower that starts from the resulting state.
func TestFollowerReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	t1 := ops.NewLeaderTransactionID(1)
	t2 := ops.NewLeaderTransactionID(2)
	t3 := ops.NewLeaderTransactionID(3)
	t4 := ops.NewLeaderTransactionID(4)

	segment := []ops.Operation{
		ops.CreateShard("s1", "users", nil),
		ops.CreateIndex("s1", []byte(`{"id":"byName","fields":["name"]}`)),
		ops.CreateShard("s3", "tmp", nil),
		ops.Insert(t1, "s1", []byte(`[{"_key":"a","name":"alice"},{"_key":"b","name":"bob"}]`)),
		ops.Insert(t2, "s3", []byte(`[{"_key":"x"}]`)),
		ops.Commit(t1),
		ops.Commit(t2),
		ops.Update(t3, "s1", []byte(`[{"_key":"a","age":30}]`)),
		ops.Remove(t3, "s1", []byte(`[{"_key":"b"}]`)),
		ops.Commit(t3),
		ops.Insert(t4, "s1", []byte(`[{"_key":"c"}]`)),
		ops.Abort(t4),
		ops.DropShard("s3", "tmp"),
		ops.ModifyShard("s1", "users", []byte(`{"waitForSync":true}`)),
		ops.DropIndex("s1", []byte(`{"id":"byName"}`)),
	}

	core, s := newTestCore(1)
	factory := NewFactory(memlog.New(memlog.DefaultOptions()), testOptions(t))

	first := factory.ConstructFollower(core)
	_, err := first.ApplyEntries(ctx, entries(1, segment...))
	require.NoError(t, err)
	want := dumpState(t, s)
	wantShards := s.GetAvailableShards()
	require.Equal(t, map[ops.ShardID]map[string]string{"s1": {"a": `{"_key":"a","age":30,"name":"alice"}`}}, want)

	second := factory.ConstructFollower(first.Resign())
	t.Cleanup(func() { second.Resign() })
	_, err = second.ApplyEntries(ctx, entries(1, segment...))
	require.NoError(t, err)

	require.Equal(t, want, dumpState(t, s))
	require.Equal(t, wantShards, s.GetAvailableShards())
}

func TestFollowerFatalError(t *testing.T) {
	ctx := context.Background()
	fatal := &fatalRecorder{}
	opts := testOptions(t)
	opts.FatalHandler = fatal.handle
	follower, _ := newTestFollower(t, opts)
	tid := ops.NewLeaderTransactionID(1)

	_, err := follower.ApplyEntries(ctx, entries(1,
		ops.CreateShard("s1", "c", nil),
		ops.Insert(tid, "s1", []byte(`not json`)),
		ops.Commit(tid),
	))
	require.Error(t, err)
	require.Equal(t, 1, fatal.count())

	// the follower stays broken
	_, err = follower.ApplyEntries(ctx, entries(4, ops.AbortAll()))
	require.Error(t, err)
	require.Equal(t, 1, fatal.count())
}

func TestTrxWorkerSkipsEntriesAfterCancel(t *testing.T) {
	core, s := newTestCore(1)
	require.NoError(t, s.CreateLocalShard("s1", "c", nil))
	tid := ops.NewLeaderTransactionID(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var pending sync.WaitGroup
	pending.Add(2)
	w := newTrxWorker(tid, 2)
	w.entries <- ops.Entry{Index: 2, Op: ops.Insert(tid, "s1", []byte(`[{"_key":"a"}]`))}
	w.entries <- ops.Entry{Index: 3, Op: ops.Commit(tid)}
	close(w.entries)

	err := w.run(ctx, core, &pending, make(chan struct{}), func(err error) {
		t.Errorf("unexpected failure: %v", err)
	})
	require.NoError(t, err)
	pending.Wait()

	require.Empty(t, s.GetUnfinishedTransactions())
	n, err := s.Count("s1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestFollowerFailingWorkerCancelsOthers(t *testing.T) {
	ctx := context.Background()
	fatal := &fatalRecorder{}
	opts := testOptions(t)
	opts.FatalHandler = fatal.handle
	follower, _ := newTestFollower(t, opts)
	tid := ops.NewLeaderTransactionID(1)

	_, err := follower.ApplyEntries(ctx, entries(1,
		ops.CreateShard("s1", "c", nil),
		ops.Insert(tid, "s1", []byte(`not json`)),
		ops.Commit(tid),
	))
	require.Error(t, err)

	groupCtx := follower.groupCtx
	require.Eventually(t, func() bool { return groupCtx.Err() != nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, fatal.count())
}

func TestFollowerDispatchAfterResign(t *testing.T) {
	follower, _ := newTestFollower(t, testOptions(t))
	tid := ops.NewLeaderTransactionID(1)
	require.NotNil(t, follower.Resign())

	w := newTrxWorker(tid, 1)
	err := follower.dispatch(w, ops.Entry{Index: 1, Op: ops.Commit(tid)})
	require.ErrorIs(t, err, errResigned)
	require.Empty(t, w.entries)

	// nothing was added to pending
	idle := make(chan struct{})
	go func() {
		follower.pending.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("dispatch after resign left an entry pending")
	}
}

func TestFollowerResign(t *testing.T) {
	ctx := context.Background()
	core, s := newTestCore(1)
	follower := NewFactory(memlog.New(memlog.DefaultOptions()), testOptions(t)).ConstructFollower(core)
	tid := ops.NewLeaderTransactionID(1)

	_, err := follower.ApplyEntries(ctx, entries(1,
		ops.CreateShard("s1", "c", nil),
		ops.Insert(tid, "s1", []byte(`[{"_key":"a"}]`)),
	))
	require.NoError(t, err)
	require.NotEmpty(t, s.GetUnfinishedTransactions())

	got := follower.Resign()
	require.Same(t, core, got)
	require.Empty(t, s.GetUnfinishedTransactions())
	require.Nil(t, follower.Resign())

	_, err = follower.ApplyEntries(ctx, entries(3, ops.Commit(tid)))
	require.True(t, store.IsLeadershipLost(err), "got %v", err)
	require.Equal(t, "resigned", follower.Status().State)
}

func TestFollowerManyTransactions(t *testing.T) {
	ctx := context.Background()
	follower, s := newTestFollower(t, testOptions(t))

	const transactions = 50
	var operations []ops.Operation
	operations = append(operations, ops.CreateShard("s1", "c", nil))
	// interleave the transactions
	for d := 0; d < 5; d++ {
		for i := 0; i < transactions; i++ {
			tid := ops.NewLeaderTransactionID(uint64(i + 1))
			operations = append(operations, ops.Insert(tid, "s1", []byte(fmt.Sprintf(`[{"_key":"t%d-%d"}]`, i, d))))
		}
	}
	for i := 0; i < transactions; i++ {
		operations = append(operations, ops.Commit(ops.NewLeaderTransactionID(uint64(i+1))))
	}

	release, err := follower.ApplyEntries(ctx, entries(1, operations...))
	require.NoError(t, err)
	require.Equal(t, ops.LogIndex(len(operations)), release)

	n, err := s.Count("s1")
	require.NoError(t, err)
	require.Equal(t, transactions*5, n)
}
