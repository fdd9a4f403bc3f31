package rsm

import (
	"context"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/stretchr/testify/require"
)

func TestReplicaRoles(t *testing.T) {
	ctx := context.Background()
	core, s := newTestCore(7)
	rlog := newRecordingLog()
	replica := NewReplica(NewFactory(rlog, testOptions(t)), core)
	t.Cleanup(replica.Resign)

	require.Equal(t, uint64(7), replica.GroupID())
	require.Equal(t, RoleIdle, replica.Status().Role)
	_, err := replica.Leader()
	require.True(t, store.HasCode(err, store.RetCNotLeader))
	_, err = replica.ApplyEntries(ctx, entries(1))
	require.True(t, store.HasCode(err, store.RetCNotLeader))

	// idle -> leader
	leader, err := replica.BecomeLeader(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, leader.CreateShard(ctx, "s1", "c", nil))
	tid := ops.NewLeaderTransactionID(1)
	exec(t, leader, ops.Insert(tid, "s1", []byte(`[{"_key":"a"}]`)))
	st := replica.Status()
	require.Equal(t, RoleLeader, st.Role)
	require.Equal(t, uint64(7), st.GroupID)
	require.Equal(t, 1, st.ActiveTransactions)

	// leader -> follower, the open transaction is aborted
	follower := replica.BecomeFollower()
	require.Equal(t, LeaderResigned, leader.State())
	require.Empty(t, s.GetUnfinishedTransactions())
	_, err = replica.Leader()
	require.True(t, store.HasCode(err, store.RetCNotLeader))
	f, err := replica.Follower()
	require.NoError(t, err)
	require.Same(t, follower, f)
	require.Equal(t, RoleFollower, replica.Status().Role)

	// the old leader cannot be used anymore
	_, err = leader.ExecuteTransactionOperation(ctx, ops.Commit(tid), ReplicationOptions{})
	require.True(t, store.HasCode(err, store.RetCNotLeader), "got %v", err)

	next := rlog.LastIndex() + 1
	_, err = replica.ApplyEntries(ctx, entries(next,
		ops.Insert(tid, "s1", []byte(`[{"_key":"b"}]`)),
		ops.Commit(tid),
	))
	require.NoError(t, err)
	require.Equal(t, map[ops.ShardID]map[string]string{"s1": {"b": `{"_key":"b"}`}}, dumpState(t, s))

	// follower -> idle -> leader again
	replica.Resign()
	require.Equal(t, "resigned", follower.Status().State)
	require.Equal(t, RoleIdle, replica.Status().Role)
	require.Len(t, replica.Status().Shards, 1)

	leader, err = replica.BecomeLeader(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, LeaderActive, leader.State())
	require.Equal(t, RoleLeader, replica.Status().Role)
}

func TestReplicaStaysIdleOnFailedRecovery(t *testing.T) {
	ctx := context.Background()
	core, _ := newTestCore(1)
	replica := NewReplica(NewFactory(newRecordingLog(), testOptions(t)), core)

	recovery := entries(1,
		ops.CreateShard("s1", "c", nil),
		ops.CreateIndex("s1", []byte(`not json`)),
	)
	_, err := replica.BecomeLeader(ctx, recovery)
	require.Error(t, err)
	require.Equal(t, RoleIdle, replica.Status().Role)

	_, err = replica.BecomeLeader(ctx, nil)
	require.NoError(t, err)
}
