package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/rsm"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *RPCServer {
	t.Helper()
	s := NewRPCServer(common.ServerConfig{
		Groups:        []common.ServerGroup{{GroupID: 1, Mode: common.GroupModeLocal}},
		TimeoutSecond: 5,
		LogLevel:      "error",
	}, nil, serializer.NewJSONSerializer())
	require.NoError(t, s.Setup(context.Background()))
	t.Cleanup(s.Close)
	return s
}

// call sends req through the handler of the server and decodes the response
func call(t *testing.T, s *RPCServer, groupId uint64, req *common.Message) *common.Message {
	t.Helper()
	data, err := s.serializer.Serialize(*req)
	require.NoError(t, err)
	var resp common.Message
	require.NoError(t, s.serializer.Deserialize(s.Handle(context.Background(), groupId, data), &resp))
	return &resp
}

func TestServerTransaction(t *testing.T) {
	s := newTestServer(t)

	resp := call(t, s, 1, common.NewDataDefinitionRequest(ops.CreateShard("s1", "users", nil)))
	require.NoError(t, resp.AsError())
	require.Equal(t, common.MsgTCreateShard, resp.MsgType)

	resp = call(t, s, 1, common.NewBeginRequest())
	require.NoError(t, resp.AsError())
	tid := ops.TransactionID(resp.Tid)
	require.True(t, tid.IsLeader())

	resp = call(t, s, 1, common.NewTrxOpRequest(ops.Insert(tid, "s1", []byte(`[{"_key":"a","v":1}]`)), false, false))
	require.NoError(t, resp.AsError())
	insertIdx := resp.LogIndex
	require.NotZero(t, insertIdx)

	resp = call(t, s, 1, common.NewTrxOpRequest(ops.Commit(tid), true, false))
	require.NoError(t, resp.AsError())
	require.Greater(t, resp.LogIndex, insertIdx)

	resp = call(t, s, 1, common.NewStatusRequest())
	require.NoError(t, resp.AsError())
	var status rsm.Status
	require.NoError(t, json.Unmarshal(resp.Value, &status))
	require.Equal(t, rsm.RoleLeader, status.Role)
	require.Equal(t, uint64(1), status.GroupID)
	require.Zero(t, status.ActiveTransactions)
	require.Len(t, status.Shards, 1)
	require.Equal(t, 1, status.Shards[0].Documents)
}

func TestServerErrors(t *testing.T) {
	s := newTestServer(t)

	// unknown group
	resp := call(t, s, 99, common.NewStatusRequest())
	require.True(t, store.HasCode(resp.AsError(), store.RetCShardNotFound))

	// garbage request
	var decoded common.Message
	require.NoError(t, s.serializer.Deserialize(s.Handle(context.Background(), 1, []byte("not json")), &decoded))
	require.True(t, store.HasCode(decoded.AsError(), store.RetCInvalidOperation))

	// store errors keep their code
	resp = call(t, s, 1, common.NewDataDefinitionRequest(ops.DropIndex("missing", []byte(`{"id":"byName"}`))))
	require.True(t, store.HasCode(resp.AsError(), store.RetCShardNotFound), "got %v", resp.AsError())

	// operations without a transaction are rejected
	resp = call(t, s, 1, common.NewTrxOpRequest(ops.CreateShard("s1", "users", nil), false, false))
	require.True(t, store.HasCode(resp.AsError(), store.RetCInvalidOperation))

	// unknown message types
	resp = call(t, s, 1, &common.Message{MsgType: common.MsgTSuccess})
	require.Equal(t, common.MsgTError, resp.MsgType)
	require.True(t, store.HasCode(resp.AsError(), store.RetCUnsupportedOperation))
}

func TestServerNotLeader(t *testing.T) {
	s := newTestServer(t)
	group, ok := s.groups.Load(1)
	require.True(t, ok)
	group.replica.Resign()

	resp := call(t, s, 1, common.NewBeginRequest())
	require.Equal(t, common.MsgTBegin, resp.MsgType)
	require.True(t, store.IsLeadershipLost(resp.AsError()))

	// status is still served
	resp = call(t, s, 1, common.NewStatusRequest())
	require.NoError(t, resp.AsError())
	var status rsm.Status
	require.NoError(t, json.Unmarshal(resp.Value, &status))
	require.Equal(t, rsm.RoleIdle, status.Role)
}

func TestServerAbortAll(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, call(t, s, 1, common.NewDataDefinitionRequest(ops.CreateShard("s1", "users", nil))).AsError())

	tid := ops.TransactionID(call(t, s, 1, common.NewBeginRequest()).Tid)
	require.NoError(t, call(t, s, 1, common.NewTrxOpRequest(ops.Insert(tid, "s1", []byte(`[{"_key":"a"}]`)), false, false)).AsError())

	require.NoError(t, call(t, s, 1, common.NewAbortAllRequest()).AsError())

	resp := call(t, s, 1, common.NewTrxOpRequest(ops.Commit(tid), false, false))
	require.Error(t, resp.AsError())
}

func TestServerSnapshot(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, call(t, s, 1, common.NewDataDefinitionRequest(ops.CreateShard("s1", "users", nil))).AsError())
	require.NoError(t, call(t, s, 1, common.NewDataDefinitionRequest(ops.CreateShard("s2", "users", nil))).AsError())

	resp := call(t, s, 1, common.NewSnapshotStartRequest("follower", []ops.ShardID{"s2"}))
	require.NoError(t, resp.AsError())
	require.NotEmpty(t, resp.SnapshotID)
	require.False(t, resp.HasMore)
	require.Len(t, resp.Operations, 1)

	op, err := ops.DeserializeOperation(resp.Operations[0])
	require.NoError(t, err)
	require.Equal(t, ops.KindCreateShard, op.Kind)
	require.Equal(t, ops.ShardID("s2"), op.Shard)

	require.NoError(t, call(t, s, 1, common.NewSnapshotFinishRequest(resp.SnapshotID)).AsError())

	resp = call(t, s, 1, common.NewSnapshotNextRequest(resp.SnapshotID))
	require.Equal(t, common.MsgTSnapshotNext, resp.MsgType)
	require.True(t, store.HasCode(resp.AsError(), store.RetCSnapshotNotFound))
}

func TestTransactionIDsAreUnique(t *testing.T) {
	s := newTestServer(t)
	group, _ := s.groups.Load(1)

	seen := map[ops.TransactionID]bool{}
	for i := 0; i < 100; i++ {
		tid := group.NextTransactionID()
		require.False(t, seen[tid])
		require.True(t, tid.IsLeader())
		seen[tid] = true
	}
}

func TestInvalidGroupMode(t *testing.T) {
	s := NewRPCServer(common.ServerConfig{
		Groups: []common.ServerGroup{{GroupID: 1, Mode: "unknown"}},
	}, nil, serializer.NewJSONSerializer())
	defer s.Close()
	require.Error(t, s.Setup(context.Background()))
}
