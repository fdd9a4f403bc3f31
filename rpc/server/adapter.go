package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/rsm"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/ValentinKolb/dDoc/rpc/common"
)

func NewReplicaServerAdapter() IRPCServerAdapter {
	return &replicaServerAdapterImpl{}
}

type replicaServerAdapterImpl struct{}

func (adapter *replicaServerAdapterImpl) Handle(ctx context.Context, req *common.Message, group ReplicaGroup) *common.Message {
	// Check for nil group
	if group == nil {
		return common.NewErrorResponse(store.NewError(store.RetCInternalError, "handler: group is nil"))
	}

	// Status is served by every role
	if req.MsgType == common.MsgTStatus {
		return common.NewStatusResponse(group.Replica().Status())
	}

	// Everything else needs the leader
	leader, err := group.Replica().Leader()
	if err != nil {
		return common.NewResponse(req.MsgType, err)
	}

	// Handle different message types
	switch req.MsgType {
	case common.MsgTCreateShard:
		err := leader.CreateShard(ctx, ops.ShardID(req.Shard), req.Collection, req.Properties)
		return common.NewDataDefinitionResponse(req.MsgType, err)
	case common.MsgTModifyShard:
		err := leader.ModifyShard(ctx, ops.ShardID(req.Shard), req.Collection, req.Properties)
		return common.NewDataDefinitionResponse(req.MsgType, err)
	case common.MsgTDropShard:
		err := leader.DropShard(ctx, ops.ShardID(req.Shard), req.Collection)
		return common.NewDataDefinitionResponse(req.MsgType, err)
	case common.MsgTCreateIndex:
		err := leader.CreateIndex(ctx, ops.ShardID(req.Shard), req.Index)
		return common.NewDataDefinitionResponse(req.MsgType, err)
	case common.MsgTDropIndex:
		err := leader.DropIndex(ctx, ops.ShardID(req.Shard), req.Index)
		return common.NewDataDefinitionResponse(req.MsgType, err)
	case common.MsgTBegin:
		return common.NewBeginResponse(group.NextTransactionID(), nil)
	case common.MsgTTrxOp:
		idx, err := leader.ExecuteTransactionOperation(ctx, req.Operation(), rsm.ReplicationOptions{
			WaitForCommit: req.WaitForCommit,
			WaitForSync:   req.WaitForSync,
		})
		return common.NewTrxOpResponse(idx, err)
	case common.MsgTAbortAll:
		_, err := leader.AbortAllTransactions(ctx)
		return common.NewAbortAllResponse(err)
	case common.MsgTSnapshotStart:
		params := rsm.SnapshotStartParams{Destination: req.Destination}
		for _, s := range req.Shards {
			params.Shards = append(params.Shards, ops.ShardID(s))
		}
		batch, err := leader.SnapshotStart(ctx, params)
		return snapshotBatchResponse(req.MsgType, batch, err)
	case common.MsgTSnapshotNext:
		batch, err := leader.SnapshotNext(ctx, req.SnapshotID)
		return snapshotBatchResponse(req.MsgType, batch, err)
	case common.MsgTSnapshotFinish:
		err := leader.SnapshotFinish(ctx, req.SnapshotID)
		return common.NewSnapshotFinishResponse(err)
	default:
		return common.NewErrorResponse(store.NewError(store.RetCUnsupportedOperation,
			fmt.Sprintf("RPC ReplicaAdapter - Unsupported message type: %s", req.MsgType)))
	}
}

func snapshotBatchResponse(t common.MessageType, batch *rsm.SnapshotBatch, err error) *common.Message {
	if err != nil {
		return common.NewResponse(t, err)
	}
	return common.NewSnapshotBatchResponse(t, batch.SnapshotID, batch.Version, batch.LogIndex, batch.Operations, batch.HasMore, nil)
}
