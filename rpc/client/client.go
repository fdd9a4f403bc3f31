package client

import (
	"context"
	"encoding/json"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/rsm"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/ValentinKolb/dDoc/rpc/transport"
)

// NewRPCReplicaClient creates a client for the replica group groupId.
// The client talks to the leader of the group, requests sent to a follower fail with store.RetCNotLeader.
// It also implements rsm.SnapshotSource, so a follower can pull a snapshot through it.
func NewRPCReplicaClient(
	groupId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*ReplicaClient, error) {

	// Connect the transport
	if err := transport.Connect(config); err != nil {
		return nil, err
	}

	return &ReplicaClient{
		rpcClientAdapter{
			groupId:    groupId,
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}, nil
}

// ReplicaClient is the RPC client of a replica group
type ReplicaClient struct {
	rpcClientAdapter
}

var _ rsm.SnapshotSource = (*ReplicaClient)(nil)

func (c *ReplicaClient) invoke(ctx context.Context, req *common.Message) (*common.Message, error) {
	return invokeRPCRequest(ctx, c.groupId, req, c.transport, c.serializer)
}

// Close closes the transport of the client
func (c *ReplicaClient) Close() error {
	return c.transport.Close()
}

// --------------------------------------------------------------------------
// Shards and indexes
// --------------------------------------------------------------------------

func (c *ReplicaClient) dataDefinition(ctx context.Context, op ops.Operation) error {
	_, err := c.invoke(ctx, common.NewDataDefinitionRequest(op))
	return err
}

// CreateShard creates a shard on every replica of the group
func (c *ReplicaClient) CreateShard(ctx context.Context, shard ops.ShardID, collection string, properties []byte) error {
	return c.dataDefinition(ctx, ops.CreateShard(shard, collection, properties))
}

// ModifyShard changes the properties of a shard
func (c *ReplicaClient) ModifyShard(ctx context.Context, shard ops.ShardID, collection string, properties []byte) error {
	return c.dataDefinition(ctx, ops.ModifyShard(shard, collection, properties))
}

// DropShard drops a shard, open transactions on the shard are aborted
func (c *ReplicaClient) DropShard(ctx context.Context, shard ops.ShardID, collection string) error {
	return c.dataDefinition(ctx, ops.DropShard(shard, collection))
}

// CreateIndex creates an index on a shard
func (c *ReplicaClient) CreateIndex(ctx context.Context, shard ops.ShardID, index []byte) error {
	return c.dataDefinition(ctx, ops.CreateIndex(shard, index))
}

// DropIndex drops an index of a shard
func (c *ReplicaClient) DropIndex(ctx context.Context, shard ops.ShardID, index []byte) error {
	return c.dataDefinition(ctx, ops.DropIndex(shard, index))
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// Begin returns a new transaction id issued by the leader
func (c *ReplicaClient) Begin(ctx context.Context) (ops.TransactionID, error) {
	resp, err := c.invoke(ctx, common.NewBeginRequest())
	if err != nil {
		return 0, err
	}
	return ops.TransactionID(resp.Tid), nil
}

// Execute runs a transaction operation on the leader and returns its log index
func (c *ReplicaClient) Execute(ctx context.Context, op ops.Operation, opts rsm.ReplicationOptions) (ops.LogIndex, error) {
	resp, err := c.invoke(ctx, common.NewTrxOpRequest(op, opts.WaitForCommit, opts.WaitForSync))
	if err != nil {
		return 0, err
	}
	return ops.LogIndex(resp.LogIndex), nil
}

// AbortAll aborts every open transaction of the group
func (c *ReplicaClient) AbortAll(ctx context.Context) error {
	_, err := c.invoke(ctx, common.NewAbortAllRequest())
	return err
}

// Status returns the status of the replica the request was served by
func (c *ReplicaClient) Status(ctx context.Context) (rsm.Status, error) {
	var status rsm.Status
	resp, err := c.invoke(ctx, common.NewStatusRequest())
	if err != nil {
		return status, err
	}
	if err := json.Unmarshal(resp.Value, &status); err != nil {
		return status, store.Errorf(store.RetCInternalError, "failed to decode status: %v", err)
	}
	return status, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see rsm.SnapshotSource)
// --------------------------------------------------------------------------

func (c *ReplicaClient) SnapshotStart(ctx context.Context, params rsm.SnapshotStartParams) (*rsm.SnapshotBatch, error) {
	resp, err := c.invoke(ctx, common.NewSnapshotStartRequest(params.Destination, params.Shards))
	if err != nil {
		return nil, err
	}
	return toSnapshotBatch(resp)
}

func (c *ReplicaClient) SnapshotNext(ctx context.Context, id string) (*rsm.SnapshotBatch, error) {
	resp, err := c.invoke(ctx, common.NewSnapshotNextRequest(id))
	if err != nil {
		return nil, err
	}
	return toSnapshotBatch(resp)
}

func (c *ReplicaClient) SnapshotFinish(ctx context.Context, id string) error {
	_, err := c.invoke(ctx, common.NewSnapshotFinishRequest(id))
	return err
}

// toSnapshotBatch decodes the operations of a batch response
func toSnapshotBatch(resp *common.Message) (*rsm.SnapshotBatch, error) {
	batch := &rsm.SnapshotBatch{
		SnapshotID: resp.SnapshotID,
		Version:    resp.Version,
		LogIndex:   ops.LogIndex(resp.LogIndex),
		Operations: make([]ops.Operation, 0, len(resp.Operations)),
		HasMore:    resp.HasMore,
	}
	for _, data := range resp.Operations {
		op, err := ops.DeserializeOperation(data)
		if err != nil {
			return nil, store.Errorf(store.RetCInternalError, "invalid snapshot operation: %v", err)
		}
		batch.Operations = append(batch.Operations, op)
	}
	return batch, nil
}
