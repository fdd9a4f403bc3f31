package rsm

import (
	"context"

	"github.com/ValentinKolb/dDoc/lib/ops"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// ReplicatedLog is the consensus layer as seen by a shard-replica.
type ReplicatedLog interface {
	// Insert appends the operation and returns its log index. If waitForSync is
	// set the entry is synced to disk before it counts as committed.
	Insert(ctx context.Context, op ops.Operation, waitForSync bool) (ops.LogIndex, error)
	// WaitFor blocks until the entry with the given index is committed.
	WaitFor(ctx context.Context, idx ops.LogIndex) error
	// Release permits the log to discard all entries up to and including idx.
	Release(idx ops.LogIndex) error
}

// SnapshotSource is the leader side of the snapshot transfer, as used by a follower.
// The leader implements it directly, the rpc client implements it over the network.
type SnapshotSource interface {
	// SnapshotStart creates a new snapshot and returns its first batch.
	SnapshotStart(ctx context.Context, params SnapshotStartParams) (*SnapshotBatch, error)
	// SnapshotNext returns the next batch of a snapshot.
	SnapshotNext(ctx context.Context, id string) (*SnapshotBatch, error)
	// SnapshotFinish releases all resources of a snapshot.
	SnapshotFinish(ctx context.Context, id string) error
}

// SnapshotStartParams selects what a snapshot contains
type SnapshotStartParams struct {
	// Destination identifies the requesting follower. Starting a new snapshot
	// invalidates every older snapshot of the same destination.
	Destination string
	// Shards restricts the snapshot to the given shards, all shards if empty.
	Shards []ops.ShardID
}

// SnapshotBatch is a single batch of a snapshot transfer.
type SnapshotBatch struct {
	SnapshotID string
	// Version is the leader's snapshot version the snapshot was created with
	Version uint64
	// LogIndex is the first log index that is not reflected in the snapshot.
	// Replay after the snapshot starts at this index.
	LogIndex ops.LogIndex
	// Operations recreate the shards, indexes and documents
	Operations []ops.Operation
	HasMore    bool
}

// ReplicationOptions controls Leader.Replicate
type ReplicationOptions struct {
	// WaitForCommit waits until the consensus layer committed the entry
	WaitForCommit bool
	// WaitForSync asks the log to sync the entry to disk
	WaitForSync bool
}
