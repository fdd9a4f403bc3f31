// Package dlog implements the replicated log of a replica group on top of the
// Dragonboat RAFT library.
//
// Architecture:
//
//   - Group: implements rsm.ReplicatedLog. Insert serializes the operation and
//     proposes it via SyncPropose, the returned index is the raft index of the entry.
//     WaitFor blocks until the entry was applied on the local node. Release drops
//     entries that no replica role needs anymore.
//
//   - State Machine: a Dragonboat IConcurrentStateMachine that does not interpret the
//     operations. It records every applied entry in its group, so a follower can
//     consume the entries and a new leader can recover from them.
//
//   - LeaderListener: a raftio.IRaftEventListener that reports leader changes per
//     shard. The server uses it to switch a replica between leader and follower.
//
// Snapshots:
//
// Raft snapshots only contain the retained entries (everything after the release
// index). Since released entries are part of the document state of every replica,
// the raft log can be compacted up to the release index. A node that recovers from
// a raft snapshot is missing the released entries and has to transfer a document
// snapshot from the leader (see rsm.Follower.AcquireSnapshot); Covers reports this.
//
// Usage:
//
//	group := dlog.NewGroup(nodeHost, shardID, timeout)
//	err := nodeHost.StartConcurrentReplica(members, false, group.StateMachineFactory(), shardConfig)
//	factory := rsm.NewFactory(group, opts)
package dlog
