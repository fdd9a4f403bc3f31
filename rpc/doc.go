// Package rpc makes replica groups reachable over the network. Clients use it
// to run shard operations and transactions on the leader of a group, followers
// use it to pull document snapshots from their leader.
//
// The package is organized into several subpackages:
//
//   - common: The Message protocol, server and client configuration, and logging.
//
//   - transport: Network communication abstractions, implemented over HTTP.
//
//   - serializer: Message serialization (JSON, GOB).
//
//   - client: ReplicaClient, which calls the leader API of a remote replica
//     group. It also serves as the snapshot source of a follower.
//
//   - server: RPCServer, which hosts local and raft replica groups and
//     dispatches requests to their replicas.
package rpc
