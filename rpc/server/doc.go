// Package server implements the RPC server of dDoc. A server hosts any number of
// replica groups and routes every request to the replica of the addressed group.
//
// Key Components:
//
//   - IRPCServerAdapter: Interface defining the contract for all server adapters,
//     with the Handle method that processes incoming requests against a replica group.
//
//   - NewReplicaServerAdapter: Factory function creating the adapter that translates
//     RPC requests to calls of the leader (shards, indexes, transactions, snapshots).
//     Status requests are answered by every role, all other requests fail with
//     NotLeader if the replica of this node does not lead the group.
//
//   - NewRPCServer: Factory function creating a configured server with the specified
//     transport and serializer mechanisms.
//
// The server supports two modes of replica groups, which can be mixed within a single server:
//
//   - GroupModeLocal: The group runs on an in-memory log and this node is its permanent
//     leader. Suitable for single-node deployments or development environments.
//
//   - GroupModeRaft: The group runs on a raft shard. The replica becomes leader when the
//     node leads the shard and follows otherwise; a follower applies the entries of the
//     shard as they are committed and pulls a snapshot from the API endpoint of the
//     leader once the entries it needs are released. When using this mode, the RAFT
//     configuration (RTTMillisecond, SnapshotEntries, CompactionOverhead, DataDir,
//     ReplicaID, ClusterMembers and APIMembers) must be properly configured.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Groups: []common.ServerGroup{
//	    {GroupID: 1, Mode: common.GroupModeLocal},
//	  },
//	  Endpoint: "0.0.0.0:8080",
//	  TimeoutSecond: 5,
//	  LogLevel: "info",
//	}
//
//	s := server.NewRPCServer(config, http.NewHttpServerTransport(), serializer.NewJSONSerializer())
//	if err := s.Serve(ctx); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	The server implementation is thread-safe and can handle concurrent requests.
//	Serve is not thread-safe and should be called only once.
package server
