// Package client implements the RPC client of a dDoc replica group.
//
// A ReplicaClient sends shard, index and transaction requests to the leader of a
// group. Errors of the server come back as *store.Error with the original return
// code, so callers can use store.IsLeadershipLost or store.IsTransient to decide on
// retries. Transport failures are reported as store.RetCUnavailable.
//
// The client also implements rsm.SnapshotSource. Followers of raft groups use it to
// pull snapshots from the API endpoint of their leader.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Endpoints:     []string{"http://localhost:8080"},
//	  TimeoutSecond: 5,
//	  RetryCount:    3,
//	}
//
//	c, _ := client.NewRPCReplicaClient(1, config, http.NewHttpClientTransport(), serializer.NewJSONSerializer())
//	_ = c.CreateShard(ctx, "s1", "users", nil)
//
//	tid, _ := c.Begin(ctx)
//	_, _ = c.Execute(ctx, ops.Insert(tid, "s1", []byte(`[{"_key":"a"}]`)), rsm.ReplicationOptions{})
//	_, _ = c.Execute(ctx, ops.Commit(tid), rsm.ReplicationOptions{WaitForCommit: true})
//
// Thread Safety:
//
//	The client is thread-safe and can be used concurrently from multiple goroutines.
package client
