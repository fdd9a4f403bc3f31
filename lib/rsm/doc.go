/*
Package rsm implements the replicated state machine of a shard-replica: a group of
replicas that hold the same shards (document collections) and keep them identical by
applying a shared replicated log.

A replica is always in one of three roles. The Core holds the role independent state
(the storage engine handlers and the per shard snapshot watermarks) and is handed from
role to role by a Replica:

  - Leader: replicates operations into the log and applies them locally. Transaction
    operations of leader transactions are tracked until the transaction finishes, the
    log is only released up to the first entry of the oldest open transaction.
  - Follower: applies committed entries. Every transaction is applied by its own
    worker goroutine, so independent transactions are applied in parallel while the
    entries of one transaction keep their log order. Shard and index operations and
    the global abort wait for all workers.
  - idle: between two roles.

# Replay

Entries may be delivered more than once and a snapshot may already contain the
effects of entries that are replayed afterward. Errors that are an expected result of
such a replay (inserting an existing document, dropping a missing shard, ...) are
ignored, see Classify. Every other error on a follower is fatal.

# Snapshots

A follower that fell behind replaces its state with a snapshot of the leader. The
snapshot is transferred in batches, the log index of the snapshot becomes the
watermark of every shard: data mutations below the watermark are skipped.

# Transaction ids

A leader transaction id has the role bits of a leader, the follower applies it under
the derived follower id (see ops.TransactionID.AsFollower). The log always carries the
leader id.
*/
package rsm
