// Package ops defines the operations that can appear in the replicated log of
// a shard-replica, together with the transaction identifiers, log indexes and
// the binary encoding used to store an operation as a log entry.
//
// Every operation belongs to exactly one Category:
//
//   - DataMutation: Insert, Update, Replace, Remove, Truncate
//   - Boundary: Commit, Abort, IntermediateCommit
//   - AbortAll: AbortAllOngoingTrx
//   - DataDefinition: CreateShard, DropShard, ModifyShard, CreateIndex, DropIndex
//
// The predicates (ModifiesUserTransaction, FinishesUserTransaction, ...) are
// derived from the category and drive every branch of the leader and follower
// pipelines in package rsm.
package ops
