// Package docstore implements an in-memory document storage engine for the
// replicated state machine.
//
// Every shard keeps its documents in an xsync.MapOf keyed by the _key
// attribute. Mutation payloads are JSON arrays of objects. Transactions buffer
// their writes per shard and only apply them on Commit or IntermediateCommit,
// so an aborted transaction never leaves partial data behind.
//
// Conflicts are reported with the store return codes the replay relies on:
// inserting an existing key fails with RetCUniqueConstraintViolated, updating,
// replacing or removing a missing key with RetCDocumentNotFound, and
// operations on a missing shard with RetCShardNotFound.
package docstore
