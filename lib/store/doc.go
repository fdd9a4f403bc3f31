// Package store defines the storage-facing interfaces of a shard-replica and
// the error system shared by all layers of dDoc.
//
// Key Components:
//
//   - ITransactionHandler: executes the transaction scoped log operations
//     (data mutations, commit, abort, intermediate commit, abort-all).
//
//   - IShardHandler: shard and index management (create, modify, drop, lock,
//     ensure index, snapshot reads).
//
//   - ITransactionManager: abort tombstones for transactions that were open
//     while a leader resigned.
//
//   - Error System: a structured error type with typed return codes. The codes
//     drive the error classification of the replicated state machine (which
//     conflicts are ignorable during replay) and travel over the RPC boundary,
//     so that for example a lost leadership stays distinguishable from a data error.
//
// Implementations:
//
//   - Document Store (docstore): an in-memory engine built on xsync maps.
//     Available in the "github.com/ValentinKolb/dDoc/lib/store/docstore" package.
//
// A shared conformance suite for engines lives in "github.com/ValentinKolb/dDoc/lib/store/testing".
package store
