package store

import (
	"github.com/ValentinKolb/dDoc/lib/ops"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// EngineFactory is a function type that creates a new storage engine for a shard-replica.
// This is used to abstract the creation of the engine from the replica implementation.
type EngineFactory func() IStorageEngine

// IStorageEngine bundles all handlers a shard-replica needs from its storage engine.
type IStorageEngine interface {
	ITransactionHandler
	IShardHandler
	ITransactionManager
	// Close releases all resources. All later calls fail with RetCShuttingDown.
	Close() error
}

// ITransactionHandler executes the transaction scoped operations of the log.
//
// All methods return a *Error (nil on success).
// Calls for different transactions may run concurrently, calls for the same
// transaction are serialized by the caller.
type ITransactionHandler interface {
	// ApplyEntry applies a data mutation, Commit, Abort, IntermediateCommit or
	// AbortAllOngoingTrx. index is the log index of the entry.
	// Commit and Abort for an unknown transaction succeed without doing anything.
	ApplyEntry(index ops.LogIndex, op ops.Operation) error
	// ReplayEntry applies an entry of the log that was already applied by the leader.
	// A data mutation skips every document that conflicts with the local state
	// (insert of an existing, update, replace or remove of a missing document) and
	// applies the others. All other operations behave like ApplyEntry.
	ReplayEntry(index ops.LogIndex, op ops.Operation) error
	// GetTransactionsForShard returns all open transactions that wrote to the shard.
	GetTransactionsForShard(shard ops.ShardID) []ops.TransactionID
	// GetUnfinishedTransactions returns all open transactions with the log index of their first entry.
	GetUnfinishedTransactions() map[ops.TransactionID]ops.LogIndex
	// RemoveTransaction forgets a transaction without applying its writes.
	RemoveTransaction(tid ops.TransactionID)
}

// LockMode is the mode of a shard lock
type LockMode uint8

const (
	LockShared    LockMode = iota // held by every transaction operation on the shard
	LockExclusive                 // excludes all transaction operations on the shard
)

// IShardHandler manages the shards (and their indexes) of a shard-replica.
//
// All methods return a *Error (nil on success).
type IShardHandler interface {
	// CreateLocalShard creates a shard. Fails with RetCDuplicateName if it exists.
	CreateLocalShard(shard ops.ShardID, collection string, properties []byte) error
	// ModifyShard replaces the properties of a shard.
	ModifyShard(shard ops.ShardID, collection string, properties []byte) error
	// DropLocalShard drops a shard and all its documents.
	DropLocalShard(shard ops.ShardID) error
	// DropAllShards drops every shard.
	DropAllShards() error
	// LockShard locks the shard in the given mode. The returned function releases the lock.
	LockShard(shard ops.ShardID, mode LockMode) (unlock func(), err error)
	// EnsureIndex creates the index if no index with the same id exists.
	EnsureIndex(shard ops.ShardID, index []byte) error
	// DropIndex drops the index with the id of the descriptor.
	DropIndex(shard ops.ShardID, index []byte) error
	// PrepareShardsForLogReplay is called after a snapshot was applied and
	// before log entries are replayed on top of it.
	PrepareShardsForLogReplay()
	// GetAvailableShards returns the metadata of every shard.
	GetAvailableShards() []ShardInfo
	// ReadShard returns a consistent copy of a shard, including its documents.
	ReadShard(shard ops.ShardID) (ShardData, error)
}

// ITransactionManager keeps track of transactions that must never be committed.
type ITransactionManager interface {
	// AbortManagedTransaction registers an abort tombstone for the transaction.
	// Later operations of the transaction fail with RetCTransactionAborted.
	AbortManagedTransaction(tid ops.TransactionID)
	// IsAborted reports whether a tombstone exists for the transaction.
	IsAborted(tid ops.TransactionID) bool
}

// --------------------------------------------------------------------------
// Data Types
// --------------------------------------------------------------------------

// IndexDescriptor describes an index of a shard. It is encoded as JSON in the log.
type IndexDescriptor struct {
	ID     string   `json:"id"`
	Type   string   `json:"type,omitempty"`
	Fields []string `json:"fields,omitempty"`
	Unique bool     `json:"unique,omitempty"`
}

// ShardInfo holds the metadata of a shard
type ShardInfo struct {
	ID         ops.ShardID       `json:"id"`
	Collection string            `json:"collection"`
	Properties []byte            `json:"properties,omitempty"`
	Indexes    []IndexDescriptor `json:"indexes,omitempty"`
	Documents  int               `json:"documents"`
}

// Document is a single stored document. Body is the JSON encoded document including the _key attribute.
type Document struct {
	Key  string
	Body []byte
}

// ShardData is a point-in-time copy of a shard.
type ShardData struct {
	Info      ShardInfo
	Documents []Document
}
