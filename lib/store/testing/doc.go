// Package testing provides a standardised conformance suite for storage
// engines that satisfy the store.IStorageEngine interface.
//
// The suite checks the contract the replicated state machine relies on: shard
// and index management, buffered transactions that become visible on commit,
// and the error codes for the benign replay conflicts (duplicate shard,
// unique constraint, missing document, missing shard or index).
//
// Example usage:
//
//	storetesting.RunHandlerTests(t, "MyEngine", func() store.IStorageEngine {
//		return NewMyEngine()
//	})
package testing
