// Package activetrx implements the bookkeeping of open transactions of a
// shard-replica. It answers a single question on the hot path: up to which log
// index may the log be released without losing entries that an open
// transaction still depends on?
//
// A transaction is tracked with the index of its first entry (not its latest
// one), so the release index never passes a transaction that is still open.
package activetrx
