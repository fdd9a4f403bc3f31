// Package memlog implements an in-memory replicated log with a single member.
//
// The log commits every entry on insert (unless ManualCommit is set) and keeps all
// entries until they are released. It backs replica groups that run without
// consensus and is used to drive leaders and followers in tests: entries a leader
// inserted can be read back with Entries and fed to a follower.
//
// Nothing is persisted, the log is lost when the process exits.
package memlog
