// Package cmd implements the command-line interface of dDoc. It provides a
// hierarchical command structure for running a server and for talking to a
// replica group as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures the dDoc server and its replica groups
//   - shard: Data definition commands (create/modify/drop shards and indexes)
//   - trx: Transaction commands (begin, insert, commit, abort, ...) and a benchmark
//   - status: Prints the status of a replica group
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See ddoc -help for a list of all commands.
package cmd
