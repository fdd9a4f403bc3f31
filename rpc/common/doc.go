// Package common provides the data structures shared by the RPC client, the RPC
// server and the transports of dDoc.
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication. Which fields are
//     used depends on the message type. Responses carry the store.RetCode of an
//     error next to the message, so callers can still tell a lost leadership from
//     other failures after the error crossed the network (see Message.AsError).
//
//   - MessageType: Enumeration of all supported requests: shard and index
//     operations, transaction operations, the snapshot transfer and status.
//
//   - ServerConfig: Configuration of a server node, including the replica groups,
//     RAFT parameters, replica parameters and the api endpoint. Provides
//     conversions to the Dragonboat configurations.
//
//   - ClientConfig: Configuration of clients (endpoints, timeout, retries).
//
//   - Logger: Custom logger that integrates with Dragonboat's logging system and
//     formats all log lines as LEVEL | name | message.
package common
