// Package serializer provides message serialization for the dDoc RPC system. It
// defines a common interface and two implementations for serializing and
// deserializing messages between client and server components.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - jsonSerializerImpl: Implementation using JSON encoding. Message types are
//     encoded by name, which makes requests easy to inspect and to write by hand
//     (e.g. with curl against the HTTP transport).
//
//   - gobSerializerImpl: Implementation using Go's built-in gob encoding, offering
//     good compatibility with Go's type system and smaller payloads for snapshot
//     batches.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	serializer := serializer.NewJSONSerializer()
//	data, err := serializer.Serialize(message)
//	// ... send data ...
//	var receivedMsg common.Message
//	err = serializer.Deserialize(receivedData, &receivedMsg)
package serializer
