// Package http implements an HTTP-based transport layer for dDoc RPC communication.
// It provides concrete implementations of the transport interfaces defined in the
// parent package.
//
// Key Components:
//
//   - httpClientTransport: Implements IRPCClientTransport. Requests are sent
//     round-robin to the configured endpoints, a failed attempt is retried on the
//     next endpoint.
//
//   - httpServerTransport: Implements IRPCServerTransport. Requests are posted to
//     /{groupId}, the body is the serialized message. GET /metrics exposes the
//     metrics of all replica groups in the Prometheus text format.
//
// Thread Safety:
//
//	The client transport is thread-safe and can be used concurrently. It uses
//	atomic operations for the round-robin counter.
package http
