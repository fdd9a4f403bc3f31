// Package transport defines the interfaces for RPC communication in dDoc. It
// provides a common contract that all transport implementations must fulfill,
// enabling protocol-agnostic communication.
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management and request sending.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     receives requests and routes them to appropriate handlers.
//
//   - ServerHandleFunc: Function type for request handling callbacks. Requests are
//     routed by the id of the replica group.
//
// The only implementation is the HTTP transport (package http).
package transport
