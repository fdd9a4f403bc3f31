package server

import (
	"context"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/rsm"
	"github.com/ValentinKolb/dDoc/rpc/common"
)

// ReplicaGroup is a replica group as seen by an adapter
type ReplicaGroup interface {
	// Replica returns the replica of this node
	Replica() *rsm.Replica
	// NextTransactionID returns a new leader transaction id
	NextTransactionID() ops.TransactionID
}

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling requests and responses
type IRPCServerAdapter interface {
	// Handle handles a request and returns a response
	// It takes a Message and the replica group the request is addressed to.
	// It returns a Message as a response
	// If an error occurs, it should be set in the response
	Handle(ctx context.Context, req *common.Message, group ReplicaGroup) (resp *common.Message)
}
