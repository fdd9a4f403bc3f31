package ops

import (
	"fmt"
	"sync/atomic"
)

// TransactionID identifies a logical multi-operation transaction.
// The two lowest bits carry the role of the transaction, the remaining bits
// a sequence number.
type TransactionID uint64

// TransactionRole is the role tag stored in the lowest two bits of a TransactionID.
type TransactionRole uint8

const (
	RoleCoordinator TransactionRole = iota // 0: started by a coordinator
	RoleLeader                             // 1: started on the leader of a shard-replica
	RoleFollower                           // 2: derived from a leader transaction on a follower
	RoleLegacy                             // 3: legacy / unknown origin
)

const roleMask = 0b11

func (r TransactionRole) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	case RoleLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}

// NewLeaderTransactionID creates the leader transaction id with the given sequence number.
func NewLeaderTransactionID(seq uint64) TransactionID {
	return TransactionID(seq<<2 | uint64(RoleLeader))
}

// Role returns the role tag of the id.
func (t TransactionID) Role() TransactionRole {
	return TransactionRole(uint64(t) & roleMask)
}

// IsLeader reports whether the id was created on a leader.
func (t TransactionID) IsLeader() bool {
	return t.Role() == RoleLeader
}

// IsFollower reports whether the id was derived for a follower.
func (t TransactionID) IsFollower() bool {
	return t.Role() == RoleFollower
}

// AsFollower derives the follower transaction id for a leader transaction id.
// The derivation is deterministic: every replica derives the same follower id.
// Ids that are not leader ids are returned unchanged.
func (t TransactionID) AsFollower() TransactionID {
	if !t.IsLeader() {
		return t
	}
	return t + 1
}

func (t TransactionID) String() string {
	return fmt.Sprintf("%d(%s)", uint64(t), t.Role())
}

// TransactionIDGenerator hands out fresh leader transaction ids.
//
// Thread-safety: Next can be called concurrently.
type TransactionIDGenerator struct {
	seq atomic.Uint64
}

// NewTransactionIDGenerator creates a generator whose first id uses the sequence number start+1.
func NewTransactionIDGenerator(start uint64) *TransactionIDGenerator {
	g := &TransactionIDGenerator{}
	g.seq.Store(start)
	return g
}

// Next returns the next leader transaction id.
func (g *TransactionIDGenerator) Next() TransactionID {
	return NewLeaderTransactionID(g.seq.Add(1))
}
