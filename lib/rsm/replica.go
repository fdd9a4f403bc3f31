package rsm

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store"
)

// Replica owns the core of a shard-replica and moves it between the roles.
// At any time the core is owned by either the leader, the follower or the replica itself (idle).
type Replica struct {
	factory *Factory
	groupID uint64

	mu       sync.Mutex
	core     *Core
	leader   *Leader
	follower *Follower
}

// NewReplica creates an idle replica
func NewReplica(factory *Factory, core *Core) *Replica {
	return &Replica{factory: factory, groupID: core.GroupID, core: core}
}

// GroupID returns the id of the replica group
func (r *Replica) GroupID() uint64 {
	return r.groupID
}

// takeCore resigns the current role and returns the core
func (r *Replica) takeCore() *Core {
	core := r.core
	r.core = nil
	if r.leader != nil {
		if c := r.leader.Resign(); c != nil {
			core = c
		}
		r.leader = nil
	}
	if r.follower != nil {
		if c := r.follower.Resign(); c != nil {
			core = c
		}
		r.follower = nil
	}
	return core
}

// BecomeLeader resigns the current role and constructs a leader that recovers the given entries.
// If the construction fails the replica stays idle.
func (r *Replica) BecomeLeader(ctx context.Context, recovery ops.EntryIterator) (*Leader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	core := r.takeCore()
	leader, err := r.factory.ConstructLeader(ctx, core, recovery)
	if err != nil {
		r.core = core
		return nil, err
	}
	r.leader = leader
	return leader, nil
}

// BecomeFollower resigns the current role and starts a follower
func (r *Replica) BecomeFollower() *Follower {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.follower = r.factory.ConstructFollower(r.takeCore())
	return r.follower
}

// Resign resigns the current role, the replica is idle afterward
func (r *Replica) Resign() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.core = r.takeCore()
}

// Leader returns the leader or RetCNotLeader if the replica is not the leader
func (r *Replica) Leader() (*Leader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leader == nil {
		return nil, store.NewError(store.RetCNotLeader, "replica is not the leader")
	}
	return r.leader, nil
}

// Follower returns the follower or RetCNotLeader if the replica is not a follower
func (r *Replica) Follower() (*Follower, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.follower == nil {
		return nil, store.NewError(store.RetCNotLeader, "replica is not a follower")
	}
	return r.follower, nil
}

// ApplyEntries forwards the entries to the follower
func (r *Replica) ApplyEntries(ctx context.Context, entries ops.EntryIterator) (ops.LogIndex, error) {
	f, err := r.Follower()
	if err != nil {
		return 0, err
	}
	return f.ApplyEntries(ctx, entries)
}

// AcquireSnapshot forwards the snapshot transfer to the follower
func (r *Replica) AcquireSnapshot(ctx context.Context, source SnapshotSource) error {
	f, err := r.Follower()
	if err != nil {
		return err
	}
	return f.AcquireSnapshot(ctx, source)
}

// Status returns the status of the current role
func (r *Replica) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.leader != nil:
		return r.leader.Status()
	case r.follower != nil:
		return r.follower.Status()
	default:
		st := Status{Role: RoleIdle}
		if r.core != nil {
			st.fill(r.core)
		}
		return st
	}
}
