package dlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

var (
	retries = 5
	log     = logger.GetLogger("dlog")
)

// Group is the raft log of one replica group. It implements rsm.ReplicatedLog.
//
// Entries are proposed through the NodeHost, the state machine of the group keeps
// every applied entry until it is released. Entries are never interpreted by the
// state machine, the replica owning the group applies them.
type Group struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration

	mu       sync.Mutex
	entries  []ops.Entry // applied, not yet released, ascending
	applied  ops.LogIndex
	released ops.LogIndex
	closed   bool
	// changed is closed (and replaced) whenever applied changes or the group is closed
	changed chan struct{}
}

// NewGroup creates the log of the raft shard shardID. The shard must be started with
// the state machine factory of the returned group.
func NewGroup(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) *Group {
	g := &Group{
		nh:      nh,
		shardID: shardID,
		timeout: timeout,
		changed: make(chan struct{}),
	}
	if nh != nil {
		g.cs = nh.GetNoOPSession(shardID)
	}
	return g
}

// StateMachineFactory returns the function dragonboat uses to create the state machine of the group
func (g *Group) StateMachineFactory() sm.CreateConcurrentStateMachineFunc {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return &stateMachine{group: g, shardID: shardID, replicaID: replicaID}
	}
}

// ShardID returns the id of the raft shard
func (g *Group) ShardID() uint64 {
	return g.shardID
}

func (g *Group) notifyLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// --------------------------------------------------------------------------
// Interface Methods (docu see rsm.ReplicatedLog)
// --------------------------------------------------------------------------

// Insert proposes op and returns its index once it is committed and applied on this node.
// Proposals are always synchronous, so waitForSync has no effect.
func (g *Group) Insert(ctx context.Context, op ops.Operation, _ bool) (ops.LogIndex, error) {
	if g.nh == nil {
		return 0, store.NewError(store.RetCShuttingDown, "group has no node host")
	}
	cmd := op.Serialize()

	for i := 0; i < retries; i++ {
		pctx, cancel := context.WithTimeout(ctx, g.timeout)
		res, err := g.nh.SyncPropose(pctx, g.cs, cmd)
		cancel()

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("[shard=%d] SyncPropose: system busy, retrying (%d/%d)...", g.shardID, i+1, retries)
			select {
			case <-time.After(g.timeout / 10):
			case <-ctx.Done():
				return 0, translateError("propose", ctx.Err())
			}
			continue
		}

		if err != nil {
			return 0, translateError("propose", err)
		}
		if res.Value == 0 {
			return 0, store.NewError(store.RetCInvalidOperation, string(res.Data))
		}
		return ops.LogIndex(res.Value), nil
	}
	return 0, store.Errorf(store.RetCTimeout, "propose: system busy after %d retries", retries)
}

// WaitFor blocks until the entry at idx is applied on this node or ctx is done
func (g *Group) WaitFor(ctx context.Context, idx ops.LogIndex) error {
	for {
		g.mu.Lock()
		if g.applied >= idx {
			g.mu.Unlock()
			return nil
		}
		if g.closed {
			g.mu.Unlock()
			return store.NewError(store.RetCShuttingDown, "group is closed")
		}
		changed := g.changed
		g.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release drops all retained entries up to idx. The entries are dropped from the
// raft log with the next raft snapshot.
func (g *Group) Release(idx ops.LogIndex) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx = min(idx, g.applied)
	if idx <= g.released {
		return nil
	}
	g.released = idx

	n := 0
	for n < len(g.entries) && g.entries[n].Index <= idx {
		n++
	}
	g.entries = append([]ops.Entry(nil), g.entries[n:]...)
	log.Debugf("[shard=%d] released log up to %d, %d entries retained", g.shardID, idx, len(g.entries))
	return nil
}

// --------------------------------------------------------------------------
// Reading
// --------------------------------------------------------------------------

// Sync blocks until this node applied every entry that was committed when Sync was called
func (g *Group) Sync(ctx context.Context) error {
	if g.nh == nil {
		return store.NewError(store.RetCShuttingDown, "group has no node host")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if _, err := g.nh.SyncRead(ctx, g.shardID, appliedQuery{}); err != nil {
		return translateError("sync", err)
	}
	return nil
}

// Entries returns an iterator over the retained entries starting at from
func (g *Group) Entries(from ops.LogIndex) ops.EntryIterator {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []ops.Entry
	for _, e := range g.entries {
		if e.Index >= from {
			out = append(out, e)
		}
	}
	return ops.NewSliceIterator(out)
}

// Read returns the retained entries starting at from together with the applied index
// they were read at. Indexes up to the applied index that are not returned carried no operation.
func (g *Group) Read(from ops.LogIndex) ([]ops.Entry, ops.LogIndex) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []ops.Entry
	for _, e := range g.entries {
		if e.Index >= from {
			out = append(out, e)
		}
	}
	return out, g.applied
}

// Covers reports whether all entries starting at from are still retained (or not yet applied)
func (g *Group) Covers(from ops.LogIndex) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return from > g.released
}

// AppliedIndex returns the index of the last entry applied on this node
func (g *Group) AppliedIndex() ops.LogIndex {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applied
}

// ReleaseIndex returns the highest released index
func (g *Group) ReleaseIndex() ops.LogIndex {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

// TransferLeadership asks the shard to move its leadership to the replica target
func (g *Group) TransferLeadership(target uint64) error {
	if g.nh == nil {
		return store.NewError(store.RetCShuttingDown, "group has no node host")
	}
	if err := g.nh.RequestLeaderTransfer(g.shardID, target); err != nil {
		return translateError("leader transfer", err)
	}
	return nil
}

// Close wakes up all waiters. Later waits fail with RetCShuttingDown.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		g.notifyLocked()
	}
	return nil
}

// --------------------------------------------------------------------------
// State machine hooks
// --------------------------------------------------------------------------

// appended records the entries of an update batch. last is the highest raft index of
// the batch, it may belong to an entry that carried no operation.
func (g *Group) appended(entries []ops.Entry, last ops.LogIndex) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, e := range entries {
		if e.Index > g.applied && e.Index > g.released {
			g.entries = append(g.entries, e)
		}
	}
	if last > g.applied {
		g.applied = last
		g.notifyLocked()
	}
}

// state returns a copy of the retained entries for a raft snapshot
func (g *Group) state() snapshotState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return snapshotState{
		Applied:  g.applied,
		Released: g.released,
		Entries:  append([]ops.Entry(nil), g.entries...),
	}
}

// restore replaces the retained entries with the content of a raft snapshot
func (g *Group) restore(s snapshotState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = s.Entries
	g.applied = s.Applied
	g.released = s.Released
	g.notifyLocked()
	log.Infof("[shard=%d] restored log from snapshot: applied=%d released=%d retained=%d",
		g.shardID, s.Applied, s.Released, len(s.Entries))
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// translateError maps dragonboat errors to store errors
func translateError(action string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, dragonboat.ErrTimeout):
		return store.Errorf(store.RetCTimeout, "%s: %v", action, err)
	case errors.Is(err, dragonboat.ErrClosed), errors.Is(err, dragonboat.ErrShardClosed):
		return store.Errorf(store.RetCShuttingDown, "%s: %v", action, err)
	case errors.Is(err, dragonboat.ErrShardNotReady), errors.Is(err, dragonboat.ErrShardNotFound):
		return store.Errorf(store.RetCNotLeader, "%s: %v", action, err)
	default:
		return store.NewError(store.RetCInternalError, fmt.Sprintf("%s: %v", action, err))
	}
}
