package dlog

import (
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// appliedQuery asks the state machine for the last applied index
type appliedQuery struct{}

// snapshotState is the content of a raft snapshot: the retained entries of the group
type snapshotState struct {
	Applied  ops.LogIndex
	Released ops.LogIndex
	Entries  []ops.Entry
}

// stateMachine is a state machine implementation for Dragonboat RAFT. It only records
// the applied entries in its group.
type stateMachine struct {
	group     *Group
	shardID   uint64
	replicaID uint64
}

// Lookup handles read-only queries
func (fsm *stateMachine) Lookup(itf interface{}) (interface{}, error) {
	switch itf.(type) {
	case appliedQuery:
		return fsm.group.AppliedIndex(), nil
	default:
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("invalid query type: %T", itf))
	}
}

// Update records all entries that carry a valid operation. The result value of an
// entry is its index, or 0 if the command could not be decoded.
func (fsm *stateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {

	// Nothing to do
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()
	batch := make([]ops.Entry, 0, len(entries))

	for idx, e := range entries {
		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Data: []byte("empty command ignored")}
			continue
		}
		op, err := ops.DeserializeOperation(e.Cmd)
		if err != nil {
			entries[idx].Result = sm.Result{Data: []byte(fmt.Sprintf("failed to deserialize operation: %v", err))}
			continue
		}
		batch = append(batch, ops.Entry{Index: ops.LogIndex(e.Index), Op: op})
		entries[idx].Result = sm.Result{Value: e.Index}
	}

	fsm.group.appended(batch, ops.LogIndex(entries[len(entries)-1].Index))

	// Log if the update took long
	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("[shard=%d] state machine took long to update. Batch updated %d entries, took %.2fms",
			fsm.shardID, len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// PrepareSnapshot captures the retained entries
func (fsm *stateMachine) PrepareSnapshot() (interface{}, error) {
	return fsm.group.state(), nil
}

// SaveSnapshot writes the captured entries to the writer
func (fsm *stateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	state, ok := ctx.(snapshotState)
	if !ok {
		return fmt.Errorf("unexpected snapshot context %T", ctx)
	}
	return gob.NewEncoder(writer).Encode(state)
}

// RecoverFromSnapshot replaces the retained entries of the group
func (fsm *stateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	var state snapshotState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	fsm.group.restore(state)
	return nil
}

// Close performs any necessary cleanup.
func (fsm *stateMachine) Close() error {
	return nil
}
