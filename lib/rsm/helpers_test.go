package rsm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/lib/log/memlog"
	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store/docstore"
	"github.com/stretchr/testify/require"
)

// recordingLog is a memlog that keeps a copy of every inserted entry, so the
// entries can be replayed on followers after the leader released them.
type recordingLog struct {
	*memlog.Log
	mu  sync.Mutex
	all []ops.Entry
}

func newRecordingLog() *recordingLog {
	return &recordingLog{Log: memlog.New(memlog.DefaultOptions())}
}

func (r *recordingLog) Insert(ctx context.Context, op ops.Operation, waitForSync bool) (ops.LogIndex, error) {
	idx, err := r.Log.Insert(ctx, op, waitForSync)
	if err == nil {
		r.mu.Lock()
		r.all = append(r.all, ops.Entry{Index: idx, Op: op})
		r.mu.Unlock()
	}
	return idx, err
}

// from returns an iterator over all entries ever inserted with an index >= idx
func (r *recordingLog) from(idx ops.LogIndex) ops.EntryIterator {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ops.Entry
	for _, e := range r.all {
		if e.Index >= idx {
			out = append(out, e)
		}
	}
	return ops.NewSliceIterator(out)
}

// fatalRecorder collects the errors passed to the fatal handler
type fatalRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (f *fatalRecorder) handle(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fatalRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		FatalHandler: func(err error) {
			t.Errorf("unexpected fatal error: %v", err)
		},
		Name:          t.Name(),
		ResignTimeout: time.Second,
	}
}

func newTestCore(groupID uint64) (*Core, *docstore.Store) {
	s := docstore.NewStore()
	return NewCore(groupID, HandlersFromEngine(s)), s
}

func newTestLeader(t *testing.T, rlog ReplicatedLog, opts Options) (*Leader, *docstore.Store) {
	t.Helper()
	core, s := newTestCore(1)
	leader, err := NewFactory(rlog, opts).ConstructLeader(context.Background(), core, nil)
	require.NoError(t, err)
	return leader, s
}

func newTestFollower(t *testing.T, opts Options) (*Follower, *docstore.Store) {
	t.Helper()
	core, s := newTestCore(1)
	f := NewFactory(memlog.New(memlog.DefaultOptions()), opts).ConstructFollower(core)
	t.Cleanup(func() { f.Resign() })
	return f, s
}

// dumpState returns all documents of all shards
func dumpState(t *testing.T, s *docstore.Store) map[ops.ShardID]map[string]string {
	t.Helper()
	out := map[ops.ShardID]map[string]string{}
	for _, info := range s.GetAvailableShards() {
		data, err := s.ReadShard(info.ID)
		require.NoError(t, err)
		docs := map[string]string{}
		for _, d := range data.Documents {
			docs[d.Key] = string(d.Body)
		}
		out[info.ID] = docs
	}
	return out
}

// exec executes a transaction operation on the leader and fails the test on error
func exec(t *testing.T, l *Leader, op ops.Operation) ops.LogIndex {
	t.Helper()
	idx, err := l.ExecuteTransactionOperation(context.Background(), op, ReplicationOptions{})
	require.NoError(t, err)
	return idx
}
