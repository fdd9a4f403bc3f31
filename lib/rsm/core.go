package rsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/time/rate"
)

var log = logger.GetLogger("docstate")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures leaders and followers created by a Factory.
type Options struct {
	// FatalHandler is called for errors that leave the replica in an undefined state.
	// The default handler logs the error and panics.
	FatalHandler func(err error)
	// SnapshotBatchSize is the maximum number of documents per snapshot batch
	SnapshotBatchSize int
	// SnapshotRate limits the number of snapshot batches a follower fetches per second, 0 disables the limit.
	SnapshotRate float64
	// WorkerQueueSize is the capacity of the queue of a transaction worker
	WorkerQueueSize int
	// IntakeQueueSize is the capacity of the request queue of a follower
	IntakeQueueSize int
	// ResignTimeout bounds the best effort replication of the global abort on resign
	ResignTimeout time.Duration
	// Name identifies this replica as snapshot destination
	Name string
}

func (o Options) withDefaults() Options {
	if o.FatalHandler == nil {
		o.FatalHandler = func(err error) {
			log.Errorf("fatal error in replicated state machine: %v", err)
			panic(err)
		}
	}
	if o.SnapshotBatchSize <= 0 {
		o.SnapshotBatchSize = 1000
	}
	if o.WorkerQueueSize <= 0 {
		o.WorkerQueueSize = 64
	}
	if o.IntakeQueueSize <= 0 {
		o.IntakeQueueSize = 16
	}
	if o.ResignTimeout <= 0 {
		o.ResignTimeout = 5 * time.Second
	}
	return o
}

func (o Options) snapshotLimit() rate.Limit {
	if o.SnapshotRate <= 0 {
		return rate.Inf
	}
	return rate.Limit(o.SnapshotRate)
}

// --------------------------------------------------------------------------
// Core
// --------------------------------------------------------------------------

// Handlers are the parts of the storage engine a replica works with.
type Handlers struct {
	Shards       store.IShardHandler
	Transactions store.ITransactionHandler
	Manager      store.ITransactionManager
}

// HandlersFromEngine returns the handlers of a storage engine.
func HandlersFromEngine(engine store.IStorageEngine) Handlers {
	return Handlers{Shards: engine, Transactions: engine, Manager: engine}
}

// Core is the role independent state of a shard-replica. It outlives every role
// change and is handed from one role to the next; exactly one role owns it at a time.
type Core struct {
	GroupID uint64
	Handlers

	metrics *replicaMetrics

	safeMu     sync.Mutex
	lowestSafe map[ops.ShardID]ops.LogIndex
}

// NewCore creates the core of the replica group groupID
func NewCore(groupID uint64, handlers Handlers) *Core {
	return &Core{
		GroupID:    groupID,
		Handlers:   handlers,
		metrics:    newReplicaMetrics(groupID),
		lowestSafe: map[ops.ShardID]ops.LogIndex{},
	}
}

// IsSafeForReplay reports whether a data mutation at idx may be applied to the shard.
// Entries below the watermark of a shard are already reflected by the last snapshot.
func (c *Core) IsSafeForReplay(shard ops.ShardID, idx ops.LogIndex) bool {
	c.safeMu.Lock()
	defer c.safeMu.Unlock()
	lowest, ok := c.lowestSafe[shard]
	return !ok || idx >= lowest
}

// SetLowestSafeIndex sets the watermark of a shard
func (c *Core) SetLowestSafeIndex(shard ops.ShardID, idx ops.LogIndex) {
	c.safeMu.Lock()
	defer c.safeMu.Unlock()
	c.lowestSafe[shard] = idx
}

// ResetLowestSafeIndexes drops all watermarks
func (c *Core) ResetLowestSafeIndexes() {
	c.safeMu.Lock()
	defer c.safeMu.Unlock()
	c.lowestSafe = map[ops.ShardID]ops.LogIndex{}
}

// LowestSafeIndexes returns a copy of all watermarks
func (c *Core) LowestSafeIndexes() map[ops.ShardID]ops.LogIndex {
	c.safeMu.Lock()
	defer c.safeMu.Unlock()
	out := make(map[ops.ShardID]ops.LogIndex, len(c.lowestSafe))
	for k, v := range c.lowestSafe {
		out[k] = v
	}
	return out
}

// applyDataDefinition executes a shard or index operation against the shard handler
func (c *Core) applyDataDefinition(op ops.Operation) error {
	switch op.Kind {
	case ops.KindCreateShard:
		return c.Shards.CreateLocalShard(op.Shard, op.Collection, op.Properties)
	case ops.KindModifyShard:
		return c.Shards.ModifyShard(op.Shard, op.Collection, op.Properties)
	case ops.KindDropShard:
		return c.Shards.DropLocalShard(op.Shard)
	case ops.KindCreateIndex:
		return c.Shards.EnsureIndex(op.Shard, op.Index)
	case ops.KindDropIndex:
		return c.Shards.DropIndex(op.Shard, op.Index)
	default:
		return store.Errorf(store.RetCInvalidOperation, "%s is not a data definition operation", op.Kind)
	}
}

// --------------------------------------------------------------------------
// Factory
// --------------------------------------------------------------------------

// Factory creates the roles of a shard-replica on top of one replicated log.
type Factory struct {
	log  ReplicatedLog
	opts Options
}

// NewFactory creates a factory for leaders and followers that use the given log
func NewFactory(rlog ReplicatedLog, opts Options) *Factory {
	return &Factory{log: rlog, opts: opts.withDefaults()}
}

// ConstructLeader creates a leader for core. recovery iterates the committed entries
// that are not yet released; the leader replays them before it accepts requests.
// On error the core is not consumed and can be reused.
func (f *Factory) ConstructLeader(ctx context.Context, core *Core, recovery ops.EntryIterator) (*Leader, error) {
	l := newLeader(f.log, core, f.opts)
	if recovery == nil {
		recovery = ops.NewSliceIterator(nil)
	}
	if err := l.recoverEntries(ctx, recovery); err != nil {
		return nil, err
	}
	return l, nil
}

// ConstructFollower creates a follower for core and starts its worker.
func (f *Factory) ConstructFollower(core *Core) *Follower {
	return newFollower(f.log, core, f.opts)
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var errResigned = store.NewError(store.RetCNotLeader, "replica resigned")

// wrapLogError maps errors of the replicated log to store errors
func wrapLogError(action string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return store.Errorf(store.RetCTimeout, "%s: %v", action, err)
	}
	var e *store.Error
	if errors.As(err, &e) {
		return fmt.Errorf("%s: %w", action, err)
	}
	return store.Errorf(store.RetCInternalError, "%s: %v", action, err)
}
