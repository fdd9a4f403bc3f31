package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDoc/lib/log/dlog"
	"github.com/ValentinKolb/dDoc/lib/log/memlog"
	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/rsm"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/ValentinKolb/dDoc/lib/store/docstore"
	"github.com/ValentinKolb/dDoc/rpc/client"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	httpTransport "github.com/ValentinKolb/dDoc/rpc/transport/http"
	"github.com/lni/dragonboat/v4/raftio"
)

// retryDelay is the pause of the follower pump after a failed snapshot transfer
var retryDelay = time.Second

// replicaGroup is a replica group served by this node.
// The replica is driven either by an in-memory log (local) or by a raft shard.
type replicaGroup struct {
	id      uint64
	replica *rsm.Replica

	tidMu sync.Mutex
	tids  *ops.TransactionIDGenerator

	// raft groups only
	log        *dlog.Group
	serializer serializer.IRPCSerializer
	stop       context.CancelFunc
	stopped    chan struct{}
	// reflected is the highest log index the core of the replica reflects
	reflected atomic.Uint64
}

func (g *replicaGroup) reflect(idx ops.LogIndex) {
	for {
		cur := g.reflected.Load()
		if uint64(idx) <= cur || g.reflected.CompareAndSwap(cur, uint64(idx)) {
			return
		}
	}
}

// nextTransactionID returns a new leader transaction id
func (g *replicaGroup) nextTransactionID() ops.TransactionID {
	g.tidMu.Lock()
	defer g.tidMu.Unlock()
	return g.tids.Next()
}

// resetTransactionIDs seeds the generator with the current time, so ids issued by
// a new leader do not collide with ids of earlier leaders.
func (g *replicaGroup) resetTransactionIDs() {
	g.tidMu.Lock()
	defer g.tidMu.Unlock()
	g.tids = ops.NewTransactionIDGenerator(uint64(time.Now().UnixMicro()))
}

func replicaOptions(config common.ServerConfig, groupId uint64) rsm.Options {
	return rsm.Options{
		SnapshotBatchSize: config.SnapshotBatchSize,
		SnapshotRate:      config.SnapshotRate,
		WorkerQueueSize:   config.WorkerQueueSize,
		ResignTimeout:     time.Duration(config.ResignTimeoutSecond) * time.Second,
		Name:              fmt.Sprintf("%d/%d", groupId, config.ReplicaID),
	}
}

// newLocalGroup creates a group on top of an in-memory log. The replica is the permanent leader.
func newLocalGroup(ctx context.Context, groupId uint64, config common.ServerConfig) (*replicaGroup, error) {
	rlog := memlog.New(memlog.DefaultOptions())
	core := rsm.NewCore(groupId, rsm.HandlersFromEngine(docstore.NewEngine()))
	g := &replicaGroup{
		id:      groupId,
		replica: rsm.NewReplica(rsm.NewFactory(rlog, replicaOptions(config, groupId)), core),
	}
	g.resetTransactionIDs()
	if _, err := g.replica.BecomeLeader(ctx, nil); err != nil {
		return nil, err
	}
	return g, nil
}

// newRaftGroup creates a group on top of the raft shard of rlog. The role of the
// replica follows the leadership of the shard reported by leaderChanges.
// Snapshots are pulled from the leader with the given serializer.
func newRaftGroup(groupId uint64, config common.ServerConfig, rlog *dlog.Group, leaderChanges <-chan raftio.LeaderInfo, serializer serializer.IRPCSerializer) *replicaGroup {
	core := rsm.NewCore(groupId, rsm.HandlersFromEngine(docstore.NewEngine()))
	ctx, cancel := context.WithCancel(context.Background())
	g := &replicaGroup{
		id:         groupId,
		replica:    rsm.NewReplica(rsm.NewFactory(rlog, replicaOptions(config, groupId)), core),
		log:        rlog,
		serializer: serializer,
		stop:       cancel,
		stopped:    make(chan struct{}),
	}
	g.resetTransactionIDs()
	go g.control(ctx, config, leaderChanges)
	return g
}

// close stops the controller of a raft group and resigns the replica
func (g *replicaGroup) close() {
	if g.stop != nil {
		g.stop()
		<-g.stopped
	}
	if g.log != nil {
		_ = g.log.Close()
	}
	g.replica.Resign()
}

// --------------------------------------------------------------------------
// Raft groups
// --------------------------------------------------------------------------

// control moves the replica between leader and follower whenever the leader of the shard changes
func (g *replicaGroup) control(ctx context.Context, config common.ServerConfig, leaderChanges <-chan raftio.LeaderInfo) {
	defer close(g.stopped)

	var stopPump context.CancelFunc
	var pumpDone chan struct{}
	halt := func() {
		if stopPump != nil {
			stopPump()
			<-pumpDone
			stopPump = nil
		}
	}
	defer halt()

	for {
		select {
		case <-ctx.Done():
			return
		case info := <-leaderChanges:
			halt()
			g.reflect(g.replica.Status().LastIndex)

			if info.LeaderID == config.ReplicaID {
				g.becomeLeader(ctx, config)
				continue
			}

			Logger.Infof("[group=%d] following replica %d in term %d", g.id, info.LeaderID, info.Term)
			g.replica.BecomeFollower()
			pumpCtx, cancel := context.WithCancel(ctx)
			stopPump, pumpDone = cancel, make(chan struct{})
			go func(done chan struct{}) {
				defer close(done)
				g.pump(pumpCtx, config, info.LeaderID)
			}(pumpDone)
		}
	}
}

// becomeLeader waits until every committed entry is applied locally and recovers the retained entries.
// A replica whose documents do not reach the released part of the log hands the leadership to another member.
func (g *replicaGroup) becomeLeader(ctx context.Context, config common.ServerConfig) {
	if err := g.log.Sync(ctx); err != nil {
		Logger.Errorf("[group=%d] failed to sync log before taking over: %v", g.id, err)
		g.replica.Resign()
		return
	}

	if released := g.log.ReleaseIndex(); uint64(released) > g.reflected.Load() {
		g.replica.Resign()
		for replicaID := range config.ClusterMembers {
			if replicaID == config.ReplicaID {
				continue
			}
			Logger.Warningf("[group=%d] log is released up to %d but documents only reflect %d, transferring leadership to %d",
				g.id, released, g.reflected.Load(), replicaID)
			if err := g.log.TransferLeadership(replicaID); err != nil {
				Logger.Errorf("[group=%d] leader transfer failed: %v", g.id, err)
			}
			return
		}
		Logger.Errorf("[group=%d] log is released up to %d but documents only reflect %d and no other member exists",
			g.id, released, g.reflected.Load())
		return
	}

	recovery := g.log.Entries(g.log.ReleaseIndex() + 1)
	if _, err := g.replica.BecomeLeader(ctx, recovery); err != nil {
		Logger.Errorf("[group=%d] failed to recover as leader: %v", g.id, err)
		return
	}
	g.resetTransactionIDs()
	Logger.Infof("[group=%d] became leader", g.id)
}

// pump feeds the entries applied by the raft shard to the follower. If the entries
// the follower needs are already released it pulls a snapshot from the leader.
func (g *replicaGroup) pump(ctx context.Context, config common.ServerConfig, leaderID uint64) {
	next := ops.LogIndex(g.reflected.Load()) + 1

	for ctx.Err() == nil {
		if !g.log.Covers(next) {
			if err := g.acquireSnapshot(ctx, config, leaderID); err != nil {
				Logger.Warningf("[group=%d] snapshot from replica %d failed: %v", g.id, leaderID, err)
				select {
				case <-time.After(retryDelay):
				case <-ctx.Done():
				}
				continue
			}
			g.reflect(g.replica.Status().LastIndex)
			next = ops.LogIndex(g.reflected.Load()) + 1
			continue
		}

		if err := g.log.WaitFor(ctx, next); err != nil {
			if !errors.Is(err, context.Canceled) {
				Logger.Infof("[group=%d] stopped following: %v", g.id, err)
			}
			return
		}

		entries, applied := g.log.Read(next)
		if len(entries) > 0 {
			if _, err := g.replica.ApplyEntries(ctx, ops.NewSliceIterator(entries)); err != nil {
				if !store.IsLeadershipLost(err) && ctx.Err() == nil {
					Logger.Errorf("[group=%d] failed to apply entries from %d: %v", g.id, next, err)
				}
				return
			}
		}
		g.reflect(applied)
		next = applied + 1
	}
}

// acquireSnapshot pulls a snapshot from the rpc endpoint of the leader
func (g *replicaGroup) acquireSnapshot(ctx context.Context, config common.ServerConfig, leaderID uint64) error {
	endpoint, ok := config.APIMembers[leaderID]
	if !ok {
		return store.Errorf(store.RetCUnavailable, "no api endpoint for replica %d", leaderID)
	}

	source, err := client.NewRPCReplicaClient(
		g.id,
		common.ClientConfig{Endpoints: []string{endpoint}, TimeoutSecond: int(config.TimeoutSecond), RetryCount: 1},
		httpTransport.NewHttpClientTransport(),
		g.serializer,
	)
	if err != nil {
		return err
	}
	defer source.Close()

	Logger.Infof("[group=%d] log released past the follower, pulling snapshot from %s", g.id, endpoint)
	return g.replica.AcquireSnapshot(ctx, source)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ReplicaGroup)
// --------------------------------------------------------------------------

func (g *replicaGroup) Replica() *rsm.Replica {
	return g.replica
}

func (g *replicaGroup) NextTransactionID() ops.TransactionID {
	return g.nextTransactionID()
}
