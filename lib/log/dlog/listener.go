package dlog

import (
	"sync"

	"github.com/lni/dragonboat/v4/raftio"
)

// LeaderListener implements raftio.IRaftEventListener and hands leader changes to
// one watcher per shard. Dragonboat must not be blocked by slow watchers, so only the
// latest change of a shard is kept.
type LeaderListener struct {
	mu       sync.Mutex
	watchers map[uint64]chan raftio.LeaderInfo
}

// NewLeaderListener creates a listener without watchers
func NewLeaderListener() *LeaderListener {
	return &LeaderListener{watchers: map[uint64]chan raftio.LeaderInfo{}}
}

// Watch returns the channel that receives the leader changes of shardID
func (l *LeaderListener) Watch(shardID uint64) <-chan raftio.LeaderInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.watchers[shardID]
	if !ok {
		ch = make(chan raftio.LeaderInfo, 1)
		l.watchers[shardID] = ch
	}
	return ch
}

// LeaderUpdated is called by dragonboat whenever the leader of a shard changes
func (l *LeaderListener) LeaderUpdated(info raftio.LeaderInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.watchers[info.ShardID]
	if !ok {
		log.Debugf("[shard=%d] leader changed to %d, no watcher", info.ShardID, info.LeaderID)
		return
	}
	log.Infof("[shard=%d] leader changed to %d (term %d)", info.ShardID, info.LeaderID, info.Term)

	// replace a change the watcher did not pick up yet
	select {
	case <-ch:
	default:
	}
	ch <- info
}
