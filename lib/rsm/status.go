package rsm

import (
	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/store"
)

// Roles reported by Status
const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
	RoleIdle     = "idle"
)

// Status is a point-in-time view of a shard-replica
type Status struct {
	GroupID            uint64                       `json:"group"`
	Role               string                       `json:"role"`
	State              string                       `json:"state,omitempty"`
	LastIndex          ops.LogIndex                 `json:"lastIndex"`
	ReleaseIndex       ops.LogIndex                 `json:"releaseIndex"`
	ActiveTransactions int                          `json:"activeTransactions"`
	Snapshots          int                          `json:"snapshots,omitempty"`
	Watermarks         map[ops.ShardID]ops.LogIndex `json:"watermarks,omitempty"`
	Shards             []store.ShardInfo            `json:"shards,omitempty"`
}

func (s *Status) fill(core *Core) {
	s.GroupID = core.GroupID
	s.Watermarks = core.LowestSafeIndexes()
	s.Shards = core.Shards.GetAvailableShards()
}
