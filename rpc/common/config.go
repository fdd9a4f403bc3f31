package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lni/dragonboat/v4/config"
	"github.com/lni/dragonboat/v4/raftio"
)

// --------------------------------------------------------------------------
// helper functions for to interface with Dragonboat (for the server util)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the ServerConfig to Dragonboat Config
func (c *ServerConfig) ToDragonboatConfig(shardId uint64) config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            shardId,
		ElectionRTT:        electionRTTFactor,  // = c.RTTMillisecond * 10
		HeartbeatRTT:       heartbeatRTTFactor, // = c.RTTMillisecond * 1
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat. The listener is informed
// about leader changes of all raft groups.
func (c *ServerConfig) ToNodeHostConfig(listener raftio.IRaftEventListener) config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:            c.DataDir,
		NodeHostDir:       c.DataDir,
		RTTMillisecond:    c.RTTMillisecond,
		RaftAddress:       c.ClusterMembers[c.ReplicaID],
		RaftEventListener: listener,
	}
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

type GroupMode string

const (
	// GroupModeLocal runs the replica group on an in-memory log, the replica is the permanent leader
	GroupModeLocal GroupMode = "local"
	// GroupModeRaft runs the replica group on a raft log, the role follows the raft leadership
	GroupModeRaft GroupMode = "raft"
)

type ServerGroup struct {
	// GroupID is the ID of the replica group (and of the raft shard)
	GroupID uint64
	// Mode is the log the group runs on
	Mode GroupMode
}

// ServerConfig holds all configuration parameters of a dDoc server.
type ServerConfig struct {
	// the replica groups served by this node
	Groups []ServerGroup

	// Dragenboat parameters
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	DataDir            string
	ReplicaID          uint64
	ClusterMembers     map[uint64]string

	// APIMembers maps the replica ids to the api endpoints, followers pull
	// document snapshots from the endpoint of the leader
	APIMembers map[uint64]string

	// raft log parameters
	TimeoutSecond int64

	// Replica parameters
	SnapshotBatchSize   int
	SnapshotRate        float64
	WorkerQueueSize     int
	ResignTimeoutSecond int64

	// HTTP api settings
	Endpoint string

	// Logging configuration
	LogLevel string
}

// Timeout returns the raft timeout as duration
func (c *ServerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// HasRaftGroup checks if the configuration contains any raft groups
func (c *ServerConfig) HasRaftGroup() bool {
	for _, group := range c.Groups {
		if group.Mode == GroupModeRaft {
			return true
		}
	}
	return false
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Groups
	addSection("Replica Groups")
	for _, group := range c.Groups {
		addField(strconv.FormatUint(group.GroupID, 10), string(group.Mode))
	}

	// Replica parameters
	addSection("Replica Parameters")
	addField("Snapshot Batch Size", strconv.Itoa(c.SnapshotBatchSize))
	if c.SnapshotRate > 0 {
		addField("Snapshot Rate", fmt.Sprintf("%.1f batches/sec", c.SnapshotRate))
	} else {
		addField("Snapshot Rate", "unlimited")
	}
	addField("Worker Queue Size", strconv.Itoa(c.WorkerQueueSize))
	addField("Resign Timeout", fmt.Sprintf("%d sec", c.ResignTimeoutSecond))

	if c.HasRaftGroup() {
		// Node Identity
		addSection("Node Identity")
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))

		// RAFT parameters
		addSection("RAFT Parameters")
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Check Quorum", fmt.Sprintf("%t", true))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))

		// Storage
		addSection("Storage")
		addField("Data Directory", c.DataDir)

		// Cluster configuration
		addSection("Cluster")
		sb.WriteString("  Initial Cluster Members:\n")

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			api := c.APIMembers[k]
			if api == "" {
				api = "-"
			}
			sb.WriteString(fmt.Sprintf("    Node %d: %s (api %s)\n", k, c.ClusterMembers[k], api))
		}
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints     []string
	TimeoutSecond int
	RetryCount    int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
