package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/ValentinKolb/dDoc/rpc/server"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/ValentinKolb/dDoc/rpc/transport/http"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the dDoc server",
		Long:    `Start the dDoc server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DDOC_<flag> (e.g. DDOC_TIMEOUT=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitEnv)

	// add flags
	key := "groups"
	ServeCmd.PersistentFlags().String(key, "1=local", cmdUtil.WrapString("Comma-separated list of replica groups to serve. Format: ID=MODE where MODE is one of: local, raft"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("(raft) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. \nOther raft configuration parameters (ElectionRTT=value*10, HeartbeatRTT=value*1) are derived from this value"))

	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Int(key, 1000, cmdUtil.WrapString("(raft) SnapshotEntries defines how often the raft log is snapshotted automatically, in terms of applied entries. Only the entries the replica did not release yet are part of a raft snapshot. 0 disables automatic snapshots (not recommended)"))

	key = "compaction-overhead"
	ServeCmd.PersistentFlags().Int(key, 500, cmdUtil.WrapString("(raft) CompactionOverhead defines the number of entries kept in the raft log after a snapshot. Recommended value is about 1/2 of SnapshotEntries"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("(raft) DataDir is the directory used for storing the raft log and snapshots"))

	key = "replica-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(raft) ReplicaID is the unique identifier for this NodeHost instance (e.g. 'node-1')"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(raft) ClusterMembers is a comma-separated list of NodeHost addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	key = "api-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(raft) APIMembers is a comma-separated list of the API endpoints of all members in the format 'node-1=http://localhost:8080,...'. Followers pull document snapshots from the endpoint of their leader"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds for proposals to the raft log and snapshot requests"))

	key = "snapshot-batch-size"
	ServeCmd.PersistentFlags().Int(key, 1000, cmdUtil.WrapString("Maximum number of documents per snapshot batch"))

	key = "snapshot-rate"
	ServeCmd.PersistentFlags().Float64(key, 0, cmdUtil.WrapString("Maximum number of snapshot batches a follower fetches per second, 0 disables the limit"))

	key = "worker-queue-size"
	ServeCmd.PersistentFlags().Int(key, 64, cmdUtil.WrapString("Capacity of the entry queue of a follower transaction worker"))

	key = "resign-timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds for replicating the abort of all transactions when a leader resigns"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen (e.g. localhost:8080)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// parse groups
	groups, err := parseGroups(viper.GetString("groups"))
	if err != nil {
		return err
	}
	serveCmdConfig.Groups = groups

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.SnapshotEntries = viper.GetUint64("snapshot-entries")
	serveCmdConfig.CompactionOverhead = viper.GetUint64("compaction-overhead")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.SnapshotBatchSize = viper.GetInt("snapshot-batch-size")
	serveCmdConfig.SnapshotRate = viper.GetFloat64("snapshot-rate")
	serveCmdConfig.WorkerQueueSize = viper.GetInt("worker-queue-size")
	serveCmdConfig.ResignTimeoutSecond = viper.GetInt64("resign-timeout")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	if _, err := common.ParseLogLevel(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	// parse replica id
	if id := viper.GetString("replica-id"); id != "" {
		serveCmdConfig.ReplicaID = cmdUtil.HashString(id)
	} else if serveCmdConfig.HasRaftGroup() {
		// error only if cluster mode
		return fmt.Errorf("ReplicaId is required for raft groups")
	}

	// parse cluster members
	if serveCmdConfig.ClusterMembers, err = parseMembers(viper.GetString("cluster-members")); err != nil {
		return err
	} else if len(serveCmdConfig.ClusterMembers) == 0 && serveCmdConfig.HasRaftGroup() {
		// error only if cluster mode
		return fmt.Errorf("ClusterMembers is required for raft groups")
	}

	// parse api members
	if serveCmdConfig.APIMembers, err = parseMembers(viper.GetString("api-members")); err != nil {
		return err
	}

	// test if the replica id is in the cluster members (only for cluster mode)
	if _, ok := serveCmdConfig.ClusterMembers[serveCmdConfig.ReplicaID]; !ok && serveCmdConfig.HasRaftGroup() {
		return fmt.Errorf("no address found for replica ID %d in cluster members", serveCmdConfig.ReplicaID)
	}

	// every member needs an api endpoint, otherwise its followers cannot catch up
	if serveCmdConfig.HasRaftGroup() {
		for id := range serveCmdConfig.ClusterMembers {
			if _, ok := serveCmdConfig.APIMembers[id]; !ok {
				return fmt.Errorf("no api endpoint found for replica ID %d in api members", id)
			}
		}
	}

	return nil
}

// parseGroups parses a list of replica groups in the format 'ID=MODE,...'
func parseGroups(value string) ([]common.ServerGroup, error) {
	groups := []common.ServerGroup{}
	for _, groupConfig := range strings.Split(value, ",") {
		parts := strings.Split(groupConfig, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid group format: %s (expected ID=MODE)", groupConfig)
		}

		// Parse group ID
		groupID, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid group ID %s: %v", parts[0], err)
		}

		// Parse group mode
		mode := common.GroupMode(strings.TrimSpace(parts[1]))
		switch mode {
		case common.GroupModeLocal, common.GroupModeRaft:
		default:
			return nil, fmt.Errorf("invalid group mode: %s (expected one of: local, raft)", mode)
		}

		groups = append(groups, common.ServerGroup{GroupID: groupID, Mode: mode})
	}
	return groups, nil
}

// parseMembers parses a list of members in the format 'name=address,...'. The names are hashed to replica ids.
func parseMembers(value string) (map[uint64]string, error) {
	if value == "" {
		return nil, nil
	}
	members := make(map[uint64]string)
	for _, member := range strings.Split(value, ",") {
		name, address, ok := strings.Cut(member, "=")
		if !ok || name == "" || address == "" {
			return nil, fmt.Errorf("invalid member format: %s (expected ID=address)", member)
		}
		members[cmdUtil.HashString(strings.TrimSpace(name))] = strings.TrimSpace(address)
	}
	return members, nil
}

// run starts the dDoc server and blocks until it receives SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {

	// parse the serializer
	var s serializer.IRPCSerializer
	switch viper.GetString("serializer") {
	case "json":
		s = serializer.NewJSONSerializer()
	case "gob":
		s = serializer.NewGOBSerializer()
	default:
		return fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}

	// Parse the transport
	var t transport.IRPCServerTransport
	switch viper.GetString("transport") {
	case "http":
		t = http.NewHttpServerTransport()
	default:
		return fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}

	serv := server.NewRPCServer(
		*serveCmdConfig,
		t,
		s,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serv.Serve(ctx)
}
