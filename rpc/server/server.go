package server

import (
	"context"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ValentinKolb/dDoc/lib/log/dlog"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/ValentinKolb/dDoc/rpc/serializer"
	"github.com/ValentinKolb/dDoc/rpc/transport"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		http.NewHttpServerTransport(),
//		serializer.NewJSONSerializer(),
//	)
//
//	if err := s.Serve(ctx); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	// Create the RPC server
	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		adapter:    NewReplicaServerAdapter(),
		groups:     xsync.NewMapOf[uint64, *replicaGroup](),
	}
}

// RPCServer serves the replica groups of this node
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	adapter    IRPCServerAdapter
	groups     *xsync.MapOf[uint64, *replicaGroup]
	nodeHost   *dragonboat.NodeHost
}

// Handle decodes a request, lets the adapter handle it and returns the encoded response.
// It is registered as handler of the transport.
func (s *RPCServer) Handle(ctx context.Context, groupId uint64, req []byte) []byte {
	var msg common.Message
	var respMsg *common.Message

	// Get appropriate group
	group, ok := s.groups.Load(groupId)

	// Case group does not exist -> error
	if !ok {
		respMsg = common.NewErrorResponse(store.Errorf(store.RetCShardNotFound, "replica group %d not found", groupId))
	} else if err := s.serializer.Deserialize(req, &msg); err != nil {
		respMsg = common.NewErrorResponse(store.Errorf(store.RetCInvalidOperation, "failed to deserialize request: %s", err))
	} else {
		// Let the adapter handle the request
		respMsg = s.adapter.Handle(ctx, &msg, group)
	}

	// Return result
	val, err := s.serializer.Serialize(*respMsg)
	if err != nil {
		Logger.Errorf("failed to serialize response: %v", err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(
			store.Errorf(store.RetCInternalError, "failed to serialize response: %s", err)))
	}
	return val
}

// Setup creates the NodeHost (if needed) and all replica groups of the config.
// Serve calls Setup, it is exported to run a server without transport.
func (s *RPCServer) Setup(ctx context.Context) error {

	// Init logger
	if err := common.InitLoggers(s.config); err != nil {
		return err
	}

	// Create the Dragonboat NodeHost
	var listener *dlog.LeaderListener
	if s.config.HasRaftGroup() {
		// Only create the NodeHost if we have raft groups
		listener = dlog.NewLeaderListener()
		nodeHost, err := dragonboat.NewNodeHost(s.config.ToNodeHostConfig(listener))
		if err != nil {
			return fmt.Errorf("failed to create node host: %w", err)
		}
		s.nodeHost = nodeHost
	}

	// CREATE GROUPS

	/*
		Note: A single RPC Server can serve any number of local and raft groups.
		A local group is always led by this node. The replica of a raft group
		follows the raft leadership of its shard.
	*/

	for _, groupConfig := range s.config.Groups {
		switch groupConfig.Mode {
		case common.GroupModeLocal:
			group, err := newLocalGroup(ctx, groupConfig.GroupID, s.config)
			if err != nil {
				return fmt.Errorf("failed to create local group %d: %w", groupConfig.GroupID, err)
			}
			s.groups.Store(groupConfig.GroupID, group)
			Logger.Infof("created local replica group %d", groupConfig.GroupID)

		case common.GroupModeRaft:
			if s.nodeHost == nil {
				return fmt.Errorf("node host is nil, cannot create raft group")
			}

			// The watcher must exist before the shard starts, so the first leader change is not missed
			rlog := dlog.NewGroup(s.nodeHost, groupConfig.GroupID, s.config.Timeout())
			group := newRaftGroup(groupConfig.GroupID, s.config, rlog, listener.Watch(groupConfig.GroupID), s.serializer)

			// Start Raft for the group
			if err := s.nodeHost.StartConcurrentReplica(s.config.ClusterMembers, false, rlog.StateMachineFactory(), s.config.ToDragonboatConfig(groupConfig.GroupID)); err != nil {
				group.close()
				return fmt.Errorf("failed to start raft group %d: %w", groupConfig.GroupID, err)
			}
			s.groups.Store(groupConfig.GroupID, group)
			Logger.Infof("created raft replica group %d", groupConfig.GroupID)

		default:
			return fmt.Errorf("invalid group mode: %s", groupConfig.Mode)
		}
	}

	Logger.Infof("dDoc setup completed successfully")

	// Configure the transport layer
	if s.transport != nil {
		s.transport.RegisterHandler(s.Handle)
	}

	return nil
}

// Serve starts the RPC server
// This function will also initialize the server plus the groups and start the transport layer.
// It returns when ctx is done.
func (s *RPCServer) Serve(ctx context.Context) error {
	if err := s.Setup(ctx); err != nil {
		s.Close()
		return err
	}
	defer s.Close()
	return s.transport.Listen(ctx, s.config)
}

// Close resigns all replicas and stops the NodeHost
func (s *RPCServer) Close() {
	s.groups.Range(func(id uint64, group *replicaGroup) bool {
		group.close()
		s.groups.Delete(id)
		return true
	})
	if s.nodeHost != nil {
		s.nodeHost.Close()
		s.nodeHost = nil
	}
}
