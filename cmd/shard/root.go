package shard

import (
	"fmt"

	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.ReplicaClient

	// ShardCommands represents the shard command group
	ShardCommands = &cobra.Command{
		Use:               "shard",
		Short:             "Manage the shards and indexes of a replica group",
		PersistentPreRunE: setupClient,
	}

	createCmd = &cobra.Command{
		Use:   "create [shard] [collection] [properties]",
		Short: "Creates a shard, properties is an optional JSON document",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			if err := rpcClient.CreateShard(ctx, ops.ShardID(args[0]), args[1], optionalArg(args, 2)); err != nil {
				return err
			}
			fmt.Println("created successfully")
			return nil
		},
	}
	modifyCmd = &cobra.Command{
		Use:   "modify [shard] [collection] [properties]",
		Short: "Replaces the properties of a shard",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			if err := rpcClient.ModifyShard(ctx, ops.ShardID(args[0]), args[1], []byte(args[2])); err != nil {
				return err
			}
			fmt.Println("modified successfully")
			return nil
		},
	}
	dropCmd = &cobra.Command{
		Use:   "drop [shard] [collection]",
		Short: "Drops a shard, open transactions on the shard are aborted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			if err := rpcClient.DropShard(ctx, ops.ShardID(args[0]), args[1]); err != nil {
				return err
			}
			fmt.Println("dropped successfully")
			return nil
		},
	}
	createIndexCmd = &cobra.Command{
		Use:   "create-index [shard] [index]",
		Short: `Creates an index, e.g. '{"id":"byName","fields":["name"],"unique":false}'`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			if err := rpcClient.CreateIndex(ctx, ops.ShardID(args[0]), []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("index created successfully")
			return nil
		},
	}
	dropIndexCmd = &cobra.Command{
		Use:   "drop-index [shard] [index]",
		Short: `Drops an index, e.g. '{"id":"byName"}'`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			if err := rpcClient.DropIndex(ctx, ops.ShardID(args[0]), []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("index dropped successfully")
			return nil
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitEnv)

	// Add common RPC flags to the shard command
	util.SetupRPCClientFlags(ShardCommands)

	// Add subcommands
	ShardCommands.AddCommand(createCmd)
	ShardCommands.AddCommand(modifyCmd)
	ShardCommands.AddCommand(dropCmd)
	ShardCommands.AddCommand(createIndexCmd)
	ShardCommands.AddCommand(dropIndexCmd)
}

// setupClient initializes the RPC client
func setupClient(cmd *cobra.Command, _ []string) (err error) {
	rpcClient, err = util.NewReplicaClient(cmd)
	return err
}

func optionalArg(args []string, i int) []byte {
	if len(args) > i {
		return []byte(args[i])
	}
	return nil
}
