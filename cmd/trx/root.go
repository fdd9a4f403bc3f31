package trx

import (
	"fmt"
	"strconv"

	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/lib/ops"
	"github.com/ValentinKolb/dDoc/lib/rsm"
	"github.com/ValentinKolb/dDoc/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcClient *client.ReplicaClient

	// TransactionCommands represents the transaction command group
	TransactionCommands = &cobra.Command{
		Use:   "trx",
		Short: "Run transactions on a replica group",
		Long: `Run transactions on a replica group. A transaction is started with 'begin',
the returned id is passed to every following operation until 'commit' or 'abort'.
Payloads are JSON arrays of documents, e.g. '[{"_key":"a","name":"x"}]'.`,
		PersistentPreRunE: setupClient,
	}

	beginCmd = &cobra.Command{
		Use:   "begin",
		Short: "Starts a transaction and prints its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			tid, err := rpcClient.Begin(ctx)
			if err != nil {
				return err
			}
			fmt.Println(uint64(tid))
			return nil
		},
	}
	insertCmd   = mutationCommand("insert", "Inserts documents", ops.Insert)
	updateCmd   = mutationCommand("update", "Partially updates documents", ops.Update)
	replaceCmd  = mutationCommand("replace", "Replaces documents", ops.Replace)
	removeCmd   = mutationCommand("remove", "Removes documents", ops.Remove)
	truncateCmd = &cobra.Command{
		Use:   "truncate [tid] [shard]",
		Short: "Removes all documents of a shard",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tid, err := parseTid(args[0])
			if err != nil {
				return err
			}
			return execute(ops.Truncate(tid, ops.ShardID(args[1])))
		},
	}
	commitCmd             = boundaryCommand("commit", "Commits a transaction", ops.Commit)
	abortCmd              = boundaryCommand("abort", "Aborts a transaction", ops.Abort)
	intermediateCommitCmd = boundaryCommand("intermediate-commit", "Commits the writes of a transaction so far, the transaction stays open", ops.IntermediateCommit)
	abortAllCmd           = &cobra.Command{
		Use:   "abort-all",
		Short: "Aborts every open transaction of the replica group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			if err := rpcClient.AbortAll(ctx); err != nil {
				return err
			}
			fmt.Println("aborted all transactions")
			return nil
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitEnv)

	// Add common RPC flags to the trx command
	util.SetupRPCClientFlags(TransactionCommands)

	key := "wait-for-commit"
	TransactionCommands.PersistentFlags().Bool(key, false, util.WrapString("Wait until the entry of the operation is committed (always done for commit)"))
	key = "wait-for-sync"
	TransactionCommands.PersistentFlags().Bool(key, false, util.WrapString("Ask the log to sync the entry to disk"))

	// Add subcommands
	TransactionCommands.AddCommand(beginCmd)
	TransactionCommands.AddCommand(insertCmd)
	TransactionCommands.AddCommand(updateCmd)
	TransactionCommands.AddCommand(replaceCmd)
	TransactionCommands.AddCommand(removeCmd)
	TransactionCommands.AddCommand(truncateCmd)
	TransactionCommands.AddCommand(commitCmd)
	TransactionCommands.AddCommand(abortCmd)
	TransactionCommands.AddCommand(intermediateCommitCmd)
	TransactionCommands.AddCommand(abortAllCmd)
	TransactionCommands.AddCommand(perfTestCmd)
}

// setupClient initializes the RPC client
func setupClient(cmd *cobra.Command, _ []string) (err error) {
	rpcClient, err = util.NewReplicaClient(cmd)
	return err
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func mutationCommand(name, short string, build func(ops.TransactionID, ops.ShardID, []byte) ops.Operation) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [tid] [shard] [documents]",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tid, err := parseTid(args[0])
			if err != nil {
				return err
			}
			return execute(build(tid, ops.ShardID(args[1]), []byte(args[2])))
		},
	}
}

func boundaryCommand(name, short string, build func(ops.TransactionID) ops.Operation) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [tid]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tid, err := parseTid(args[0])
			if err != nil {
				return err
			}
			return execute(build(tid))
		},
	}
}

func execute(op ops.Operation) error {
	ctx, cancel := util.Context()
	defer cancel()

	idx, err := rpcClient.Execute(ctx, op, rsm.ReplicationOptions{
		WaitForCommit: viper.GetBool("wait-for-commit") || op.Kind == ops.KindCommit,
		WaitForSync:   viper.GetBool("wait-for-sync"),
	})
	if err != nil {
		return err
	}
	if idx == 0 {
		fmt.Printf("%s done (not replicated)\n", op.Kind)
	} else {
		fmt.Printf("%s done at log index %d\n", op.Kind, idx)
	}
	return nil
}

func parseTid(s string) (ops.TransactionID, error) {
	tid, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tid must be a number: %w", err)
	}
	return ops.TransactionID(tid), nil
}
