package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dDoc/cmd/serve"
	"github.com/ValentinKolb/dDoc/cmd/shard"
	"github.com/ValentinKolb/dDoc/cmd/status"
	"github.com/ValentinKolb/dDoc/cmd/trx"
	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "ddoc",
		Short: "replicated document store",
		Long: fmt.Sprintf(`dDoc (v%s)

A replicated document store written in Go. Every replica group replays
a replicated log of transaction operations onto its document shards,
using RAFT consensus for ordering and fault tolerance.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dDoc",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dDoc v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(shard.ShardCommands)
	RootCmd.AddCommand(trx.TransactionCommands)
	RootCmd.AddCommand(status.StatusCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("serializer to use (json, gob)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "http", util.WrapString("transport to use (http)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
