package status

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/spf13/cobra"
)

// StatusCmd prints the status of the replica that serves the request
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of a replica group",
	Long:  `Print role, log indexes, open transactions and shards of the replica that serves the request, as JSON.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := util.NewReplicaClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := util.Context()
		defer cancel()
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	cobra.OnInitialize(util.InitEnv)
	util.SetupRPCClientFlags(StatusCmd)
}
