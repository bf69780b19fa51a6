package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veloxdb/velox/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version and, if reachable, the server's",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("vdbctl %s\n", version.Version)

		var out map[string]string
		if err := doRequest("GET", "/version", nil, &out); err != nil {
			fmt.Printf("server: unreachable (%v)\n", err)
			return nil
		}
		fmt.Printf("server: %s\n", out["version"])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
