// Package commands implements the vdbctl subcommands.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	addr  string
	token string
)

var rootCmd = &cobra.Command{
	Use:   "vdbctl",
	Short: "Administer and query a velox collection",
	Long: `vdbctl talks to a running velox HTTP server (or boots one with
"serve"): put, get, delete, and query values, and trigger index rebuilds.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "velox server address")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "shared-secret auth token")
}
