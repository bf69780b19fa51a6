package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

type backupResponse struct {
	LSN     uint64 `json:"lsn"`
	Archive string `json:"archive"`
	Size    int64  `json:"size"`
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take a point-in-time backup of every stored value and the persisted graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out backupResponse
		if err := doRequest("POST", "/admin/backup", nil, &out); err != nil {
			return err
		}
		fmt.Printf("OK: backed up %d bytes to %s (lsn %d)\n", out.Size, out.Archive, out.LSN)
		return nil
	},
}

type restoreRequest struct {
	Archive string `json:"archive"`
}

var restoreCmd = &cobra.Command{
	Use:   "restore <archive>",
	Short: "Restore stored values and the persisted graph from a backup archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doRequest("POST", "/admin/restore", restoreRequest{Archive: args[0]}, nil); err != nil {
			return err
		}
		fmt.Println("OK: restored; run `vdbctl rebuild` to rebuild the ANN index over the restored values")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backupCmd, restoreCmd)
}
