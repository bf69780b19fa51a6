// Command vdbctl is the administrative and query client for a running
// collection: it can also boot the server itself via "serve".
package main

import (
	"os"

	"github.com/veloxdb/velox/cmd/vdbctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
