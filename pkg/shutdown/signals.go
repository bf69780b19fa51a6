package shutdown

import (
	"os"
	"syscall"
)

// defaultSignals returns the signals a Handler listens for when no
// explicit SetSignals call has been made: interrupt and terminate.
func defaultSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}
