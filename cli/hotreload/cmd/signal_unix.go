//go:build !windows

package cmd

import (
	"os"
	"syscall"
)

// reloadSignals force a reload of the module file.
var reloadSignals = []os.Signal{syscall.SIGUSR1}
