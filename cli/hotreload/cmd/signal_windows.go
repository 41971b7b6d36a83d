package cmd

import (
	"os"
)

var reloadSignals []os.Signal
