package main

import (
	"os"

	"github.com/edwingeng/hotreload/cli/hotreload/cmd"
)

func main() {
	for i, arg := range os.Args {
		if arg == "--" {
			cmd.BuildFlags = os.Args[i+1:]
			os.Args = os.Args[:i]
			break
		}
	}

	cmd.Execute()
}
