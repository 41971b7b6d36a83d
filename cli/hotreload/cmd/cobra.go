package cmd

import (
	"github.com/spf13/cobra"
)

// BuildFlags holds the arguments after "--", passed through to go build.
var BuildFlags []string

var rootCmd = &cobra.Command{
	Use:   "hotreload",
	Short: "Build, run and inspect hot-reloadable modules",
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}
