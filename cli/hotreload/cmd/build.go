package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/edwingeng/hotreload/internal/hutils"
	"github.com/edwingeng/hotreload/internal/modbuild"
	"github.com/edwingeng/slog"
	"github.com/spf13/cobra"
)

var buildCmd buildCmdT

const (
	buildExamples = `hotreload build demo/counter/module bin
hotreload build -v demo/counter/module bin -- -ldflags "-X main.Increment=2"`
)

var buildCmdCobra = &cobra.Command{
	Use:     "build [flags] <moduleDir> <outputDir> -- [buildFlags]",
	Short:   "Build a module into a Go plugin",
	Example: buildExamples,
	Run:     buildCmd.execute,
}

func init() {
	rootCmd.AddCommand(buildCmdCobra)
	cmd := buildCmdCobra
	cmd.Flags().BoolVarP(&buildCmd.verbose,
		"verbose", "v", false, "enable verbose mode")
	cmd.Flags().BoolVar(&buildCmd.leaveTemps,
		"leaveTemps", false, "do not delete temporary files")
	cmd.Flags().BoolVar(&buildCmd.trimPath,
		"trimpath", true, "pass -trimpath to go build")
	cmd.Flags().BoolVar(&buildCmd.skipCheck,
		"skipCheck", false, "do not verify the ReloadAPI export")
	cmd.Flags().BoolVar(&buildCmd.debug,
		"debug", false, "enable debug mode")
	cmd.Flags().StringVar(&buildCmd.include,
		"include", "", "go-regexp matching files to include in addition to .go files")
}

type buildCmdT struct {
	verbose    bool
	leaveTemps bool
	trimPath   bool
	skipCheck  bool
	debug      bool
	include    string
}

func (bc *buildCmdT) execute(cmd *cobra.Command, args []string) {
	defer func() {
		if r := recover(); r != nil {
			if bc.debug {
				_, _ = fmt.Fprintf(os.Stderr, "%s\n\n%s", r, debug.Stack())
			} else {
				_, _ = os.Stderr.WriteString(fmt.Sprintln(r))
			}
			os.Exit(1)
		}
	}()

	if len(args) != 2 {
		_, _ = os.Stderr.WriteString(cmd.UsageString())
		os.Exit(1)
	}
	if runtime.GOOS == "windows" {
		panic("Go plugin does not support Windows at present")
	}

	moduleDir, outputDir := args[0], args[1]
	if err := hutils.FindDirectory(moduleDir, "<moduleDir>"); err != nil {
		panic(err)
	}
	if err := hutils.FindDirectory(outputDir, "<outputDir>"); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
		if err := os.MkdirAll(outputDir, 0744); err != nil {
			panic(err)
		}
	}

	opts := modbuild.Options{
		ModuleDir:       moduleDir,
		Output:          filepath.Join(outputDir, filepath.Base(filepath.Clean(moduleDir))+hutils.FileNameExt),
		BuildFlags:      BuildFlags,
		TrimPath:        bc.trimPath,
		LeaveTemps:      bc.leaveTemps,
		SkipExportCheck: bc.skipCheck,
		Log:             slog.NewDumbLogger(),
	}
	if bc.include != "" {
		rex, err := regexp.Compile(bc.include)
		if err != nil {
			panic(fmt.Errorf("failed to compile the --include regular expression. err: %w", err))
		}
		opts.Include = rex
	}
	if bc.verbose {
		opts.Log = slog.NewConsoleLogger()
	}

	fmt.Printf("Building module %q...\n", filepath.Base(filepath.Clean(moduleDir)))
	r, err := modbuild.Build(opts)
	if err != nil {
		panic(err)
	}
	if bc.verbose {
		fmt.Println()
		fmt.Println("Command: " + strings.Join(r.Command, " "))
		if bc.leaveTemps {
			fmt.Println("TempDir: " + r.TmpDir)
		}
		fmt.Printf("Took: %v\n\n", r.Took.Round(1e6))
	}
	fmt.Println(r.Output)
}
