package cmd

import (
	"fmt"
	"os"
	"runtime/debug"
	"sort"

	"github.com/davecgh/go-spew/spew"
	"github.com/edwingeng/hotreload"
	"github.com/edwingeng/hotreload/loader/goobject"
	"github.com/spf13/cobra"
)

var inspectCmd inspectCmdT

const (
	inspectExamples = `hotreload inspect bin/module.so
hotreload inspect --loader cshared counter.so
hotreload inspect --loader goobject --pkg example.com/module --symbols module.o`
)

var inspectCmdCobra = &cobra.Command{
	Use:     "inspect [flags] <moduleFile>",
	Short:   "Print the API table of a module",
	Example: inspectExamples,
	Run:     inspectCmd.execute,
}

func init() {
	rootCmd.AddCommand(inspectCmdCobra)
	cmd := inspectCmdCobra
	inspectCmd.loaderFlags.register(cmd)
	cmd.Flags().StringVar(&inspectCmd.symbol,
		"symbol", hotreload.ExportSymbol, "the exported symbol of the API table")
	cmd.Flags().BoolVar(&inspectCmd.symbols,
		"symbols", false, "list the symbols of a goobject module")
	cmd.Flags().BoolVar(&inspectCmd.dump,
		"dump", false, "dump the whole API table")
	cmd.Flags().BoolVar(&inspectCmd.debug,
		"debug", false, "enable debug mode")
}

type inspectCmdT struct {
	loaderFlags
	symbol  string
	symbols bool
	dump    bool
	debug   bool
}

func (ic *inspectCmdT) execute(cmd *cobra.Command, args []string) {
	defer func() {
		if r := recover(); r != nil {
			if ic.debug {
				_, _ = fmt.Fprintf(os.Stderr, "%s\n\n%s", r, debug.Stack())
			} else {
				_, _ = os.Stderr.WriteString(fmt.Sprintln(r))
			}
			os.Exit(1)
		}
	}()

	if len(args) != 1 {
		_, _ = os.Stderr.WriteString(cmd.UsageString())
		os.Exit(1)
	}
	file := args[0]

	if ic.symbols {
		if ic.name != "goobject" || ic.pkg == "" {
			panic("--symbols requires --loader goobject and --pkg")
		}
		syms, err := goobject.Inspect(file, ic.pkg)
		if err != nil {
			panic(err)
		}
		sort.Strings(syms)
		for _, s := range syms {
			fmt.Println(s)
		}
		return
	}

	loader, err := ic.newLoader()
	if err != nil {
		panic(err)
	}
	lib, err := loader.Open(file)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = lib.Close()
	}()
	table, err := lib.Table(ic.symbol)
	if err != nil {
		panic(fmt.Errorf("failed to read %s from %s. err: %w", ic.symbol, file, err))
	}

	fmt.Printf("File:    %s\n", file)
	fmt.Printf("Version: %s\n", table.Version)
	fmt.Println("Entries:")
	for _, e := range table.Entries {
		fmt.Printf("  %s\n", e.Name)
	}
	fmt.Println("Hooks:")
	hooks := []struct {
		name string
		h    hotreload.Hook
	}{
		{"OnInit", table.OnInit},
		{"OnLoad", table.OnLoad},
		{"OnUnload", table.OnUnload},
		{"OnDeinit", table.OnDeinit},
	}
	for _, x := range hooks {
		if x.h != nil {
			fmt.Printf("  %s\n", x.name)
		}
	}
	if ic.dump {
		fmt.Println()
		fmt.Print(spew.Sdump(table))
	}
}
