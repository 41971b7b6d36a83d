package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/edwingeng/hotreload"
	"github.com/edwingeng/hotreload/internal/hctx"
	"github.com/edwingeng/hotreload/watcher"
	"github.com/edwingeng/slog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var runCmd runCmdT

const (
	runExamples = `hotreload run bin/module.so
hotreload run --generation 1 --stateSize 24 --stateAlign 8 bin/module.so
hotreload run --loader cshared --entry step --interval 100ms counter.so
hotreload run --tui bin/module.so`
)

var runCmdCobra = &cobra.Command{
	Use:     "run [flags] <moduleFile>",
	Short:   "Host a module and reload it whenever it changes",
	Example: runExamples,
	Run:     runCmd.execute,
}

func init() {
	rootCmd.AddCommand(runCmdCobra)
	cmd := runCmdCobra
	runCmd.loaderFlags.register(cmd)
	cmd.Flags().Uint32Var(&runCmd.generation,
		"generation", 0, "the expected schema generation. 0 adopts the tag of the first module")
	cmd.Flags().UintVar(&runCmd.stateSize,
		"stateSize", 0, "the expected size of the state block")
	cmd.Flags().UintVar(&runCmd.stateAlign,
		"stateAlign", 0, "the expected alignment of the state block")
	cmd.Flags().StringVar(&runCmd.entry,
		"entry", hotreload.UpdateEntry, "the entry point to call on every tick")
	cmd.Flags().DurationVar(&runCmd.interval,
		"interval", time.Second, "the tick interval")
	cmd.Flags().DurationVar(&runCmd.poll,
		"poll", time.Millisecond*200, "the interval of polling the module file")
	cmd.Flags().IntVar(&runCmd.maxTicks,
		"maxTicks", 0, "quit after this many ticks. 0 means no limit")
	cmd.Flags().BoolVar(&runCmd.keepTemps,
		"keepTemps", false, "do not delete the private copies of loaded modules")
	cmd.Flags().BoolVar(&runCmd.tui,
		"tui", false, "show a live dashboard")
	cmd.Flags().BoolVar(&runCmd.debug,
		"debug", false, "enable debug mode")
}

type runCmdT struct {
	loaderFlags
	generation uint32
	stateSize  uint
	stateAlign uint
	entry      string
	interval   time.Duration
	poll       time.Duration
	maxTicks   int
	keepTemps  bool
	tui        bool
	debug      bool
}

func (rc *runCmdT) layout() hotreload.VersionTag {
	return hotreload.VersionTag{
		Generation: rc.generation,
		StateSize:  uintptr(rc.stateSize),
		StateAlign: uintptr(rc.stateAlign),
	}
}

func (rc *runCmdT) execute(cmd *cobra.Command, args []string) {
	defer func() {
		if r := recover(); r != nil {
			if rc.debug {
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
	if rc.interval <= 0 || rc.poll <= 0 {
		panic("--interval and --poll must be positive")
	}
	loader, err := rc.newLoader()
	if err != nil {
		panic(err)
	}

	if rc.tui && !term.IsTerminal(int(os.Stdout.Fd())) {
		_, _ = os.Stderr.WriteString("stdout is not a terminal. --tui is ignored.\n")
		rc.tui = false
	}

	var log slog.Logger
	var lines *lineBuffer
	var opts []hotreload.Option
	if rc.tui {
		log = slog.NewDumbLogger()
		lines = newLineBuffer(12)
		opts = append(opts,
			hotreload.WithPrint(lines.add),
			hotreload.WithReportHandler(func(r hotreload.Report, err error) {
				lines.addReport(r, err)
			}))
	} else {
		log = slog.NewDevelopmentConfig().MustBuild()
	}

	hc, cancel := hctx.NewContext(context.Background(), log).WithCancel()
	defer cancel()
	opts = append(opts,
		hotreload.WithLogger(log),
		hotreload.WithLoader(loader),
		hotreload.WithKeepTemps(rc.keepTemps))
	s, r, err := newSession(hc, args[0], rc.layout(), rc.entry, rc.poll, opts...)
	if lines != nil {
		lines.addReport(r, err)
	}

	if rc.tui {
		err = runDashboard(hc, s, lines, rc.interval, rc.maxTicks)
	} else {
		rc.loop(hc, s)
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second*5)
	defer cancelShutdown()
	if shutdownErr := s.engine.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error(shutdownErr)
	}
	if rc.tui && err != nil {
		panic(err)
	}
}

func (rc *runCmdT) loop(hc *hctx.Context, s *session) {
	chSignal := make(chan os.Signal, 1)
	sigs := append([]os.Signal{syscall.SIGINT, syscall.SIGTERM}, reloadSignals...)
	signal.Notify(chSignal, sigs...)
	defer signal.Reset(sigs...)

	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	var ticks int
	for {
		select {
		case sig := <-chSignal:
			hc.Infof("signal received: %v", sig)
			if sig == syscall.SIGINT || sig == syscall.SIGTERM {
				return
			}
			if r, err := s.engine.Reload(); err != nil {
				hc.Warn(err)
			} else {
				hc.Info(r)
			}
		case <-ticker.C:
			q, v, err := s.tick()
			switch {
			case errors.Is(err, hotreload.ErrNotLoaded):
			case err != nil:
				hc.Warn(err)
			case v != nil:
				hc.Infof("%s: %v", s.entry, v)
			}
			if q == hotreload.Quit {
				hc.Info("the module asked to quit")
				return
			}
			ticks++
			if rc.maxTicks > 0 && ticks >= rc.maxTicks {
				return
			}
		}
	}
}

type session struct {
	engine *hotreload.Engine
	host   *hotreload.Host
	queue  *watcher.Queue
	poller *watcher.Poller
	entry  string
}

// newSession creates the engine and starts watching the module file. A
// failed initial load is reported and the engine keeps waiting for a
// loadable file.
func newSession(hc *hctx.Context, file string, layout hotreload.VersionTag, entry string,
	poll time.Duration, opts ...hotreload.Option) (*session, hotreload.Report, error) {
	s := &session{
		engine: hotreload.NewEngine(file, layout, opts...),
		entry:  entry,
	}
	s.host = s.engine.Host()
	r, err := s.engine.Load()
	if err != nil {
		hc.Warnf("initial load failed, waiting for the module file to change. err: %v", err)
	} else {
		hc.Info(r)
	}

	s.queue = watcher.NewQueue("hotreload", s.engine, hc.Logger)
	s.poller = watcher.NewPoller(s.queue, poll, hc.Logger, s.engine.File())
	go s.poller.Run(hc)
	return s, r, err
}

func (s *session) tick() (hotreload.ShouldQuit, interface{}, error) {
	s.queue.Tick(10)
	if s.entry == hotreload.UpdateEntry {
		q, err := s.host.Update()
		return q, nil, err
	}
	v, err := s.host.Call(s.entry)
	return hotreload.Continue, v, err
}
