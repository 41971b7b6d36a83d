package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edwingeng/hotreload"
	"github.com/edwingeng/hotreload/demo/counter/state"
	"github.com/edwingeng/hotreload/watcher"
	"github.com/edwingeng/slog"
)

func main() {
	var moduleFile string
	var interval time.Duration
	flag.StringVar(&moduleFile, "module", "", "the module file built by `hotreload build`")
	flag.DurationVar(&interval, "interval", time.Second, "the update interval")
	flag.Parse()
	if moduleFile == "" {
		panic("no --module")
	}

	log := slog.NewDevelopmentConfig().MustBuild()
	engine := hotreload.NewEngine(moduleFile, state.Layout, hotreload.WithLogger(log))
	if _, err := engine.Load(); err != nil {
		panic(err)
	}
	host := engine.Host()

	queue := watcher.NewQueue("counter", engine, log)
	poller := watcher.NewPoller(queue, time.Millisecond*200, log, moduleFile)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	chSignal := make(chan os.Signal, 1)
	signal.Notify(chSignal, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case sig := <-chSignal:
			log.Infof("signal received: %v", sig)
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				break loop
			case syscall.SIGUSR1:
				if r, err := engine.Reload(); err != nil {
					log.Warn(err)
				} else {
					log.Info(r)
				}
			}
		case <-ticker.C:
			queue.Tick(10)
			if q, err := host.Update(); err != nil {
				log.Warn(err)
			} else if q == hotreload.Quit {
				break loop
			}
		}
	}

	signal.Reset(syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second*5)
	defer cancelShutdown()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Error(err)
	}
	log.Info("THE END")
}
