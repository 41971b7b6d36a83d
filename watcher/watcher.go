// Package watcher turns file changes into engine notifications.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edwingeng/live"
	"github.com/edwingeng/slog"
	"github.com/edwingeng/tickque"
)

// Notifier is implemented by hotreload.Engine.
type Notifier interface {
	NotifyPossibleChange(path string) bool
}

type stamp struct {
	exists  bool
	size    int64
	modTime time.Time
}

func stat(file string) stamp {
	fi, err := os.Stat(file)
	if err != nil || fi.IsDir() {
		return stamp{}
	}
	return stamp{exists: true, size: fi.Size(), modTime: fi.ModTime()}
}

// Poller checks the size and modification time of a set of files. A file
// that appears or changes is reported to the notifier; a file that
// disappears is not, since there is nothing to load.
type Poller struct {
	log      slog.Logger
	notifier Notifier
	interval time.Duration

	mu    sync.Mutex
	files []string
	last  map[string]stamp
}

func NewPoller(notifier Notifier, interval time.Duration, log slog.Logger, files ...string) *Poller {
	if log == nil {
		log = slog.NewDumbLogger()
	}
	p := &Poller{
		log:      log,
		notifier: notifier,
		interval: interval,
		last:     make(map[string]stamp),
	}
	for _, f := range files {
		if abs, err := filepath.Abs(f); err == nil {
			f = abs
		}
		p.files = append(p.files, f)
		p.last[f] = stat(f)
	}
	return p
}

// Check compares every file with the previous observation and notifies the
// changed ones. It returns the changed files.
func (p *Poller) Check() []string {
	p.mu.Lock()
	var changed []string
	for _, f := range p.files {
		cur := stat(f)
		old := p.last[f]
		p.last[f] = cur
		if !cur.exists || cur == old {
			continue
		}
		changed = append(changed, f)
	}
	p.mu.Unlock()

	for _, f := range changed {
		p.log.Debugf("<watcher> %s changed", f)
		p.notifier.NotifyPossibleChange(f)
	}
	return changed
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check()
		}
	}
}

const jobNotify = "notify"

// Queue hands notifications from watcher goroutines to the control loop.
// NotifyPossibleChange only enqueues; Tick, called on the control goroutine,
// forwards the queued paths to the target.
type Queue struct {
	log    slog.Logger
	tq     *tickque.Tickque
	helper live.Helper
	target Notifier
}

func NewQueue(name string, target Notifier, log slog.Logger) *Queue {
	if log == nil {
		log = slog.NewDumbLogger()
	}
	return &Queue{
		log:    log,
		tq:     tickque.NewTickque(name, tickque.WithLogger(log)),
		helper: live.NewHelper(nil),
		target: target,
	}
}

// NotifyPossibleChange enqueues path. It always returns false because
// nothing is reloaded before the next Tick.
func (q *Queue) NotifyPossibleChange(path string) bool {
	q.tq.AddJob(jobNotify, q.helper.WrapString(path))
	return false
}

// Tick forwards at most maxJobs queued notifications, skipping repeated
// paths, and returns how many of them made the target adopt a new module.
func (q *Queue) Tick(maxJobs int) int {
	var adopted int
	seen := make(map[string]struct{})
	q.tq.Tick(maxJobs, func(job *tickque.Job) error {
		if job.Type != jobNotify {
			q.log.Warnf("<watcher> unknown job type: %s", job.Type)
			return nil
		}
		path := job.Data.ToString()
		if _, ok := seen[path]; ok {
			return nil
		}
		seen[path] = struct{}{}
		if q.target.NotifyPossibleChange(path) {
			adopted++
		}
		return nil
	})
	return adopted
}
