package hotreload

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/ZenLiuCN/fn"
	"github.com/edwingeng/hotreload/vault"
	"github.com/edwingeng/slog"
	"go.uber.org/atomic"
)

// Module is a loaded module session. It is owned by the engine; callers only
// ever see it through Engine.Current and reload callbacks.
type Module struct {
	Name string
	File string
	Copy string
	Fingerprint
	When    time.Time
	Version VersionTag

	lib     Library
	table   *APITable
	entries map[string]EntryFunc

	inFlight atomic.Int64
	retiring atomic.Bool
	unloaded atomic.Bool
	drained  chan struct{}

	unloadOnce sync.Once
	keepCopy   bool
}

func newModule(info *fileInfo, copyFile string, lib Library, table *APITable) *Module {
	return &Module{
		Name:        info.name,
		File:        info.file,
		Copy:        copyFile,
		Fingerprint: info.fp,
		When:        time.Now(),
		Version:     table.Version,
		lib:         lib,
		table:       table,
		entries:     table.index(),
		drained:     make(chan struct{}, 1),
	}
}

// EntryNames returns the sorted names of the exported entry points.
func (m *Module) EntryNames() []string {
	a := fn.MapKeys(m.entries)
	sort.Strings(a)
	return a
}

// InFlight returns the number of calls currently executing through m.
func (m *Module) InFlight() int64 {
	return m.inFlight.Load()
}

func (m *Module) Retiring() bool {
	return m.retiring.Load()
}

func (m *Module) Unloaded() bool {
	return m.unloaded.Load()
}

func (m *Module) String() string {
	return fmt.Sprintf("%s@%s", m.Name, m.Fingerprint)
}

func (m *Module) release() {
	if m.inFlight.Dec() == 0 && m.retiring.Load() {
		select {
		case m.drained <- struct{}{}:
		default:
		}
	}
}

// drain marks m as retiring and waits until no call is executing through it.
func (m *Module) drain(ctx context.Context, poll time.Duration) error {
	m.retiring.Store(true)
	if m.inFlight.Load() == 0 {
		return nil
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for m.inFlight.Load() > 0 {
		select {
		case <-m.drained:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Module) invoke(log slog.Logger, name string, f EntryFunc, sb *StateBlock, args []interface{}) (_ interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("<hotreload:%s> %s panic: %+v\n%s", m.Name, name, r, debug.Stack())
			log.Error(err)
		}
	}()
	return f(sb, args...)
}

func (m *Module) invokeHook(name string, h Hook, v *vault.Vault, sb *StateBlock) (err error) {
	if h == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("<hotreload:%s> %s panic: %+v\n%s", m.Name, name, r, debug.Stack())
		}
	}()
	return h(v, sb)
}

// unload closes the library and removes the private copy. It must only be
// called once no call can enter m any more.
func (m *Module) unload() (err error) {
	m.unloadOnce.Do(func() {
		m.unloaded.Store(true)
		err = m.lib.Close()
		if m.Copy != "" && !m.keepCopy {
			if rmErr := os.Remove(m.Copy); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
				err = rmErr
			}
		}
	})
	return
}
