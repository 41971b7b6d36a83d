package hotreload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/edwingeng/hotreload/internal/hutils"
	"github.com/edwingeng/hotreload/vault"
	"github.com/edwingeng/slog"
	"go.uber.org/atomic"
)

var (
	minDrainPollInterval = time.Millisecond
)

// Engine owns the active module of one module file and swaps it for newer
// builds while the host keeps calling into it.
type Engine struct {
	slog.Logger
	current atomic.Value
	phase   atomic.Int32

	opts struct {
		loader         Loader
		symbol         string
		tmpDir         string
		keepTemps      bool
		drainPoll      time.Duration
		reloadCallback ReloadCallback
		reportHandler  ReportHandler
		extension      interface{}
		print          func(msg string)
	}

	file     string
	expected VersionTag
	state    atomic.Value
	initDone bool
	vault    *vault.Vault
	dirName  string

	reloadCounter atomic.Int64
	reloading     atomic.Bool
	pending       atomic.Bool
	closed        atomic.Bool

	mu sync.Mutex
}

// NewEngine creates an engine for file. layout is the State Block descriptor
// the host expects; a zero layout adopts the tag of the first module loaded.
// Nothing is loaded until Load is called.
func NewEngine(file string, layout VersionTag, opts ...Option) *Engine {
	e := &Engine{
		Logger:   slog.NewConsoleLogger(),
		file:     filepath.Clean(file),
		expected: layout,
	}
	if abs, err := filepath.Abs(file); err == nil {
		e.file = abs
	}
	now := time.Now().Format(hutils.CompactDateTimeFormat)
	e.dirName = fmt.Sprintf("%s-%d", now, os.Getpid())

	e.opts.loader = GoPluginLoader{}
	e.opts.symbol = ExportSymbol
	e.opts.drainPoll = time.Millisecond * 5
	for _, opt := range opts {
		opt(e)
	}
	if e.opts.tmpDir == "" {
		e.opts.tmpDir = filepath.Join(filepath.Dir(e.file), "tmp")
	}
	if e.opts.drainPoll < minDrainPollInterval {
		e.opts.drainPoll = minDrainPollInterval
	}

	e.vault = vault.NewVault(e.Logger, e.opts.extension)
	if e.opts.print != nil {
		e.vault.Print = e.opts.print
	}
	return e
}

func (e *Engine) File() string {
	return e.file
}

func (e *Engine) Phase() Phase {
	return Phase(e.phase.Load())
}

// Current returns the active module, or nil if nothing is loaded.
func (e *Engine) Current() *Module {
	m, _ := e.current.Load().(*Module)
	return m
}

// State returns the State Block. It is nil until the first module has been
// validated when the engine was created with a zero layout.
func (e *Engine) State() *StateBlock {
	sb, _ := e.state.Load().(*StateBlock)
	return sb
}

func (e *Engine) Vault() *vault.Vault {
	return e.vault
}

// ReloadCounter returns how many times the active module has been replaced.
func (e *Engine) ReloadCounter() int64 {
	return e.reloadCounter.Load()
}

// Load performs the initial load. If it fails the engine stays unloaded and
// Load may be called again.
func (e *Engine) Load() (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Current() != nil {
		return Report{File: e.file}, errors.New("<hotreload> a module is already loaded. use Reload instead")
	}
	return e.reloadImpl()
}

// Reload loads the module file again if its content has changed since the
// active module was loaded. The active module keeps serving calls until the
// candidate has been validated and published.
func (e *Engine) Reload() (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reloadImpl()
}

func (e *Engine) setPhase(p Phase) {
	e.phase.Store(int32(p))
}

func (e *Engine) settle() {
	if e.Current() == nil {
		e.setPhase(PhaseUnloaded)
	} else {
		e.setPhase(PhaseIdle)
	}
}

func (e *Engine) reloadImpl() (r Report, err error) {
	start := time.Now()
	r.File = e.file
	r.When = start
	defer func() {
		r.Took = time.Since(start)
		if err != nil {
			r.Outcome = OutcomeRejected
			e.Warnf("<hotreload> reload failed. err: %v", err)
		}
		e.settle()
	}()

	if e.closed.Load() {
		return r, ErrClosed
	}

	oldModule := e.Current()
	if oldModule != nil {
		r.From = oldModule.Fingerprint
		r.Version = oldModule.Version
	}

	e.setPhase(PhaseLoading)
	info, err := readFileInfo(e.file)
	if err != nil {
		return r, &LoadError{File: e.file, Op: "read", Err: err}
	}
	r.To = info.fp
	if oldModule != nil && oldModule.Fingerprint.Same(info.fp) {
		r.Outcome = OutcomeUnchanged
		e.Infof("<hotreload> %s is unchanged", oldModule)
		return r, nil
	}

	lib, table, copyFile, err := e.open(info)
	if err != nil {
		return r, err
	}

	e.setPhase(PhaseValidating)
	expected := e.expected
	if expected.IsZero() && table != nil {
		expected = table.Version
	}
	if err := table.validate(e.file, e.opts.symbol, expected); err != nil {
		e.discard(lib, copyFile)
		return r, err
	}

	e.setPhase(PhaseSwapping)
	newModule := newModule(info, copyFile, lib, table)
	newModule.keepCopy = e.opts.keepTemps
	if err := e.adopt(newModule, oldModule, expected); err != nil {
		if ulErr := newModule.unload(); ulErr != nil {
			e.Warnf("<hotreload> failed to unload %s. err: %v", newModule, ulErr)
		}
		return r, err
	}

	e.current.Store(newModule)
	e.initDone = true
	r.Version = newModule.Version
	if oldModule == nil {
		r.Outcome = OutcomeLoaded
		e.Infof("<hotreload> %s loaded. version: [%s]", newModule, newModule.Version)
		return r, nil
	}

	r.Outcome = OutcomeReloaded
	e.reloadCounter.Inc()
	e.Infof("<hotreload> %s replaced by %s", oldModule, newModule)

	e.setPhase(PhaseDraining)
	if err := e.retire(context.Background(), oldModule, false); err != nil {
		e.Warnf("<hotreload> failed to retire %s. err: %v", oldModule, err)
	}
	return r, nil
}

func (e *Engine) open(info *fileInfo) (lib Library, table *APITable, copyFile string, err error) {
	copyFile, err = copyModule(info, filepath.Join(e.opts.tmpDir, e.dirName))
	if err != nil {
		return nil, nil, "", &LoadError{File: e.file, Op: "copy", Err: err}
	}

	lib, err = e.openLibrary(copyFile)
	if err != nil {
		e.removeCopy(copyFile)
		return nil, nil, "", &LoadError{File: e.file, Op: "open", Err: err}
	}

	table, err = lib.Table(e.opts.symbol)
	if err != nil {
		e.discard(lib, copyFile)
		return nil, nil, "", &SymbolError{File: e.file, Symbol: e.opts.symbol, Err: err}
	}
	return lib, table, copyFile, nil
}

func (e *Engine) openLibrary(file string) (_ Library, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("<hotreload> panic: %+v\n%s", r, debug.Stack())
		}
	}()
	return e.opts.loader.Open(file)
}

// adopt runs the entry hooks of newModule. The State Block and the expected
// tag derived from the first module are committed only if it succeeds.
func (e *Engine) adopt(newModule, oldModule *Module, expected VersionTag) error {
	sb := e.State()
	fresh := sb == nil
	if fresh {
		var err error
		if sb, err = NewStateBlock(expected); err != nil {
			return &LoadError{File: e.file, Op: "state", Err: err}
		}
		sb.vault = e.vault
	}

	if !e.initDone {
		sb.Reset()
		if err := newModule.invokeHook("OnInit", newModule.table.OnInit, e.vault, sb); err != nil {
			return &LoadError{File: e.file, Op: "OnInit", Err: err}
		}
	}
	if err := newModule.invokeHook("OnLoad", newModule.table.OnLoad, e.vault, sb); err != nil {
		return &LoadError{File: e.file, Op: "OnLoad", Err: err}
	}
	if cb := e.opts.reloadCallback; cb != nil {
		if err := invokeReloadCallback(cb, newModule, oldModule); err != nil {
			return err
		}
	}
	if fresh {
		e.state.Store(sb)
		e.expected = expected
	}
	return nil
}

func invokeReloadCallback(cb ReloadCallback, newModule, oldModule *Module) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("<hotreload> panic: %+v\n%s", r, debug.Stack())
		}
	}()
	return cb(newModule, oldModule)
}

// retire waits for m to drain, then runs its exit hooks and unloads it.
func (e *Engine) retire(ctx context.Context, m *Module, deinit bool) error {
	if err := m.drain(ctx, e.opts.drainPoll); err != nil {
		return err
	}
	if deinit {
		if err := m.invokeHook("OnDeinit", m.table.OnDeinit, e.vault, e.State()); err != nil {
			e.Error(err)
		}
	}
	if err := m.invokeHook("OnUnload", m.table.OnUnload, e.vault, e.State()); err != nil {
		e.Error(err)
	}
	if err := m.unload(); err != nil {
		return err
	}
	e.Debugf("<hotreload> %s unloaded", m)
	return nil
}

func (e *Engine) discard(lib Library, copyFile string) {
	if err := lib.Close(); err != nil {
		e.Warnf("<hotreload> failed to close %s. err: %v", copyFile, err)
	}
	e.removeCopy(copyFile)
}

func (e *Engine) removeCopy(copyFile string) {
	if e.opts.keepTemps {
		return
	}
	if err := os.Remove(copyFile); err != nil && !os.IsNotExist(err) {
		e.Warnf("<hotreload> failed to remove %s. err: %v", copyFile, err)
	}
}

func (e *Engine) watches(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return abs == e.file
}

// NotifyPossibleChange tells the engine that path may differ from what is
// loaded. It returns true if a new module was adopted as a result. A call
// that arrives while a reload is in progress does not start a second one;
// it queues a single re-run which the running call performs before returning.
func (e *Engine) NotifyPossibleChange(path string) bool {
	if !e.watches(path) || e.closed.Load() {
		return false
	}

	for !e.reloading.CAS(false, true) {
		e.pending.Store(true)
		if e.reloading.Load() {
			return false
		}
	}

	var adopted bool
	for {
		e.pending.Store(false)
		if e.triggeredReload() {
			adopted = true
		}
		e.reloading.Store(false)
		if !e.pending.Load() || !e.reloading.CAS(false, true) {
			return adopted
		}
	}
}

func (e *Engine) triggeredReload() bool {
	e.mu.Lock()
	r, err := e.reloadImpl()
	e.mu.Unlock()

	if h := e.opts.reportHandler; h != nil {
		h(r, err)
	}
	return err == nil && (r.Outcome == OutcomeLoaded || r.Outcome == OutcomeReloaded)
}

// Shutdown stops dispatching to the active module, waits for in-flight calls
// to return, runs OnDeinit and OnUnload, and unloads it. If ctx expires first
// the module is left mapped and ctx.Err() is returned. The State Block is
// left intact.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed.CAS(false, true) {
		return nil
	}

	m := e.Current()
	if m == nil {
		e.setPhase(PhaseUnloaded)
		e.removeTempDir()
		return nil
	}

	e.current.Store((*Module)(nil))
	e.setPhase(PhaseDraining)
	err := e.retire(ctx, m, true)
	e.setPhase(PhaseUnloaded)
	if err != nil {
		return err
	}
	e.removeTempDir()
	e.Infof("<hotreload> %s shut down", m)
	return nil
}

func (e *Engine) removeTempDir() {
	if e.opts.keepTemps {
		return
	}
	dir := filepath.Join(e.opts.tmpDir, e.dirName)
	if err := os.RemoveAll(dir); err != nil {
		e.Warnf("<hotreload> failed to remove %s. err: %v", dir, err)
	}
}

type Option func(e *Engine)

func WithLogger(log slog.Logger) Option {
	return func(e *Engine) {
		e.Logger = log
	}
}

// WithLoader sets the loader used to open module files. The default is
// GoPluginLoader.
func WithLoader(loader Loader) Option {
	return func(e *Engine) {
		e.opts.loader = loader
	}
}

func WithSymbol(symbol string) Option {
	return func(e *Engine) {
		e.opts.symbol = symbol
	}
}

// WithTempDir sets the directory private copies are written to. The default
// is a tmp directory next to the module file.
func WithTempDir(dir string) Option {
	return func(e *Engine) {
		e.opts.tmpDir = dir
	}
}

func WithKeepTemps(keep bool) Option {
	return func(e *Engine) {
		e.opts.keepTemps = keep
	}
}

func WithDrainPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.opts.drainPoll = d
	}
}

func WithReloadCallback(cb ReloadCallback) Option {
	return func(e *Engine) {
		e.opts.reloadCallback = cb
	}
}

func WithReportHandler(h ReportHandler) Option {
	return func(e *Engine) {
		e.opts.reportHandler = h
	}
}

// WithExtension sets the value modules find in vault.Vault.Extension.
func WithExtension(ext interface{}) Option {
	return func(e *Engine) {
		e.opts.extension = ext
	}
}

func WithPrint(print func(msg string)) Option {
	return func(e *Engine) {
		e.opts.print = print
	}
}
