package hotreload

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edwingeng/hotreload/vault"
	"go.uber.org/atomic"
)

func TestEngine_FirstLoadFailure(t *testing.T) {
	log := newScavenger()
	e, _ := newTestEngine(t, log, newTestLoader())
	if e.Phase() != PhaseUnloaded {
		t.Fatalf("unexpected phase: %s", e.Phase())
	}

	r, err := e.Load()
	if err == nil {
		t.Fatal("Load should fail when the module file does not exist")
	}
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("unexpected error: %v", err)
	} else if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Outcome != OutcomeRejected {
		t.Fatalf("unexpected outcome: %s", r.Outcome)
	}
	if e.Phase() != PhaseUnloaded {
		t.Fatalf("unexpected phase: %s", e.Phase())
	}
	if e.Current() != nil {
		t.Fatal("e.Current() != nil")
	}

	_, err = e.Host().Call("step")
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("unexpected error: %v", err)
	} else if !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("unexpected error: %v", err)
	} else if !strings.Contains(err.Error(), "not loaded") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEngine_LoadAndReload(t *testing.T) {
	log := newScavenger()
	sl := newTestLoader()
	e, file := newTestEngine(t, log, sl)
	h := e.Host()

	writeImage(t, file, "counter-v1")
	r1, err := e.Load()
	if err != nil {
		t.Fatal(err)
	}
	if r1.Outcome != OutcomeLoaded {
		t.Fatalf("unexpected outcome: %s", r1.Outcome)
	}
	if e.Phase() != PhaseIdle {
		t.Fatalf("unexpected phase: %s", e.Phase())
	}
	if _, err := e.Load(); err == nil {
		t.Fatal("Load should fail when a module is already loaded")
	}
	if v := mustCall(t, h, "step"); v != int64(1) {
		t.Fatalf("unexpected result: %v", v)
	}
	if v := mustCall(t, h, "image"); v != "counter-v1" {
		t.Fatalf("unexpected image: %v", v)
	}

	old := e.Current()
	before := append([]byte(nil), e.State().Bytes()...)
	var during []byte
	cb := func(newModule, oldModule *Module) error {
		during = append([]byte(nil), e.State().Bytes()...)
		return nil
	}
	e.opts.reloadCallback = cb

	writeImage(t, file, "counter-v2")
	r2, err := e.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if r2.Outcome != OutcomeReloaded {
		t.Fatalf("unexpected outcome: %s", r2.Outcome)
	}
	if r2.From.Same(r2.To) {
		t.Fatal("r2.From.Same(r2.To)")
	}
	if e.Current() == old {
		t.Fatal("e.Current() == old")
	}
	if !old.Unloaded() {
		t.Fatal("the replaced module should have been unloaded")
	}
	if sl.Closed("counter-v1") != 1 {
		t.Fatalf("unexpected close count: %d", sl.Closed("counter-v1"))
	}
	if _, err := os.Stat(old.Copy); !os.IsNotExist(err) {
		t.Fatal("the private copy of the replaced module should have been removed")
	}
	if e.ReloadCounter() != 1 {
		t.Fatalf("unexpected reload counter: %d", e.ReloadCounter())
	}

	s := MustStateAs[testState](e.State())
	if s.Counter != 1 {
		t.Fatalf("the state block should survive the reload. counter: %d", s.Counter)
	}
	if s.Reloads != 2 {
		t.Fatalf("OnLoad should run once per adoption. reloads: %d", s.Reloads)
	}
	// Only OnLoad touched the block between the two snapshots.
	if !bytes.Equal(before[:8], during[:8]) {
		t.Fatal("the engine should not modify the state block")
	}
	if v := mustCall(t, h, "step"); v != int64(11) {
		t.Fatalf("unexpected result: %v", v)
	}

	seq := []string{
		"counter-v1 init",
		"counter-v1 load",
		"counter-v2 load",
		"counter-v1 unload",
	}
	if _, ok := log.FindStringSequence(seq); !ok {
		t.Fatal("cannot find the hook sequence")
	}
	if _, _, ok := log.FindString("counter-v2 init"); ok {
		t.Fatal("OnInit should only run for the first module")
	}
}

func TestEngine_VersionGate(t *testing.T) {
	log := newScavenger()
	sl := newTestLoader()
	e, file := newTestEngine(t, log, sl)
	h := e.Host()
	mustLoad(t, e, file, "counter-v1")
	mustCall(t, h, "step")
	old := e.Current()

	writeImage(t, file, "counter-v3")
	r, err := e.Reload()
	var versionErr *VersionError
	if !errors.As(err, &versionErr) {
		t.Fatalf("unexpected error: %v", err)
	}
	if versionErr.Actual.Generation != 2 || versionErr.Expected.Generation != 1 {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Outcome != OutcomeRejected {
		t.Fatalf("unexpected outcome: %s", r.Outcome)
	}
	if e.Current() != old {
		t.Fatal("the active module should not change")
	}
	if e.Phase() != PhaseIdle {
		t.Fatalf("unexpected phase: %s", e.Phase())
	}
	if sl.Opened("counter-v3") != 1 || sl.Closed("counter-v3") != 1 {
		t.Fatal("the rejected candidate should have been unloaded immediately")
	}
	if _, _, ok := log.FindString("counter-v3 load"); ok {
		t.Fatal("OnLoad should not run for a rejected candidate")
	}
	if v := mustCall(t, h, "step"); v != int64(2) {
		t.Fatalf("unexpected result: %v", v)
	}
}

func TestEngine_UnchangedReload(t *testing.T) {
	log := newScavenger()
	sl := newTestLoader()
	e, file := newTestEngine(t, log, sl)
	mustLoad(t, e, file, "counter-v1")
	mustCall(t, e.Host(), "step")
	old := e.Current()

	for i := 0; i < 3; i++ {
		writeImage(t, file, "counter-v1")
		r, err := e.Reload()
		if err != nil {
			t.Fatal(err)
		}
		if r.Outcome != OutcomeUnchanged {
			t.Fatalf("unexpected outcome: %s", r.Outcome)
		}
	}
	if e.Current() != old {
		t.Fatal("the active module should not change")
	}
	if sl.Opened("counter-v1") != 1 {
		t.Fatalf("unexpected open count: %d", sl.Opened("counter-v1"))
	}
	if e.ReloadCounter() != 0 {
		t.Fatalf("unexpected reload counter: %d", e.ReloadCounter())
	}
	if v := mustCall(t, e.Host(), "get"); v != int64(1) {
		t.Fatalf("the state block should not be reset. counter: %v", v)
	}
	if _, _, ok := log.FindString("is unchanged"); !ok {
		t.Fatal("an unchanged module file should be logged")
	}
}

func TestEngine_BadCandidates(t *testing.T) {
	log := newScavenger()
	sl := newTestLoader()
	e, file := newTestEngine(t, log, sl)
	mustLoad(t, e, file, "counter-v1")
	old := e.Current()

	writeImage(t, file, "nosym")
	_, err := e.Reload()
	var symbolErr *SymbolError
	if !errors.As(err, &symbolErr) {
		t.Fatalf("unexpected error: %v", err)
	} else if !errors.Is(err, ErrNotExist) {
		t.Fatalf("unexpected error: %v", err)
	}
	if sl.Closed("nosym") != 1 {
		t.Fatal("the candidate should have been closed")
	}
	if _, _, ok := log.FindString("reload failed"); !ok {
		t.Fatal("a rejected candidate should be logged")
	}

	writeImage(t, file, "garbage")
	_, err = e.Reload()
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("unexpected error: %v", err)
	} else if loadErr.Op != "open" {
		t.Fatalf("unexpected op: %s", loadErr.Op)
	}

	if err := os.Remove(file); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Reload(); !errors.As(err, &loadErr) {
		t.Fatalf("unexpected error: %v", err)
	}

	if e.Current() != old {
		t.Fatal("the active module should not change")
	}
	if e.Phase() != PhaseIdle {
		t.Fatalf("unexpected phase: %s", e.Phase())
	}
	if mustCall(t, e.Host(), "image") != "counter-v1" {
		t.Fatal("the old module should keep serving calls")
	}
	entries, err := os.ReadDir(filepath.Join(e.opts.tmpDir, e.dirName))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("only the active module should have a private copy. n: %d", len(entries))
	}
}

func TestEngine_ZeroLayout(t *testing.T) {
	sl := newTestLoader()
	file := filepath.Join(t.TempDir(), "counter.so")
	e := NewEngine(file, VersionTag{}, WithLogger(newScavenger()), WithLoader(sl))
	if e.State() != nil {
		t.Fatal("e.State() != nil")
	}
	mustLoad(t, e, file, "counter-v1")
	if !e.State().Layout().Equal(testLayout) {
		t.Fatalf("unexpected layout: %s", e.State().Layout())
	}

	writeImage(t, file, "counter-v3")
	var versionErr *VersionError
	if _, err := e.Reload(); !errors.As(err, &versionErr) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEngine_NoPrematureUnload(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var inFlight atomic.Int64
	var inFlightAtUnload atomic.Int64
	inFlightAtUnload.Store(-1)

	sl := newTestLoader()
	sl.Register(&StaticModule{
		Name: "slow",
		NewTable: func() *APITable {
			return &APITable{
				Version: testLayout,
				Entries: []Entry{
					{Name: "step", Func: func(sb *StateBlock, args ...interface{}) (interface{}, error) {
						inFlight.Inc()
						defer inFlight.Dec()
						entered <- struct{}{}
						<-proceed
						return "slow", nil
					}},
				},
				OnUnload: func(v *vault.Vault, sb *StateBlock) error {
					inFlightAtUnload.Store(inFlight.Load())
					return nil
				},
			}
		},
	})

	e, file := newTestEngine(t, newScavenger(), sl, WithDrainPollInterval(time.Millisecond))
	mustLoad(t, e, file, "slow")
	old := e.Current()

	callDone := make(chan interface{})
	go func() {
		v, _ := e.Host().Call("step")
		callDone <- v
	}()
	<-entered

	writeImage(t, file, "counter-v1")
	reloadDone := make(chan error)
	go func() {
		_, err := e.Reload()
		reloadDone <- err
	}()

	deadline := time.Now().Add(time.Second * 5)
	for e.Phase() != PhaseDraining {
		if time.Now().After(deadline) {
			t.Fatal("the engine should be draining")
		}
		time.Sleep(time.Millisecond)
	}
	if e.Current() == old {
		t.Fatal("the new module should be published before draining")
	}
	if mustCall(t, e.Host(), "image") != "counter-v1" {
		t.Fatal("new calls should go to the new module")
	}
	time.Sleep(time.Millisecond * 20)
	if old.Unloaded() || sl.Closed("slow") != 0 {
		t.Fatal("the old module should not be unloaded while a call is in flight")
	}
	if old.InFlight() != 1 {
		t.Fatalf("unexpected in-flight count: %d", old.InFlight())
	}

	close(proceed)
	if v := <-callDone; v != "slow" {
		t.Fatalf("unexpected result: %v", v)
	}
	if err := <-reloadDone; err != nil {
		t.Fatal(err)
	}
	if !old.Unloaded() || sl.Closed("slow") != 1 {
		t.Fatal("the old module should have been unloaded")
	}
	if inFlightAtUnload.Load() != 0 {
		t.Fatalf("in-flight calls at unload: %d", inFlightAtUnload.Load())
	}
}

func TestEngine_AtomicPublish(t *testing.T) {
	const numImages = 8
	sl := NewStaticLoader()
	for i := 1; i <= numImages; i++ {
		i := i
		sl.Register(&StaticModule{
			Name: "pub-" + string(rune('0'+i)),
			NewTable: func() *APITable {
				id := func(sb *StateBlock, args ...interface{}) (interface{}, error) {
					return i, nil
				}
				return &APITable{
					Version: testLayout,
					Entries: []Entry{{Name: "a", Func: id}, {Name: "b", Func: id}},
				}
			},
		})
	}

	e, file := newTestEngine(t, newScavenger(), sl)
	mustLoad(t, e, file, "pub-1")

	var stop atomic.Bool
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := e.Host()
			last := 0
			for !stop.Load() {
				va, err := h.Call("a")
				if err != nil {
					t.Error(err)
					return
				}
				vb, err := h.Call("b")
				if err != nil {
					t.Error(err)
					return
				}
				a, b := va.(int), vb.(int)
				if a < last || b < a {
					t.Errorf("calls went backwards. last: %d, a: %d, b: %d", last, a, b)
					return
				}
				last = b
			}
		}()
	}

	for i := 2; i <= numImages; i++ {
		writeImage(t, file, "pub-"+string(rune('0'+i)))
		if _, err := e.Reload(); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond * 2)
	}
	stop.Store(true)
	wg.Wait()

	for i := 1; i < numImages; i++ {
		if sl.Closed("pub-"+string(rune('0'+i))) != 1 {
			t.Fatalf("pub-%d should have been unloaded", i)
		}
	}
}

func TestEngine_NotifyPossibleChange(t *testing.T) {
	log := newScavenger()
	sl := newTestLoader()
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var counter atomic.Int64
	cb := func(newModule, oldModule *Module) error {
		if counter.Inc() == 2 {
			entered <- struct{}{}
			<-proceed
		}
		return nil
	}
	var reports []Report
	var mu sync.Mutex
	handler := func(r Report, err error) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	}

	e, file := newTestEngine(t, log, sl, WithReloadCallback(cb), WithReportHandler(handler))
	if e.NotifyPossibleChange(filepath.Join(filepath.Dir(file), "other.so")) {
		t.Fatal("changes of other files should be ignored")
	}

	writeImage(t, file, "counter-v1")
	if !e.NotifyPossibleChange(file) {
		t.Fatal("the first notification should load the module")
	}
	if e.Phase() != PhaseIdle {
		t.Fatalf("unexpected phase: %s", e.Phase())
	}
	if e.NotifyPossibleChange(file) {
		t.Fatal("an unchanged file should not be reloaded")
	}

	writeImage(t, file, "counter-v2")
	done := make(chan bool)
	go func() {
		done <- e.NotifyPossibleChange(file)
	}()
	<-entered

	writeImage(t, file, "counter-v4")
	for i := 0; i < 3; i++ {
		if e.NotifyPossibleChange(file) {
			t.Fatal("a notification during a reload should be coalesced")
		}
	}
	close(proceed)
	if !<-done {
		t.Fatal("the reload should succeed")
	}

	if mustCall(t, e.Host(), "image") != "counter-v4" {
		t.Fatal("the queued notification should have been served")
	}
	if sl.Opened("counter-v4") != 1 {
		t.Fatalf("coalesced notifications should reload once. n: %d", sl.Opened("counter-v4"))
	}
	if e.ReloadCounter() != 2 {
		t.Fatalf("unexpected reload counter: %d", e.ReloadCounter())
	}

	writeImage(t, file, "counter-v3")
	if e.NotifyPossibleChange(file) {
		t.Fatal("an incompatible module should not be adopted")
	}
	if _, _, ok := log.FindString("reload failed"); !ok {
		t.Fatal("a failed reload should be logged")
	}

	mu.Lock()
	defer mu.Unlock()
	outcomes := []Outcome{OutcomeLoaded, OutcomeUnchanged, OutcomeReloaded, OutcomeReloaded, OutcomeRejected}
	if len(reports) != len(outcomes) {
		t.Fatalf("unexpected number of reports: %d", len(reports))
	}
	for i, r := range reports {
		if r.Outcome != outcomes[i] {
			t.Fatalf("unexpected outcome #%d: %s", i, r.Outcome)
		}
	}
}

func TestEngine_ReloadCallback(t *testing.T) {
	var counter int
	cb := func(newModule, oldModule *Module) error {
		counter++
		switch counter {
		case 1:
			if oldModule != nil {
				return errors.New("oldModule should be nil on the first load")
			}
		case 2:
			return errors.New("Reloaded: unreasonable error")
		case 3:
			panic("Reloaded: panic")
		}
		return nil
	}

	log := newScavenger()
	sl := newTestLoader()
	e, file := newTestEngine(t, log, sl, WithReloadCallback(cb))
	mustLoad(t, e, file, "counter-v1")
	old := e.Current()

	writeImage(t, file, "counter-v2")
	if _, err := e.Reload(); err == nil {
		t.Fatal("Reload should fail when ReloadCallback returns an error")
	}
	if _, err := e.Reload(); err == nil {
		t.Fatal("Reload should fail when ReloadCallback panics")
	} else if !strings.Contains(err.Error(), "Reloaded: panic") {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Current() != old {
		t.Fatal("the active module should not change")
	}
	if sl.Closed("counter-v2") != 2 {
		t.Fatalf("rejected candidates should be unloaded. n: %d", sl.Closed("counter-v2"))
	}

	if _, err := e.Reload(); err != nil {
		t.Fatal(err)
	}
	if mustCall(t, e.Host(), "image") != "counter-v2" {
		t.Fatal("the candidate should have been adopted")
	}
}

func TestEngine_HookFailure(t *testing.T) {
	sl := newTestLoader()
	sl.Register(&StaticModule{
		Name: "bad-init",
		NewTable: func() *APITable {
			return &APITable{
				Version: testLayout,
				OnInit: func(v *vault.Vault, sb *StateBlock) error {
					MustStateAs[testState](sb).Counter = 42
					panic("boom")
				},
			}
		},
	})

	e, file := newTestEngine(t, newScavenger(), sl)
	writeImage(t, file, "bad-init")
	_, err := e.Load()
	var loadErr *LoadError
	if !errors.As(err, &loadErr) || loadErr.Op != "OnInit" {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Phase() != PhaseUnloaded {
		t.Fatalf("unexpected phase: %s", e.Phase())
	}
	if sl.Closed("bad-init") != 1 {
		t.Fatal("the candidate should have been unloaded")
	}

	mustLoad(t, e, file, "counter-v1")
	if v := mustCall(t, e.Host(), "get"); v != int64(0) {
		t.Fatalf("OnInit should see a fresh state block. counter: %v", v)
	}
}

func TestEngine_ZeroLayoutHookFailure(t *testing.T) {
	type bigState struct {
		A, B, C int64
	}
	sl := newTestLoader()
	sl.Register(&StaticModule{
		Name: "big-bad-init",
		NewTable: func() *APITable {
			return &APITable{
				Version: LayoutOf[bigState](7),
				OnInit: func(v *vault.Vault, sb *StateBlock) error {
					return errors.New("no")
				},
			}
		},
	})

	file := filepath.Join(t.TempDir(), "counter.so")
	e := NewEngine(file, VersionTag{}, WithLogger(newScavenger()), WithLoader(sl))
	writeImage(t, file, "big-bad-init")
	_, err := e.Load()
	var loadErr *LoadError
	if !errors.As(err, &loadErr) || loadErr.Op != "OnInit" {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.State() != nil {
		t.Fatal("a rejected module should not leave a state block behind")
	}

	mustLoad(t, e, file, "counter-v1")
	if !e.State().Layout().Equal(testLayout) {
		t.Fatalf("unexpected layout: %s", e.State().Layout())
	}
	if v := mustCall(t, e.Host(), "step"); v != int64(1) {
		t.Fatalf("unexpected counter: %v", v)
	}
}

func TestEngine_Shutdown(t *testing.T) {
	log := newScavenger()
	sl := newTestLoader()
	e, file := newTestEngine(t, log, sl)
	mustLoad(t, e, file, "counter-v1")
	writeImage(t, file, "counter-v2")
	if _, err := e.Reload(); err != nil {
		t.Fatal(err)
	}
	mustCall(t, e.Host(), "step")
	m := e.Current()

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !m.Unloaded() || sl.Closed("counter-v2") != 1 {
		t.Fatal("the active module should have been unloaded")
	}
	if e.Phase() != PhaseUnloaded {
		t.Fatalf("unexpected phase: %s", e.Phase())
	}
	if _, err := e.Host().Call("step"); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Reload(); !errors.Is(err, ErrClosed) {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.opts.tmpDir, e.dirName)); !os.IsNotExist(err) {
		t.Fatal("the temporary directory should have been removed")
	}
	if MustStateAs[testState](e.State()).Counter != 10 {
		t.Fatal("the state block should outlive the engine")
	}

	seq := []string{
		"counter-v1 init",
		"counter-v1 load",
		"counter-v2 load",
		"counter-v1 unload",
		"counter-v2 deinit",
		"counter-v2 unload",
	}
	if _, ok := log.FindStringSequence(seq); !ok {
		t.Fatal("cannot find the hook sequence")
	}
}

func TestEngine_ShutdownTimeout(t *testing.T) {
	proceed := make(chan struct{})
	entered := make(chan struct{})
	sl := NewStaticLoader(&StaticModule{
		Name: "slow",
		NewTable: func() *APITable {
			return &APITable{
				Version: testLayout,
				Entries: []Entry{{Name: "wait", Func: func(sb *StateBlock, args ...interface{}) (interface{}, error) {
					close(entered)
					<-proceed
					return nil, nil
				}}},
			}
		},
	})
	e, file := newTestEngine(t, newScavenger(), sl)
	mustLoad(t, e, file, "slow")
	m := e.Current()
	go e.Host().Call("wait")
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*30)
	defer cancel()
	if err := e.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Unloaded() {
		t.Fatal("a module with calls in flight should not be unloaded")
	}
	close(proceed)
}

func TestEngine_WithPrint(t *testing.T) {
	var lines []string
	e, file := newTestEngine(t, newScavenger(), newTestLoader(), WithPrint(func(msg string) {
		lines = append(lines, msg)
	}), WithExtension("ext"))
	mustLoad(t, e, file, "counter-v1")
	if len(lines) != 2 || lines[0] != "counter-v1 init" || lines[1] != "counter-v1 load" {
		t.Fatalf("unexpected lines: %v", lines)
	}
	if e.State().Vault() != e.Vault() {
		t.Fatal("entry points should reach the engine's vault through the state block")
	}
	if e.Vault().Extension != "ext" {
		t.Fatal("e.Vault().Extension != \"ext\"")
	}
}
