package hotreload

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/edwingeng/hotreload/vault"
	"github.com/edwingeng/slog"
)

type testState struct {
	Counter int64
	Reloads int64
}

var testLayout = LayoutOf[testState](1)

func newScavenger() *slog.Scavenger {
	return slog.NewScavenger()
}

func writeImage(t *testing.T, file, image string) {
	t.Helper()
	if err := os.WriteFile(file, []byte(image+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func printHook(image, what string) Hook {
	return func(v *vault.Vault, sb *StateBlock) error {
		v.Print(fmt.Sprintf("%s %s", image, what))
		return nil
	}
}

// counterModule increments the counter by inc on every "step" call.
func counterModule(image string, version VersionTag, inc int64) *StaticModule {
	return &StaticModule{
		Name: image,
		NewTable: func() *APITable {
			return &APITable{
				Version: version,
				Entries: []Entry{
					{Name: "step", Func: func(sb *StateBlock, args ...interface{}) (interface{}, error) {
						s := MustStateAs[testState](sb)
						s.Counter += inc
						return s.Counter, nil
					}},
					{Name: "get", Func: func(sb *StateBlock, args ...interface{}) (interface{}, error) {
						return MustStateAs[testState](sb).Counter, nil
					}},
					{Name: "image", Func: func(sb *StateBlock, args ...interface{}) (interface{}, error) {
						return image, nil
					}},
					{Name: UpdateEntry, Func: func(sb *StateBlock, args ...interface{}) (interface{}, error) {
						if MustStateAs[testState](sb).Counter >= 100 {
							return Quit, nil
						}
						return Continue, nil
					}},
				},
				OnInit: printHook(image, "init"),
				OnLoad: func(v *vault.Vault, sb *StateBlock) error {
					MustStateAs[testState](sb).Reloads++
					v.Print(fmt.Sprintf("%s load", image))
					return nil
				},
				OnUnload: printHook(image, "unload"),
				OnDeinit: printHook(image, "deinit"),
			}
		},
	}
}

func newTestLoader() *StaticLoader {
	gen2 := testLayout
	gen2.Generation = 2
	return NewStaticLoader(
		counterModule("counter-v1", testLayout, 1),
		counterModule("counter-v2", testLayout, 10),
		counterModule("counter-v3", gen2, 100),
		counterModule("counter-v4", testLayout, 1000),
		&StaticModule{Name: "nosym"},
	)
}

func newTestEngine(t *testing.T, log slog.Logger, sl *StaticLoader, opts ...Option) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "counter.so")
	n := len(opts)
	opts = append(opts[:n:n], WithLogger(log), WithLoader(sl))
	return NewEngine(file, testLayout, opts...), file
}

func mustLoad(t *testing.T, e *Engine, file, image string) {
	t.Helper()
	writeImage(t, file, image)
	if _, err := e.Load(); err != nil {
		t.Fatal(err)
	}
}

func mustCall(t *testing.T, h *Host, name string) interface{} {
	t.Helper()
	v, err := h.Call(name)
	if err != nil {
		t.Fatal(err)
	}
	return v
}
