package hotreload

import (
	"errors"
	"fmt"
	"strings"

	"github.com/edwingeng/hotreload/vault"
)

// ExportSymbol is the name every Go module exports its API table under, either
// as `func ReloadAPI() *hotreload.APITable` or `var ReloadAPI hotreload.APITable`.
const ExportSymbol = "ReloadAPI"

type EntryFunc func(sb *StateBlock, args ...interface{}) (interface{}, error)

type Hook func(v *vault.Vault, sb *StateBlock) error

type Entry struct {
	Name string
	Func EntryFunc
}

// APITable is the single contract surface between the host and a module.
//
// Lifecycle hooks are optional:
//
//   - OnInit runs once, for the first module adopted while the State Block is fresh.
//   - OnLoad runs every time a module is adopted, before it becomes visible to
//     callers. This includes the initial load, right after OnInit.
//   - OnUnload runs after all calls through the module have returned, right
//     before it is unloaded.
//   - OnDeinit runs on the active module when the engine shuts down, before
//     its OnUnload.
type APITable struct {
	Version VersionTag
	Entries []Entry

	OnInit   Hook
	OnLoad   Hook
	OnUnload Hook
	OnDeinit Hook
}

// ShouldQuit is the conventional result of the "update" entry point.
type ShouldQuit int

const (
	Continue ShouldQuit = iota
	Quit
)

func (q ShouldQuit) String() string {
	switch q {
	case Continue:
		return "continue"
	case Quit:
		return "quit"
	default:
		return fmt.Sprintf("ShouldQuit(%d)", int(q))
	}
}

func (t *APITable) checkStructure() error {
	if t == nil {
		return errors.New("nil table")
	}
	seen := make(map[string]struct{}, len(t.Entries))
	var dups []string
	for i, e := range t.Entries {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("entry #%d has no name", i)
		}
		if e.Func == nil {
			return fmt.Errorf("entry %q has no function", e.Name)
		}
		if _, ok := seen[e.Name]; ok {
			dups = append(dups, e.Name)
			continue
		}
		seen[e.Name] = struct{}{}
	}
	if len(dups) > 0 {
		return fmt.Errorf("duplicate entry names: %s", strings.Join(dups, ", "))
	}
	return nil
}

// validate checks t against the version the host expects. The structure of the
// table is checked first, then the version tag, which must match exactly.
func (t *APITable) validate(file, symbol string, expected VersionTag) error {
	if err := t.checkStructure(); err != nil {
		return &SymbolError{File: file, Symbol: symbol, Err: err}
	}
	if !t.Version.Equal(expected) {
		return &VersionError{File: file, Expected: expected, Actual: t.Version}
	}
	return nil
}

func (t *APITable) index() map[string]EntryFunc {
	m := make(map[string]EntryFunc, len(t.Entries))
	for _, e := range t.Entries {
		m[e.Name] = e.Func
	}
	return m
}
