//go:build (darwin || linux) && (amd64 || arm64)

// Package cshared loads modules built as C ABI shared objects. Unlike Go
// plugins they are really unmapped when closed.
//
// A module exports a RELOAD_API object:
//
//	struct reload_entry { const char *name; void *fn; };
//	struct reload_api {
//	    uint32_t generation; uint32_t reserved;
//	    uint64_t state_size; uint64_t state_align;
//	    uint64_t entry_count; const struct reload_entry *entries;
//	};
//
// Entry points have the form int64_t fn(void *state, int64_t args...). The
// entries named init, reload, unload and deinit are lifecycle hooks of the
// form void fn(void *state, const struct reload_host *host), where
// struct reload_host { void (*print)(const char *msg); }.
package cshared

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/edwingeng/hotreload"
	"github.com/edwingeng/hotreload/vault"
)

// ExportSymbol is the name of the API object a shared object exports.
const ExportSymbol = "RELOAD_API"

const (
	maxEntries    = 4096
	maxNameLength = 256
	maxArgs       = 14
)

type cAPI struct {
	Generation uint32
	Reserved   uint32
	StateSize  uint64
	StateAlign uint64
	EntryCount uint64
	Entries    uintptr
}

type cEntry struct {
	Name uintptr
	Fn   uintptr
}

type cHost struct {
	Print uintptr
}

var (
	hostOnce sync.Once
	host     cHost

	printMu sync.Mutex
	printTo func(msg string)
)

func initHost() {
	hostOnce.Do(func() {
		host.Print = purego.NewCallback(func(msg uintptr) {
			if printTo != nil && msg != 0 {
				printTo(goString(msg))
			}
		})
	})
}

// Loader opens shared objects with dlopen.
type Loader struct{}

func (Loader) Open(file string) (hotreload.Library, error) {
	h, err := purego.Dlopen(file, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, err
	}
	return &library{file: file, handle: h}, nil
}

type library struct {
	file   string
	handle uintptr
}

func (lib *library) Table(symbol string) (*hotreload.APITable, error) {
	if symbol == hotreload.ExportSymbol {
		symbol = ExportSymbol
	}
	addr, err := purego.Dlsym(lib.handle, symbol)
	if err != nil || addr == 0 {
		return nil, hotreload.ErrNotExist
	}
	api := (*cAPI)(pointer(addr))
	if api.EntryCount > maxEntries {
		return nil, fmt.Errorf("too many entries: %d", api.EntryCount)
	}
	if api.EntryCount > 0 && api.Entries == 0 {
		return nil, errors.New("entries is null")
	}

	table := &hotreload.APITable{
		Version: hotreload.VersionTag{
			Generation: api.Generation,
			StateSize:  uintptr(api.StateSize),
			StateAlign: uintptr(api.StateAlign),
		},
	}
	entries := unsafe.Slice((*cEntry)(pointer(api.Entries)), int(api.EntryCount))
	for i, e := range entries {
		if e.Name == 0 {
			return nil, fmt.Errorf("entry #%d has no name", i)
		}
		if e.Fn == 0 {
			return nil, fmt.Errorf("entry #%d has no function", i)
		}
		name := goString(e.Name)
		switch name {
		case "init":
			table.OnInit = hook(e.Fn)
		case "reload":
			table.OnLoad = hook(e.Fn)
		case "unload":
			table.OnUnload = hook(e.Fn)
		case "deinit":
			table.OnDeinit = hook(e.Fn)
		default:
			table.Entries = append(table.Entries, hotreload.Entry{Name: name, Func: entry(e.Fn)})
		}
	}
	return table, nil
}

func (lib *library) Close() error {
	if lib.handle == 0 {
		return nil
	}
	err := purego.Dlclose(lib.handle)
	lib.handle = 0
	return err
}

func entry(fn uintptr) hotreload.EntryFunc {
	return func(sb *hotreload.StateBlock, args ...interface{}) (interface{}, error) {
		if len(args) > maxArgs {
			return nil, fmt.Errorf("too many arguments: %d", len(args))
		}
		a := make([]uintptr, 0, len(args)+1)
		a = append(a, statePointer(sb))
		for i, arg := range args {
			v, err := argument(arg)
			if err != nil {
				return nil, fmt.Errorf("argument #%d: %w", i, err)
			}
			a = append(a, v)
		}
		r1, _, _ := purego.SyscallN(fn, a...)
		return int64(r1), nil
	}
}

func hook(fn uintptr) hotreload.Hook {
	return func(v *vault.Vault, sb *hotreload.StateBlock) error {
		initHost()
		printMu.Lock()
		defer printMu.Unlock()
		printTo = v.Print
		defer func() {
			printTo = nil
		}()
		purego.SyscallN(fn, statePointer(sb), uintptr(unsafe.Pointer(&host)))
		return nil
	}
}

func statePointer(sb *hotreload.StateBlock) uintptr {
	if sb == nil || sb.Size() == 0 {
		return 0
	}
	return uintptr(sb.Pointer())
}

func argument(arg interface{}) (uintptr, error) {
	switch v := arg.(type) {
	case int:
		return uintptr(v), nil
	case int32:
		return uintptr(v), nil
	case int64:
		return uintptr(v), nil
	case uint32:
		return uintptr(v), nil
	case uint64:
		return uintptr(v), nil
	case uintptr:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported type: %T", arg)
	}
}

// pointer converts a foreign address without tripping the unsafeptr check.
func pointer(addr uintptr) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&addr))
}

func goString(addr uintptr) string {
	p := pointer(addr)
	n := 0
	for n < maxNameLength && *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}
