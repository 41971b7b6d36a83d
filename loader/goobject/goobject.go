// Package goobject loads modules from Go object files (go tool compile output)
// with a runtime linker. Unlike Go plugins, a linked module is released on
// Close, and the same package can be linked again after it has been edited.
package goobject

import (
	"os"
	"sync"
	"unsafe"

	"github.com/edwingeng/hotreload"
	"github.com/pkujhd/goloader"
)

// Loader links object files that contain package Pkg. Types lists values
// whose types the module shares with the host.
type Loader struct {
	Pkg   string
	Types []interface{}

	mu sync.Mutex
}

func New(pkg string, types ...interface{}) *Loader {
	return &Loader{Pkg: pkg, Types: types}
}

func (l *Loader) Open(file string) (hotreload.Library, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sym := make(map[string]uintptr)
	if len(l.Types) > 0 {
		goloader.RegTypes(sym, l.Types...)
	}
	if err := goloader.RegSymbol(sym); err != nil {
		return nil, err
	}
	linker, err := goloader.ReadObj(file, l.Pkg)
	if err != nil {
		return nil, err
	}
	module, err := goloader.Load(linker, sym)
	if err != nil {
		return nil, err
	}
	return &library{file: file, pkg: l.Pkg, module: module}, nil
}

// Inspect lists the symbols of an object file.
func Inspect(file, pkg string) ([]string, error) {
	return goloader.Parse(file, pkg)
}

type library struct {
	file   string
	pkg    string
	module *goloader.CodeModule
}

func (lib *library) Table(symbol string) (*hotreload.APITable, error) {
	if lib.module == nil {
		return nil, hotreload.ErrNotLoaded
	}
	p, ok := lib.module.Syms[lib.pkg+"."+symbol]
	if !ok {
		return nil, hotreload.ErrNotExist
	}
	container := uintptr(unsafe.Pointer(&p))
	newTable := *(*func() *hotreload.APITable)(unsafe.Pointer(&container))
	return hotreload.TableFromSymbol(lib.file, newTable)
}

func (lib *library) Close() error {
	if lib.module != nil {
		_ = os.Stdout.Sync()
		lib.module.Unload()
		lib.module = nil
	}
	return nil
}
