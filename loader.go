package hotreload

import (
	"fmt"
	"plugin"
	"runtime/debug"
)

// Loader opens module files. Implementations map executable code into the
// process; Open may block on I/O.
type Loader interface {
	Open(file string) (Library, error)
}

// Library is an opened module image.
type Library interface {
	// Table resolves the API table exported under symbol. It returns
	// ErrNotExist when the symbol is absent.
	Table(symbol string) (*APITable, error)
	// Close unmaps the image. No code of the image may be running.
	Close() error
}

// GoPluginLoader loads modules built with -buildmode=plugin. The Go runtime
// cannot unmap a plugin, so Close only drops the references the engine holds.
type GoPluginLoader struct{}

func (GoPluginLoader) Open(file string) (Library, error) {
	p, err := plugin.Open(file)
	if err != nil {
		return nil, err
	}
	return &goPluginLibrary{file: file, p: p}, nil
}

type goPluginLibrary struct {
	file string
	p    *plugin.Plugin
}

func (lib *goPluginLibrary) Table(symbol string) (*APITable, error) {
	sym, err := lib.p.Lookup(symbol)
	if err != nil {
		return nil, ErrNotExist
	}
	return TableFromSymbol(lib.file, sym)
}

func (lib *goPluginLibrary) Close() error {
	lib.p = nil
	return nil
}

// TableFromSymbol turns a resolved export into an API table. It accepts a
// table pointer or a table constructor and recovers constructor panics.
func TableFromSymbol(file string, sym interface{}) (_ *APITable, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("<hotreload:%s> panic: %+v\n%s", moduleName(file), r, debug.Stack())
		}
	}()

	switch v := sym.(type) {
	case *APITable:
		return v, nil
	case func() *APITable:
		if t := v(); t != nil {
			return t, nil
		}
		return nil, fmt.Errorf("%s returned a nil table", ExportSymbol)
	case *func() *APITable:
		if v == nil || *v == nil {
			return nil, fmt.Errorf("%s is a nil function", ExportSymbol)
		}
		return TableFromSymbol(file, *v)
	default:
		return nil, fmt.Errorf("unexpected symbol type: %T", sym)
	}
}
