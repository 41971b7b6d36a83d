package hotreload

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// StaticModule is a module linked into the host binary. Static linking mode
// serves platforms without dynamic loading, and lets the whole reload protocol
// run against in-process modules.
type StaticModule struct {
	Name string
	// NewTable builds the module's API table. A nil NewTable simulates an
	// image that does not export the table symbol.
	NewTable func() *APITable
}

// StaticLoader resolves module files to registered static modules. A module
// file names its image in its first line, e.g. "counter-v2".
type StaticLoader struct {
	mu      sync.Mutex
	modules map[string]*StaticModule
	opened  map[string]int
	closed  map[string]int
}

func NewStaticLoader(modules ...*StaticModule) *StaticLoader {
	sl := &StaticLoader{
		modules: make(map[string]*StaticModule),
		opened:  make(map[string]int),
		closed:  make(map[string]int),
	}
	for _, m := range modules {
		sl.Register(m)
	}
	return sl
}

func (sl *StaticLoader) Register(m *StaticModule) {
	sl.mu.Lock()
	sl.modules[m.Name] = m
	sl.mu.Unlock()
}

// Opened returns how many times the image has been opened.
func (sl *StaticLoader) Opened(image string) int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.opened[image]
}

// Closed returns how many times the image has been closed.
func (sl *StaticLoader) Closed(image string) int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.closed[image]
}

func imageName(data []byte) string {
	str := string(data)
	if i := strings.IndexByte(str, '\n'); i >= 0 {
		str = str[:i]
	}
	return strings.TrimSpace(str)
}

func (sl *StaticLoader) Open(file string) (Library, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	image := imageName(data)
	if image == "" {
		return nil, errors.New("empty image")
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	m, ok := sl.modules[image]
	if !ok {
		return nil, fmt.Errorf("unrecognized image: %q", image)
	}
	sl.opened[image]++
	return &staticLibrary{loader: sl, file: file, image: image, m: m}, nil
}

type staticLibrary struct {
	loader *StaticLoader
	file   string
	image  string
	m      *StaticModule
}

func (lib *staticLibrary) Table(symbol string) (*APITable, error) {
	if symbol != ExportSymbol || lib.m.NewTable == nil {
		return nil, ErrNotExist
	}
	return TableFromSymbol(lib.file, lib.m.NewTable)
}

func (lib *staticLibrary) Close() error {
	lib.loader.mu.Lock()
	lib.loader.closed[lib.image]++
	lib.loader.mu.Unlock()
	return nil
}
