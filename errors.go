package hotreload

import (
	"errors"
	"fmt"
)

var (
	ErrNotExist     = errors.New("symbol does not exist")
	ErrNotLoaded    = errors.New("not loaded")
	ErrUnknownEntry = errors.New("unknown entry point")
	ErrClosed       = errors.New("engine has been shut down")
)

// LoadError means the module file could not be read, copied, opened or
// initialized. The previously active module, if any, keeps running.
type LoadError struct {
	File string
	Op   string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("<hotreload> failed to load %s. op: %s, err: %v", e.File, e.Op, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// SymbolError means the fixed export symbol is absent or does not hold a
// usable API table.
type SymbolError struct {
	File   string
	Symbol string
	Err    error
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("<hotreload> bad symbol %s in %s. err: %v", e.Symbol, e.File, e.Err)
}

func (e *SymbolError) Unwrap() error {
	return e.Err
}

// VersionError means the candidate's version tag does not match the one the
// host expects. The candidate is discarded.
type VersionError struct {
	File     string
	Expected VersionTag
	Actual   VersionTag
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("<hotreload> version mismatch in %s. expected: [%s], actual: [%s]",
		e.File, e.Expected, e.Actual)
}

// DispatchError is returned by the host facade when a call cannot be
// forwarded to a module.
type DispatchError struct {
	Entry string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %q: %v", e.Entry, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
