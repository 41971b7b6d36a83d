package hotreload

import (
	"fmt"
)

// UpdateEntry is the conventional per-tick entry point. It returns a
// ShouldQuit, or an int convertible to one.
const UpdateEntry = "update"

// Host dispatches calls to whatever module the engine currently has active.
type Host struct {
	e *Engine
}

func (e *Engine) Host() *Host {
	return &Host{e: e}
}

// acquire returns the active module with an in-flight reference held, or nil.
// A module observed after it was retired is released again and the lookup is
// retried, so a draining module is never entered.
func (h *Host) acquire() *Module {
	for {
		m := h.e.Current()
		if m == nil {
			return nil
		}
		m.inFlight.Inc()
		if h.e.Current() == m {
			return m
		}
		m.release()
	}
}

// Call invokes the named entry point of the active module with the engine's
// State Block.
func (h *Host) Call(name string, args ...interface{}) (interface{}, error) {
	m := h.acquire()
	if m == nil {
		return nil, &DispatchError{Entry: name, Err: ErrNotLoaded}
	}
	defer m.release()

	f, ok := m.entries[name]
	if !ok {
		return nil, &DispatchError{Entry: name, Err: ErrUnknownEntry}
	}
	return m.invoke(h.e.Logger, name, f, h.e.State(), args)
}

// Caller binds an entry point name. The module is resolved on every call, so
// the returned function follows reloads.
func (h *Host) Caller(name string) func(args ...interface{}) (interface{}, error) {
	return func(args ...interface{}) (interface{}, error) {
		return h.Call(name, args...)
	}
}

// Update calls the "update" entry point.
func (h *Host) Update() (ShouldQuit, error) {
	v, err := h.Call(UpdateEntry)
	if err != nil {
		return Continue, err
	}
	switch q := v.(type) {
	case ShouldQuit:
		return q, nil
	case int:
		return ShouldQuit(q), nil
	case int64:
		return ShouldQuit(q), nil
	case bool:
		if q {
			return Quit, nil
		}
		return Continue, nil
	case nil:
		return Continue, nil
	default:
		return Continue, &DispatchError{Entry: UpdateEntry, Err: fmt.Errorf("unexpected result type: %T", v)}
	}
}
