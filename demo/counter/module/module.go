package module

import (
	"fmt"
	"strconv"

	"github.com/edwingeng/hotreload"
	"github.com/edwingeng/hotreload/demo/counter/state"
	"github.com/edwingeng/hotreload/vault"
)

// Increment is the step size. Build with -ldflags "-X main.Increment=N" to
// produce a different version of the module.
var Increment = "1"

func increment() int64 {
	n, err := strconv.ParseInt(Increment, 10, 64)
	if err != nil || n == 0 {
		return 1
	}
	return n
}

func ReloadAPI() *hotreload.APITable {
	return &hotreload.APITable{
		Version: state.Layout,
		Entries: []hotreload.Entry{
			{Name: "step", Func: step},
			{Name: "get", Func: get},
			{Name: hotreload.UpdateEntry, Func: update},
		},
		OnInit:   onInit,
		OnLoad:   onLoad,
		OnUnload: onUnload,
		OnDeinit: onDeinit,
	}
}

func step(sb *hotreload.StateBlock, args ...interface{}) (interface{}, error) {
	s := hotreload.MustStateAs[state.State](sb)
	s.Counter += increment()
	return s.Counter, nil
}

func get(sb *hotreload.StateBlock, args ...interface{}) (interface{}, error) {
	return hotreload.MustStateAs[state.State](sb).Counter, nil
}

func update(sb *hotreload.StateBlock, args ...interface{}) (interface{}, error) {
	s := hotreload.MustStateAs[state.State](sb)
	s.Ticks++
	s.Counter += increment()
	sb.Vault().Print(fmt.Sprintf("Counter: %d.", s.Counter))
	return hotreload.Continue, nil
}

func onInit(v *vault.Vault, sb *hotreload.StateBlock) error {
	s := hotreload.MustStateAs[state.State](sb)
	s.Counter = 0
	v.Print("Init! Counter: 0.")
	return nil
}

func onLoad(v *vault.Vault, sb *hotreload.StateBlock) error {
	s := hotreload.MustStateAs[state.State](sb)
	s.Loads++
	v.Print(fmt.Sprintf("Loaded at %d. increment: %d", s.Counter, increment()))
	return nil
}

func onUnload(v *vault.Vault, sb *hotreload.StateBlock) error {
	v.Print(fmt.Sprintf("Unloaded at %d.", hotreload.MustStateAs[state.State](sb).Counter))
	return nil
}

func onDeinit(v *vault.Vault, sb *hotreload.StateBlock) error {
	v.Print(fmt.Sprintf("Goodbye! Reached a final value of %d.", hotreload.MustStateAs[state.State](sb).Counter))
	return nil
}
