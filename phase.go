package hotreload

import (
	"fmt"
)

// Phase is the state of the reload engine.
type Phase int32

const (
	PhaseUnloaded Phase = iota
	PhaseIdle
	PhaseLoading
	PhaseValidating
	PhaseSwapping
	PhaseDraining
)

var phaseNames = [...]string{
	PhaseUnloaded:   "unloaded",
	PhaseIdle:       "idle",
	PhaseLoading:    "loading",
	PhaseValidating: "validating",
	PhaseSwapping:   "swapping",
	PhaseDraining:   "draining",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}
