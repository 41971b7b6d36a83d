package hotreload

import (
	"fmt"
	"path/filepath"
	"time"
)

type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomeLoaded
	OutcomeReloaded
	OutcomeUnchanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRejected:
		return "rejected"
	case OutcomeLoaded:
		return "loaded"
	case OutcomeReloaded:
		return "reloaded"
	case OutcomeUnchanged:
		return "unchanged"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Report describes one load or reload attempt.
type Report struct {
	Outcome Outcome
	File    string
	From    Fingerprint
	To      Fingerprint
	Version VersionTag
	When    time.Time
	Took    time.Duration
}

func (r Report) String() string {
	return fmt.Sprintf("%s: %s (%s -> %s, %s, took %v)", filepath.Base(r.File), r.Outcome,
		r.From, r.To, r.Version, r.Took.Round(time.Microsecond))
}

// ReportHandler receives the outcome of reloads triggered through
// NotifyPossibleChange. err is nil unless the outcome is OutcomeRejected.
type ReportHandler func(r Report, err error)

// ReloadCallback runs after a candidate has been validated and its OnLoad hook
// has succeeded, right before it is published. Returning an error rejects the
// candidate. oldModule is nil on the initial load.
type ReloadCallback func(newModule, oldModule *Module) error
