// Package state holds the State Block layout shared by the counter host and
// the counter module.
package state

import (
	"github.com/edwingeng/hotreload"
)

const Generation = 1

type State struct {
	Counter int64
	Loads   int64
	Ticks   int64
}

var Layout = hotreload.LayoutOf[State](Generation)
