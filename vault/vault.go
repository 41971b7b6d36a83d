package vault

import (
	"github.com/edwingeng/slog"
)

// Vault carries the host services a module may use from its lifecycle hooks.
// It is owned by the host and survives every reload.
type Vault struct {
	Logger    slog.Logger
	Print     func(msg string)
	Extension interface{}
}

func NewVault(log slog.Logger, ext interface{}) *Vault {
	return &Vault{
		Logger: log,
		Print: func(msg string) {
			log.Info(msg)
		},
		Extension: ext,
	}
}
