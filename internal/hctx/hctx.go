package hctx

import (
	"context"

	"github.com/edwingeng/slog"
)

// Context carries a logger along with the cancellation of a command.
type Context struct {
	context.Context
	slog.Logger
}

func NewContext(parent context.Context, log slog.Logger) *Context {
	if parent == nil {
		parent = context.Background()
	}
	return &Context{
		Context: parent,
		Logger:  log,
	}
}

// WithCancel derives a cancelable Context that keeps the logger.
func (c *Context) WithCancel() (*Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(c.Context)
	return &Context{Context: ctx, Logger: c.Logger}, cancel
}
