//go:build (darwin || linux) && (amd64 || arm64)

package cmd

import (
	"github.com/edwingeng/hotreload"
	"github.com/edwingeng/hotreload/loader/cshared"
)

func init() {
	loaderFactories["cshared"] = func(lf *loaderFlags) (hotreload.Loader, error) {
		return cshared.Loader{}, nil
	}
}
