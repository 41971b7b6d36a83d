package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/edwingeng/hotreload"
	"github.com/edwingeng/hotreload/internal/hutils"
	"github.com/edwingeng/hotreload/loader/goobject"
	"github.com/spf13/cobra"
)

type loaderFlags struct {
	name string
	pkg  string
}

var loaderFactories = map[string]func(lf *loaderFlags) (hotreload.Loader, error){
	"goplugin": func(lf *loaderFlags) (hotreload.Loader, error) {
		return hotreload.GoPluginLoader{}, nil
	},
	"goobject": func(lf *loaderFlags) (hotreload.Loader, error) {
		if lf.pkg == "" {
			return nil, errors.New("--pkg is required by the goobject loader")
		}
		return goobject.New(lf.pkg), nil
	},
}

func loaderNames() string {
	var a []string
	for k := range loaderFactories {
		a = append(a, k)
	}
	sort.Strings(a)
	return hutils.Join(a...)
}

func (lf *loaderFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&lf.name,
		"loader", "goplugin", "the module loader: goplugin|cshared|goobject")
	cmd.Flags().StringVar(&lf.pkg,
		"pkg", "", "the package path of the module, required by the goobject loader")
}

func (lf *loaderFlags) newLoader() (hotreload.Loader, error) {
	f, ok := loaderFactories[lf.name]
	if !ok {
		return nil, fmt.Errorf("unknown loader: %s. available: %s", lf.name, loaderNames())
	}
	return f(lf)
}
