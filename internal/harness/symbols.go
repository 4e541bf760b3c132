package harness

import (
	"reflect"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/kernel"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/models"
)

// Import paths of the packages a program is allowed to use.
const (
	KernelImport = "cad/kernel"
	SliderImport = "cad/slider"
)

// allowedStdlib is the subset of the standard library a program may import.
var allowedStdlib = []string{
	"errors",
	"fmt",
	"math",
	"sort",
	"strconv",
	"strings",
}

func allowedImports() map[string]bool {
	allowed := map[string]bool{
		KernelImport: true,
		SliderImport: true,
	}
	for _, p := range allowedStdlib {
		allowed[p] = true
	}
	return allowed
}

// stdlibSymbols returns only the allowed packages from yaegi's stdlib table,
// so a forbidden import cannot resolve even if validation were bypassed.
func stdlibSymbols() interp.Exports {
	exports := interp.Exports{}
	for _, p := range allowedStdlib {
		key := p + "/" + p
		if syms, ok := stdlib.Symbols[key]; ok {
			exports[key] = syms
		}
	}
	return exports
}

func kernelSymbols() interp.Exports {
	return interp.Exports{
		KernelImport + "/kernel": {
			"Box":  reflect.ValueOf(kernel.Box),
			"Disc": reflect.ValueOf(kernel.Disc),
			"Loft": reflect.ValueOf(kernel.Loft),
			"Tube": reflect.ValueOf(kernel.Tube),

			"Point":   reflect.ValueOf((*kernel.Point)(nil)),
			"Section": reflect.ValueOf((*kernel.Section)(nil)),
			"Shape":   reflect.ValueOf((*kernel.Shape)(nil)),
		},
	}
}

// sliderSymbols binds the injected slider values for a single evaluation.
// Each call closes over its own copy, so concurrent evaluations never share
// a namespace.
func sliderSymbols(values models.SliderState) interp.Exports {
	snapshot := values.Clone()
	return interp.Exports{
		SliderImport + "/slider": {
			"Get": reflect.ValueOf(func(key string, def float64) float64 {
				if v, ok := snapshot[key]; ok {
					return v
				}
				return def
			}),
			"Lookup": reflect.ValueOf(func(key string) (float64, bool) {
				v, ok := snapshot[key]
				return v, ok
			}),
			"Values": reflect.ValueOf(func() map[string]float64 {
				return map[string]float64(snapshot.Clone())
			}),
		},
	}
}
