package cpu

import (
	"fmt"
	"sort"

	"github.com/lunixbochs/fvbommel-util/sortorder"

	"github.com/jitcorn/jitcorn/go/cpu/interp"
	mcpu "github.com/jitcorn/jitcorn/go/models/cpu"
)

type Builder interface {
	New() (mcpu.Cpu, error)
}

var backendMap = map[string]Builder{
	"interp": &interp.Builder{},
}

// Register adds a host backend. Build-tagged backends call it from init.
func Register(name string, b Builder) {
	if _, ok := backendMap[name]; ok {
		panic("Duplicate backend " + name)
	}
	backendMap[name] = b
}

// New returns a fresh host cpu from the named backend.
func New(name string) (mcpu.Cpu, error) {
	b, ok := backendMap[name]
	if !ok {
		return nil, fmt.Errorf("Backend '%s' not found (have %v).", name, Names())
	}
	return b.New()
}

func Names() []string {
	names := make([]string, 0, len(backendMap))
	for name := range backendMap {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return sortorder.NaturalLess(names[i], names[j]) })
	return names
}
