package petal

import (
	"fmt"
	"strings"
	"sync"
)

// Constructor builds a Petal instance. Petals register one at package
// init time, the way database/sql drivers register themselves — Go has
// no dynamic class loader to mirror the original "module.submodule:Class"
// direct-import path, so the direct path here is a constructor looked up
// by the exact name the config supplies.
type Constructor func() Petal

var (
	directMu    sync.RWMutex
	directByName = map[string]Constructor{}

	discoveryMu    sync.RWMutex
	discoveredByGroup = map[string][]Constructor{}
)

// RegisterDirect registers a constructor under name, for the config's
// direct-path discovery mechanism. Call from a petal package's init().
func RegisterDirect(name string, ctor Constructor) {
	directMu.Lock()
	defer directMu.Unlock()
	directByName[name] = ctor
}

// RegisterDiscoverable adds a constructor to a well-known discovery
// group, for the fallback plugin-discovery mechanism. A petal that has
// no RegisterDirect entry but whose group is scanned will still be
// found.
func RegisterDiscoverable(group string, ctor Constructor) {
	discoveryMu.Lock()
	defer discoveryMu.Unlock()
	discoveredByGroup[group] = append(discoveredByGroup[group], ctor)
}

// Resolve looks up a petal constructor by name, preferring the direct
// path (orders of magnitude faster, and preferred per spec) before
// falling back to scanning every discovery group for a matching name.
func Resolve(name string, discoveryGroup string) (Constructor, error) {
	if !strings.HasPrefix(name, ValidNamePrefix) {
		return nil, fmt.Errorf("petal name %q must have the %q prefix", name, ValidNamePrefix)
	}

	directMu.RLock()
	ctor, ok := directByName[name]
	directMu.RUnlock()
	if ok {
		return ctor, nil
	}

	discoveryMu.RLock()
	defer discoveryMu.RUnlock()
	for _, candidate := range discoveredByGroup[discoveryGroup] {
		p := candidate()
		if p.Metadata().Name == name {
			return candidate, nil
		}
	}

	return nil, fmt.Errorf("no petal registered (direct or discoverable) for %q", name)
}

// ValidPetalName reports whether name carries the required prefix.
func ValidPetalName(name string) bool {
	return strings.HasPrefix(name, ValidNamePrefix) && len(name) > len(ValidNamePrefix)
}
