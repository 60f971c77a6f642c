package engine

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registration describes an engine implementation.
type Registration struct {
	Name    string
	Command string // CLI executable the engine drives
	New     func() Engine
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Registration{}
)

// Register makes an engine available to New. Names are case-insensitive;
// registering a name twice panics.
func Register(r Registration) {
	key := strings.ToLower(r.Name)
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[key]; dup {
		panic("engine: duplicate registration of " + r.Name)
	}
	registry[key] = r
}

// New creates the engine registered under name.
func New(name string) (Engine, error) {
	registryMu.RLock()
	r, ok := registry[strings.ToLower(name)]
	registryMu.RUnlock()
	if !ok {
		names := make([]string, 0)
		for _, r := range Registered() {
			names = append(names, r.Name)
		}
		return nil, fmt.Errorf("unknown engine %q (registered: %s)", name, strings.Join(names, ", "))
	}
	return r.New(), nil
}

// Registered returns every registration ordered by name.
func Registered() []Registration {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Registration, 0, len(registry))
	for _, r := range registry {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Registration) int { return strings.Compare(a.Name, b.Name) })
	return out
}
