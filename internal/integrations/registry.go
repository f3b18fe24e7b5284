package integrations

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownIntegration is returned by Get for ids that are not registered
// (or suppressed in production).
var ErrUnknownIntegration = errors.New("unknown integration")

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Descriptor)
)

// Register adds a descriptor to the process-wide registry. Provider packages
// call it from init; the registry is effectively immutable afterwards.
func Register(d Descriptor) {
	if d.ID == "" {
		panic("integrations: descriptor without id")
	}
	if d.New == nil {
		panic(fmt.Sprintf("integrations: descriptor %q without factory", d.ID))
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[d.ID]; exists {
		panic(fmt.Sprintf("integrations: duplicate descriptor %q", d.ID))
	}
	registry[d.ID] = d
}

// Get looks up a descriptor by id. In production, descriptors flagged
// ExcludeInProd behave as unregistered.
func Get(id string, production bool) (Descriptor, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	d, ok := registry[id]
	if !ok || (production && d.ExcludeInProd) {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownIntegration, id)
	}
	return d, nil
}

// IDs returns the registered integration ids, sorted.
func IDs(production bool) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	ids := make([]string, 0, len(registry))
	for id, d := range registry {
		if production && d.ExcludeInProd {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
