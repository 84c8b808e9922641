// Package registry holds the closed catalog of provider adapters keyed by
// backend kind.
package registry

import (
	"fmt"
	"sort"

	"github.com/botchat/botchat-backend/internal/provider/contracts"
)

// Catalog stores deterministic provider adapters by backend kind.
type Catalog struct {
	adapters map[contracts.Kind]contracts.Adapter
	ordered  []contracts.Kind
}

// NewCatalog creates a catalog from the given adapters. Every adapter's kind
// must validate and appear at most once.
func NewCatalog(adapters []contracts.Adapter) (Catalog, error) {
	catalog := Catalog{
		adapters: make(map[contracts.Kind]contracts.Adapter, len(adapters)),
	}

	for _, adapter := range adapters {
		if adapter == nil {
			return Catalog{}, fmt.Errorf("adapter cannot be nil")
		}
		kind := adapter.Kind()
		if err := kind.Validate(); err != nil {
			return Catalog{}, err
		}
		if _, exists := catalog.adapters[kind]; exists {
			return Catalog{}, fmt.Errorf("duplicate adapter for kind %q", kind)
		}
		catalog.adapters[kind] = adapter
	}

	for kind := range catalog.adapters {
		catalog.ordered = append(catalog.ordered, kind)
	}
	sort.Slice(catalog.ordered, func(i, j int) bool {
		return catalog.ordered[i] < catalog.ordered[j]
	})

	return catalog, nil
}

// Adapter returns the adapter registered for the kind.
func (c Catalog) Adapter(kind contracts.Kind) (contracts.Adapter, bool) {
	adapter, ok := c.adapters[kind]
	return adapter, ok
}

// Kinds returns the registered kinds in deterministic order.
func (c Catalog) Kinds() []contracts.Kind {
	out := make([]contracts.Kind, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// ValidateCoverage enforces that every supported backend kind has an adapter.
func (c Catalog) ValidateCoverage() error {
	for _, kind := range contracts.Kinds() {
		if _, ok := c.adapters[kind]; !ok {
			return fmt.Errorf("no adapter registered for kind %q", kind)
		}
	}
	return nil
}
