package compaction

import (
	"fmt"
	"sort"
	"sync"
)

// StrategyFactory builds a strategy from its collaborators
type StrategyFactory func(opts StrategyOptions) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]StrategyFactory{
		PairwiseStrategyName: func(opts StrategyOptions) (Strategy, error) {
			return NewPairwiseStrategy(opts)
		},
	}
)

// RegisterStrategy makes a strategy available under name, replacing any
// previous registration
func RegisterStrategy(name string, factory StrategyFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// NewStrategy builds the strategy registered under name
func NewStrategy(name string, opts StrategyOptions) (Strategy, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return factory(opts)
}

// StrategyNames lists the registered strategy names in sorted order
func StrategyNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
