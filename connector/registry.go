package connector

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an adapter from its configuration.
type Factory func(cfg Config) (Adapter, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes an adapter type available. Adapter packages call it from init.
func Register(connectorType string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[connectorType] = f
}

func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func New(cfg Config) (Adapter, error) {
	mu.RLock()
	f, ok := factories[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown connector type %q", cfg.Type)
	}
	a, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s connector: %w", cfg.Type, err)
	}
	return a, nil
}
