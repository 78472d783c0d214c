package connector

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/rs/zerolog"
)

type managed struct {
	cfg     Config
	adapter Adapter
}

// Manager keeps one adapter per resource and rebuilds it when the resource's
// connector configuration changes. Listeners are told about every rebuild.
type Manager struct {
	log zerolog.Logger
	New func(cfg Config) (Adapter, error)

	mu        sync.Mutex
	adapters  map[string]*managed
	listeners []func(resource string)
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:      log.With().Str("component", "connector").Logger(),
		New:      New,
		adapters: make(map[string]*managed),
	}
}

// OnChange registers fn to be called after a resource's adapter was replaced
// or dropped.
func (m *Manager) OnChange(fn func(resource string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) Get(_ context.Context, resource string, cfg Config) (Adapter, error) {
	m.mu.Lock()
	cur, ok := m.adapters[resource]
	if ok && sameConfig(cur.cfg, cfg) {
		m.mu.Unlock()
		return cur.adapter, nil
	}

	adapter, err := m.New(cfg)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("resource %s: %w", resource, err)
	}
	m.adapters[resource] = &managed{cfg: cloneConfig(cfg), adapter: adapter}
	listeners := append([]func(string){}, m.listeners...)
	m.mu.Unlock()

	if ok {
		m.log.Info().Str("resource", resource).Msg("connector configuration changed, adapter rebuilt")
		if err := cur.adapter.Close(); err != nil {
			m.log.Warn().Err(err).Str("resource", resource).Msg("failed to close replaced adapter")
		}
		for _, fn := range listeners {
			fn(resource)
		}
	}
	return adapter, nil
}

// Drop closes and forgets the adapter for resource.
func (m *Manager) Drop(resource string) error {
	m.mu.Lock()
	cur, ok := m.adapters[resource]
	delete(m.adapters, resource)
	listeners := append([]func(string){}, m.listeners...)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	for _, fn := range listeners {
		fn(resource)
	}
	return cur.adapter.Close()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, cur := range m.adapters {
		if err := cur.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("resource %s: %w", name, err))
		}
	}
	m.adapters = make(map[string]*managed)
	return errors.Join(errs...)
}

func sameConfig(a, b Config) bool {
	return a.Type == b.Type && a.Timeout == b.Timeout && maps.Equal(a.Properties, b.Properties)
}

func cloneConfig(c Config) Config {
	c.Properties = maps.Clone(c.Properties)
	return c
}
