// Package memory provides in-memory store implementations for development
// and testing. All stores hand out copies; callers never share state with
// the store.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/crawlkit/crawld/internal/core"
)

// PluginStore keeps plugin definitions in a map.
type PluginStore struct {
	mu      sync.RWMutex
	plugins map[string]core.Plugin
}

// NewPluginStore constructs an empty PluginStore.
func NewPluginStore() *PluginStore {
	return &PluginStore{plugins: make(map[string]core.Plugin)}
}

// CreatePlugin stores a new plugin definition.
func (s *PluginStore) CreatePlugin(_ context.Context, plugin core.Plugin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plugins[plugin.ID]; exists {
		return core.ErrAlreadyExists
	}
	s.plugins[plugin.ID] = clonePlugin(plugin)
	return nil
}

// UpdatePlugin replaces an existing plugin definition.
func (s *PluginStore) UpdatePlugin(_ context.Context, plugin core.Plugin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plugins[plugin.ID]; !exists {
		return core.ErrNotFound
	}
	s.plugins[plugin.ID] = clonePlugin(plugin)
	return nil
}

// DeletePlugin removes a plugin definition.
func (s *PluginStore) DeletePlugin(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plugins[id]; !exists {
		return core.ErrNotFound
	}
	delete(s.plugins, id)
	return nil
}

// GetPlugin fetches a plugin by ID.
func (s *PluginStore) GetPlugin(_ context.Context, id string) (core.Plugin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plugin, ok := s.plugins[id]
	if !ok {
		return core.Plugin{}, core.ErrNotFound
	}
	return clonePlugin(plugin), nil
}

// ListPlugins returns all plugins ordered by creation time, then ID.
func (s *PluginStore) ListPlugins(_ context.Context) ([]core.Plugin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Plugin, 0, len(s.plugins))
	for _, p := range s.plugins {
		out = append(out, clonePlugin(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func clonePlugin(p core.Plugin) core.Plugin {
	out := p
	out.Fields = append([]core.FieldRule(nil), p.Fields...)
	return out
}
