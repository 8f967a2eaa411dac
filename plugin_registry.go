// plugin_registry.go: live instance registry in load order
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import "sync"

// PluginRegistry holds every constructed plugin instance keyed by GUID,
// remembering the order in which they were registered. It is safe for
// concurrent use; plugins may query it from their own Load.
type PluginRegistry struct {
	mu      sync.RWMutex
	plugins map[string]*PluginInstance
	order   []string
}

// NewPluginRegistry creates an empty registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{plugins: make(map[string]*PluginInstance)}
}

func (r *PluginRegistry) register(instance *PluginInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	guid := instance.Descriptor.GUID
	if _, exists := r.plugins[guid]; !exists {
		r.order = append(r.order, guid)
	}
	r.plugins[guid] = instance
}

func (r *PluginRegistry) remove(guid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[guid]; !exists {
		return false
	}
	delete(r.plugins, guid)
	for i, g := range r.order {
		if g == guid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the instance registered under guid.
func (r *PluginRegistry) Get(guid string) (*PluginInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, ok := r.plugins[guid]
	return instance, ok
}

// All returns the registered instances in load order.
func (r *PluginRegistry) All() []*PluginInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instances := make([]*PluginInstance, 0, len(r.order))
	for _, guid := range r.order {
		instances = append(instances, r.plugins[guid])
	}
	return instances
}

// GUIDs returns the registered GUIDs in load order.
func (r *PluginRegistry) GUIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered instances.
func (r *PluginRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
