// descriptor.go: plugin descriptors and the per-pass descriptor store
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"fmt"
	"sort"
	"sync"
)

// ModuleRef identifies the type that implements a plugin inside the module
// it was discovered in.
type ModuleRef struct {
	Path     string `json:"path" yaml:"path"`
	TypeName string `json:"type_name" yaml:"type_name"`
}

// String returns "path#TypeName".
func (r ModuleRef) String() string {
	return r.Path + "#" + r.TypeName
}

// less orders module references by path, then by type name.
func (r ModuleRef) less(other ModuleRef) bool {
	if r.Path != other.Path {
		return r.Path < other.Path
	}
	return r.TypeName < other.TypeName
}

// DependencyDeclaration is one dependency a plugin declares on another.
//
// A hard dependency must be present, satisfy MinVersion and load first, or
// the dependent is excluded. A soft dependency only orders the dependent after
// its target when the target is present.
type DependencyDeclaration struct {
	TargetGUID string   `json:"guid" yaml:"guid"`
	MinVersion *Version `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	Hard       bool     `json:"hard" yaml:"hard"`
}

// String describes the dependency for diagnostics.
func (d DependencyDeclaration) String() string {
	kind := "soft"
	if d.Hard {
		kind = "hard"
	}
	if d.MinVersion == nil {
		return fmt.Sprintf("%s (%s)", d.TargetGUID, kind)
	}
	return fmt.Sprintf("%s >= %s (%s)", d.TargetGUID, d.MinVersion, kind)
}

// PluginDescriptor describes one discoverable plugin prior to instantiation.
// Descriptors are immutable once discovery has produced them.
type PluginDescriptor struct {
	GUID         string                  `json:"guid" yaml:"guid"`
	Name         string                  `json:"name" yaml:"name"`
	Version      *Version                `json:"version" yaml:"version"`
	Dependencies []DependencyDeclaration `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Module       ModuleRef               `json:"module" yaml:"module"`
}

// String returns "Name GUID version".
func (d *PluginDescriptor) String() string {
	return fmt.Sprintf("%s %s %s", d.Name, d.GUID, d.Version)
}

// HardDependencies returns the hard dependency declarations in declared order.
func (d *PluginDescriptor) HardDependencies() []DependencyDeclaration {
	hard := make([]DependencyDeclaration, 0, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		if dep.Hard {
			hard = append(hard, dep)
		}
	}
	return hard
}

// clone returns a deep copy so callers cannot mutate stored descriptors.
func (d *PluginDescriptor) clone() *PluginDescriptor {
	c := *d
	if d.Version != nil {
		v := *d.Version
		c.Version = &v
	}
	if d.Dependencies != nil {
		c.Dependencies = make([]DependencyDeclaration, len(d.Dependencies))
		copy(c.Dependencies, d.Dependencies)
	}
	return &c
}

// DescriptorStore holds one descriptor per GUID for a single chainload pass.
type DescriptorStore struct {
	mu          sync.RWMutex
	descriptors map[string]*PluginDescriptor
}

// NewDescriptorStore creates an empty descriptor store.
func NewDescriptorStore() *DescriptorStore {
	return &DescriptorStore{
		descriptors: make(map[string]*PluginDescriptor),
	}
}

// Add stores a copy of the descriptor. A GUID collision is rejected with a
// DuplicateGUID error and leaves the existing descriptor in place.
func (s *DescriptorStore) Add(descriptor *PluginDescriptor) error {
	if descriptor == nil || descriptor.GUID == "" {
		return NewMalformedMetadataError("", "", "empty GUID", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.descriptors[descriptor.GUID]; exists {
		return NewDuplicateGUIDError(descriptor.GUID, existing.Module, descriptor.Module)
	}
	s.descriptors[descriptor.GUID] = descriptor.clone()
	return nil
}

// Get returns the descriptor registered under guid.
func (s *DescriptorStore) Get(guid string) (*PluginDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.descriptors[guid]
	return d, ok
}

// All returns every descriptor in GUID-lexical order.
func (s *DescriptorStore) All() []*PluginDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*PluginDescriptor, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].GUID < all[j].GUID })
	return all
}

// Len returns the number of stored descriptors.
func (s *DescriptorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.descriptors)
}
