// module_loader.go: resolution of plugin types to constructors
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Constructor creates one plugin instance. It is the only place plugin code
// runs before Load.
type Constructor func() (Plugin, error)

// Module is an opened plugin module from which declared types are resolved.
type Module interface {
	Path() string
	// Lookup returns the constructor for typeName, or a PluginTypeNotFound
	// error when the module does not provide it.
	Lookup(typeName string) (Constructor, error)
	Close(ctx context.Context) error
}

// ModuleLoader opens plugin modules for execution. Discovery never uses a
// ModuleLoader; it is only consulted for descriptors in the load plan.
type ModuleLoader interface {
	OpenModule(ctx context.Context, path string) (Module, error)
}

// ModuleLoaderFunc adapts a function to the ModuleLoader interface.
type ModuleLoaderFunc func(ctx context.Context, path string) (Module, error)

// OpenModule implements ModuleLoader.
func (f ModuleLoaderFunc) OpenModule(ctx context.Context, path string) (Module, error) {
	return f(ctx, path)
}

// TypeRegistry maps type names to in-process constructors. It serves modules
// whose code is linked into the host binary, typically described by a
// plugin manifest.
//
// Example usage:
//
//	types := chainloader.NewTypeRegistry()
//	types.Register("example.Greeter", func() (chainloader.Plugin, error) {
//	    return &Greeter{}, nil
//	})
type TypeRegistry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{constructors: make(map[string]Constructor)}
}

// Register associates typeName with a constructor, replacing any previous one.
func (r *TypeRegistry) Register(typeName string, constructor Constructor) {
	r.mu.Lock()
	r.constructors[typeName] = constructor
	r.mu.Unlock()
}

// Types returns the registered type names in lexical order.
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenModule implements ModuleLoader. Every path resolves against the same
// registry.
func (r *TypeRegistry) OpenModule(_ context.Context, path string) (Module, error) {
	return &registryModule{path: path, registry: r}, nil
}

type registryModule struct {
	path     string
	registry *TypeRegistry
}

func (m *registryModule) Path() string { return m.path }

func (m *registryModule) Lookup(typeName string) (Constructor, error) {
	m.registry.mu.RLock()
	constructor, ok := m.registry.constructors[typeName]
	m.registry.mu.RUnlock()
	if !ok || constructor == nil {
		return nil, NewPluginTypeNotFoundError(ModuleRef{Path: m.path, TypeName: typeName}, nil)
	}
	return constructor, nil
}

func (m *registryModule) Close(context.Context) error { return nil }

// ExtensionModuleLoader dispatches to a registered loader by file-name
// suffix, longest match first, and falls back to a default loader.
type ExtensionModuleLoader struct {
	loaders  map[string]ModuleLoader
	suffixes []string
	fallback ModuleLoader
}

// NewExtensionModuleLoader creates a loader using fallback for unmatched
// paths. A nil fallback rejects them.
func NewExtensionModuleLoader(fallback ModuleLoader) *ExtensionModuleLoader {
	return &ExtensionModuleLoader{
		loaders:  make(map[string]ModuleLoader),
		fallback: fallback,
	}
}

// Register associates a file-name suffix with a loader.
func (e *ExtensionModuleLoader) Register(suffix string, loader ModuleLoader) {
	suffix = strings.ToLower(suffix)
	if _, exists := e.loaders[suffix]; !exists {
		e.suffixes = append(e.suffixes, suffix)
		sort.Slice(e.suffixes, func(i, j int) bool { return len(e.suffixes[i]) > len(e.suffixes[j]) })
	}
	e.loaders[suffix] = loader
}

// OpenModule implements ModuleLoader.
func (e *ExtensionModuleLoader) OpenModule(ctx context.Context, path string) (Module, error) {
	lower := strings.ToLower(path)
	for _, suffix := range e.suffixes {
		if strings.HasSuffix(lower, suffix) {
			return e.loaders[suffix].OpenModule(ctx, path)
		}
	}
	if e.fallback == nil {
		return nil, NewModuleLoadError(path, fmt.Errorf("no module loader for %s", path))
	}
	return e.fallback.OpenModule(ctx, path)
}

// moduleCache opens each module path at most once per chainload.
type moduleCache struct {
	loader  ModuleLoader
	mu      sync.Mutex
	modules map[string]Module
	errs    map[string]error
}

func newModuleCache(loader ModuleLoader) *moduleCache {
	return &moduleCache{
		loader:  loader,
		modules: make(map[string]Module),
		errs:    make(map[string]error),
	}
}

func (c *moduleCache) open(ctx context.Context, path string) (Module, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if module, ok := c.modules[path]; ok {
		return module, nil
	}
	if err, ok := c.errs[path]; ok {
		return nil, err
	}

	var module Module
	err := callSafely(func() error {
		var openErr error
		module, openErr = c.loader.OpenModule(ctx, path)
		return openErr
	})
	if err == nil && module == nil {
		err = fmt.Errorf("loader returned no module")
	}
	if err != nil {
		if !HasErrorCode(err, ErrCodeModuleLoad) {
			err = NewModuleLoadError(path, err)
		}
		c.errs[path] = err
		return nil, err
	}
	c.modules[path] = module
	return module, nil
}

func (c *moduleCache) closeAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for path, module := range c.modules {
		if err := module.Close(ctx); err != nil && firstErr == nil {
			firstErr = NewModuleLoadError(path, err)
		}
		delete(c.modules, path)
	}
	return firstErr
}
