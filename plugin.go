// plugin.go: plugin contract, per-plugin context and lifecycle status
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"fmt"
	"sync"
)

// Plugin is the contract every loadable plugin fulfils.
//
// Load runs exactly once, on the chainloader's goroutine, after the plugin
// was constructed and bound to its context. Returning an error (or
// panicking) marks the plugin LoadFailed; the chainload continues with the
// next plugin.
type Plugin interface {
	Load() error
}

// Unloader is implemented by plugins that support being unloaded.
// Unload returns true when the plugin released its resources and may be
// deregistered, false when it must stay registered and active.
type Unloader interface {
	Unload() bool
}

// ContextBinder is implemented by plugins that want their PluginContext.
// BindContext is called after construction and before Load.
type ContextBinder interface {
	BindContext(ctx PluginContext)
}

// PluginContext is what the chainloader hands to each plugin: its own
// descriptor, its own named log source and its own configuration file.
type PluginContext struct {
	Descriptor *PluginDescriptor
	Log        *LogSource
	Config     *ConfigFile
}

// BasePlugin can be embedded to receive the plugin context.
//
// Example usage:
//
//	type Greeter struct {
//	    chainloader.BasePlugin
//	}
//
//	func (g *Greeter) Load() error {
//	    g.Log().Message("hello from " + g.Info().Name)
//	    return nil
//	}
type BasePlugin struct {
	mu  sync.RWMutex
	ctx PluginContext
}

// BindContext implements ContextBinder.
func (b *BasePlugin) BindContext(ctx PluginContext) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
}

// Log returns the plugin's log source.
func (b *BasePlugin) Log() *LogSource {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ctx.Log
}

// Config returns the plugin's configuration file.
func (b *BasePlugin) Config() *ConfigFile {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ctx.Config
}

// Info returns the plugin's descriptor.
func (b *BasePlugin) Info() *PluginDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ctx.Descriptor
}

// PluginStatus is the lifecycle status of one planned plugin.
type PluginStatus int

const (
	StatusPending PluginStatus = iota
	StatusLoaded
	StatusLoadFailed
	StatusConstructionFailed
	StatusUnloaded
)

// String returns the string representation of the plugin status.
func (s PluginStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusLoaded:
		return "loaded"
	case StatusLoadFailed:
		return "load_failed"
	case StatusConstructionFailed:
		return "construction_failed"
	case StatusUnloaded:
		return "unloaded"
	default:
		return fmt.Sprintf("PluginStatus(%d)", int(s))
	}
}

// PluginInstance is a constructed plugin together with its context.
// Instances whose Load failed stay registered with StatusLoadFailed so later
// plugins can see they exist.
type PluginInstance struct {
	Descriptor *PluginDescriptor
	Module     Module
	Instance   Plugin
	Log        *LogSource
	Config     *ConfigFile

	mu      sync.RWMutex
	status  PluginStatus
	loadErr error

	unloadOnce sync.Once
	unloadRes  UnloadResult
}

// Status returns the current lifecycle status.
func (p *PluginInstance) Status() PluginStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// LoadError returns the error Load returned, if any.
func (p *PluginInstance) LoadError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loadErr
}

// Active reports whether the plugin loaded successfully and is still registered.
func (p *PluginInstance) Active() bool {
	return p.Status() == StatusLoaded
}

func (p *PluginInstance) setStatus(status PluginStatus, err error) {
	p.mu.Lock()
	p.status = status
	p.loadErr = err
	p.mu.Unlock()
}

// UnloadResult is the outcome of an unload request.
type UnloadResult int

const (
	// UnloadNotSupported means the plugin does not implement Unloader.
	UnloadNotSupported UnloadResult = iota
	// UnloadSucceeded means the plugin released itself and was deregistered.
	UnloadSucceeded
	// UnloadFailed means the plugin declined or failed; it stays registered.
	UnloadFailed
)

// String returns the string representation of the unload result.
func (r UnloadResult) String() string {
	switch r {
	case UnloadNotSupported:
		return "not_supported"
	case UnloadSucceeded:
		return "succeeded"
	case UnloadFailed:
		return "failed"
	default:
		return fmt.Sprintf("UnloadResult(%d)", int(r))
	}
}

// LoadResult is the per-plugin record of one Execute pass.
type LoadResult struct {
	Descriptor *PluginDescriptor
	Status     PluginStatus
	Err        error
}
