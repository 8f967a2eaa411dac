// native_library.go: host library symbol tables with detourable entries
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// NativeCall is the argument tuple of one call to a hooked runtime entry.
// Method identifies the managed method being invoked.
type NativeCall struct {
	Method    string
	Object    uintptr
	Params    uintptr
	Exception uintptr
}

// InvokeFunc is the signature of a hookable runtime entry.
type InvokeFunc func(call NativeCall) uintptr

// DetourFunc intercepts calls to an entry. original always reaches the
// implementation that was in place before the detour.
type DetourFunc func(original InvokeFunc, call NativeCall) uintptr

// HookableEntry is an exported function that can be intercepted.
type HookableEntry interface {
	Symbol() string
	// Invoke calls the entry the way the host does, through any detour.
	Invoke(call NativeCall) uintptr
	// Detour routes every later call through fn. Only one detour may be
	// installed at a time.
	Detour(fn DetourFunc) error
	// Restore removes the detour. Calls made after Restore returns reach
	// the original implementation.
	Restore() error
	Detoured() bool
}

// NativeLibrary is a loaded host library.
type NativeLibrary interface {
	Name() string
	Export(symbol string) (HookableEntry, error)
}

// LibraryResolver finds loaded host libraries by name.
type LibraryResolver interface {
	Open(name string) (NativeLibrary, error)
}

// HostLibrary is an in-process symbol table. Entries dispatch through an
// atomically swapped function pointer, so installing and removing a detour
// is a single store that concurrent callers observe without locking.
type HostLibrary struct {
	name    string
	mu      sync.RWMutex
	exports map[string]*HostEntry
}

// NewHostLibrary creates an empty library.
func NewHostLibrary(name string) *HostLibrary {
	return &HostLibrary{name: name, exports: make(map[string]*HostEntry)}
}

// Name implements NativeLibrary.
func (l *HostLibrary) Name() string { return l.name }

// Define exports symbol with impl as its original implementation.
func (l *HostLibrary) Define(symbol string, impl InvokeFunc) *HostEntry {
	entry := &HostEntry{symbol: symbol, original: impl}
	entry.dispatch.Store(&impl)
	l.mu.Lock()
	l.exports[symbol] = entry
	l.mu.Unlock()
	return entry
}

// Export implements NativeLibrary.
func (l *HostLibrary) Export(symbol string) (HookableEntry, error) {
	l.mu.RLock()
	entry, ok := l.exports[symbol]
	l.mu.RUnlock()
	if !ok {
		return nil, NewSymbolNotFoundError(l.name, symbol)
	}
	return entry, nil
}

// Symbols returns the exported symbol names in lexical order.
func (l *HostLibrary) Symbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.exports))
	for name := range l.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HostEntry is one exported function of a HostLibrary.
type HostEntry struct {
	symbol   string
	original InvokeFunc
	dispatch atomic.Pointer[InvokeFunc]
	detoured atomic.Bool
}

// Symbol implements HookableEntry.
func (e *HostEntry) Symbol() string { return e.symbol }

// Invoke implements HookableEntry.
func (e *HostEntry) Invoke(call NativeCall) uintptr {
	return (*e.dispatch.Load())(call)
}

// Detour implements HookableEntry.
func (e *HostEntry) Detour(fn DetourFunc) error {
	if fn == nil {
		return fmt.Errorf("nil detour for %s", e.symbol)
	}
	if !e.detoured.CompareAndSwap(false, true) {
		return fmt.Errorf("%s is already detoured", e.symbol)
	}
	original := e.original
	trampoline := InvokeFunc(func(call NativeCall) uintptr {
		return fn(original, call)
	})
	e.dispatch.Store(&trampoline)
	return nil
}

// Restore implements HookableEntry.
func (e *HostEntry) Restore() error {
	if !e.detoured.CompareAndSwap(true, false) {
		return fmt.Errorf("%s is not detoured", e.symbol)
	}
	original := e.original
	e.dispatch.Store(&original)
	return nil
}

// Detoured implements HookableEntry.
func (e *HostEntry) Detoured() bool { return e.detoured.Load() }

// LibrarySet is a LibraryResolver over libraries registered in process.
// Libraries may be added while a resolver is retrying, mirroring a host
// that maps its runtime library after the loader started.
type LibrarySet struct {
	mu        sync.RWMutex
	libraries map[string]NativeLibrary
}

// NewLibrarySet creates a resolver with the given libraries.
func NewLibrarySet(libraries ...NativeLibrary) *LibrarySet {
	s := &LibrarySet{libraries: make(map[string]NativeLibrary)}
	for _, lib := range libraries {
		s.Add(lib)
	}
	return s
}

// Add registers lib under its name.
func (s *LibrarySet) Add(lib NativeLibrary) {
	s.mu.Lock()
	s.libraries[lib.Name()] = lib
	s.mu.Unlock()
}

// Open implements LibraryResolver.
func (s *LibrarySet) Open(name string) (NativeLibrary, error) {
	s.mu.RLock()
	lib, ok := s.libraries[name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewLibraryNotLoadedError([]string{name}, nil)
	}
	return lib, nil
}
