// log_manager.go: log source registry, listeners and bootstrap log replay
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
)

// LogListener receives every event dispatched by a LogManager.
type LogListener interface {
	LogEvent(event LogEvent)
}

// LogManager owns the named log sources and the listener list. Listeners can
// be added and removed at any time; dispatch works on a snapshot.
type LogManager struct {
	mu        sync.RWMutex
	sources   map[string]*LogSource
	listeners []LogListener

	fallbackMu sync.Mutex
	fallback   io.Writer
	reported   map[any]bool
}

// NewLogManager creates a manager with no sources and no listeners.
// Listener panics are reported on os.Stderr.
func NewLogManager() *LogManager {
	return &LogManager{
		sources:  make(map[string]*LogSource),
		fallback: os.Stderr,
		reported: make(map[any]bool),
	}
}

// SetFallback sets where listener panics are reported.
func (m *LogManager) SetFallback(w io.Writer) {
	m.fallbackMu.Lock()
	m.fallback = w
	m.fallbackMu.Unlock()
}

// Source returns the source registered under name, creating it on first use.
func (m *LogManager) Source(name string) *LogSource {
	return m.keyedSource(name, name)
}

// PluginSource returns the dedicated source of the plugin guid, labelled
// with name. Plugins sharing a display name, or using one of the core
// source names, still get separate sources.
func (m *LogManager) PluginSource(guid, name string) *LogSource {
	return m.keyedSource(pluginSourceKey(guid), name)
}

func pluginSourceKey(guid string) string { return "plugin:" + guid }

func (m *LogManager) keyedSource(key, name string) *LogSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	if source, ok := m.sources[key]; ok {
		return source
	}
	source := &LogSource{name: name, manager: m}
	m.sources[key] = source
	return source
}

// RemoveSource unregisters a source by the key it was registered under: the
// name, or "plugin:<guid>" for plugin sources. Events it emits afterwards
// still reach the listeners; the source is simply no longer listed.
func (m *LogManager) RemoveSource(key string) {
	m.mu.Lock()
	delete(m.sources, key)
	m.mu.Unlock()
}

// Sources returns the registered source keys.
func (m *LogManager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	return names
}

// AddListener registers a listener.
func (m *LogManager) AddListener(listener LogListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
}

// RemoveListener unregisters a listener, reporting whether it was registered.
func (m *LogManager) RemoveListener(listener LogListener) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l == listener {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Listeners returns a snapshot of the registered listeners.
func (m *LogManager) Listeners() []LogListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make([]LogListener, len(m.listeners))
	copy(snapshot, m.listeners)
	return snapshot
}

// dispatch delivers an event to every listener. A panicking listener is
// skipped without affecting the others, and its first panic is reported on
// the fallback writer.
func (m *LogManager) dispatch(event LogEvent) {
	for _, listener := range m.Listeners() {
		m.deliver(listener, event)
	}
}

func (m *LogManager) deliver(listener LogListener, event LogEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.reportPanic(listener, r)
		}
	}()
	listener.LogEvent(event)
}

// reportPanic writes a listener panic with its stack, once per listener.
// Listeners that cannot be map keys are tracked by type.
func (m *LogManager) reportPanic(listener LogListener, r any) {
	var key any = fmt.Sprintf("%T", listener)
	if t := reflect.TypeOf(listener); t != nil && t.Comparable() {
		key = listener
	}

	m.fallbackMu.Lock()
	defer m.fallbackMu.Unlock()
	if m.reported[key] || m.fallback == nil {
		return
	}
	m.reported[key] = true
	_, _ = fmt.Fprintf(m.fallback, "chainloader: log listener %T panicked: %v\n%s\n", listener, r, captureStack())
}

// ConsoleListener renders events as text lines on a writer.
type ConsoleListener struct {
	mu     sync.Mutex
	writer io.Writer
	levels atomic.Uint32
}

// NewConsoleListener creates a console listener showing the given levels.
// A nil writer selects os.Stdout.
func NewConsoleListener(writer io.Writer, levels LogLevel) *ConsoleListener {
	if writer == nil {
		writer = os.Stdout
	}
	c := &ConsoleListener{writer: writer}
	c.levels.Store(uint32(levels))
	return c
}

// SetLevels changes the displayed levels; safe to call while logging.
func (c *ConsoleListener) SetLevels(levels LogLevel) {
	c.levels.Store(uint32(levels))
}

// Levels returns the displayed levels.
func (c *ConsoleListener) Levels() LogLevel {
	return LogLevel(c.levels.Load())
}

// LogEvent implements LogListener.
func (c *ConsoleListener) LogEvent(event LogEvent) {
	if LogLevel(c.levels.Load())&event.Level == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.writer, event.String())
}

// BootstrapLogBuffer captures the events emitted before the final logging
// pipeline is attached. It is append-only and replayed exactly once.
type BootstrapLogBuffer struct {
	mu       sync.Mutex
	events   []LogEvent
	replayed atomic.Bool
}

// NewBootstrapLogBuffer creates an empty buffer.
func NewBootstrapLogBuffer() *BootstrapLogBuffer {
	return &BootstrapLogBuffer{}
}

// LogEvent implements LogListener. Events arriving after replay are dropped.
func (b *BootstrapLogBuffer) LogEvent(event LogEvent) {
	if b.replayed.Load() {
		return
	}
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

// Events returns a copy of the captured events.
func (b *BootstrapLogBuffer) Events() []LogEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := make([]LogEvent, len(b.events))
	copy(events, b.events)
	return events
}

// Replayed reports whether the buffer has already been replayed.
func (b *BootstrapLogBuffer) Replayed() bool {
	return b.replayed.Load()
}

// ReplayBootstrapLogs re-dispatches every buffered event through manager.
//
// The buffer is unregistered first. Console listeners are detached for the
// duration of the replay, since they rendered those lines already, and are
// reattached afterwards. Returns the number of replayed events; a second
// call on the same buffer replays nothing. Not safe to run concurrently with
// itself.
func ReplayBootstrapLogs(manager *LogManager, buffer *BootstrapLogBuffer) int {
	if !buffer.replayed.CompareAndSwap(false, true) {
		return 0
	}
	manager.RemoveListener(buffer)

	var consoles []LogListener
	for _, listener := range manager.Listeners() {
		if _, ok := listener.(*ConsoleListener); ok {
			manager.RemoveListener(listener)
			consoles = append(consoles, listener)
		}
	}

	events := buffer.Events()
	for _, event := range events {
		manager.dispatch(event)
	}

	for _, console := range consoles {
		manager.AddListener(console)
	}
	return len(events)
}
