// testing_helpers_test.go: shared fixtures for chainloader tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"gopkg.in/yaml.v3"
)

// TestEnvironment owns a plugin directory and a plugin configuration
// directory, both removed when the test ends.
type TestEnvironment struct {
	t         *testing.T
	PluginDir string
	ConfigDir string
}

// NewTestEnvironment creates an environment with empty directories.
func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	return &TestEnvironment{
		t:         t,
		PluginDir: t.TempDir(),
		ConfigDir: t.TempDir(),
	}
}

// Config returns a configuration scanning PluginDir with the console and
// the hook disabled.
func (te *TestEnvironment) Config() Config {
	cfg := DefaultConfig()
	cfg.Discovery.Directories = []string{te.PluginDir}
	cfg.ConfigDirectory = te.ConfigDir
	cfg.Logging.ConsoleEnabled = false
	cfg.Hook.Enabled = false
	return cfg
}

// CreateManifest writes name.plugin.yaml declaring the given types and
// returns its path.
func (te *TestEnvironment) CreateManifest(name string, types ...TypeMetadata) string {
	te.t.Helper()
	data, err := yaml.Marshal(ModuleMetadata{Types: types})
	if err != nil {
		te.t.Fatalf("Failed to encode manifest: %v", err)
	}
	return te.CreateFile(name+".plugin.yaml", data)
}

// CreateJSONManifest writes name.plugin.json declaring the given types.
func (te *TestEnvironment) CreateJSONManifest(name string, types ...TypeMetadata) string {
	te.t.Helper()
	data, err := json.Marshal(ModuleMetadata{Types: types})
	if err != nil {
		te.t.Fatalf("Failed to encode manifest: %v", err)
	}
	return te.CreateFile(name+".plugin.json", data)
}

// CreateFile writes data to a path relative to PluginDir.
func (te *TestEnvironment) CreateFile(rel string, data []byte) string {
	te.t.Helper()
	path := filepath.Join(te.PluginDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		te.t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		te.t.Fatalf("Failed to write %s: %v", rel, err)
	}
	return path
}

// NewChainloader creates a chainloader over the environment.
func (te *TestEnvironment) NewChainloader(types *TypeRegistry, opts ...Option) *Chainloader {
	te.t.Helper()
	return te.NewChainloaderWithConfig(te.Config(), types, opts...)
}

// NewChainloaderWithConfig creates a chainloader with cfg, usually a
// modified Config.
func (te *TestEnvironment) NewChainloaderWithConfig(cfg Config, types *TypeRegistry, opts ...Option) *Chainloader {
	te.t.Helper()
	opts = append([]Option{WithTypeRegistry(types), WithConsoleWriter(io.Discard)}, opts...)
	c, err := New(cfg, opts...)
	if err != nil {
		te.t.Fatalf("Failed to create chainloader: %v", err)
	}
	return c
}

// pluginType declares a plugin type for a manifest.
func pluginType(typeName, guid, version string, deps ...DependencyAttribute) TypeMetadata {
	return TypeMetadata{
		TypeName:     typeName,
		Plugin:       &PluginAttribute{GUID: guid, Name: typeName, Version: version},
		Dependencies: deps,
	}
}

func hardAttr(guid, minVersion string) DependencyAttribute {
	return DependencyAttribute{GUID: guid, MinVersion: minVersion}
}

func softAttr(guid string) DependencyAttribute {
	hard := false
	return DependencyAttribute{GUID: guid, Hard: &hard}
}

// descriptor builds a descriptor directly, bypassing discovery.
func descriptor(guid, version string, deps ...DependencyDeclaration) *PluginDescriptor {
	return &PluginDescriptor{
		GUID:         guid,
		Name:         guid,
		Version:      MustParseVersion(version),
		Dependencies: deps,
		Module:       ModuleRef{Path: "/plugins/" + guid + ".plugin.yaml", TypeName: guid},
	}
}

func hardDep(guid string) DependencyDeclaration {
	return DependencyDeclaration{TargetGUID: guid, Hard: true}
}

func hardDepMin(guid, minVersion string) DependencyDeclaration {
	return DependencyDeclaration{TargetGUID: guid, Hard: true, MinVersion: MustParseVersion(minVersion)}
}

func softDep(guid string) DependencyDeclaration {
	return DependencyDeclaration{TargetGUID: guid}
}

// MockPlugin records its lifecycle calls into a shared journal.
type MockPlugin struct {
	BasePlugin

	name       string
	journal    *Journal
	loadFunc   func() error
	unloadFunc func() bool
}

func (m *MockPlugin) Load() error {
	m.journal.Add("load:" + m.name)
	if m.loadFunc != nil {
		return m.loadFunc()
	}
	return nil
}

// UnloadableMockPlugin additionally implements Unloader.
type UnloadableMockPlugin struct {
	MockPlugin
}

func (m *UnloadableMockPlugin) Unload() bool {
	m.journal.Add("unload:" + m.name)
	if m.unloadFunc != nil {
		return m.unloadFunc()
	}
	return true
}

// Journal is an ordered, concurrency-safe record of test events.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *Journal) Add(entry string) {
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// registerMock registers a constructor producing a MockPlugin named typeName.
func registerMock(types *TypeRegistry, typeName string, journal *Journal, configure func(*MockPlugin)) {
	types.Register(typeName, func() (Plugin, error) {
		journal.Add("construct:" + typeName)
		p := &MockPlugin{name: typeName, journal: journal}
		if configure != nil {
			configure(p)
		}
		return p, nil
	})
}

// CaptureListener is a LogListener that keeps every event.
type CaptureListener struct {
	mu     sync.Mutex
	events []LogEvent
}

func (c *CaptureListener) LogEvent(event LogEvent) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *CaptureListener) Events() []LogEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogEvent(nil), c.events...)
}

// Find returns the events emitted by source at level.
func (c *CaptureListener) Find(source string, level LogLevel) []LogEvent {
	var found []LogEvent
	for _, e := range c.Events() {
		if e.Source == source && e.Level == level {
			found = append(found, e)
		}
	}
	return found
}

// wasmFunc describes one exported function of a generated test module. Each
// takes no parameters and returns an i32 constant, or traps.
type wasmFunc struct {
	name   string
	result int32
	trap   bool
}

// buildWasmModule assembles a minimal wasm binary exporting funcs and
// carrying metadata, when non-nil, in the chainloader custom section.
func buildWasmModule(metadata []byte, funcs ...wasmFunc) []byte {
	module := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(funcs) > 0 {
		// One type: [] -> [i32].
		module = appendSection(module, 1, []byte{0x01, 0x60, 0x00, 0x01, 0x7f})

		functions := uleb(uint32(len(funcs)))
		for range funcs {
			functions = append(functions, 0x00)
		}
		module = appendSection(module, 3, functions)

		exports := uleb(uint32(len(funcs)))
		for i, fn := range funcs {
			exports = append(exports, uleb(uint32(len(fn.name)))...)
			exports = append(exports, fn.name...)
			exports = append(exports, 0x00)
			exports = append(exports, uleb(uint32(i))...)
		}
		module = appendSection(module, 7, exports)

		code := uleb(uint32(len(funcs)))
		for _, fn := range funcs {
			var body []byte
			if fn.trap {
				body = []byte{0x00, 0x00, 0x0b}
			} else {
				body = append([]byte{0x00, 0x41}, sleb(fn.result)...)
				body = append(body, 0x0b)
			}
			code = append(code, uleb(uint32(len(body)))...)
			code = append(code, body...)
		}
		module = appendSection(module, 10, code)
	}

	if metadata != nil {
		custom := uleb(uint32(len(MetadataSectionName)))
		custom = append(custom, MetadataSectionName...)
		custom = append(custom, metadata...)
		module = appendSection(module, 0, custom)
	}
	return module
}

func appendSection(module []byte, id byte, content []byte) []byte {
	module = append(module, id)
	module = append(module, uleb(uint32(len(content)))...)
	return append(module, content...)
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// wasmMetadata encodes types as the JSON payload of the metadata section.
func wasmMetadata(t *testing.T, types ...TypeMetadata) []byte {
	t.Helper()
	data, err := json.Marshal(ModuleMetadata{Types: types})
	if err != nil {
		t.Fatalf("Failed to encode wasm metadata: %v", err)
	}
	return data
}
