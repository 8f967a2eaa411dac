// config_file.go: persistent per-plugin configuration files
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConfigFile is a plugin's own configuration, stored as YAML at
// <ConfigDirectory>/<GUID>.yaml with one mapping per section:
//
//	# Settings for the greeting
//	General:
//	  # Text printed on load
//	  Greeting: hello
//
// Values found on disk but not yet bound are kept and written back on Save,
// so a plugin that binds lazily never loses settings.
type ConfigFile struct {
	path string

	// SaveOnSet persists the file whenever a bound entry changes.
	SaveOnSet bool
	volatile  bool

	mu      sync.Mutex
	orphans map[string]map[string]*yaml.Node
	entries map[string]map[string]boundEntry
}

type boundEntry interface {
	boxed() any
	describe() string
}

// NewConfigFile opens (or prepares) the configuration file for guid in dir.
// A missing file is not an error; a malformed one is.
func NewConfigFile(dir, guid string) (*ConfigFile, error) {
	if guid == "" || strings.ContainsAny(guid, `/\`) || guid == "." || guid == ".." {
		return nil, NewConfigStoreError(dir, "invalid plugin GUID for configuration file name", nil)
	}
	f := &ConfigFile{
		path:      filepath.Join(dir, guid+".yaml"),
		SaveOnSet: true,
		orphans:   make(map[string]map[string]*yaml.Node),
		entries:   make(map[string]map[string]boundEntry),
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// newVolatileConfigFile returns a file that binds defaults and never writes,
// used when the file on disk exists but cannot be read.
func newVolatileConfigFile(dir, guid string) *ConfigFile {
	return &ConfigFile{
		path:     filepath.Join(dir, guid+".yaml"),
		volatile: true,
		orphans:  make(map[string]map[string]*yaml.Node),
		entries:  make(map[string]map[string]boundEntry),
	}
}

// Path returns the file location.
func (f *ConfigFile) Path() string { return f.path }

// Reload reads the file again. Bound entries keep their current values;
// unbound values are replaced by what is on disk.
func (f *ConfigFile) Reload() error {
	// #nosec G304 -- path derived from the configured directory and a validated GUID
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return NewConfigStoreError(f.path, "failed to read plugin configuration", err)
	}

	var raw map[string]map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return NewConfigStoreError(f.path, "failed to parse plugin configuration", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.orphans = make(map[string]map[string]*yaml.Node)
	for section, keys := range raw {
		for key, node := range keys {
			node := node
			if _, bound := f.entries[section][key]; bound {
				continue
			}
			if f.orphans[section] == nil {
				f.orphans[section] = make(map[string]*yaml.Node)
			}
			f.orphans[section][key] = &node
		}
	}
	return nil
}

// Keys returns "section.key" for every bound and unbound value, sorted.
func (f *ConfigFile) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for section, entries := range f.entries {
		for key := range entries {
			keys = append(keys, section+"."+key)
		}
	}
	for section, nodes := range f.orphans {
		for key := range nodes {
			keys = append(keys, section+"."+key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Save writes the file, creating the directory when needed. The write goes
// through a temporary file and a rename.
func (f *ConfigFile) Save() error {
	if f.volatile {
		return NewConfigStoreError(f.path, "refusing to overwrite unreadable plugin configuration", nil)
	}
	f.mu.Lock()
	doc, err := f.document()
	f.mu.Unlock()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return NewConfigStoreError(f.path, "failed to encode plugin configuration", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return NewConfigStoreError(f.path, "failed to create configuration directory", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return NewConfigStoreError(f.path, "failed to write plugin configuration", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return NewConfigStoreError(f.path, "failed to replace plugin configuration", err)
	}
	return nil
}

// document builds the YAML tree. Caller holds f.mu.
func (f *ConfigFile) document() (*yaml.Node, error) {
	sections := make(map[string]struct{})
	for section := range f.entries {
		sections[section] = struct{}{}
	}
	for section := range f.orphans {
		sections[section] = struct{}{}
	}
	names := make([]string, 0, len(sections))
	for section := range sections {
		names = append(names, section)
	}
	sort.Strings(names)

	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, section := range names {
		body := &yaml.Node{Kind: yaml.MappingNode}

		keys := make(map[string]struct{})
		for key := range f.entries[section] {
			keys[key] = struct{}{}
		}
		for key := range f.orphans[section] {
			keys[key] = struct{}{}
		}
		sorted := make([]string, 0, len(keys))
		for key := range keys {
			sorted = append(sorted, key)
		}
		sort.Strings(sorted)

		for _, key := range sorted {
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
			var valueNode *yaml.Node
			if entry, ok := f.entries[section][key]; ok {
				valueNode = &yaml.Node{}
				if err := valueNode.Encode(entry.boxed()); err != nil {
					return nil, NewConfigStoreError(f.path, fmt.Sprintf("failed to encode %s.%s", section, key), err)
				}
				keyNode.HeadComment = entry.describe()
			} else {
				valueNode = f.orphans[section][key]
			}
			body.Content = append(body.Content, keyNode, valueNode)
		}
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: section}, body)
	}
	return &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}, nil
}

// ConfigEntry is one typed, bound configuration value.
type ConfigEntry[T any] struct {
	file        *ConfigFile
	Section     string
	Key         string
	Description string
	Default     T

	mu    sync.RWMutex
	value T
}

// Bind binds section.key to a typed entry. The value on disk is used when it
// decodes as T, otherwise def. Binding the same key twice returns the
// existing entry when the types agree.
//
// Example usage:
//
//	greeting, err := chainloader.Bind(cfg, "General", "Greeting", "hello", "Text printed on load")
//	if err != nil {
//	    return err
//	}
//	log.Message(greeting.Value())
func Bind[T any](f *ConfigFile, section, key string, def T, description string) (*ConfigEntry[T], error) {
	if section == "" || key == "" {
		return nil, NewConfigStoreError(f.path, "configuration section and key are required", nil)
	}

	f.mu.Lock()
	if existing, ok := f.entries[section][key]; ok {
		f.mu.Unlock()
		typed, ok := existing.(*ConfigEntry[T])
		if !ok {
			return nil, NewConfigStoreError(f.path, fmt.Sprintf("%s.%s is already bound with a different type", section, key), nil)
		}
		return typed, nil
	}

	entry := &ConfigEntry[T]{
		file:        f,
		Section:     section,
		Key:         key,
		Description: description,
		Default:     def,
		value:       def,
	}
	fresh := true
	if node, ok := f.orphans[section][key]; ok {
		var decoded T
		if err := node.Decode(&decoded); err == nil {
			entry.value = decoded
			fresh = false
		}
		delete(f.orphans[section], key)
	}
	if f.entries[section] == nil {
		f.entries[section] = make(map[string]boundEntry)
	}
	f.entries[section][key] = entry
	saveOnSet := f.SaveOnSet
	f.mu.Unlock()

	if fresh && saveOnSet {
		if err := f.Save(); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// Value returns the current value.
func (e *ConfigEntry[T]) Value() T {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.value
}

// Set changes the value and, when the file has SaveOnSet, persists it.
func (e *ConfigEntry[T]) Set(value T) error {
	e.mu.Lock()
	e.value = value
	e.mu.Unlock()
	if e.file.SaveOnSet {
		return e.file.Save()
	}
	return nil
}

func (e *ConfigEntry[T]) boxed() any { return e.Value() }

func (e *ConfigEntry[T]) describe() string { return e.Description }
