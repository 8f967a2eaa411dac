// metadata.go: declarative plugin metadata records and metadata readers
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

	"github.com/go-playground/validator/v10"
)

// PluginAttribute is the identity a type declares to mark itself as a plugin.
// Values are the raw declared strings; they are validated during discovery.
type PluginAttribute struct {
	GUID    string `json:"guid" yaml:"guid" validate:"required"`
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version" validate:"required"`
}

// DependencyAttribute is one declared dependency. Dependencies are hard
// unless Hard is explicitly set to false.
type DependencyAttribute struct {
	GUID       string `json:"guid" yaml:"guid" validate:"required"`
	MinVersion string `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	Hard       *bool  `json:"hard,omitempty" yaml:"hard,omitempty"`
}

// IsHard reports whether the dependency excludes its dependent when unmet.
func (a DependencyAttribute) IsHard() bool {
	return a.Hard == nil || *a.Hard
}

// TypeMetadata is the metadata of one type inside a module, extracted without
// executing the module. Plugin is nil for types that are not plugins.
type TypeMetadata struct {
	TypeName     string                `json:"type" yaml:"type"`
	Plugin       *PluginAttribute      `json:"plugin,omitempty" yaml:"plugin,omitempty"`
	Dependencies []DependencyAttribute `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// ModuleMetadata is the document shape shared by manifest files and the
// metadata section embedded in wasm modules.
type ModuleMetadata struct {
	Types []TypeMetadata `json:"types" yaml:"types"`
}

// MetadataReader extracts type metadata from a binary module without loading
// or executing it. Implementations return a ModuleRead error for unreadable or
// corrupt modules.
type MetadataReader interface {
	ReadModuleMetadata(ctx context.Context, path string) ([]TypeMetadata, error)
}

// MetadataReaderFunc adapts a function to the MetadataReader interface.
type MetadataReaderFunc func(ctx context.Context, path string) ([]TypeMetadata, error)

// ReadModuleMetadata implements MetadataReader.
func (f MetadataReaderFunc) ReadModuleMetadata(ctx context.Context, path string) ([]TypeMetadata, error) {
	return f(ctx, path)
}

// ExtensionReader dispatches to a registered reader by file-name suffix.
// The longest matching suffix wins.
type ExtensionReader struct {
	readers  map[string]MetadataReader
	suffixes []string
}

// NewExtensionReader creates a reader with no registered suffixes.
func NewExtensionReader() *ExtensionReader {
	return &ExtensionReader{readers: make(map[string]MetadataReader)}
}

// DefaultMetadataReader reads wasm modules and plugin manifests.
func DefaultMetadataReader() *ExtensionReader {
	manifests := NewManifestMetadataReader()
	r := NewExtensionReader()
	r.Register(".wasm", NewWasmMetadataReader())
	r.Register(".plugin.json", manifests)
	r.Register(".plugin.yaml", manifests)
	r.Register(".plugin.yml", manifests)
	return r
}

// Register associates a file-name suffix with a reader.
func (e *ExtensionReader) Register(suffix string, reader MetadataReader) {
	suffix = strings.ToLower(suffix)
	if _, exists := e.readers[suffix]; !exists {
		e.suffixes = append(e.suffixes, suffix)
		sort.Slice(e.suffixes, func(i, j int) bool { return len(e.suffixes[i]) > len(e.suffixes[j]) })
	}
	e.readers[suffix] = reader
}

// ReadModuleMetadata implements MetadataReader.
func (e *ExtensionReader) ReadModuleMetadata(ctx context.Context, path string) ([]TypeMetadata, error) {
	lower := strings.ToLower(path)
	for _, suffix := range e.suffixes {
		if strings.HasSuffix(lower, suffix) {
			return e.readers[suffix].ReadModuleMetadata(ctx, path)
		}
	}
	return nil, NewModuleReadError(path, fmt.Errorf("no metadata reader for %s", path))
}

// metadataValidate is shared; validator caches struct metadata internally.
var metadataValidate = validator.New()

// buildDescriptor turns declared type metadata into a descriptor, rejecting
// malformed identity and dependency declarations.
func buildDescriptor(path string, meta TypeMetadata) (*PluginDescriptor, error) {
	attr := meta.Plugin
	if err := metadataValidate.Struct(attr); err != nil {
		return nil, NewMalformedMetadataError(path, meta.TypeName, describeValidation(err), err)
	}
	if strings.TrimSpace(attr.GUID) != attr.GUID {
		return nil, NewMalformedMetadataError(path, meta.TypeName, "GUID has surrounding whitespace", nil)
	}

	version, err := ParseVersion(attr.Version)
	if err != nil {
		return nil, NewMalformedMetadataError(path, meta.TypeName, "unparseable version "+attr.Version, err)
	}

	name := attr.Name
	if name == "" {
		name = attr.GUID
	}

	deps := make([]DependencyDeclaration, 0, len(meta.Dependencies))
	for i, dep := range meta.Dependencies {
		if err := metadataValidate.Struct(dep); err != nil {
			return nil, NewMalformedMetadataError(path, meta.TypeName,
				fmt.Sprintf("dependency %d: %s", i, describeValidation(err)), err)
		}
		decl := DependencyDeclaration{TargetGUID: dep.GUID, Hard: dep.IsHard()}
		if dep.MinVersion != "" {
			minVersion, err := ParseVersion(dep.MinVersion)
			if err != nil {
				return nil, NewMalformedMetadataError(path, meta.TypeName,
					fmt.Sprintf("dependency %s has unparseable minimum version %s", dep.GUID, dep.MinVersion), err)
			}
			decl.MinVersion = minVersion
		}
		deps = append(deps, decl)
	}

	return &PluginDescriptor{
		GUID:         attr.GUID,
		Name:         name,
		Version:      version,
		Dependencies: deps,
		Module:       ModuleRef{Path: path, TypeName: meta.TypeName},
	}, nil
}

// describeValidation renders validator errors as "field tag" pairs.
func describeValidation(err error) string {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
