// wasm_reader.go: metadata extraction from WebAssembly plugin modules
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"bytes"
	"context"

	"github.com/agilira/argus"
	"github.com/tetratelabs/wazero"
)

// MetadataSectionName is the custom section a wasm module uses to declare
// its plugin types. The payload is a JSON or YAML ModuleMetadata document.
const MetadataSectionName = "chainloader.plugins"

// WasmMetadataReader reads plugin metadata from a wasm custom section.
//
// The module is decoded and validated by wazero but never instantiated, so no
// plugin code runs while metadata is read.
type WasmMetadataReader struct {
	maxSize int64
	config  wazero.RuntimeConfig
}

// NewWasmMetadataReader creates a wasm metadata reader.
func NewWasmMetadataReader() *WasmMetadataReader {
	return &WasmMetadataReader{
		maxSize: DefaultMaxModuleSize,
		config:  wazero.NewRuntimeConfigInterpreter().WithCustomSections(true),
	}
}

// ReadModuleMetadata implements MetadataReader. A valid module without a
// metadata section declares no types.
func (r *WasmMetadataReader) ReadModuleMetadata(ctx context.Context, path string) ([]TypeMetadata, error) {
	data, err := readModuleFile(path, r.maxSize)
	if err != nil {
		return nil, NewModuleReadError(path, err)
	}
	return r.readBytes(ctx, path, data)
}

func (r *WasmMetadataReader) readBytes(ctx context.Context, path string, data []byte) ([]TypeMetadata, error) {
	runtime := wazero.NewRuntimeWithConfig(ctx, r.config)
	defer func() { _ = runtime.Close(ctx) }()

	compiled, err := runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, NewModuleReadError(path, err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	for _, section := range compiled.CustomSections() {
		if section.Name() != MetadataSectionName {
			continue
		}
		doc, err := decodeModuleMetadata(section.Data(), payloadFormat(section.Data()))
		if err != nil {
			return nil, NewModuleReadError(path, err)
		}
		return doc.Types, nil
	}
	return nil, nil
}

// payloadFormat treats a payload starting with '{' as JSON, anything else as YAML.
func payloadFormat(payload []byte) argus.ConfigFormat {
	if bytes.HasPrefix(bytes.TrimSpace(payload), []byte("{")) {
		return argus.FormatJSON
	}
	return argus.FormatYAML
}
