// manifest_reader.go: metadata extraction from plugin manifest documents
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// DefaultMaxModuleSize bounds how much of a module file a reader will load.
const DefaultMaxModuleSize int64 = 64 << 20

// ManifestMetadataReader reads metadata from "*.plugin.json" and
// "*.plugin.yaml" documents that describe the types of a module.
type ManifestMetadataReader struct {
	maxSize int64
}

// NewManifestMetadataReader creates a manifest reader with the default size limit.
func NewManifestMetadataReader() *ManifestMetadataReader {
	return &ManifestMetadataReader{maxSize: 1 << 20}
}

// ReadModuleMetadata implements MetadataReader.
func (r *ManifestMetadataReader) ReadModuleMetadata(ctx context.Context, path string) ([]TypeMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewModuleReadError(path, err)
	}

	data, err := readModuleFile(path, r.maxSize)
	if err != nil {
		return nil, NewModuleReadError(path, err)
	}

	doc, err := decodeModuleMetadata(data, argus.DetectFormat(path))
	if err != nil {
		return nil, NewModuleReadError(path, err)
	}
	return doc.Types, nil
}

// decodeModuleMetadata decodes a metadata document in the given format.
func decodeModuleMetadata(data []byte, format argus.ConfigFormat) (*ModuleMetadata, error) {
	var doc ModuleMetadata
	var err error

	switch format {
	case argus.FormatJSON:
		decoder := json.NewDecoder(bytes.NewReader(data))
		err = decoder.Decode(&doc)
	case argus.FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("unsupported metadata format: %s", format)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse %s metadata: %w", format, err)
	}
	return &doc, nil
}

// readModuleFile reads a regular file, refusing anything larger than maxSize.
func readModuleFile(path string, maxSize int64) ([]byte, error) {
	// #nosec G304 -- path comes from the configured plugin directories
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("module too large: %d bytes (max %d)", info.Size(), maxSize)
	}

	return io.ReadAll(io.LimitReader(file, maxSize))
}
