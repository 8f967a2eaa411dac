// discovery.go: metadata-only plugin discovery over the filesystem
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DiscoveryFailure records a module or type that discovery skipped.
type DiscoveryFailure struct {
	Module ModuleRef `json:"module"`
	Err    error     `json:"-"`
}

// Code returns the structured error code of the failure.
func (f DiscoveryFailure) Code() string {
	if structured, ok := f.Err.(*goerrors.Error); ok {
		return string(structured.Code)
	}
	return ErrCodeModuleRead
}

// DiscoveryReport is the outcome of one discovery pass.
type DiscoveryReport struct {
	Store     *DescriptorStore   `json:"-"`
	Modules   []string           `json:"modules"`
	Failures  []DiscoveryFailure `json:"failures"`
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration"`
}

// DiscoveryEventType distinguishes discovery notifications.
type DiscoveryEventType string

const (
	DiscoveryEventDescriptor DiscoveryEventType = "descriptor_discovered"
	DiscoveryEventSkipped    DiscoveryEventType = "entry_skipped"
)

// DiscoveryEvent is published for every accepted descriptor and every skip,
// in deterministic order.
type DiscoveryEvent struct {
	Type       DiscoveryEventType
	Descriptor *PluginDescriptor
	Failure    *DiscoveryFailure
}

// DiscoveryEventHandler handles discovery events.
type DiscoveryEventHandler func(event DiscoveryEvent)

// Discoverer scans the configured directories for plugin modules and builds
// one descriptor per declared plugin type.
//
// Module metadata is read in parallel on a bounded worker pool; results are
// merged in lexical path order and, within a module, in declared type order,
// so the produced descriptor set never depends on scan timing. No plugin code
// runs during discovery.
//
// Example usage:
//
//	d := NewDiscoverer(cfg.Discovery, DefaultMetadataReader(), logger)
//	report, err := d.Discover(ctx)
//	if err != nil {
//	    return err
//	}
//	for _, desc := range report.Store.All() {
//	    fmt.Println(desc)
//	}
type Discoverer struct {
	config  DiscoveryConfig
	reader  MetadataReader
	logger  Logger
	metrics *Metrics
	tracer  trace.Tracer

	mu            sync.RWMutex
	eventHandlers []DiscoveryEventHandler
}

// moduleScan is the raw result of reading one module.
type moduleScan struct {
	types []TypeMetadata
	err   error
}

// NewDiscoverer creates a discoverer. A nil logger discards output.
func NewDiscoverer(config DiscoveryConfig, reader MetadataReader, logger Logger) *Discoverer {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	if len(config.FilePatterns) == 0 {
		config.FilePatterns = DefaultFilePatterns
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	return &Discoverer{
		config: config,
		reader: reader,
		logger: logger,
		tracer: tracerOrNoop(nil),
	}
}

// WithInstrumentation attaches metrics and a tracer. Either may be nil.
func (d *Discoverer) WithInstrumentation(metrics *Metrics, tracer trace.Tracer) *Discoverer {
	d.metrics = metrics
	d.tracer = tracerOrNoop(tracer)
	return d
}

// AddEventHandler registers a handler for discovery events.
func (d *Discoverer) AddEventHandler(handler DiscoveryEventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventHandlers = append(d.eventHandlers, handler)
}

// Discover performs one discovery pass.
//
// Unreadable modules and malformed or duplicate plugin types are recorded
// in the report and skipped. The pass itself fails only when the context is
// cancelled or when none of the configured directories could be read.
func (d *Discoverer) Discover(ctx context.Context) (*DiscoveryReport, error) {
	ctx, span := d.tracer.Start(ctx, "chainloader.discover")
	report := &DiscoveryReport{
		Store:     NewDescriptorStore(),
		StartedAt: timecache.CachedTime(),
	}

	d.logger.Info("Starting plugin discovery", "directories", d.config.Directories)

	candidates, err := d.collectCandidates(ctx, report)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	scans, err := d.readModules(ctx, candidates)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	d.mergeScans(candidates, scans, report)
	report.Modules = candidates
	report.Duration = time.Since(report.StartedAt)

	span.SetAttributes(
		attribute.Int("discovery.modules", len(candidates)),
		attribute.Int("discovery.descriptors", report.Store.Len()),
		attribute.Int("discovery.failures", len(report.Failures)),
	)
	endSpan(span, nil)

	d.logger.Info("Plugin discovery completed",
		"modules", len(candidates),
		"descriptors", report.Store.Len(),
		"skipped", len(report.Failures))
	return report, nil
}

// collectCandidates walks every directory and returns matching module paths
// in lexical order.
func (d *Discoverer) collectCandidates(ctx context.Context, report *DiscoveryReport) ([]string, error) {
	seen := make(map[string]struct{})
	readable := 0
	var lastErr error

	for _, dir := range d.config.Directories {
		if err := d.scanDirectory(ctx, dir, 0, seen); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.logger.Error("Failed to scan directory", "path", dir, "error", err)
			d.recordFailure(report, ModuleRef{Path: dir}, err)
			lastErr = err
			continue
		}
		readable++
	}

	if readable == 0 && lastErr != nil {
		return nil, lastErr
	}

	candidates := make([]string, 0, len(seen))
	for path := range seen {
		candidates = append(candidates, path)
	}
	sort.Strings(candidates)
	return candidates, nil
}

// scanDirectory recursively scans a directory for plugin modules.
func (d *Discoverer) scanDirectory(ctx context.Context, path string, depth int, seen map[string]struct{}) error {
	if !d.shouldScanPath(path, depth) {
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return NewDirectoryScanError(path, err)
	}

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fullPath := filepath.Join(path, entry.Name())
		if err := d.processDirectoryEntry(ctx, entry, fullPath, depth, seen); err != nil {
			if ctx.Err() != nil {
				return err
			}
			d.logger.Warn("Failed to scan subdirectory", "path", fullPath, "error", err)
		}
	}
	return nil
}

// shouldScanPath applies the depth limit and exclusion rules.
func (d *Discoverer) shouldScanPath(path string, depth int) bool {
	if depth > d.config.MaxDepth {
		return false
	}
	for _, excludePath := range d.config.ExcludePaths {
		if excludePath != "" && strings.Contains(path, excludePath) {
			return false
		}
	}
	return true
}

// processDirectoryEntry descends into directories and records matching files.
func (d *Discoverer) processDirectoryEntry(ctx context.Context, entry os.DirEntry, fullPath string, depth int, seen map[string]struct{}) error {
	if entry.IsDir() {
		return d.scanDirectory(ctx, fullPath, depth+1, seen)
	}
	if entry.Type().IsRegular() && d.matchesPattern(entry.Name()) && d.shouldScanPath(fullPath, depth) {
		seen[filepath.Clean(fullPath)] = struct{}{}
	}
	return nil
}

// matchesPattern checks a file name against the configured patterns.
func (d *Discoverer) matchesPattern(filename string) bool {
	for _, pattern := range d.config.FilePatterns {
		if matched, err := filepath.Match(pattern, filename); err == nil && matched {
			return true
		}
	}
	return false
}

// readModules reads every candidate's metadata on a bounded worker pool.
func (d *Discoverer) readModules(ctx context.Context, candidates []string) (cmap.ConcurrentMap[string, moduleScan], error) {
	scans := cmap.New[moduleScan]()
	if len(candidates) == 0 {
		return scans, nil
	}

	read := func(path string) {
		var types []TypeMetadata
		err := callSafely(func() error {
			var readErr error
			types, readErr = d.reader.ReadModuleMetadata(ctx, path)
			return readErr
		})
		scans.Set(path, moduleScan{types: types, err: err})
		d.metrics.moduleScanned()
	}

	pool, err := ants.NewPool(d.config.Workers)
	if err != nil {
		d.logger.Warn("Worker pool unavailable, reading modules sequentially", "error", err)
		for _, path := range candidates {
			read(path)
		}
		return scans, ctx.Err()
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, path := range candidates {
		path := path
		wg.Add(1)
		if submitErr := pool.Submit(func() {
			defer wg.Done()
			read(path)
		}); submitErr != nil {
			wg.Done()
			read(path)
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return scans, err
	}
	return scans, nil
}

// mergeScans folds module scans into the report in deterministic order.
func (d *Discoverer) mergeScans(candidates []string, scans cmap.ConcurrentMap[string, moduleScan], report *DiscoveryReport) {
	for _, path := range candidates {
		scan, ok := scans.Get(path)
		if !ok {
			continue
		}
		if scan.err != nil {
			err := scan.err
			if !HasErrorCode(err, ErrCodeModuleRead) {
				err = NewModuleReadError(path, err)
			}
			d.logger.Error("Skipping unreadable module", "path", path, "error", err)
			d.recordFailure(report, ModuleRef{Path: path}, err)
			continue
		}

		for _, meta := range scan.types {
			if meta.Plugin == nil {
				continue
			}
			ref := ModuleRef{Path: path, TypeName: meta.TypeName}

			descriptor, err := buildDescriptor(path, meta)
			if err != nil {
				d.logger.Error("Skipping plugin type with malformed metadata",
					"module", ref.String(), "error", err)
				d.recordFailure(report, ref, err)
				continue
			}

			if err := report.Store.Add(descriptor); err != nil {
				d.logger.Error("Skipping duplicate plugin GUID",
					"guid", descriptor.GUID, "module", ref.String(), "error", err)
				d.recordFailure(report, ref, err)
				continue
			}

			d.metrics.descriptorDiscovered()
			d.logger.Debug("Discovered plugin",
				"guid", descriptor.GUID,
				"name", descriptor.Name,
				"version", descriptor.Version.String(),
				"module", ref.String())
			d.emitEvent(DiscoveryEvent{Type: DiscoveryEventDescriptor, Descriptor: descriptor})
		}
	}
}

func (d *Discoverer) recordFailure(report *DiscoveryReport, ref ModuleRef, err error) {
	failure := DiscoveryFailure{Module: ref, Err: err}
	report.Failures = append(report.Failures, failure)
	d.metrics.discoveryFailure(failure.Code())
	d.emitEvent(DiscoveryEvent{Type: DiscoveryEventSkipped, Failure: &failure})
}

// emitEvent delivers an event synchronously to every handler.
func (d *Discoverer) emitEvent(event DiscoveryEvent) {
	d.mu.RLock()
	handlers := make([]DiscoveryEventHandler, len(d.eventHandlers))
	copy(handlers, d.eventHandlers)
	d.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer withStackRecover(d.logger)()
			handler(event)
		}()
	}
}
