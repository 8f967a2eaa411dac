// argus_config_watcher.go: live reload of the chainloader configuration file
//
// Only settings that are safe to change after Initialize are applied on
// reload: the console log level. Everything else is validated and recorded
// but takes effect on the next process start.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ConfigWatcherOptions customizes a ConfigWatcher.
type ConfigWatcherOptions struct {
	PollInterval time.Duration
	CacheTTL     time.Duration
	Env          EnvConfigOptions
	ErrorHandler func(error, string)
}

// DefaultConfigWatcherOptions returns the options used by NewConfigWatcher
// when none are given.
func DefaultConfigWatcherOptions() ConfigWatcherOptions {
	return ConfigWatcherOptions{
		PollInterval: 2 * time.Second,
		CacheTTL:     time.Second,
		Env:          DefaultEnvConfigOptions(),
	}
}

// ConfigWatcher watches the chainloader configuration file with argus and
// applies reloadable settings to a running chainloader.
//
// Usage example:
//
//	watcher := chainloader.NewConfigWatcher(cl, "chainloader.yaml", chainloader.DefaultConfigWatcherOptions())
//	if err := watcher.Start(ctx); err != nil {
//	    return err
//	}
//	defer watcher.Stop()
type ConfigWatcher struct {
	chainloader *Chainloader
	configPath  string
	logger      Logger
	watcher     *argus.Watcher
	options     ConfigWatcherOptions

	current atomic.Pointer[Config]
	reloads atomic.Int64

	enabled atomic.Bool
	stopped atomic.Bool
	mutex   sync.Mutex
}

// NewConfigWatcher creates a stopped watcher for path.
func NewConfigWatcher(c *Chainloader, path string, options ConfigWatcherOptions) *ConfigWatcher {
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultConfigWatcherOptions().PollInterval
	}
	if options.CacheTTL <= 0 || options.CacheTTL > options.PollInterval {
		options.CacheTTL = options.PollInterval / 2
	}
	w := &ConfigWatcher{
		chainloader: c,
		configPath:  path,
		logger:      c.Logger(),
		options:     options,
	}
	w.watcher = argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      1,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, file string) {
			if options.ErrorHandler != nil {
				options.ErrorHandler(err, file)
				return
			}
			w.logger.Error("Configuration file watching error", "error", err, "file", file)
		},
	})
	return w
}

// Start loads the file once, applies it and begins watching. A stopped
// watcher cannot be restarted.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	if w.stopped.Load() {
		return NewConfigWatcherError("config watcher has been permanently stopped and cannot be restarted", nil)
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.enabled.CompareAndSwap(false, true) {
		return NewConfigWatcherError("config watcher is already running", nil)
	}

	initial, err := LoadConfigWithEnv(w.configPath, w.options.Env)
	if err != nil {
		w.enabled.Store(false)
		return err
	}
	w.apply(&initial)
	w.current.Store(&initial)

	if err := ctx.Err(); err != nil {
		w.enabled.Store(false)
		return err
	}
	if err := w.watcher.Watch(w.configPath, w.handleConfigChange); err != nil {
		w.enabled.Store(false)
		return NewConfigWatcherError("failed to watch config file", err)
	}
	if err := w.watcher.Start(); err != nil {
		w.enabled.Store(false)
		return NewConfigWatcherError("failed to start argus watcher", err)
	}

	w.logger.Info("Configuration watcher started",
		"config_path", w.configPath,
		"poll_interval", w.options.PollInterval)
	return nil
}

// Stop stops watching permanently. Stopping a watcher that is not running
// is an error and leaves it startable.
func (w *ConfigWatcher) Stop() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.stopped.Load() {
		return NewConfigWatcherError("config watcher is already stopped", nil)
	}
	if !w.enabled.CompareAndSwap(true, false) {
		return NewConfigWatcherError("config watcher is not running", nil)
	}
	w.stopped.Store(true)

	if err := w.watcher.Stop(); err != nil {
		return NewConfigWatcherError("failed to stop argus watcher", err)
	}
	w.logger.Info("Configuration watcher stopped", "reloads", w.reloads.Load())
	return nil
}

// IsRunning reports whether the watcher is active.
func (w *ConfigWatcher) IsRunning() bool {
	return w.enabled.Load() && !w.stopped.Load()
}

// CurrentConfig returns the last successfully loaded configuration.
func (w *ConfigWatcher) CurrentConfig() *Config {
	return w.current.Load()
}

// Reloads returns the number of applied reloads, the initial load excluded.
func (w *ConfigWatcher) Reloads() int64 {
	return w.reloads.Load()
}

func (w *ConfigWatcher) handleConfigChange(event argus.ChangeEvent) {
	if event.IsDelete {
		w.logger.Warn("Configuration file was deleted, keeping current settings", "path", event.Path)
		return
	}
	w.reload(event.Path)
}

// reload loads path and applies it, keeping the current config on failure.
func (w *ConfigWatcher) reload(path string) {
	next, err := LoadConfigWithEnv(path, w.options.Env)
	if err != nil {
		w.logger.Error("Failed to reload configuration", "path", path, "error", err)
		w.chainloader.audit.Record(AuditConfigReloadFailed, err.Error(), map[string]interface{}{
			"path": path,
		})
		return
	}

	previous := w.current.Swap(&next)
	changes := configChanges(previous, &next)
	w.apply(&next)
	w.reloads.Add(1)

	w.logger.Info("Configuration reloaded", "path", path, "changes", changes)
	w.chainloader.audit.Record(AuditConfigReloaded, "configuration reloaded", map[string]interface{}{
		"path":    path,
		"changes": changes,
	})
}

// apply pushes the reloadable settings into the chainloader.
func (w *ConfigWatcher) apply(config *Config) {
	console := w.chainloader.Console()
	if console == nil {
		return
	}
	levels, err := ParseLogLevel(config.Logging.ConsoleLevel)
	if err != nil {
		return
	}
	if console.Levels() != levels {
		console.SetLevels(levels)
		w.logger.Debug("Console log level changed", "levels", levels.String())
	}
}

// configChanges names the top-level sections that differ.
func configChanges(previous, next *Config) []string {
	if previous == nil {
		return []string{"initial_configuration"}
	}
	var changes []string
	if !slices.Equal(previous.Discovery.Directories, next.Discovery.Directories) ||
		!slices.Equal(previous.Discovery.FilePatterns, next.Discovery.FilePatterns) ||
		!slices.Equal(previous.Discovery.ExcludePaths, next.Discovery.ExcludePaths) ||
		previous.Discovery.MaxDepth != next.Discovery.MaxDepth ||
		previous.Discovery.Workers != next.Discovery.Workers {
		changes = append(changes, "discovery")
	}
	if previous.ConfigDirectory != next.ConfigDirectory {
		changes = append(changes, "config_directory")
	}
	if previous.Logging != next.Logging {
		changes = append(changes, "logging")
	}
	if !slices.Equal(previous.Hook.Libraries, next.Hook.Libraries) ||
		previous.Hook.Enabled != next.Hook.Enabled ||
		previous.Hook.Symbol != next.Hook.Symbol ||
		previous.Hook.Marker != next.Hook.Marker ||
		previous.Hook.ResolveAttempts != next.Hook.ResolveAttempts ||
		previous.Hook.ResolveInterval != next.Hook.ResolveInterval {
		changes = append(changes, "hook")
	}
	if previous.Audit != next.Audit {
		changes = append(changes, "audit")
	}
	if previous.Metrics != next.Metrics {
		changes = append(changes, "metrics")
	}
	return changes
}
