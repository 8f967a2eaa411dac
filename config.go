// config.go: chainloader configuration loading, defaults and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agilira/argus"
	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// Default host-runtime hook parameters.
const (
	DefaultHookSymbol = "il2cpp_runtime_invoke"
	DefaultHookMarker = "Internal_ActiveSceneChanged"
)

// DefaultHookLibraries are the host library names tried, in order, when
// installing the safe-point hook.
var DefaultHookLibraries = []string{"GameAssembly", "UserAssembly", "libil2cpp"}

// DefaultFilePatterns match the module kinds the default metadata reader understands.
var DefaultFilePatterns = []string{"*.wasm", "*.plugin.json", "*.plugin.yaml", "*.plugin.yml"}

// Config is the complete chainloader configuration.
//
// Example YAML:
//
//	discovery:
//	  directories: ["${PLUGIN_ROOT:-./plugins}"]
//	  max_depth: 4
//	config_directory: ./config
//	logging:
//	  console_enabled: true
//	  console_level: info
//	hook:
//	  enabled: true
//	  marker: Internal_ActiveSceneChanged
type Config struct {
	Discovery       DiscoveryConfig `json:"discovery" yaml:"discovery" jsonschema:"description=Where and how plugin modules are discovered"`
	ConfigDirectory string          `json:"config_directory" yaml:"config_directory" validate:"required" jsonschema:"description=Directory holding one configuration file per plugin GUID"`
	Logging         LoggingConfig   `json:"logging" yaml:"logging"`
	Hook            HookConfig      `json:"hook" yaml:"hook"`
	Audit           AuditConfig     `json:"audit" yaml:"audit"`
	Metrics         MetricsConfig   `json:"metrics" yaml:"metrics"`
}

// DiscoveryConfig controls the filesystem scan for plugin modules.
type DiscoveryConfig struct {
	Directories  []string `json:"directories" yaml:"directories" validate:"dive,required"`
	FilePatterns []string `json:"file_patterns" yaml:"file_patterns" validate:"dive,required"`
	MaxDepth     int      `json:"max_depth" yaml:"max_depth" validate:"gte=0,lte=64"`
	ExcludePaths []string `json:"exclude_paths,omitempty" yaml:"exclude_paths,omitempty"`
	Workers      int      `json:"workers" yaml:"workers" validate:"gte=0,lte=256" jsonschema:"description=Parallel metadata readers; 0 selects the default"`
}

// LoggingConfig controls the chainloader log pipeline.
type LoggingConfig struct {
	ConsoleEnabled   bool   `json:"console_enabled" yaml:"console_enabled"`
	ConsoleLevel     string `json:"console_level" yaml:"console_level" jsonschema:"description=Threshold (fatal..debug) or comma-separated level list"`
	HostLogListening bool   `json:"host_log_listening" yaml:"host_log_listening" jsonschema:"description=Forward the host runtime's log messages once the safe point is reached"`
	ReplayBootstrap  bool   `json:"replay_bootstrap" yaml:"replay_bootstrap"`
}

// HookConfig controls the native safe-point hook.
type HookConfig struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	Libraries       []string `json:"libraries" yaml:"libraries"`
	Symbol          string   `json:"symbol" yaml:"symbol"`
	Marker          string   `json:"marker" yaml:"marker"`
	ResolveAttempts int      `json:"resolve_attempts" yaml:"resolve_attempts" validate:"gte=0,lte=100"`
	ResolveInterval string   `json:"resolve_interval" yaml:"resolve_interval" jsonschema:"description=Delay between library resolution attempts (Go duration)"`
}

// ResolveDelay returns the parsed resolve interval.
func (h HookConfig) ResolveDelay() time.Duration {
	d, err := time.ParseDuration(h.ResolveInterval)
	if err != nil {
		return 0
	}
	return d
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	OutputFile string `json:"output_file" yaml:"output_file"`
}

// MetricsConfig controls Prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Discovery: DiscoveryConfig{
			Directories:  []string{"plugins"},
			FilePatterns: append([]string(nil), DefaultFilePatterns...),
			MaxDepth:     8,
			Workers:      4,
		},
		ConfigDirectory: "config",
		Logging: LoggingConfig{
			ConsoleEnabled:   true,
			ConsoleLevel:     "info",
			HostLogListening: true,
			ReplayBootstrap:  true,
		},
		Hook: HookConfig{
			Enabled:         true,
			Libraries:       append([]string(nil), DefaultHookLibraries...),
			Symbol:          DefaultHookSymbol,
			Marker:          DefaultHookMarker,
			ResolveAttempts: 5,
			ResolveInterval: "100ms",
		},
		Audit: AuditConfig{
			Enabled:    false,
			OutputFile: "chainloader-audit.jsonl",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "chainloader",
		},
	}
}

// ApplyDefaults fills empty fields with their default values.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if len(c.Discovery.FilePatterns) == 0 {
		c.Discovery.FilePatterns = defaults.Discovery.FilePatterns
	}
	if c.Discovery.Workers == 0 {
		c.Discovery.Workers = defaults.Discovery.Workers
	}
	if c.ConfigDirectory == "" {
		c.ConfigDirectory = defaults.ConfigDirectory
	}
	if c.Logging.ConsoleLevel == "" {
		c.Logging.ConsoleLevel = defaults.Logging.ConsoleLevel
	}
	if len(c.Hook.Libraries) == 0 {
		c.Hook.Libraries = defaults.Hook.Libraries
	}
	if c.Hook.Symbol == "" {
		c.Hook.Symbol = defaults.Hook.Symbol
	}
	if c.Hook.Marker == "" {
		c.Hook.Marker = defaults.Hook.Marker
	}
	if c.Hook.ResolveInterval == "" {
		c.Hook.ResolveInterval = defaults.Hook.ResolveInterval
	}
	if c.Audit.OutputFile == "" {
		c.Audit.OutputFile = defaults.Audit.OutputFile
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = defaults.Metrics.Namespace
	}
}

var configValidate = validator.New()

// Validate checks struct constraints and the values that need parsing.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return NewConfigValidationError(describeValidation(err), err)
	}
	if _, err := ParseLogLevel(c.Logging.ConsoleLevel); err != nil {
		return NewConfigValidationError("invalid logging.console_level", err)
	}
	for _, pattern := range c.Discovery.FilePatterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return NewConfigValidationError("invalid discovery.file_patterns entry "+pattern, err)
		}
	}
	if c.Hook.ResolveInterval != "" {
		if d, err := time.ParseDuration(c.Hook.ResolveInterval); err != nil || d < 0 {
			return NewConfigValidationError("invalid hook.resolve_interval "+c.Hook.ResolveInterval, err)
		}
	}
	if c.Hook.Enabled {
		if len(c.Hook.Libraries) == 0 || c.Hook.Symbol == "" || c.Hook.Marker == "" {
			return NewConfigValidationError("hook requires libraries, symbol and marker when enabled", nil)
		}
	}
	if c.Audit.Enabled && c.Audit.OutputFile == "" {
		return NewConfigValidationError("audit.output_file is required when auditing is enabled", nil)
	}
	return nil
}

// LoadConfig reads a JSON or YAML configuration file over DefaultConfig,
// expands environment references, applies defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	return LoadConfigWithEnv(path, DefaultEnvConfigOptions())
}

// LoadConfigWithEnv is LoadConfig with explicit environment expansion options.
func LoadConfigWithEnv(path string, envOptions EnvConfigOptions) (Config, error) {
	config := DefaultConfig()

	// #nosec G304 -- configuration path is chosen by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, NewConfigNotFoundError(path)
		}
		return config, NewConfigParseError(path, err)
	}

	if err := parseConfig(data, argus.DetectFormat(path), &config); err != nil {
		return config, NewConfigParseError(path, err)
	}

	if err := expandConfigWithEnv(&config, envOptions); err != nil {
		return config, err
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// parseConfig decodes data over the values already present in config.
func parseConfig(data []byte, format argus.ConfigFormat, config *Config) error {
	switch format {
	case argus.FormatJSON:
		return json.Unmarshal(data, config)
	case argus.FormatYAML:
		return yaml.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config format: %s", format)
	}
}

// ConfigSchema returns the JSON schema of Config.
func ConfigSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&Config{})
	return json.MarshalIndent(schema, "", "  ")
}
