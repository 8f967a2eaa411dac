// env_config.go: environment variable expansion for chainloader configuration
//
// Configuration values may reference the environment with ${VAR} or
// ${VAR:-default}. Variables are looked up with the configured prefix first
// (CHAINLOADER_VAR), then unprefixed.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// EnvConfigOptions configures environment variable processing behavior.
type EnvConfigOptions struct {
	// Prefix for environment variables (e.g., "CHAINLOADER_")
	Prefix string `json:"prefix" yaml:"prefix"`

	// Whether to fail when required environment variables are missing
	FailOnMissing bool `json:"fail_on_missing" yaml:"fail_on_missing"`

	// Whether to validate environment variable values for security
	ValidateValues bool `json:"validate_values" yaml:"validate_values"`

	// Default values for undefined environment variables
	Defaults map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Override values consulted after the environment
	Overrides map[string]string `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// DefaultEnvConfigOptions returns the options used by LoadConfig.
func DefaultEnvConfigOptions() EnvConfigOptions {
	return EnvConfigOptions{
		Prefix:         "CHAINLOADER_",
		FailOnMissing:  false,
		ValidateValues: true,
		Defaults:       make(map[string]string),
		Overrides:      make(map[string]string),
	}
}

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvironmentVariables expands ${VAR} and ${VAR:-default} placeholders.
//
// Example:
//
//	dir, err := ExpandEnvironmentVariables("${PLUGIN_ROOT:-./plugins}", DefaultEnvConfigOptions())
func ExpandEnvironmentVariables(input string, options EnvConfigOptions) (string, error) {
	if input == "" || !strings.Contains(input, "${") {
		return input, nil
	}

	var firstErr error
	result := variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		submatches := variablePattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		inlineDefault := ""
		if len(submatches) >= 4 {
			inlineDefault = submatches[3]
		}

		expanded, err := expandSingleEnvironmentVariable(varName, inlineDefault, options)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return expanded
	})

	if firstErr != nil {
		return input, firstErr
	}
	return result, nil
}

// expandSingleEnvironmentVariable resolves one variable.
//
// Variable resolution priority:
//  1. Environment variable (with prefix if configured)
//  2. Environment variable without prefix
//  3. Configured override value
//  4. Inline default value (from ${VAR:-default} syntax)
//  5. Global default value
//  6. Empty string, or an error if FailOnMissing is set
func expandSingleEnvironmentVariable(varName, inlineDefault string, options EnvConfigOptions) (string, error) {
	prefixedName := options.Prefix + varName
	if value := os.Getenv(prefixedName); value != "" {
		return validateAndSanitizeValue(value, options)
	}

	if value := os.Getenv(varName); value != "" {
		return validateAndSanitizeValue(value, options)
	}

	if value, exists := options.Overrides[varName]; exists {
		return validateAndSanitizeValue(value, options)
	}

	if inlineDefault != "" {
		return validateAndSanitizeValue(inlineDefault, options)
	}

	if value, exists := options.Defaults[varName]; exists {
		return validateAndSanitizeValue(value, options)
	}

	if options.FailOnMissing {
		return "", NewConfigValidationError(fmt.Sprintf("required environment variable not found: %s (also tried %s)", varName, prefixedName), nil)
	}
	return "", nil
}

// validateAndSanitizeValue rejects null bytes, control characters and
// oversized values.
func validateAndSanitizeValue(value string, options EnvConfigOptions) (string, error) {
	if !options.ValidateValues {
		return value, nil
	}

	if strings.Contains(value, "\x00") {
		return "", NewConfigValidationError("environment variable value contains null byte", nil)
	}

	maxLength := 4096
	if len(value) > maxLength {
		return "", NewConfigValidationError(fmt.Sprintf("environment variable value too long: %d bytes (max %d)", len(value), maxLength), nil)
	}

	for i, r := range value {
		if r < 32 && r != '\t' {
			return "", NewConfigValidationError(fmt.Sprintf("environment variable contains control character at position %d", i), nil)
		}
	}
	return value, nil
}

// expandConfigWithEnv expands every string field of the configuration.
func expandConfigWithEnv(config *Config, options EnvConfigOptions) error {
	strs := []*string{
		&config.ConfigDirectory,
		&config.Logging.ConsoleLevel,
		&config.Hook.Symbol,
		&config.Hook.Marker,
		&config.Hook.ResolveInterval,
		&config.Audit.OutputFile,
		&config.Metrics.Namespace,
	}
	for _, s := range strs {
		expanded, err := ExpandEnvironmentVariables(*s, options)
		if err != nil {
			return err
		}
		*s = expanded
	}

	lists := [][]string{
		config.Discovery.Directories,
		config.Discovery.FilePatterns,
		config.Discovery.ExcludePaths,
		config.Hook.Libraries,
	}
	for _, values := range lists {
		for i, value := range values {
			expanded, err := ExpandEnvironmentVariables(value, options)
			if err != nil {
				return err
			}
			values[i] = expanded
		}
	}
	return nil
}
