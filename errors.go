// errors.go: structured error definitions for the chainloader
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	stderrors "errors"
	"fmt"

	"github.com/agilira/go-errors"
)

// Error codes for the chainloader
const (
	// Discovery errors (1100-1199)
	ErrCodeModuleRead        = "DISCOVERY_1101"
	ErrCodeMalformedMetadata = "DISCOVERY_1102"
	ErrCodeDuplicateGUID     = "DISCOVERY_1103"
	ErrCodeDirectoryScan     = "DISCOVERY_1104"

	// Version errors (1200-1299)
	ErrCodeInvalidVersion = "VERSION_1201"

	// State machine errors (1300-1399)
	ErrCodeAlreadyInitialized = "STATE_1301"
	ErrCodeNotInitialized     = "STATE_1302"
	ErrCodeAlreadyExecuted    = "STATE_1303"

	// Plugin lifecycle errors (1400-1499)
	ErrCodePluginTypeNotFound = "PLUGIN_1401"
	ErrCodePluginConstruction = "PLUGIN_1402"
	ErrCodePluginLoad         = "PLUGIN_1403"
	ErrCodePluginUnload       = "PLUGIN_1404"
	ErrCodePluginNotFound     = "PLUGIN_1405"
	ErrCodeModuleLoad         = "PLUGIN_1406"

	// Native hook errors (1500-1599)
	ErrCodeLibraryNotLoaded = "HOOK_1501"
	ErrCodeSymbolNotFound   = "HOOK_1502"
	ErrCodeHookState        = "HOOK_1503"
	ErrCodeHookDisabled     = "HOOK_1504"

	// Configuration management errors (1700-1799)
	ErrCodeConfigNotFound        = "CONFIG_1701"
	ErrCodeConfigParseError      = "CONFIG_1702"
	ErrCodeConfigValidationError = "CONFIG_1703"
	ErrCodeConfigWatcherError    = "CONFIG_1704"
	ErrCodeConfigStoreError      = "CONFIG_1705"

	// Audit errors (1800-1899)
	ErrCodeAuditError = "AUDIT_1801"
)

// HasErrorCode reports whether err, or any error it wraps, is a structured
// error carrying code.
func HasErrorCode(err error, code errors.ErrorCode) bool {
	var structured *errors.Error
	if !stderrors.As(err, &structured) {
		return false
	}
	return structured.Code == code
}

// coded builds a structured error, wrapping cause when there is one.
func coded(cause error, code errors.ErrorCode, message string) *errors.Error {
	if cause == nil {
		return errors.New(code, message)
	}
	return errors.Wrap(cause, code, message)
}

// Discovery error constructors

func NewModuleReadError(path string, cause error) *errors.Error {
	return coded(cause, ErrCodeModuleRead, "Module metadata could not be read").
		WithUserMessage("The plugin module is unreadable or corrupt and was skipped").
		WithContext("module_path", path).
		WithSeverity("error")
}

func NewMalformedMetadataError(path, typeName, reason string, cause error) *errors.Error {
	return coded(cause, ErrCodeMalformedMetadata, "Malformed plugin metadata").
		WithUserMessage(fmt.Sprintf("Plugin type %s declares invalid identity metadata: %s", typeName, reason)).
		WithContext("module_path", path).
		WithContext("type_name", typeName).
		WithContext("reason", reason).
		WithSeverity("error")
}

func NewDuplicateGUIDError(guid string, first, duplicate ModuleRef) *errors.Error {
	return errors.New(ErrCodeDuplicateGUID, "Duplicate plugin GUID").
		WithUserMessage(fmt.Sprintf("Plugin GUID %s is declared more than once; only the first declaration is kept", guid)).
		WithContext("plugin_guid", guid).
		WithContext("first_module", first.String()).
		WithContext("duplicate_module", duplicate.String()).
		WithSeverity("error")
}

func NewDirectoryScanError(path string, cause error) *errors.Error {
	return coded(cause, ErrCodeDirectoryScan, "Plugin directory could not be scanned").
		WithUserMessage("A plugin directory is missing or unreadable").
		WithContext("directory", path).
		WithSeverity("error")
}

// Version error constructors

func NewInvalidVersionError(version string, cause error) *errors.Error {
	return coded(cause, ErrCodeInvalidVersion, "Invalid version string").
		WithUserMessage("Version must be a semantic version (major.minor.patch) or a dotted numeric version").
		WithContext("version", version).
		WithSeverity("error")
}

// State machine error constructors

func NewAlreadyInitializedError() *errors.Error {
	return errors.New(ErrCodeAlreadyInitialized, "Chainloader already initialized").
		WithUserMessage("Initialize may only be called once per chainloader").
		WithSeverity("error")
}

func NewNotInitializedError(operation string) *errors.Error {
	return errors.New(ErrCodeNotInitialized, "Chainloader not initialized").
		WithUserMessage("Initialize must be called before "+operation).
		WithContext("operation", operation).
		WithSeverity("error")
}

func NewAlreadyExecutedError(state State) *errors.Error {
	return errors.New(ErrCodeAlreadyExecuted, "Chainloader already executed").
		WithUserMessage("Execute may only run once per chainloader").
		WithContext("state", state.String()).
		WithSeverity("error")
}

// Plugin lifecycle error constructors

func NewPluginTypeNotFoundError(ref ModuleRef, cause error) *errors.Error {
	return coded(cause, ErrCodePluginTypeNotFound, "Plugin type not found").
		WithUserMessage(fmt.Sprintf("Type %s could not be resolved from its module", ref.TypeName)).
		WithContext("module_path", ref.Path).
		WithContext("type_name", ref.TypeName).
		WithSeverity("error")
}

func NewPluginConstructionError(guid string, cause error) *errors.Error {
	return coded(cause, ErrCodePluginConstruction, "Plugin construction failed").
		WithUserMessage(fmt.Sprintf("Plugin %s could not be constructed", guid)).
		WithContext("plugin_guid", guid).
		WithSeverity("critical")
}

func NewPluginLoadError(guid string, cause error) *errors.Error {
	return coded(cause, ErrCodePluginLoad, "Plugin load failed").
		WithUserMessage(fmt.Sprintf("Plugin %s failed while loading", guid)).
		WithContext("plugin_guid", guid).
		WithSeverity("critical")
}

func NewPluginUnloadError(guid string, cause error) *errors.Error {
	return coded(cause, ErrCodePluginUnload, "Plugin unload failed").
		WithUserMessage(fmt.Sprintf("Plugin %s failed while unloading", guid)).
		WithContext("plugin_guid", guid).
		WithSeverity("error")
}

func NewPluginNotFoundError(guid string) *errors.Error {
	return errors.New(ErrCodePluginNotFound, "Plugin not found").
		WithUserMessage(fmt.Sprintf("No loaded plugin has GUID %s", guid)).
		WithContext("plugin_guid", guid).
		WithSeverity("error")
}

func NewModuleLoadError(path string, cause error) *errors.Error {
	return coded(cause, ErrCodeModuleLoad, "Plugin module could not be loaded").
		WithUserMessage("The plugin module could not be opened for execution").
		WithContext("module_path", path).
		WithSeverity("error")
}

// Native hook error constructors

func NewLibraryNotLoadedError(names []string, cause error) *errors.Error {
	return coded(cause, ErrCodeLibraryNotLoaded, "Native library not loaded").
		WithUserMessage("None of the candidate host libraries is loaded in this process").
		WithContext("libraries", names).
		WithSeverity("critical")
}

func NewSymbolNotFoundError(library, symbol string) *errors.Error {
	return errors.New(ErrCodeSymbolNotFound, "Native symbol not found").
		WithUserMessage(fmt.Sprintf("Symbol %s is not exported by %s", symbol, library)).
		WithContext("library", library).
		WithContext("symbol", symbol).
		WithSeverity("critical")
}

func NewHookStateError(expected, actual HookState) *errors.Error {
	return errors.New(ErrCodeHookState, "Invalid hook state transition").
		WithUserMessage(fmt.Sprintf("Hook must be %s but is %s", expected, actual)).
		WithContext("expected_state", expected.String()).
		WithContext("actual_state", actual.String()).
		WithSeverity("error")
}

func NewHookDisabledError() *errors.Error {
	return errors.New(ErrCodeHookDisabled, "Safe-point hook is disabled").
		WithUserMessage("Enable hook.enabled in the configuration to install the safe-point hook").
		WithSeverity("error")
}

// Configuration error constructors

func NewConfigNotFoundError(path string) *errors.Error {
	return errors.New(ErrCodeConfigNotFound, "Configuration file not found").
		WithUserMessage("The specified configuration file does not exist").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return coded(cause, ErrCodeConfigParseError, "Configuration parse error").
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	return coded(cause, ErrCodeConfigValidationError, "Configuration validation failed").
		WithUserMessage(message).
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	return coded(cause, ErrCodeConfigWatcherError, message).
		WithUserMessage("Configuration watcher error").
		WithSeverity("error")
}

func NewConfigStoreError(path string, message string, cause error) *errors.Error {
	return coded(cause, ErrCodeConfigStoreError, message).
		WithUserMessage("Plugin configuration store error").
		WithContext("config_path", path).
		WithSeverity("error")
}

// Audit error constructors

func NewAuditError(message string, cause error) *errors.Error {
	return coded(cause, ErrCodeAuditError, message).
		WithUserMessage("Audit logging error").
		WithSeverity("warning")
}
