// errors_test.go: test coverage for structured error definitions
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/agilira/go-errors"
)

// TestDiscoveryErrorConstructors tests the discovery error constructors
func TestDiscoveryErrorConstructors(t *testing.T) {
	t.Run("NewModuleReadError", func(t *testing.T) {
		cause := fmt.Errorf("unexpected EOF")
		err := NewModuleReadError("/plugins/broken.wasm", cause)

		if err.ErrorCode() != errors.ErrorCode(ErrCodeModuleRead) {
			t.Errorf("Expected error code %s, got %s", ErrCodeModuleRead, err.ErrorCode())
		}
		if err.Context["module_path"] != "/plugins/broken.wasm" {
			t.Errorf("Expected module_path context, got %v", err.Context["module_path"])
		}
		if err.Cause == nil {
			t.Error("Expected cause to be preserved")
		}
		if err.Severity != "error" {
			t.Errorf("Expected severity %q, got %q", "error", err.Severity)
		}
	})

	t.Run("NewModuleReadError without cause", func(t *testing.T) {
		err := NewModuleReadError("/plugins/broken.wasm", nil)
		if err.Cause != nil {
			t.Errorf("Expected no cause, got %v", err.Cause)
		}
	})

	t.Run("NewMalformedMetadataError", func(t *testing.T) {
		err := NewMalformedMetadataError("/plugins/a.plugin.yaml", "example.A", "empty GUID", nil)

		if err.ErrorCode() != errors.ErrorCode(ErrCodeMalformedMetadata) {
			t.Errorf("Expected error code %s, got %s", ErrCodeMalformedMetadata, err.ErrorCode())
		}
		if err.Context["type_name"] != "example.A" {
			t.Errorf("Expected type_name context, got %v", err.Context["type_name"])
		}
		if err.Context["reason"] != "empty GUID" {
			t.Errorf("Expected reason context, got %v", err.Context["reason"])
		}
		expectedMsg := "Plugin type example.A declares invalid identity metadata: empty GUID"
		if err.UserMessage() != expectedMsg {
			t.Errorf("Expected user message %q, got %q", expectedMsg, err.UserMessage())
		}
	})

	t.Run("NewDuplicateGUIDError", func(t *testing.T) {
		first := ModuleRef{Path: "/plugins/a.wasm", TypeName: "A"}
		dup := ModuleRef{Path: "/plugins/b.wasm", TypeName: "B"}
		err := NewDuplicateGUIDError("com.example.a", first, dup)

		if err.ErrorCode() != errors.ErrorCode(ErrCodeDuplicateGUID) {
			t.Errorf("Expected error code %s, got %s", ErrCodeDuplicateGUID, err.ErrorCode())
		}
		if err.Context["first_module"] != "/plugins/a.wasm#A" {
			t.Errorf("Expected first_module context, got %v", err.Context["first_module"])
		}
		if err.Context["duplicate_module"] != "/plugins/b.wasm#B" {
			t.Errorf("Expected duplicate_module context, got %v", err.Context["duplicate_module"])
		}
	})

	t.Run("NewDirectoryScanError", func(t *testing.T) {
		err := NewDirectoryScanError("/missing", fmt.Errorf("no such file or directory"))
		if err.ErrorCode() != errors.ErrorCode(ErrCodeDirectoryScan) {
			t.Errorf("Expected error code %s, got %s", ErrCodeDirectoryScan, err.ErrorCode())
		}
		if err.Context["directory"] != "/missing" {
			t.Errorf("Expected directory context, got %v", err.Context["directory"])
		}
	})
}

// TestStateMachineErrorConstructors tests the lifecycle misuse errors
func TestStateMachineErrorConstructors(t *testing.T) {
	t.Run("NewAlreadyInitializedError", func(t *testing.T) {
		err := NewAlreadyInitializedError()
		if err.ErrorCode() != errors.ErrorCode(ErrCodeAlreadyInitialized) {
			t.Errorf("Expected error code %s, got %s", ErrCodeAlreadyInitialized, err.ErrorCode())
		}
		if err.IsRetryable() {
			t.Error("Expected error to not be retryable")
		}
	})

	t.Run("NewNotInitializedError", func(t *testing.T) {
		err := NewNotInitializedError("Execute")
		if err.ErrorCode() != errors.ErrorCode(ErrCodeNotInitialized) {
			t.Errorf("Expected error code %s, got %s", ErrCodeNotInitialized, err.ErrorCode())
		}
		if err.UserMessage() != "Initialize must be called before Execute" {
			t.Errorf("Unexpected user message %q", err.UserMessage())
		}
	})

	t.Run("NewAlreadyExecutedError", func(t *testing.T) {
		err := NewAlreadyExecutedError(StateExecuted)
		if err.ErrorCode() != errors.ErrorCode(ErrCodeAlreadyExecuted) {
			t.Errorf("Expected error code %s, got %s", ErrCodeAlreadyExecuted, err.ErrorCode())
		}
		if err.Context["state"] != "executed" {
			t.Errorf("Expected state context %q, got %v", "executed", err.Context["state"])
		}
	})
}

// TestPluginLifecycleErrorConstructors tests per-plugin failure errors
func TestPluginLifecycleErrorConstructors(t *testing.T) {
	cause := fmt.Errorf("boom")

	tests := []struct {
		name     string
		err      *errors.Error
		code     string
		severity string
	}{
		{"construction", NewPluginConstructionError("g", cause), ErrCodePluginConstruction, "critical"},
		{"load", NewPluginLoadError("g", cause), ErrCodePluginLoad, "critical"},
		{"unload", NewPluginUnloadError("g", cause), ErrCodePluginUnload, "error"},
		{"not found", NewPluginNotFoundError("g"), ErrCodePluginNotFound, "error"},
		{"type not found", NewPluginTypeNotFoundError(ModuleRef{Path: "/p", TypeName: "T"}, nil), ErrCodePluginTypeNotFound, "error"},
		{"module load", NewModuleLoadError("/p", cause), ErrCodeModuleLoad, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.ErrorCode() != errors.ErrorCode(tt.code) {
				t.Errorf("Expected error code %s, got %s", tt.code, tt.err.ErrorCode())
			}
			if tt.err.Severity != tt.severity {
				t.Errorf("Expected severity %q, got %q", tt.severity, tt.err.Severity)
			}
		})
	}

	t.Run("plugin_guid context", func(t *testing.T) {
		err := NewPluginLoadError("com.example.a", cause)
		if err.Context["plugin_guid"] != "com.example.a" {
			t.Errorf("Expected plugin_guid context, got %v", err.Context["plugin_guid"])
		}
		if err.Cause == nil {
			t.Error("Expected cause to be preserved")
		}
	})
}

// TestHookErrorConstructors tests native hook errors
func TestHookErrorConstructors(t *testing.T) {
	t.Run("NewLibraryNotLoadedError", func(t *testing.T) {
		names := []string{"GameAssembly", "UserAssembly"}
		err := NewLibraryNotLoadedError(names, nil)
		if err.ErrorCode() != errors.ErrorCode(ErrCodeLibraryNotLoaded) {
			t.Errorf("Expected error code %s, got %s", ErrCodeLibraryNotLoaded, err.ErrorCode())
		}
		if !reflect.DeepEqual(err.Context["libraries"], names) {
			t.Errorf("Expected libraries context %v, got %v", names, err.Context["libraries"])
		}
	})

	t.Run("NewSymbolNotFoundError", func(t *testing.T) {
		err := NewSymbolNotFoundError("GameAssembly", "il2cpp_runtime_invoke")
		if err.ErrorCode() != errors.ErrorCode(ErrCodeSymbolNotFound) {
			t.Errorf("Expected error code %s, got %s", ErrCodeSymbolNotFound, err.ErrorCode())
		}
		if err.Context["symbol"] != "il2cpp_runtime_invoke" {
			t.Errorf("Expected symbol context, got %v", err.Context["symbol"])
		}
	})

	t.Run("NewHookStateError", func(t *testing.T) {
		err := NewHookStateError(HookInstalled, HookRemoved)
		if err.Context["expected_state"] != "installed" || err.Context["actual_state"] != "removed" {
			t.Errorf("Unexpected state context: %v", err.Context)
		}
		if err.UserMessage() != "Hook must be installed but is removed" {
			t.Errorf("Unexpected user message %q", err.UserMessage())
		}
	})

	t.Run("NewHookDisabledError", func(t *testing.T) {
		err := NewHookDisabledError()
		if err.ErrorCode() != errors.ErrorCode(ErrCodeHookDisabled) {
			t.Errorf("Expected error code %s, got %s", ErrCodeHookDisabled, err.ErrorCode())
		}
	})
}

// TestHasErrorCode tests code detection through wrapping
func TestHasErrorCode(t *testing.T) {
	inner := NewSymbolNotFoundError("lib", "sym")
	wrapped := fmt.Errorf("install: %w", inner)

	if !HasErrorCode(inner, ErrCodeSymbolNotFound) {
		t.Error("Expected direct error to match its code")
	}
	if !HasErrorCode(wrapped, ErrCodeSymbolNotFound) {
		t.Error("Expected wrapped error to match its code")
	}
	if HasErrorCode(wrapped, ErrCodeLibraryNotLoaded) {
		t.Error("Expected different code not to match")
	}
	if HasErrorCode(fmt.Errorf("plain"), ErrCodeSymbolNotFound) {
		t.Error("Expected plain error not to match")
	}
	if HasErrorCode(nil, ErrCodeSymbolNotFound) {
		t.Error("Expected nil not to match")
	}
}
