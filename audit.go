// audit.go: audit trail of plugin lifecycle and hook events
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"time"

	"github.com/agilira/argus"
)

// Audit event types.
const (
	AuditPluginLoaded       = "plugin_loaded"
	AuditPluginFailed       = "plugin_failed"
	AuditPluginUnloaded     = "plugin_unloaded"
	AuditPluginSkipped      = "plugin_skipped"
	AuditHookInstalled      = "safe_point_hook_installed"
	AuditHookTriggered      = "safe_point_hook_triggered"
	AuditConfigReloaded     = "config_reloaded"
	AuditConfigReloadFailed = "config_reload_failed"
)

// AuditTrail writes lifecycle events through an argus audit logger. A nil
// *AuditTrail is valid and records nothing.
type AuditTrail struct {
	logger *argus.AuditLogger
}

// NewAuditTrail creates an audit trail, or returns nil when auditing is disabled.
func NewAuditTrail(config AuditConfig) (*AuditTrail, error) {
	if !config.Enabled {
		return nil, nil
	}

	logger, err := argus.NewAuditLogger(argus.AuditConfig{
		Enabled:       true,
		OutputFile:    config.OutputFile,
		MinLevel:      argus.AuditInfo,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	})
	if err != nil {
		return nil, NewAuditError("failed to create audit logger", err)
	}
	return &AuditTrail{logger: logger}, nil
}

// Record writes one audit event.
func (a *AuditTrail) Record(eventType, message string, context map[string]interface{}) {
	if a == nil {
		return
	}
	a.logger.LogSecurityEvent(eventType, message, context)
}

// Close flushes and closes the underlying audit logger.
func (a *AuditTrail) Close() error {
	if a == nil {
		return nil
	}
	if err := a.logger.Close(); err != nil {
		return NewAuditError("failed to close audit logger", err)
	}
	return nil
}
