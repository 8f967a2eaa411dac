// host_log.go: forwarding of the host runtime's own log messages
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import "sync/atomic"

// HostLogSourceName is the log source used for messages raised by the host.
const HostLogSourceName = "Host"

// HostLogType is the severity vocabulary of the host runtime's logger.
type HostLogType int

const (
	HostLogError HostLogType = iota
	HostLogAssert
	HostLogWarning
	HostLogMessage
	HostLogException
)

// Level maps a host log type onto a chainloader level.
func (t HostLogType) Level() LogLevel {
	switch t {
	case HostLogError, HostLogException:
		return LevelError
	case HostLogAssert:
		return LevelDebug
	case HostLogWarning:
		return LevelWarning
	case HostLogMessage:
		return LevelMessage
	default:
		return LevelInfo
	}
}

// HostLogSource relays host log callbacks into the chainloader log pipeline
// once attached. Before Attach, and after Detach, messages are dropped.
type HostLogSource struct {
	source   *LogSource
	attached atomic.Bool
}

// NewHostLogSource creates a detached host log source on manager.
func NewHostLogSource(manager *LogManager) *HostLogSource {
	return &HostLogSource{source: manager.Source(HostLogSourceName)}
}

// Attach starts forwarding host messages.
func (h *HostLogSource) Attach() { h.attached.Store(true) }

// Detach stops forwarding host messages.
func (h *HostLogSource) Detach() { h.attached.Store(false) }

// Attached reports whether messages are being forwarded.
func (h *HostLogSource) Attached() bool { return h.attached.Load() }

// Receive is the callback the host invokes for each of its log messages.
// Error-level messages carry the host stack trace as a field.
func (h *HostLogSource) Receive(message, stackTrace string, logType HostLogType) {
	if !h.attached.Load() {
		return
	}
	level := logType.Level()
	if level == LevelError && stackTrace != "" {
		h.source.Log(level, message, "stack", stackTrace)
		return
	}
	h.source.Log(level, message)
}
