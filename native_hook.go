// native_hook.go: one-shot safe-point hook triggering the chainload
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
)

// HookState is the lifecycle of a SafePointHook. It only moves forward.
type HookState int32

const (
	HookNotInstalled HookState = iota
	HookInstalled
	HookTriggered
	HookRemoved
)

// String returns the string representation of the hook state.
func (s HookState) String() string {
	switch s {
	case HookNotInstalled:
		return "not_installed"
	case HookInstalled:
		return "installed"
	case HookTriggered:
		return "triggered"
	case HookRemoved:
		return "removed"
	default:
		return fmt.Sprintf("HookState(%d)", int32(s))
	}
}

// Executor is what the hook triggers at the safe point.
type Executor interface {
	Execute(ctx context.Context) error
}

// HookOption configures a SafePointHook.
type HookOption func(*SafePointHook)

// WithHookLogger sets the log source for hook diagnostics.
func WithHookLogger(log *LogSource) HookOption {
	return func(h *SafePointHook) { h.log = log }
}

// WithHostLogSource attaches host log forwarding when the hook fires.
func WithHostLogSource(source *HostLogSource) HookOption {
	return func(h *SafePointHook) { h.hostLog = source }
}

// WithHookMetrics reports hook state transitions on metrics.
func WithHookMetrics(metrics *Metrics) HookOption {
	return func(h *SafePointHook) { h.metrics = metrics }
}

// WithHookAudit records hook installation and triggering.
func WithHookAudit(audit *AuditTrail) HookOption {
	return func(h *SafePointHook) { h.audit = audit }
}

// SafePointHook intercepts a host runtime entry and runs the chainload the
// first time the marker method goes through it.
//
// On the marker call the hook claims the trigger with a compare-and-swap,
// restores the original entry before doing anything else, runs Execute with
// panics and errors contained, and finally delegates the call to the
// original implementation. All of this happens synchronously inside the
// marker call, so concurrent and re-entrant calls see the unhooked entry
// and the marker can never trigger twice.
type SafePointHook struct {
	config  HookConfig
	target  Executor
	ctx     context.Context
	entry   HookableEntry
	library string

	log     *LogSource
	hostLog *HostLogSource
	metrics *Metrics
	audit   *AuditTrail

	state    atomic.Int32
	done     chan struct{}
	doneOnce sync.Once
	execErr  error
}

// InstallSafePointHook resolves config.Symbol in the first loadable library
// of config.Libraries, retrying while none is loaded, and detours it.
//
// A failure leaves the hook NotInstalled and returns a HookInstallError
// (LibraryNotLoaded or SymbolNotFound); target is untouched and can still
// be executed by other means. ctx is passed to Execute when the hook fires.
func InstallSafePointHook(ctx context.Context, resolver LibraryResolver, target Executor, config HookConfig, opts ...HookOption) (*SafePointHook, error) {
	h := &SafePointHook{
		config: config,
		target: target,
		ctx:    ctx,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = NewLogManager().Source(PreloaderLogSourceName)
	}

	entry, library, err := h.resolve(ctx, resolver)
	if err != nil {
		h.log.Fatal("Could not locate the host runtime library, the chainloader will not be triggered",
			"libraries", config.Libraries, "symbol", config.Symbol, "error", err)
		return h, err
	}
	h.entry = entry
	h.library = library

	if err := entry.Detour(h.intercept); err != nil {
		hookErr := NewHookStateError(HookNotInstalled, HookInstalled)
		h.log.Fatal("Failed to detour host runtime entry", "symbol", config.Symbol, "error", err)
		return h, hookErr
	}
	h.state.Store(int32(HookInstalled))
	h.metrics.setHookState(HookInstalled)
	h.audit.Record(AuditHookInstalled, "safe-point hook installed", map[string]interface{}{
		"library": library,
		"symbol":  config.Symbol,
		"marker":  config.Marker,
	})
	h.log.Debug("Runtime invoke patched", "library", library, "symbol", config.Symbol)
	return h, nil
}

// resolve finds the entry, retrying with a constant backoff while no
// candidate library is loaded. A missing symbol is not retried.
func (h *SafePointHook) resolve(ctx context.Context, resolver LibraryResolver) (HookableEntry, string, error) {
	var (
		entry   HookableEntry
		library string
		lastErr error
	)
	attempts := h.config.ResolveAttempts
	if attempts < 1 {
		attempts = 1
	}

	op := func() error {
		for _, name := range h.config.Libraries {
			lib, err := resolver.Open(name)
			if err != nil {
				lastErr = err
				continue
			}
			found, err := lib.Export(h.config.Symbol)
			if err != nil {
				return backoff.Permanent(err)
			}
			entry, library = found, lib.Name()
			return nil
		}
		return NewLibraryNotLoadedError(h.config.Libraries, lastErr)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(h.config.ResolveDelay()), uint64(attempts-1)),
		ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if HasErrorCode(err, ErrCodeSymbolNotFound) || HasErrorCode(err, ErrCodeLibraryNotLoaded) {
			return nil, "", err
		}
		return nil, "", NewLibraryNotLoadedError(h.config.Libraries, err)
	}
	return entry, library, nil
}

// intercept is the detour body.
func (h *SafePointHook) intercept(original InvokeFunc, call NativeCall) uintptr {
	if call.Method != h.config.Marker {
		return original(call)
	}
	if !h.state.CompareAndSwap(int32(HookInstalled), int32(HookTriggered)) {
		return original(call)
	}
	if err := h.entry.Restore(); err != nil {
		h.log.Error("Failed to restore host runtime entry", "symbol", h.config.Symbol, "error", err)
	}
	h.metrics.setHookState(HookTriggered)
	h.audit.Record(AuditHookTriggered, "safe point reached", map[string]interface{}{
		"marker": call.Method,
	})

	if h.hostLog != nil {
		h.hostLog.Attach()
		h.hostLog.Receive("Test call after applying host logging hook", "", HostLogAssert)
	}

	err := callSafely(func() error { return h.target.Execute(h.ctx) })
	if err != nil {
		h.log.Fatal("Unable to execute chainloader", "error", err)
	}
	h.execErr = err

	h.state.Store(int32(HookRemoved))
	h.metrics.setHookState(HookRemoved)
	h.log.Debug("Runtime invoke unpatched", "symbol", h.config.Symbol)
	h.doneOnce.Do(func() { close(h.done) })

	return original(call)
}

// Remove uninstalls a hook that has not fired. It fails with a HookState
// error in any state but Installed.
func (h *SafePointHook) Remove() error {
	if !h.state.CompareAndSwap(int32(HookInstalled), int32(HookRemoved)) {
		return NewHookStateError(HookInstalled, h.State())
	}
	if err := h.entry.Restore(); err != nil {
		return NewHookStateError(HookInstalled, HookRemoved).WithContext("restore_error", err.Error())
	}
	h.metrics.setHookState(HookRemoved)
	h.log.Debug("Safe-point hook removed before triggering", "symbol", h.config.Symbol)
	h.doneOnce.Do(func() { close(h.done) })
	return nil
}

// State returns the current hook state.
func (h *SafePointHook) State() HookState {
	return HookState(h.state.Load())
}

// HostLog returns the host log source the hook attaches, or nil. The host
// delivers its log callbacks to it.
func (h *SafePointHook) HostLog() *HostLogSource { return h.hostLog }

// Library returns the name of the library the hook was installed in.
func (h *SafePointHook) Library() string { return h.library }

// Done is closed once the hook is Removed, after Execute returned when it
// was triggered.
func (h *SafePointHook) Done() <-chan struct{} { return h.done }

// Err returns the Execute error of a triggered hook. Valid after Done.
func (h *SafePointHook) Err() error {
	select {
	case <-h.done:
		return h.execErr
	default:
		return nil
	}
}

// InstallSafePointHook installs the chainloader's safe-point hook, using its
// hook configuration, Preloader log source, metrics and audit trail. Host
// log forwarding is wired when Logging.HostLogListening is on.
//
// A chainloader has at most one hook: the call fails with HookDisabled when
// Hook.Enabled is off, with HookState once a hook is installed, and with
// NotInitialized or AlreadyExecuted outside the Initialized state. A failed
// installation can be retried.
func (c *Chainloader) InstallSafePointHook(ctx context.Context, resolver LibraryResolver) (*SafePointHook, error) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()

	if !c.config.Hook.Enabled {
		return nil, NewHookDisabledError()
	}
	if c.hook != nil {
		return nil, NewHookStateError(HookNotInstalled, c.hook.State())
	}
	switch state := c.State(); {
	case state == StateUninitialized:
		return nil, NewNotInitializedError("InstallSafePointHook")
	case state != StateInitialized:
		return nil, NewAlreadyExecutedError(state)
	}

	opts := []HookOption{
		WithHookLogger(c.logs.Source(PreloaderLogSourceName)),
		WithHookMetrics(c.metrics),
		WithHookAudit(c.audit),
	}
	if c.config.Logging.HostLogListening {
		opts = append(opts, WithHostLogSource(NewHostLogSource(c.logs)))
	}
	hook, err := InstallSafePointHook(ctx, resolver, c, c.config.Hook, opts...)
	c.hookErr = err
	if err != nil {
		return hook, err
	}
	c.hook = hook
	return hook, nil
}

// Hook returns the installed safe-point hook, or the error of the last
// failed installation. Both are nil when no installation was attempted.
func (c *Chainloader) Hook() (*SafePointHook, error) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	return c.hook, c.hookErr
}
