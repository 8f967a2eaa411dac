// panic_recovery.go: panic containment with stack trace capture
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"fmt"
	"runtime"
)

// PanicError carries a recovered panic value and the stack it was raised on.
type PanicError struct {
	Value interface{}
	Stack []byte
}

// Error implements error.
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// captureStack returns the current goroutine's stack.
func captureStack() []byte {
	buf := make([]byte, 64<<10) // 64KB should be sufficient for most cases
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// withStackRecover returns a panic recovery function that logs panic details
// including the full stack trace.
//
// Example usage:
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    // potentially panicking code
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered",
				"panic", r,
				"stack", string(captureStack()))
		}
	}
}

// callSafely runs fn and converts a panic into a *PanicError, so plugin code
// can never unwind through the chainloader.
func callSafely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: captureStack()}
		}
	}()
	return fn()
}
