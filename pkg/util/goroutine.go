// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// =============================================================================
// Panic Capture
// =============================================================================

// PanicError wraps a recovered panic so it can travel as an ordinary error.
//
// # Description
//
// Healing callbacks, alert sinks and circuit-protected operations are
// supplied by the host application. A panic inside one of them must be
// recorded as a failure of that single action rather than crash the
// monitoring loop, so the recovered value is converted into a PanicError.
//
// # Thread Safety
//
// Immutable after creation.
type PanicError struct {
	// Value is the value passed to panic().
	Value any

	// Stack is the goroutine stack captured at recovery time.
	Stack string
}

// Error implements error.
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// Unwrap exposes a panicked error value to errors.Is / errors.As.
func (p *PanicError) Unwrap() error {
	if err, ok := p.Value.(error); ok {
		return err
	}
	return nil
}

// RecoverPanic returns a function to be deferred that converts a panic
// into a *PanicError and hands it to onPanic.
//
// # Example
//
//	func (h *Healer) runCallback(fn func() error) (err error) {
//	    defer util.RecoverPanic(func(p *util.PanicError) { err = p })()
//	    return fn()
//	}
//
// # Limitations
//
//   - Must be invoked with the trailing (): defer RecoverPanic(h)()
func RecoverPanic(onPanic func(*PanicError)) func() {
	return func() {
		if r := recover(); r != nil {
			p := &PanicError{Value: r, Stack: string(debug.Stack())}
			if onPanic != nil {
				onPanic(p)
			}
		}
	}
}

// Protect runs fn and returns its error, or a *PanicError if fn panicked.
func Protect(fn func() error) (err error) {
	defer RecoverPanic(func(p *PanicError) { err = p })()
	return fn()
}

// SafeGo runs fn on a new goroutine with panic recovery.
//
// When wg is non-nil it is incremented before the goroutine starts and
// released when fn returns, so owners can Wait for their background work
// during shutdown.
func SafeGo(wg *sync.WaitGroup, fn func(), onPanic func(*PanicError)) {
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		defer RecoverPanic(onPanic)()
		fn()
	}()
}
