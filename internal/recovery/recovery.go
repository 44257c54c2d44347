// Package recovery provides panic recovery utilities for goroutines and
// message handlers.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrPanic is wrapped by the error Guard returns when fn panicked.
var ErrPanic = errors.New("panic recovered")

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use it with defer at the start of long-lived goroutines:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "peer.readLoop")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
	}
}

// RecoverWithCallback recovers from panics, logs them, and calls the optional callback.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
		if callback != nil {
			callback(r)
		}
	}
}

// Guard runs fn and converts a panic into an error wrapping ErrPanic.
// The dispatch loop uses it so one faulty handler cannot stop delivery.
func Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return fn()
}
