// Package safego wraps goroutine launches with panic recovery so a bug in a
// detached worker (a background sub-agent, the admin server, a watcher loop)
// can never take the whole process down.
package safego

import (
	"go.uber.org/zap"
)

// Go launches fn on its own goroutine. A panic inside fn is logged with its
// stack and swallowed; the goroutine exits cleanly instead of crashing the
// process.
//
// Usage:
//
//	safego.Go(logger, "background-agent", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
