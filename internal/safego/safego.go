// Package safego launches panic-recovering goroutines for background work.
// Every fire-and-forget goroutine in the balancer (activity updates, reaper
// sweeps, side listeners) goes through Go so a panic is logged instead of
// silently killing the goroutine or, for the main goroutines, the process.
package safego

import "log/slog"

// Go launches fn in a new goroutine under the given name. A panic in fn is
// recovered and logged with the name so the failing background task is
// identifiable.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine",
					"goroutine", name, "panic", r)
			}
		}()
		fn()
	}()
}
