// Package appctx builds contexts for work that outlives a request.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context bounded by timeout and cancelled early when stop
// closes. It carries nothing from any request context: use it for background
// row writes and sweeps that must not die with their caller but still have to
// obey process shutdown.
func Detached(stop <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
