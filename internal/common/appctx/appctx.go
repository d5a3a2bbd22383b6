// Package appctx provides context utilities for background operations.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that ignores the parent's cancellation while
// keeping its values, so trace metadata survives. Use it for work a request
// triggers but must not tear down with it, such as bus publishes after the
// client session that asked for them is gone. The returned context is
// cancelled when the stop channel closes or the timeout expires.
func Detached(parent context.Context, stop <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)

	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
