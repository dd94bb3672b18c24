package main

import (
	"context"
	"os"
	"os/signal"
)

// waitForShutdown blocks until a termination signal arrives or ctx is done.
// Platform signals such as SIGHUP are handled in place without returning.
func waitForShutdown(ctx context.Context, app *App) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if handlePlatformSignal(sig, app) {
				continue
			}
			app.Logger.Info("shutdown signal received", "signal", sig)
			return
		}
	}
}
