//go:build !windows

package main

import (
	"context"
	"os"
	"syscall"

	"github.com/clawinfra/mealsync/internal/history"
)

// getShutdownSignals returns the signals to listen for on Unix systems
func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1}
}

// handlePlatformSignal handles platform-specific signals, returns true if should continue loop
func handlePlatformSignal(sig os.Signal, app *App) bool {
	switch sig {
	case syscall.SIGHUP:
		app.Logger.Info("reload signal received")
		app.reloadConfig()
		return true
	case syscall.SIGUSR1:
		app.Logger.Info("sync signal received")
		go func() {
			s := app.Queue.Sync(context.Background())
			app.History.Record(history.TriggerSignal, s, app.Queue.PendingCount())
			app.Logger.Info("signal sync finished", "success", s.Success, "synced", s.Synced, "errors", s.Errors)
		}()
		return true
	}
	return false // don't continue, proceed to shutdown
}
