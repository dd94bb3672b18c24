package offline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/clawinfra/mealsync/internal/connectivity"
	"github.com/clawinfra/mealsync/internal/types"
)

// Reconciler runs one Sync on every offline→online edge of a monitor and
// then refreshes pending-count subscribers. A failed sync is not retried
// here; the next edge or an explicit caller will try again.
type Reconciler struct {
	queue   *Queue
	monitor connectivity.Monitor
	logger  *slog.Logger

	// OnSync, if set before Start, receives the summary of every triggered sync.
	OnSync func(types.Summary)

	mu          sync.Mutex
	wg          sync.WaitGroup
	unsubscribe func()
	stopped     bool
}

// NewReconciler creates a reconciler for q driven by monitor.
func NewReconciler(q *Queue, monitor connectivity.Monitor, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		queue:   q,
		monitor: monitor,
		logger:  logger.With("component", "reconciler"),
	}
}

// Start subscribes to transitions. Syncs run in their own goroutine with ctx
// so the monitor's notification path never blocks on the network.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = false
	r.unsubscribe = r.monitor.OnTransition(func(online bool) {
		if !online {
			return
		}
		r.trigger(ctx)
	})
	r.logger.Info("reconciler started", "online", r.monitor.Online())
}

func (r *Reconciler) trigger(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.logger.Info("connectivity restored, syncing offline queue", "pending", r.queue.PendingCount())
		summary := r.queue.Sync(ctx)
		if !summary.Success {
			r.logger.Warn("triggered sync failed; waiting for next transition", "errors", summary.Errors)
		}
		r.queue.Refresh()
		if r.OnSync != nil {
			r.OnSync(summary)
		}
	}()
}

// Stop unsubscribes and waits for an in-flight triggered sync to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.stopped = true
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
}
