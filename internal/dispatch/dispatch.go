// Package dispatch applies user mutations online-first: each one is sent to
// the remote authority immediately, behind any actions still queued, and
// falls back to the offline queue when the authority cannot be reached.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clawinfra/mealsync/internal/connectivity"
	"github.com/clawinfra/mealsync/internal/offline"
	"github.com/clawinfra/mealsync/internal/serial"
	"github.com/clawinfra/mealsync/internal/types"
)

// ErrRejected is returned when the authority answers an action with
// success=false. Rejected actions are not queued.
var ErrRejected = errors.New("dispatch: rejected by authority")

// Outcome says what happened to a submitted mutation.
type Outcome int

const (
	// Failed means the action was neither applied nor queued.
	Failed Outcome = iota
	// Applied means the authority acknowledged the action.
	Applied
	// Deferred means the action was stored in the offline queue.
	Deferred
	// Rejected means the authority refused the action.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Failed:
		return "failed"
	case Applied:
		return "applied"
	case Deferred:
		return "deferred"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Queue is the subset of the offline queue the dispatcher needs.
type Queue interface {
	NewAction(t types.ActionType, payload any) (types.QueuedAction, error)
	Enqueue(action types.QueuedAction) error
	PendingCount() int
	Snapshot() []types.QueuedAction
	Sync(ctx context.Context) types.Summary
}

type options struct {
	deferOnly bool
}

// Option adjusts a single Submit call.
type Option func(*options)

// Defer skips the network attempt and queues the action directly.
func Defer() Option {
	return func(o *options) { o.deferOnly = true }
}

// Dispatcher sends mutations one at a time in call order.
type Dispatcher struct {
	queue     Queue
	transport offline.Transport
	monitor   connectivity.Monitor
	serial    *serial.Queue
	logger    *slog.Logger
}

// New creates a dispatcher. A nil monitor is treated as always online.
func New(queue Queue, transport offline.Transport, monitor connectivity.Monitor, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:     queue,
		transport: transport,
		monitor:   monitor,
		serial:    serial.New(),
		logger:    logger.With("component", "dispatch"),
	}
}

// Submit applies one mutation. It returns an error only for invalid input,
// an authority rejection, or a queue failure; an unreachable authority yields
// Deferred with a nil error.
//
// While older actions are still queued the new one is appended behind them
// and the queue is replayed, so the authority never sees it out of order.
// Once the mutation has started, Submit reports its real outcome even if ctx
// is cancelled in the meantime.
func (d *Dispatcher) Submit(ctx context.Context, t types.ActionType, payload any, opts ...Option) (Outcome, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	action, err := d.queue.NewAction(t, payload)
	if err != nil {
		return Failed, err
	}

	fut := serial.Submit(d.serial, ctx, func(ctx context.Context) (Outcome, error) {
		if o.deferOnly || (d.monitor != nil && !d.monitor.Online()) {
			return d.deferAction(action, nil)
		}
		if d.queue.PendingCount() > 0 {
			return d.sendBehindBacklog(ctx, action)
		}

		results, err := d.transport.SubmitBatch(ctx, []types.QueuedAction{action})
		if err != nil {
			return d.deferAction(action, err)
		}
		for _, r := range results {
			if r.ID != action.ID {
				continue
			}
			if !r.Success {
				d.logger.Warn("action rejected", "id", action.ID, "type", action.Type, "error", r.Error)
				return Rejected, fmt.Errorf("%w: %s", ErrRejected, r.Error)
			}
			d.logger.Debug("action applied", "id", action.ID, "type", action.Type)
			return Applied, nil
		}
		return d.deferAction(action, fmt.Errorf("no result for action %s", action.ID))
	})
	outcome, err := fut.Wait(context.WithoutCancel(ctx))
	if errors.Is(err, serial.ErrPanicked) {
		return d.deferAction(action, err)
	}
	return outcome, err
}

// sendBehindBacklog queues action after the pending ones and replays the
// whole sequence in one batch. The action is Applied only if the sync
// removed it; a rejection leaves it queued like any other replayed action.
func (d *Dispatcher) sendBehindBacklog(ctx context.Context, action types.QueuedAction) (Outcome, error) {
	if err := d.queue.Enqueue(action); err != nil {
		return Failed, fmt.Errorf("queue action: %w", err)
	}
	summary := d.queue.Sync(ctx)
	for _, a := range d.queue.Snapshot() {
		if a.ID == action.ID {
			d.logger.Info("action deferred behind backlog", "id", action.ID, "type", action.Type,
				"synced", summary.Synced, "errors", summary.Errors)
			return Deferred, nil
		}
	}
	d.logger.Debug("action applied with backlog", "id", action.ID, "type", action.Type, "synced", summary.Synced)
	return Applied, nil
}

func (d *Dispatcher) deferAction(action types.QueuedAction, cause error) (Outcome, error) {
	if err := d.queue.Enqueue(action); err != nil && !errors.Is(err, offline.ErrDuplicateID) {
		return Failed, fmt.Errorf("queue action: %w", err)
	}
	if cause != nil {
		d.logger.Warn("authority unreachable, action deferred", "id", action.ID, "type", action.Type, "error", cause)
	} else {
		d.logger.Info("action deferred", "id", action.ID, "type", action.Type)
	}
	return Deferred, nil
}
