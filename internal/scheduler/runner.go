package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Executor performs the work behind each action kind.
type Executor interface {
	// Sync drains the offline queue once.
	Sync(ctx context.Context) error
	// Probe refreshes the connectivity state.
	Probe(ctx context.Context) error
}

// JobRunner executes a single job on schedule
type JobRunner struct {
	mu       sync.Mutex
	job      *Job
	executor Executor
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewJobRunner creates a new job runner. The runner owns a copy of job.
func NewJobRunner(job *Job, executor Executor, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	return &JobRunner{
		job:      job.Clone(),
		executor: executor,
		logger:   log.With("job", job.ID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the job on schedule until ctx is cancelled or Stop is called.
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	r.mu.Lock()
	job := r.job.Clone()
	r.mu.Unlock()

	if !job.Enabled {
		r.logger.Debug("job disabled, not starting")
		return
	}

	for {
		next, err := job.NextRun(time.Now())
		if err != nil {
			r.logger.Error("failed to calculate next run", "error", err)
			return
		}
		r.mu.Lock()
		r.job.State.NextRunAt = next
		r.mu.Unlock()
		r.logger.Debug("next run scheduled", "next_run", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("job runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			timer.Stop()
			r.logger.Info("job runner stopped")
			return
		case <-timer.C:
			r.executeJob(ctx)
		}
	}
}

// Stop stops the job runner and waits for it to exit. It is safe to call
// more than once.
func (r *JobRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// Snapshot returns a copy of the job including its current state.
func (r *JobRunner) Snapshot() *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone()
}

// executeJob runs the job once and records the outcome.
func (r *JobRunner) executeJob(ctx context.Context) error {
	start := time.Now()
	r.logger.Debug("executing job")

	r.mu.Lock()
	kind := r.job.Action.Kind
	r.mu.Unlock()

	var err error
	switch {
	case r.executor == nil:
		err = fmt.Errorf("executor not set (cannot execute %s action)", kind)
	case kind == ActionSync:
		err = r.executor.Sync(ctx)
	case kind == ActionProbe:
		err = r.executor.Probe(ctx)
	default:
		err = fmt.Errorf("unknown action kind: %s", kind)
	}

	duration := time.Since(start)

	r.mu.Lock()
	r.job.State.LastRunAt = time.Now()
	r.job.State.LastDuration = duration
	r.job.State.RunCount++
	if err != nil {
		r.job.State.ErrorCount++
		r.job.State.LastError = err.Error()
	} else {
		r.job.State.LastError = ""
	}
	state := r.job.State
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("job failed",
			"error", err,
			"duration", duration,
			"run_count", state.RunCount,
			"error_count", state.ErrorCount)
	} else {
		r.logger.Info("job completed",
			"duration", duration,
			"run_count", state.RunCount)
	}
	return err
}
