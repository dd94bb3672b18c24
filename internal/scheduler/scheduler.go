// Package scheduler runs explicit, time-driven syncs and connectivity probes
// alongside the edge-triggered reconciler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrJobNotFound is returned for operations on an unknown job id.
var ErrJobNotFound = errors.New("scheduler: job not found")

// Scheduler manages all scheduled jobs
type Scheduler struct {
	jobs     map[string]*Job
	runners  map[string]*JobRunner
	executor Executor
	logger   *slog.Logger
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// Stats summarizes scheduler activity.
type Stats struct {
	TotalJobs   int   `json:"totalJobs"`
	ActiveJobs  int   `json:"activeJobs"`
	RunningJobs int   `json:"runningJobs"`
	TotalRuns   int64 `json:"totalRuns"`
	TotalErrors int64 `json:"totalErrors"`
}

// NewScheduler creates a new scheduler
func NewScheduler(executor Executor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:     make(map[string]*Job),
		runners:  make(map[string]*JobRunner),
		executor: executor,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start starts a runner for every enabled job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	for id, job := range s.jobs {
		if !job.Enabled {
			s.logger.Debug("skipping disabled job", "job", id)
			continue
		}
		s.startRunnerLocked(job)
	}

	s.logger.Info("scheduler started", "jobs", len(s.jobs), "active_jobs", len(s.runners))
	return nil
}

func (s *Scheduler) startRunnerLocked(job *Job) {
	runner := NewJobRunner(job, s.executor, s.logger)
	s.runners[job.ID] = runner
	go runner.Start(s.ctx)
}

// stopRunnerLocked stops the job's runner and keeps its accumulated state.
func (s *Scheduler) stopRunnerLocked(id string) {
	runner, ok := s.runners[id]
	if !ok {
		return
	}
	runner.Stop()
	if job, ok := s.jobs[id]; ok {
		job.State = runner.Snapshot().State
	}
	delete(s.runners, id)
}

// Stop stops all job runners
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	for id := range s.runners {
		s.stopRunnerLocked(id)
		s.logger.Debug("stopped job runner", "job", id)
	}
	s.ctx, s.cancel = nil, nil
	s.logger.Info("scheduler stopped")
}

// AddJob adds a new job to the scheduler
func (s *Scheduler) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job with ID %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()

	if s.ctx != nil && job.Enabled {
		s.startRunnerLocked(s.jobs[job.ID])
		s.logger.Info("job added and started", "job", job.ID)
	} else {
		s.logger.Info("job added", "job", job.ID, "enabled", job.Enabled)
	}
	return nil
}

// RemoveJob removes a job from the scheduler
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.stopRunnerLocked(id)
	delete(s.jobs, id)
	s.logger.Info("job removed", "job", id)
	return nil
}

// GetJob retrieves a job by ID
func (s *Scheduler) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return s.snapshotLocked(job), nil
}

func (s *Scheduler) snapshotLocked(job *Job) *Job {
	if runner, ok := s.runners[job.ID]; ok {
		return runner.Snapshot()
	}
	return job.Clone()
}

// ListJobs returns all jobs ordered by id.
func (s *Scheduler) ListJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, s.snapshotLocked(job))
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs
}

// RunJobNow executes a job once, bypassing its schedule, and returns the
// action's error.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	s.mu.RLock()
	job, exists := s.jobs[id]
	runner := s.runners[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if runner != nil {
		return runner.executeJob(ctx)
	}

	tmp := NewJobRunner(job, s.executor, s.logger)
	err := tmp.executeJob(ctx)

	s.mu.Lock()
	if current, ok := s.jobs[id]; ok {
		current.State = tmp.Snapshot().State
	}
	s.mu.Unlock()
	return err
}

// LoadJobs adds jobs from configuration, skipping invalid ones.
func (s *Scheduler) LoadJobs(jobs []*Job) {
	for _, job := range jobs {
		if err := s.AddJob(job); err != nil {
			s.logger.Warn("invalid job in config, skipping",
				"job", job.ID,
				"error", err)
		}
	}
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{TotalJobs: len(s.jobs), RunningJobs: len(s.runners)}
	for _, job := range s.jobs {
		snap := s.snapshotLocked(job)
		st.TotalRuns += snap.State.RunCount
		st.TotalErrors += snap.State.ErrorCount
		if job.Enabled {
			st.ActiveJobs++
		}
	}
	return st
}
