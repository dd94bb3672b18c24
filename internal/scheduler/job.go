package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	KindInterval = "interval"
	KindCron     = "cron"
)

// Action kinds.
const (
	ActionSync  = "sync"
	ActionProbe = "probe"
)

// Job represents a scheduled task
type Job struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Schedule ScheduleConfig `json:"schedule"`
	Action   ActionConfig   `json:"action"`
	Enabled  bool           `json:"enabled"`
	State    JobState       `json:"state"`
}

// ScheduleConfig defines when a job runs
type ScheduleConfig struct {
	Kind       string `json:"kind"` // "interval" or "cron"
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty"` // standard 5-field cron expression
}

// ActionConfig defines what a job does
type ActionConfig struct {
	Kind string `json:"kind"` // "sync" or "probe"
}

// JobState tracks job execution state
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks if job configuration is valid
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Name == "" {
		j.Name = j.ID
	}

	switch j.Schedule.Kind {
	case KindInterval:
		if j.Schedule.IntervalMs <= 0 {
			return fmt.Errorf("intervalMs must be positive")
		}
	case KindCron:
		if j.Schedule.Expr == "" {
			return fmt.Errorf("cron expression required")
		}
		if _, err := cron.ParseStandard(j.Schedule.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s (use interval or cron)", j.Schedule.Kind)
	}

	switch j.Action.Kind {
	case ActionSync, ActionProbe:
	default:
		return fmt.Errorf("unknown action kind: %s (use sync or probe)", j.Action.Kind)
	}
	return nil
}

// NextRun calculates the next run time based on schedule
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	switch j.Schedule.Kind {
	case KindInterval:
		return from.Add(j.interval()), nil
	case KindCron:
		schedule, err := cron.ParseStandard(j.Schedule.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return schedule.Next(from), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", j.Schedule.Kind)
	}
}

func (j *Job) interval() time.Duration {
	return time.Duration(j.Schedule.IntervalMs) * time.Millisecond
}

// Clone returns a copy of the job. Job holds no reference types, so a value
// copy is deep.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}

// SyncJob builds an enabled sync job. A non-empty expr yields a cron
// schedule; otherwise every is used as a fixed interval.
func SyncJob(id, expr string, every time.Duration) *Job {
	job := &Job{
		ID:      id,
		Name:    "offline queue sync",
		Action:  ActionConfig{Kind: ActionSync},
		Enabled: true,
	}
	if expr != "" {
		job.Schedule = ScheduleConfig{Kind: KindCron, Expr: expr}
	} else {
		job.Schedule = ScheduleConfig{Kind: KindInterval, IntervalMs: every.Milliseconds()}
	}
	return job
}
