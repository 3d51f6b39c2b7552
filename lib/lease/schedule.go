// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/cron"
)

// ScheduledJob submits Spec every time Schedule fires.
type ScheduledJob struct {
	Name     string
	Schedule cron.Schedule
	Spec     JobSpec
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Jobs    *JobSource
	Entries []ScheduledJob
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Scheduler submits jobs on cron schedules. Fires missed while the
// scheduler was not running are not replayed; a stall spanning several
// fires of one entry submits it once.
type Scheduler struct {
	jobs    *JobSource
	entries []ScheduledJob
	clock   clock.Clock
	logger  *slog.Logger
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("lease: Jobs is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("lease: Clock is required")
	}
	seen := make(map[string]bool, len(cfg.Entries))
	for _, entry := range cfg.Entries {
		if entry.Name == "" {
			return nil, errors.New("lease: scheduled job name is required")
		}
		if seen[entry.Name] {
			return nil, fmt.Errorf("lease: duplicate scheduled job %q", entry.Name)
		}
		seen[entry.Name] = true
		if err := entry.Spec.validate(); err != nil {
			return nil, fmt.Errorf("lease: scheduled job %q: %w", entry.Name, err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		jobs:    cfg.Jobs,
		entries: cfg.Entries,
		clock:   cfg.Clock,
		logger:  logger,
	}, nil
}

// Run submits jobs until ctx is cancelled. Entries whose schedule can
// never fire are logged and skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		return nil
	}
	next := make([]time.Time, len(s.entries))
	now := s.clock.Now()
	for i, entry := range s.entries {
		next[i] = s.nextFire(entry, now)
	}

	for {
		earliest := time.Time{}
		for _, fire := range next {
			if !fire.IsZero() && (earliest.IsZero() || fire.Before(earliest)) {
				earliest = fire
			}
		}
		if earliest.IsZero() {
			s.logger.Warn("no scheduled job can fire, scheduler stopping")
			return nil
		}

		select {
		case <-s.clock.After(earliest.Sub(s.clock.Now())):
		case <-ctx.Done():
			return nil
		}

		now := s.clock.Now()
		for i, entry := range s.entries {
			if next[i].IsZero() || next[i].After(now) {
				continue
			}
			s.submit(ctx, entry)
			next[i] = s.nextFire(entry, now)
		}
	}
}

func (s *Scheduler) submit(ctx context.Context, entry ScheduledJob) {
	jobID, err := s.jobs.AddJob(ctx, entry.Spec)
	if err != nil {
		s.logger.Error("scheduled job rejected", "schedule", entry.Name, "error", err)
		return
	}
	s.logger.Info("scheduled job submitted", "schedule", entry.Name, "job_id", jobID)
}

func (s *Scheduler) nextFire(entry ScheduledJob, after time.Time) time.Time {
	fire, err := entry.Schedule.Next(after)
	if err != nil {
		s.logger.Warn("scheduled job disabled", "schedule", entry.Name, "error", err)
		return time.Time{}
	}
	return fire
}
