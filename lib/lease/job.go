// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/ids"
)

// JobSourceName is the Name of JobSource.
const JobSourceName = "job"

const defaultMaxAttempts = 3

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = errors.New("lease: job not found")

// JobState is the state of a job or one of its steps.
type JobState uint8

const (
	JobQueued JobState = iota
	JobRunning
	JobSucceeded
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// MarshalText makes job states readable in the admin API.
func (s JobState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *JobState) UnmarshalText(text []byte) error {
	for state := JobQueued; state <= JobCancelled; state++ {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown job state %q", text)
}

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool { return s >= JobSucceeded }

// StepSpec is one command of a job.
type StepSpec struct {
	Name       string            `json:"name" cbor:"name" yaml:"name"`
	Command    []string          `json:"command" cbor:"command" yaml:"command"`
	Env        map[string]string `json:"env,omitempty" cbor:"env,omitempty" yaml:"env"`
	WorkingDir string            `json:"working_dir,omitempty" cbor:"working_dir,omitempty" yaml:"working_dir"`
	Timeout    time.Duration     `json:"timeout,omitempty" cbor:"timeout,omitempty" yaml:"timeout"`
}

// JobSpec describes a build job: steps run in order on agents of Pool
// that advertise every property in Requirements.
type JobSpec struct {
	Name         string     `json:"name" cbor:"name" yaml:"name"`
	Pool         string     `json:"pool" cbor:"pool" yaml:"pool"`
	Priority     int        `json:"priority" cbor:"priority" yaml:"priority"`
	Requirements []string   `json:"requirements,omitempty" cbor:"requirements,omitempty" yaml:"requirements"`
	Steps        []StepSpec `json:"steps" cbor:"steps" yaml:"steps"`
}

func (s JobSpec) validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("job name is required"))
	}
	if s.Pool == "" {
		errs = append(errs, errors.New("job pool is required"))
	}
	if len(s.Steps) == 0 {
		errs = append(errs, errors.New("job has no steps"))
	}
	for i, step := range s.Steps {
		if len(step.Command) == 0 {
			errs = append(errs, fmt.Errorf("step %d (%s) has no command", i, step.Name))
		}
	}
	return errors.Join(errs...)
}

// StepStatus is the progress of one step.
type StepStatus struct {
	StepSpec
	State    JobState `json:"state" cbor:"state"`
	LeaseID  string   `json:"lease_id,omitempty" cbor:"lease_id,omitempty"`
	AgentID  string   `json:"agent_id,omitempty" cbor:"agent_id,omitempty"`
	LogID    string   `json:"log_id,omitempty" cbor:"log_id,omitempty"`
	Attempts int      `json:"attempts" cbor:"attempts"`
	Outcome  Outcome  `json:"outcome" cbor:"outcome"`
}

// Job is a snapshot of a job's progress.
type Job struct {
	ID           string       `json:"id" cbor:"id"`
	Name         string       `json:"name" cbor:"name"`
	Pool         string       `json:"pool" cbor:"pool"`
	Priority     int          `json:"priority" cbor:"priority"`
	Requirements []string     `json:"requirements,omitempty" cbor:"requirements,omitempty"`
	State        JobState     `json:"state" cbor:"state"`
	Steps        []StepStatus `json:"steps" cbor:"steps"`
	Created      time.Time    `json:"created" cbor:"created"`
	Finished     time.Time    `json:"finished,omitzero" cbor:"finished"`
}

func (j *Job) clone() Job {
	clone := *j
	clone.Requirements = slices.Clone(j.Requirements)
	clone.Steps = make([]StepStatus, len(j.Steps))
	for i, step := range j.Steps {
		step.Command = slices.Clone(step.Command)
		step.Env = maps.Clone(step.Env)
		clone.Steps[i] = step
	}
	return clone
}

// JobConfig configures a JobSource.
type JobConfig struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// MaxAttempts bounds how often a step is retried after its lease
	// is aborted. Failures reported by the agent are not retried.
	MaxAttempts int

	// Policy orders queued steps. Defaults to PriorityFIFO.
	Policy Policy[JobItem]
}

// JobSource runs build jobs: a job's steps are offered one at a time,
// in order, to agents of the job's pool.
type JobSource struct {
	clock       clock.Clock
	logger      *slog.Logger
	maxAttempts int
	queue       *Queue[JobItem]

	mu      sync.Mutex
	jobs    map[string]*Job
	byLease map[string]JobItem
}

// JobItem is a queued job step. It carries the complete task so the
// queue can build offers without consulting the job table.
type JobItem struct {
	Task         JobTask
	Pool         string
	Requirements []string
}

func NewJobSource(cfg JobConfig) (*JobSource, error) {
	if cfg.Clock == nil {
		return nil, errors.New("lease: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &JobSource{
		clock:       cfg.Clock,
		logger:      logger,
		maxAttempts: maxAttempts,
		queue:       NewQueue(cfg.Policy),
		jobs:        make(map[string]*Job),
		byLease:     make(map[string]JobItem),
	}, nil
}

func (s *JobSource) Name() string { return JobSourceName }

func (s *JobSource) Changed() <-chan struct{} { return s.queue.Changed() }

// AddJob queues a job and returns its id.
func (s *JobSource) AddJob(_ context.Context, spec JobSpec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", fmt.Errorf("invalid job: %w", err)
	}
	job := &Job{
		ID:           ids.New(ids.Job),
		Name:         spec.Name,
		Pool:         spec.Pool,
		Priority:     spec.Priority,
		Requirements: slices.Clone(spec.Requirements),
		State:        JobQueued,
		Created:      s.clock.Now(),
	}
	for _, step := range spec.Steps {
		job.Steps = append(job.Steps, StepStatus{StepSpec: step})
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	err := s.enqueueStepLocked(job, 0)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	s.logger.Info("job queued", "job_id", job.ID, "name", job.Name, "pool", job.Pool, "steps", len(job.Steps))
	return job.ID, nil
}

func stepItemID(jobID string, step, attempt int) string {
	return jobID + "/" + strconv.Itoa(step) + "/" + strconv.Itoa(attempt)
}

func (s *JobSource) enqueueStepLocked(job *Job, step int) error {
	status := &job.Steps[step]
	status.State = JobQueued
	status.LeaseID, status.AgentID = "", ""
	status.LogID = ids.New(ids.Log)
	item := JobItem{
		Task: JobTask{
			JobID:      job.ID,
			Step:       step,
			Name:       status.Name,
			Command:    slices.Clone(status.Command),
			Env:        maps.Clone(status.Env),
			WorkingDir: status.WorkingDir,
			LogID:      status.LogID,
			Timeout:    status.Timeout,
		},
		Pool:         job.Pool,
		Requirements: job.Requirements,
	}
	return s.queue.Enqueue(stepItemID(job.ID, step, status.Attempts), item, job.Priority, s.clock.Now())
}

// Job returns a snapshot of a job.
func (s *JobSource) Job(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job.clone(), nil
}

// Jobs returns snapshots of every job, newest first.
func (s *JobSource) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.clone())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID > jobs[j].ID })
	return jobs
}

// CancelJob stops a job. A queued step is withdrawn from the queue,
// even while it is offered to an agent; a running step's result is
// ignored when it arrives.
func (s *JobSource) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State.Terminal() {
		return nil
	}
	for i := range job.Steps {
		step := &job.Steps[i]
		if step.State == JobQueued {
			s.queue.Withdraw(stepItemID(job.ID, i, step.Attempts))
		}
		if !step.State.Terminal() {
			step.State = JobCancelled
		}
	}
	job.State = JobCancelled
	job.Finished = s.clock.Now()
	return nil
}

func (s *JobSource) Subscribe(_ context.Context, agent *Agent) (TaskListener, error) {
	return s.queue.Subscribe(agent,
		func(item JobItem) bool {
			return item.Pool == agent.Pool && agent.HasProperties(item.Requirements)
		},
		s.offer,
		s.accept,
	)
}

func (s *JobSource) offer(agent *Agent, item *Item[JobItem]) (*NewLeaseInfo, error) {
	lease, err := NewLease(ids.New(ids.Lease), agent.ID, s.Name(), item.Value.Task, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return &NewLeaseInfo{Lease: lease}, nil
}

// accept refuses steps of a job that ended while the step was offered,
// so no lease is committed for them.
func (s *JobSource) accept(item *Item[JobItem], info *NewLeaseInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[item.Value.Task.JobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, item.Value.Task.JobID)
	}
	if job.State.Terminal() {
		return fmt.Errorf("job %s is %s", job.ID, job.State)
	}
	step := &job.Steps[item.Value.Task.Step]
	step.State = JobRunning
	step.LeaseID = info.Lease.ID
	step.AgentID = info.Lease.AgentID
	step.Attempts++
	job.State = JobRunning
	s.byLease[info.Lease.ID] = item.Value
	return nil
}

// AbortTask has nothing to undo: OnLeaseResult sees the Aborted
// outcome and requeues the step.
func (s *JobSource) AbortTask(_ context.Context, agent *Agent, leaseID string, _ []byte) error {
	s.logger.Debug("job lease aborted", "agent_id", agent.ID, "lease_id", leaseID)
	return nil
}

func (s *JobSource) OnLeaseResult(_ context.Context, lease *Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.byLease[lease.ID]
	if !ok {
		return
	}
	delete(s.byLease, lease.ID)
	job, ok := s.jobs[item.Task.JobID]
	if !ok || job.State.Terminal() {
		return
	}
	step := &job.Steps[item.Task.Step]
	step.Outcome = lease.Outcome

	switch {
	case lease.Outcome == OutcomeSuccess:
		step.State = JobSucceeded
		if next := item.Task.Step + 1; next < len(job.Steps) {
			if err := s.enqueueStepLocked(job, next); err != nil {
				s.failLocked(job, err.Error())
			}
			return
		}
		job.State = JobSucceeded
		job.Finished = lease.FinishTime
		s.logger.Info("job succeeded", "job_id", job.ID, "name", job.Name)

	case lease.Outcome == OutcomeAborted && step.Attempts < s.maxAttempts:
		s.logger.Warn("job step aborted, retrying",
			"job_id", job.ID,
			"step", item.Task.Step,
			"attempts", step.Attempts,
		)
		if err := s.enqueueStepLocked(job, item.Task.Step); err != nil {
			s.failLocked(job, err.Error())
		}

	default:
		step.State = JobFailed
		s.failLocked(job, lease.Outcome.String())
	}
}

func (s *JobSource) failLocked(job *Job, reason string) {
	job.State = JobFailed
	job.Finished = s.clock.Now()
	for i := range job.Steps {
		if job.Steps[i].State == JobQueued {
			job.Steps[i].State = JobCancelled
		}
	}
	s.logger.Warn("job failed", "job_id", job.ID, "name", job.Name, "reason", reason)
}
