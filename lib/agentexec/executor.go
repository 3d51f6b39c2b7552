// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/lease"
)

// Session is the agent's side of the lease protocol. The socket
// client implements it for a registered agent.
type Session interface {
	// WaitForLease blocks up to timeout for a lease. It returns nil,
	// nil when none arrived.
	WaitForLease(ctx context.Context, timeout time.Duration) (*lease.Lease, error)

	ReportLeaseResult(ctx context.Context, leaseID string, outcome lease.Outcome, result []byte) error

	// Heartbeat reports liveness and the agent's current properties.
	Heartbeat(ctx context.Context, properties []string) (lease.HeartbeatStatus, error)
}

// Result is what a handler reports for a lease.
type Result struct {
	Outcome lease.Outcome
	Payload []byte
}

// Handler executes leases of one task kind.
type Handler interface {
	Execute(ctx context.Context, leased *lease.Lease, task lease.Task) (Result, error)
}

// ErrorEncoder is implemented by handlers whose source expects a
// structured payload when execution fails. The default payload is the
// error text.
type ErrorEncoder interface {
	EncodeError(err error) []byte
}

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultPollTimeout       = 30 * time.Second
	reportAttempts           = 3
	reportRetryDelay         = time.Second
	errorBackoff             = 5 * time.Second

	// waitDelay bounds how long a killed command's children may hold
	// its output pipes open.
	waitDelay = 5 * time.Second
)

// Config configures an Executor.
type Config struct {
	Session  Session
	Handlers map[lease.TaskKind]Handler
	Clock    clock.Clock
	Logger   *slog.Logger

	// Properties are sent with every heartbeat.
	Properties []string

	// Concurrency bounds leases executed at once. Defaults to 1.
	Concurrency int

	HeartbeatInterval time.Duration
	PollTimeout       time.Duration
}

// Executor polls for leases, runs them on a bounded worker pool and
// reports every lease's result exactly once.
type Executor struct {
	session           Session
	handlers          map[lease.TaskKind]Handler
	clock             clock.Clock
	logger            *slog.Logger
	properties        []string
	concurrency       int
	heartbeatInterval time.Duration
	pollTimeout       time.Duration

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

func New(cfg Config) (*Executor, error) {
	if cfg.Session == nil || cfg.Clock == nil {
		return nil, errors.New("agentexec: Session and Clock are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	executor := &Executor{
		session:           cfg.Session,
		handlers:          cfg.Handlers,
		clock:             cfg.Clock,
		logger:            logger,
		properties:        cfg.Properties,
		concurrency:       cfg.Concurrency,
		heartbeatInterval: cfg.HeartbeatInterval,
		pollTimeout:       cfg.PollTimeout,
		shutdown:          make(chan struct{}),
	}
	if executor.concurrency <= 0 {
		executor.concurrency = 1
	}
	if executor.heartbeatInterval <= 0 {
		executor.heartbeatInterval = defaultHeartbeatInterval
	}
	if executor.pollTimeout <= 0 {
		executor.pollTimeout = defaultPollTimeout
	}
	return executor, nil
}

// ShutdownRequested is closed once the server asks the agent to stop.
func (e *Executor) ShutdownRequested() <-chan struct{} { return e.shutdown }

// Run executes leases until ctx is cancelled or the server requests a
// shutdown. Running leases finish before Run returns; a lease whose
// context was cancelled by shutdown reports Cancelled.
func (e *Executor) Run(ctx context.Context) error {
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeatLoop(heartbeatCtx)

	pool := workerpool.New(e.concurrency)
	defer pool.StopWait()

	slots := make(chan struct{}, e.concurrency)
	for {
		select {
		case <-e.shutdown:
			return nil
		default:
		}
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		case <-e.shutdown:
			return nil
		}

		leased, err := e.session.WaitForLease(ctx, e.pollTimeout)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Warn("waiting for lease failed", "error", err)
			select {
			case <-e.clock.After(errorBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if leased == nil {
			<-slots
			continue
		}

		pool.Submit(func() {
			defer func() { <-slots }()
			e.runLease(ctx, leased)
		})
	}
}

func (e *Executor) heartbeatLoop(ctx context.Context) {
	ticker := e.clock.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()
	for {
		e.heartbeat(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Executor) heartbeat(ctx context.Context) {
	status, err := e.session.Heartbeat(ctx, e.properties)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("heartbeat failed", "error", err)
		}
		return
	}
	if status.RequestShutdown {
		e.shutdownOnce.Do(func() {
			e.logger.Info("server requested shutdown")
			close(e.shutdown)
		})
	}
}

// runLease executes one lease and reports its result. This is the only
// place a result is reported.
func (e *Executor) runLease(ctx context.Context, leased *lease.Lease) {
	logger := e.logger.With("lease_id", leased.ID, "kind", leased.Kind.String())
	logger.Info("lease started")
	start := e.clock.Now()

	result := e.execute(ctx, leased)

	// Report even if ctx is done so the server does not have to wait
	// for the session timeout to learn the lease ended.
	reportCtx := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= reportAttempts; attempt++ {
		err = e.session.ReportLeaseResult(reportCtx, leased.ID, result.Outcome, result.Payload)
		if err == nil {
			break
		}
		logger.Warn("reporting lease result failed", "attempt", attempt, "error", err)
		if attempt < reportAttempts {
			<-e.clock.After(reportRetryDelay)
		}
	}
	if err != nil {
		logger.Error("lease result lost", "outcome", result.Outcome.String(), "error", err)
		return
	}
	logger.Info("lease finished",
		"outcome", result.Outcome.String(),
		"duration", e.clock.Now().Sub(start),
	)
}

// execute runs the handler, turning errors and panics into an
// Exception result.
func (e *Executor) execute(ctx context.Context, leased *lease.Lease) (result Result) {
	handler, ok := e.handlers[leased.Kind]
	if !ok {
		return Result{Outcome: lease.OutcomeException, Payload: fmt.Appendf(nil, "agent has no handler for %s leases", leased.Kind)}
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("lease handler panicked",
				"lease_id", leased.ID,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
			result = failure(handler, lease.OutcomeException, fmt.Errorf("handler panic: %v", recovered))
		}
	}()

	task, err := leased.Task()
	if err != nil {
		return failure(handler, lease.OutcomeException, fmt.Errorf("decoding task: %w", err))
	}
	result, err = handler.Execute(ctx, leased, task)
	if err != nil {
		if ctx.Err() != nil {
			return failure(handler, lease.OutcomeCancelled, err)
		}
		return failure(handler, lease.OutcomeException, err)
	}
	if result.Outcome == lease.OutcomePending {
		return failure(handler, lease.OutcomeException, errors.New("handler returned no outcome"))
	}
	return result
}

func failure(handler Handler, outcome lease.Outcome, err error) Result {
	if encoder, ok := handler.(ErrorEncoder); ok {
		return Result{Outcome: outcome, Payload: encoder.EncodeError(err)}
	}
	return Result{Outcome: outcome, Payload: []byte(err.Error())}
}
