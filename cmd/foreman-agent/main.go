// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/jessevdk/go-flags"
	"github.com/lucasepe/codename"

	"github.com/bureau-foundation/foreman/lib/agentexec"
	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/hwinfo"
	"github.com/bureau-foundation/foreman/lib/lease"
	"github.com/bureau-foundation/foreman/lib/process"
	"github.com/bureau-foundation/foreman/lib/service"
	"github.com/bureau-foundation/foreman/lib/version"
)

type options struct {
	Socket      string   `long:"socket" env:"FOREMAN_SOCKET" description:"foreman server socket" required:"true"`
	Pool        string   `long:"pool" env:"FOREMAN_POOL" description:"pool to join" required:"true"`
	Name        string   `long:"name" env:"FOREMAN_AGENT_NAME" description:"agent display name (default: generated)"`
	WorkDir     string   `long:"work-dir" env:"FOREMAN_WORK_DIR" description:"root for workspaces and job directories" default:"/var/lib/foreman-agent"`
	Properties  []string `long:"property" description:"property advertised to the scheduler (repeatable)"`
	Concurrency int      `long:"concurrency" description:"leases executed at once" default:"1"`
	SyncCommand string   `long:"sync-command" env:"FOREMAN_SYNC_COMMAND" description:"command that syncs one workspace (see CommandSyncer)"`
	LogLevel    string   `long:"log-level" description:"debug, info, warn or error" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error"`
	Version     bool     `long:"version" description:"print version information and exit"`
}

const agentIDFile = "agent-id"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	// --version must work without the required options.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("foreman-agent")
		return nil
	}

	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.LogLevel)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	workspaces := filepath.Join(opts.WorkDir, "workspaces")
	if err := os.MkdirAll(workspaces, 0755); err != nil {
		return err
	}
	// Two agents sharing a work dir would delete each other's
	// workspaces on conform.
	workLock := flock.New(filepath.Join(opts.WorkDir, ".lock"))
	locked, err := workLock.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", opts.WorkDir, err)
	}
	if !locked {
		return fmt.Errorf("work dir %s is in use by another agent", opts.WorkDir)
	}
	defer workLock.Unlock()

	name := opts.Name
	if name == "" {
		name, err = generateName()
		if err != nil {
			return err
		}
	}
	inventory := hwinfo.Probe()
	properties := []string{"os=" + runtime.GOOS, "arch=" + runtime.GOARCH}
	properties = append(properties, inventory.Properties()...)
	properties = append(properties, opts.Properties...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	idPath := filepath.Join(opts.WorkDir, agentIDFile)
	previousID, err := readAgentID(idPath)
	if err != nil {
		return err
	}

	client := service.NewClient(opts.Socket)
	session, err := service.Register(ctx, client, lease.Registration{
		AgentID:    previousID,
		Name:       name,
		Pool:       opts.Pool,
		Properties: properties,
	})
	if err != nil {
		return fmt.Errorf("registering with %s: %w", opts.Socket, err)
	}
	if err := os.WriteFile(idPath, []byte(session.AgentID()+"\n"), 0644); err != nil {
		return fmt.Errorf("saving agent id: %w", err)
	}
	logger = logger.With("agent_id", session.AgentID())
	logger.Info("agent registered",
		"name", name,
		"pool", opts.Pool,
		"version", version.Info(),
		"cpu_model", inventory.CPUModel,
		"properties", properties,
	)

	executor, err := agentexec.New(agentexec.Config{
		Session: session,
		Handlers: map[lease.TaskKind]agentexec.Handler{
			lease.KindConform: &agentexec.ConformHandler{
				Syncer: agentexec.CommandSyncer{Command: strings.Fields(opts.SyncCommand)},
				Root:   workspaces,
				Logger: logger,
			},
			lease.KindJob: &agentexec.JobHandler{
				Logs:    session,
				WorkDir: workspaces,
				Logger:  logger,
			},
			lease.KindCompute: &agentexec.ComputeHandler{
				Blobs:   session,
				WorkDir: filepath.Join(opts.WorkDir, "compute"),
				Logger:  logger,
			},
		},
		Clock:       clock.Real(),
		Logger:      logger,
		Properties:  properties,
		Concurrency: opts.Concurrency,
	})
	if err != nil {
		return err
	}
	if err := executor.Run(ctx); err != nil {
		return err
	}
	logger.Info("agent stopped")
	return nil
}

func generateName() (string, error) {
	rng, err := codename.DefaultRNG()
	if err != nil {
		return "", fmt.Errorf("seeding agent name: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "agent"
	}
	return hostname + "-" + codename.Generate(rng, 0), nil
}

func readAgentID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading agent id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
