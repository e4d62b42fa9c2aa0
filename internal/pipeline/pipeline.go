// Package pipeline drives PipelineTask rows through the backlog -> spec ->
// qa -> impl -> test -> done/merged state machine (SPEC_FULL.md §4.3),
// spawning "manager"/"qa"/"worker" persona containers through an
// AgentSupervisor and draining the integration queue one merge at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neuralcollective/borg/internal/bus"
	"github.com/neuralcollective/borg/internal/store"
	"github.com/neuralcollective/borg/internal/supervisor"
)

const (
	personaManager = "manager"
	personaQA      = "qa"
	personaWorker  = "worker"
	personaTest    = "test"

	// kvSelfUpdatePending is the KVState key the driver sets once a merge
	// into the self repo succeeds; IntegratorMain polls it to trigger a
	// shutdown-and-reexec.
	kvSelfUpdatePending = "pipeline.self_update_pending"
)

// AgentRunner is the subset of *supervisor.Supervisor the driver needs;
// narrowed to an interface so tests can substitute a fake.
type AgentRunner interface {
	Run(ctx context.Context, cfg supervisor.Config, stdin []byte, streamCB func([]byte)) (supervisor.RunResult, error)
}

// Config holds the driver's tuning knobs; SPEC_FULL.md §6 names most of
// these as env vars that cmd/borg translates into this struct.
type Config struct {
	Image         string
	Model         string
	PrimaryBranch string // default "main"
	SelfRepoPath  string // repo path whose successful integration triggers a self-update sentinel
	MaxAgents     int    // pipeline_max_agents; current implementation only ever spawns one
	AgentTimeout  time.Duration
	TickInterval  time.Duration // pipeline_tick_s, default 30s

	// TestCmdFor resolves the configured test command for a repo path,
	// e.g. from config.Config.WatchedRepos.
	TestCmdFor func(repoPath string) string
}

func (c Config) testCmdFor(repoPath string) string {
	if c.TestCmdFor != nil {
		if cmd := c.TestCmdFor(repoPath); cmd != "" {
			return cmd
		}
	}
	return "make test"
}

// Driver is the sequential, single-threaded pipeline loop. It shares the
// store with ChatOrchestrator but never runs two ticks concurrently with
// itself.
type Driver struct {
	store  *store.Store
	agents AgentRunner
	bus    *bus.Bus
	logger *slog.Logger
	cfg    Config

	seq                 map[int64]int
	credentialRefresher func(context.Context) error
}

// New builds a Driver. logger may be nil.
func New(st *store.Store, agents AgentRunner, b *bus.Bus, logger *slog.Logger, cfg Config) *Driver {
	if cfg.PrimaryBranch == "" {
		cfg.PrimaryBranch = "main"
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	return &Driver{
		store:               st,
		agents:              agents,
		bus:                 b,
		logger:              logger,
		cfg:                 cfg,
		seq:                 make(map[int64]int),
		credentialRefresher: func(context.Context) error { return nil },
	}
}

// SetCredentialRefresher installs the hook Tick calls at the start of every
// tick (step 1, "refreshes auth credentials, no-op if unchanged").
func (d *Driver) SetCredentialRefresher(f func(context.Context) error) {
	if f != nil {
		d.credentialRefresher = f
	}
}

// Run ticks the driver every cfg.TickInterval until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil && d.logger != nil {
				d.logger.Error("pipeline_tick_failed", "error", err)
			}
		}
	}
}

// Tick runs one iteration of the per-tick algorithm described in
// SPEC_FULL.md §4.3: refresh credentials, drain at most one queued
// integration, then dispatch the single highest-priority active task.
func (d *Driver) Tick(ctx context.Context) error {
	if err := d.credentialRefresher(ctx); err != nil && d.logger != nil {
		d.logger.Warn("pipeline_credential_refresh_failed", "error", err)
	}

	if err := d.processIntegration(ctx); err != nil && d.logger != nil {
		d.logger.Warn("pipeline_integration_error", "error", err)
	}

	task, err := d.store.NextTask(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("pipeline: next_task: %w", err)
	}
	return d.dispatch(ctx, task)
}

// TriggerRelease drains the integration queue immediately, outside the
// normal tick cadence. Exported for internal/cronrelease's scheduled
// releases and internal/webapi's POST /api/release.
func (d *Driver) TriggerRelease(ctx context.Context) error {
	return d.processIntegration(ctx)
}

func (d *Driver) containerName(persona string, taskID int64) string {
	d.seq[taskID]++
	return fmt.Sprintf("borg-%s-t%d-%d-%d", persona, taskID, time.Now().Unix(), d.seq[taskID])
}
