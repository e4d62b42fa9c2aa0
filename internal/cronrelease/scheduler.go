// Package cronrelease periodically drains the integration queue,
// independent of PipelineDriver's own per-tick integration step, so a
// release still happens even if a long-running task dispatch monopolizes a
// tick. It follows the same tick-loop/Start/Stop shape as the rest of the
// codebase's periodic components, generalized from "fire schedules as
// tasks" to "fire a release signal on an interval."
package cronrelease

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/neuralcollective/borg/internal/store"
)

// kvLastReleaseAt records the unix-seconds timestamp of the last fired
// release, so a crash mid-interval does not cause a second release to fire
// immediately on restart.
const kvLastReleaseAt = "cronrelease.last_release_at"

// ReleaseDriver is the subset of *pipeline.Driver the scheduler needs.
type ReleaseDriver interface {
	TriggerRelease(ctx context.Context) error
}

// Config holds the scheduler's dependencies and tuning.
type Config struct {
	Store    *store.Store
	Driver   ReleaseDriver
	Logger   *slog.Logger
	Interval time.Duration // release gate period; RELEASE_INTERVAL_MINS, default 180m
	Tick     time.Duration // how often the loop checks the gate; default 1m
	// Continuous, when true, bypasses the interval gate and fires a
	// release on every tick instead of waiting for Interval to elapse.
	Continuous bool
}

// Scheduler periodically calls Driver.TriggerRelease, gated by Interval
// unless Continuous is set. The tick cadence itself runs on a
// robfig/cron/v3 *cron.Cron using a constant-delay schedule (cron.Every)
// rather than a bare time.Ticker, consistent with using cron.v3 for every
// periodic-firing component.
type Scheduler struct {
	store      *store.Store
	driver     ReleaseDriver
	logger     *slog.Logger
	interval   time.Duration
	tick       time.Duration
	continuous bool

	cron *cronlib.Cron
}

func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 180 * time.Minute
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      cfg.Store,
		driver:     cfg.Driver,
		logger:     logger,
		interval:   interval,
		tick:       tick,
		continuous: cfg.Continuous,
	}
}

// Start registers the tick job and starts the cron runner in the
// background. ctx governs maybeFire's calls into the driver, not the
// cron runner's own lifecycle (Stop is what tears that down).
func (s *Scheduler) Start(ctx context.Context) {
	s.cron = cronlib.New()
	s.cron.Schedule(cronlib.Every(s.tick), cronlib.FuncJob(func() {
		s.maybeFire(ctx)
	}))
	s.cron.Start()
	s.logger.Info("cronrelease_started", "interval", s.interval, "continuous", s.continuous)
}

// Stop blocks until any in-flight tick job returns, then halts the runner.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("cronrelease_stopped")
}

func (s *Scheduler) maybeFire(ctx context.Context) {
	if !s.continuous && !s.due(ctx) {
		return
	}
	if err := s.driver.TriggerRelease(ctx); err != nil {
		s.logger.Error("cronrelease_trigger_failed", "error", err)
		return
	}
	s.logger.Info("cronrelease_fired")
	if !s.continuous {
		s.recordFired(ctx)
	}
}

func (s *Scheduler) due(ctx context.Context) bool {
	raw, err := s.store.GetKV(ctx, kvLastReleaseAt)
	if err != nil {
		// ErrNotFound means no release has ever fired; treat as due.
		return true
	}
	last, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	return time.Since(time.Unix(last, 0)) >= s.interval
}

func (s *Scheduler) recordFired(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	if err := s.store.SetKV(ctx, kvLastReleaseAt, now); err != nil {
		s.logger.Warn("cronrelease_record_failed", "error", err)
	}
}
