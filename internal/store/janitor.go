package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JanitorConfig configures the retention janitor.
type JanitorConfig struct {
	// Schedule is a standard 5-field cron expression.
	Schedule string
	// RetentionDays is the age past which executions are deleted.
	RetentionDays int
	// VacuumAfterSweep runs VACUUM after a sweep that deleted anything.
	VacuumAfterSweep bool
}

// Janitor periodically deletes executions past the retention window.
// It is started by the daemon, never by the engine; retention sweeps
// stay off the execution hot path.
type Janitor struct {
	store  Store
	config JanitorConfig
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	started bool
	sweeps  int
}

// NewJanitor creates a Janitor. logger may be nil.
func NewJanitor(s Store, config JanitorConfig, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:  s,
		config: config,
		logger: logger,
	}
}

// Start schedules retention sweeps. Returns an error if the cron
// expression does not parse or the janitor is already running.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return nil
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))
	_, err := c.AddFunc(j.config.Schedule, func() {
		j.Sweep(ctx)
	})
	if err != nil {
		return err
	}

	c.Start()
	j.cron = c
	j.started = true
	j.logger.Info("retention janitor started",
		slog.String("schedule", j.config.Schedule),
		slog.Int("retention_days", j.config.RetentionDays))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.started = false
	j.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep runs one retention pass immediately. Safe to call directly from
// maintenance tooling or tests.
func (j *Janitor) Sweep(ctx context.Context) {
	start := time.Now()
	result, err := j.store.CleanupOldRecords(ctx, j.config.RetentionDays)
	if err != nil {
		j.logger.Error("retention sweep failed", slog.String("error", err.Error()))
		return
	}

	j.mu.Lock()
	j.sweeps++
	j.mu.Unlock()

	j.logger.Info("retention sweep complete",
		slog.Int64("executions", result.Executions),
		slog.Int64("checkpoints", result.Checkpoints),
		slog.Int64("events", result.Events),
		slog.Duration("took", time.Since(start)))

	if j.config.VacuumAfterSweep && result.Executions > 0 {
		if err := j.store.Vacuum(ctx); err != nil {
			j.logger.Error("vacuum failed", slog.String("error", err.Error()))
		}
	}
}

// Sweeps returns how many successful sweeps have run.
func (j *Janitor) Sweeps() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sweeps
}
