/**
 * @description
 * Cron scheduler setup for the background bank sync.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// BankSyncer is the work run on every tick.
type BankSyncer interface {
	SyncAll(ctx context.Context) (SyncSummary, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	syncer  BankSyncer
	logger  *slog.Logger
	timeout time.Duration
}

// NewJobs creates a new Jobs runner. timeout bounds a single run.
func NewJobs(syncer BankSyncer, logger *slog.Logger, timeout time.Duration) *Jobs {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Jobs{syncer: syncer, logger: logger, timeout: timeout}
}

// SyncConnectedBanks refreshes sync metadata for every stored bank.
func (j *Jobs) SyncConnectedBanks() {
	j.logger.Info("starting connected bank sync job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	summary, err := j.syncer.SyncAll(ctx)
	if err != nil {
		j.logger.Error("connected bank sync job aborted", "error", err, "synced", summary.Synced, "failed", summary.Failed)
		return
	}
	j.logger.Info("connected bank sync job finished", "synced", summary.Synced, "failed", summary.Failed)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance. Overlapping ticks are
// skipped while a run is still in progress.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.jobs.SyncConnectedBanks); err != nil {
		s.logger.Error("failed to schedule connected bank sync job", "error", err)
		return err
	}
	s.logger.Info("scheduled connected bank sync job", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
