package service

import (
	"context"
	"fmt"
	"time"

	"github.com/appdeploy/packpilot/internal/logger"
	"github.com/robfig/cron/v3"
)

// SchedulerConfig holds the cron specs driving the periodic passes.
type SchedulerConfig struct {
	OrchestratorCron string
	StaleSweepCron   string
}

// Scheduler drives the periodic orchestration work: the orchestrator pass
// (start pending batches, advance running ones) and the staleness sweep
// (recover jobs with dead workers). Passes within a schedule never overlap;
// cron skips a tick while the previous run is still going.
type Scheduler struct {
	cron         *cron.Cron
	orchestrator *Orchestrator
	lifecycle    *LifecycleManager
	logger       *logger.Logger
	cfg          SchedulerConfig
}

// NewScheduler creates a new scheduler.
// Parameters:
//   - orchestrator: batch orchestrator the passes drive.
//   - lifecycle: lifecycle manager for the staleness sweep.
//   - cfg: cron specs; empty values take the 2m/5m defaults.
//   - log: structured logger.
// Returns:
//   - *Scheduler: initialized scheduler, not yet started.
func NewScheduler(orchestrator *Orchestrator, lifecycle *LifecycleManager, cfg SchedulerConfig, log *logger.Logger) *Scheduler {
	if cfg.OrchestratorCron == "" {
		cfg.OrchestratorCron = "@every 2m"
	}
	if cfg.StaleSweepCron == "" {
		cfg.StaleSweepCron = "@every 5m"
	}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
		orchestrator: orchestrator,
		lifecycle:    lifecycle,
		logger:       log,
		cfg:          cfg,
	}
}

// Start registers the schedules and starts the cron runner.
// Parameters:
//   - ctx: context passed into every pass.
// Returns:
//   - error: non-nil if a cron spec does not parse.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.OrchestratorCron, func() {
		s.RunOrchestratorPass(ctx)
	}); err != nil {
		return fmt.Errorf("invalid orchestrator cron spec %q: %w", s.cfg.OrchestratorCron, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.StaleSweepCron, func() {
		s.RunStaleSweep(ctx)
	}); err != nil {
		return fmt.Errorf("invalid stale sweep cron spec %q: %w", s.cfg.StaleSweepCron, err)
	}

	s.cron.Start()
	s.logger.WithFields(logger.Fields{
		"orchestrator_cron": s.cfg.OrchestratorCron,
		"stale_sweep_cron":  s.cfg.StaleSweepCron,
	}).Info("Scheduler started")
	return nil
}

// Stop halts the cron runner and waits for running passes to finish.
// Parameters: none.
// Returns: none.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Scheduler stopped")
}

// RunOrchestratorPass executes one orchestrator pass immediately.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns: none; failures are logged.
func (s *Scheduler) RunOrchestratorPass(ctx context.Context) {
	started := time.Now()
	if err := s.orchestrator.ProcessPendingBatches(ctx); err != nil {
		s.logger.WithError(err).Error("Orchestrator pass failed on pending batches")
	}
	if err := s.orchestrator.AdvanceInProgressBatches(ctx); err != nil {
		s.logger.WithError(err).Error("Orchestrator pass failed on running batches")
	}
	s.logger.WithField(logger.FieldDurationMs, time.Since(started).Milliseconds()).Debug("Orchestrator pass finished")
}

// RunStaleSweep executes one staleness sweep immediately.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns: none; failures are logged.
func (s *Scheduler) RunStaleSweep(ctx context.Context) {
	recovered, err := s.lifecycle.RecoverStaleJobs(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Stale job sweep failed")
		return
	}
	if recovered > 0 {
		s.logger.WithField(logger.FieldCount, recovered).Info("Stale jobs recovered")
	}
}
