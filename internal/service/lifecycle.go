package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/appdeploy/packpilot/internal/builder"
	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/appdeploy/packpilot/internal/logger"
	"github.com/appdeploy/packpilot/internal/repository"
	"gorm.io/gorm"
)

// transitionAttempts bounds the optimistic retry loop on guarded job
// transitions. Races are rare; three attempts is plenty.
const transitionAttempts = 3

var (
	// ErrInvalidTransition is returned when a job is not in a state the
	// requested operation accepts.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrJobDeployed is returned when cancellation is attempted on an
	// already-deployed job.
	ErrJobDeployed = errors.New("job is already deployed")

	// ErrNotOwner is returned when a caller operates on a job it does not own.
	ErrNotOwner = errors.New("job does not belong to caller")

	// ErrNotTerminal is returned when dismissal targets a job that has not
	// finished yet.
	ErrNotTerminal = errors.New("only finished jobs can be dismissed")

	// ErrNoInstaller is returned when the registry has no installer for the
	// requested package version.
	ErrNoInstaller = errors.New("no installer found")
)

// CreateJobRequest carries the inputs for a user-initiated packaging job.
type CreateJobRequest struct {
	TenantID       string                `json:"tenant_id" binding:"required"`
	UserID         string                `json:"user_id"`
	OrganizationID string                `json:"organization_id"`
	WingetID       string                `json:"winget_id" binding:"required"`
	Version        string                `json:"version" binding:"required"`
	DisplayName    string                `json:"display_name"`
	InstallScope   string                `json:"install_scope"`
	DetectionRules domain.DetectionRules `json:"detection_rules"`
}

// PackagingResult is the callback payload a build worker posts when a
// packaging run finishes.
type PackagingResult struct {
	JobID          string                 `json:"job_id" binding:"required"`
	Status         string                 `json:"status" binding:"required"` // success or failure
	ErrorMessage   string                 `json:"error_message"`
	BundleKey      string                 `json:"bundle_key"`
	Encryption     *domain.EncryptionInfo `json:"encryption"`
	DetectionRules domain.DetectionRules  `json:"detection_rules"`
}

// LifecycleConfig holds lifecycle manager configuration.
type LifecycleConfig struct {
	CallbackURL   string
	JobStaleAfter time.Duration
}

// LifecycleManager owns the packaging job state machine: creation and build
// dispatch, worker claim handling, callback intake, cancellation, dismissal,
// and staleness recovery. All state-changing writes go through guarded
// repository updates so concurrent actors cannot corrupt the machine.
type LifecycleManager struct {
	jobs    *repository.JobRepository
	batches *repository.BatchRepository
	lookup  InstallerLookup
	builds  BuildService
	audit   AuditSink
	logger  *logger.Logger
	cfg     LifecycleConfig

	// onResolved fires after a job reaches a terminal state; the batch
	// orchestrator hangs off this to advance batch bookkeeping.
	onResolved func(ctx context.Context, jobID string)

	// onUploadReady fires when a successful packaging result moves a job to
	// uploading; the upload dispatcher hangs off this.
	onUploadReady func(job *domain.PackagingJob)
}

// NewLifecycleManager creates a new lifecycle manager.
// Parameters:
//   - jobs: job repository.
//   - batches: batch repository, used to resolve batch item linkage.
//   - lookup: installer metadata source.
//   - builds: remote build dispatch service.
//   - audit: audit event sink.
//   - cfg: lifecycle configuration.
//   - log: structured logger.
// Returns:
//   - *LifecycleManager: initialized manager with no hooks attached.
func NewLifecycleManager(jobs *repository.JobRepository, batches *repository.BatchRepository, lookup InstallerLookup, builds BuildService, audit AuditSink, cfg LifecycleConfig, log *logger.Logger) *LifecycleManager {
	if cfg.JobStaleAfter <= 0 {
		cfg.JobStaleAfter = 45 * time.Minute
	}
	return &LifecycleManager{
		jobs:    jobs,
		batches: batches,
		lookup:  lookup,
		builds:  builds,
		audit:   audit,
		logger:  log,
		cfg:     cfg,
	}
}

// SetResolutionHook attaches the terminal-state callback. Wired once at
// startup, before any traffic.
// Parameters:
//   - fn: invoked with the job ID after every terminal transition.
// Returns: none.
func (m *LifecycleManager) SetResolutionHook(fn func(ctx context.Context, jobID string)) {
	m.onResolved = fn
}

// SetUploadHook attaches the upload handoff callback. Wired once at startup.
// Parameters:
//   - fn: invoked with the job after it transitions to uploading.
// Returns: none.
func (m *LifecycleManager) SetUploadHook(fn func(job *domain.PackagingJob)) {
	m.onUploadReady = fn
}

// CreateJob resolves installer metadata for the request and starts a job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: job inputs.
// Returns:
//   - *domain.PackagingJob: the created job with its build run attached.
//   - error: non-nil when no installer exists for the pair or dispatch fails.
func (m *LifecycleManager) CreateJob(ctx context.Context, req *CreateJobRequest) (*domain.PackagingJob, error) {
	meta, err := m.lookup.Lookup(ctx, req.WingetID, req.Version)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w for %s %s", ErrNoInstaller, req.WingetID, req.Version)
	}

	scope := req.InstallScope
	if scope == "" {
		scope = meta.Scope
	}
	job := &domain.PackagingJob{
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		WingetID:       req.WingetID,
		Version:        req.Version,
		DisplayName:    req.DisplayName,
		InstallScope:   scope,
		DetectionRules: req.DetectionRules,
	}
	return m.StartJob(ctx, job, meta)
}

// StartJob persists a job and dispatches its remote build run. A dispatch
// failure marks the job failed and is returned to the caller.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: populated job record, not yet stored.
//   - meta: resolved installer metadata for the build.
// Returns:
//   - *domain.PackagingJob: the stored job; on dispatch failure it is the
//     failed record alongside the error.
//   - error: non-nil if persistence or dispatch fails.
func (m *LifecycleManager) StartJob(ctx context.Context, job *domain.PackagingJob, meta *domain.InstallerMetadata) (*domain.PackagingJob, error) {
	job, err := m.jobs.Create(ctx, job)
	if err != nil {
		return nil, err
	}
	log := m.logger.WithFields(logger.Fields{
		logger.FieldJobID:    job.ID,
		logger.FieldTenantID: job.TenantID,
	})

	run, err := m.builds.Trigger(ctx, &builder.TriggerRequest{
		JobID:            job.ID,
		TenantID:         job.TenantID,
		PackageID:        job.WingetID,
		Version:          job.Version,
		InstallerURL:     meta.URL,
		InstallerHash:    meta.SHA256,
		InstallerType:    meta.Type,
		SilentArgs:       meta.SilentArgs,
		UninstallCommand: meta.UninstallCommand,
		CallbackURL:      m.cfg.CallbackURL,
		InstallScope:     job.InstallScope,
	})
	if err != nil {
		log.WithError(err).Error("Build dispatch failed")
		if _, failErr := m.FailJob(ctx, job.ID, "trigger", err.Error()); failErr != nil {
			log.WithError(failErr).Error("Failed to mark job failed after dispatch failure")
		}
		failed, _ := m.jobs.GetByID(ctx, job.ID)
		if failed == nil {
			failed = job
		}
		return failed, err
	}

	if updErr := m.jobs.Update(ctx, job.ID, map[string]interface{}{
		"run_id":  run.RunID,
		"run_url": run.RunURL,
	}, nil); updErr != nil {
		log.WithError(updErr).Warn("Failed to persist build run reference")
	}
	job.RunID = run.RunID
	job.RunURL = run.RunURL

	m.recordAudit(ctx, job.OrganizationID, job.UserID, "job.created", "packaging_job", job.ID,
		fmt.Sprintf("%s %s for tenant %s", job.WingetID, job.Version, job.TenantID))
	log.WithField("run_id", run.RunID).Info("Packaging job created")
	return job, nil
}

// ClaimJob atomically assigns a specific queued job to a worker.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job to claim.
//   - workerID: claimant identity.
// Returns:
//   - *domain.PackagingJob: the claimed job, nil when another worker won.
//   - error: non-nil only on storage failure.
func (m *LifecycleManager) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.PackagingJob, error) {
	job, err := m.jobs.Claim(ctx, jobID, workerID)
	if err != nil {
		return nil, err
	}
	if job != nil {
		m.logger.WithFields(logger.Fields{
			logger.FieldJobID:    jobID,
			logger.FieldWorkerID: workerID,
		}).Info("Job claimed")
	}
	return job, nil
}

// ClaimNextJob assigns the oldest claimable queued job to a worker.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - workerID: claimant identity.
// Returns:
//   - *domain.PackagingJob: the claimed job, nil when nothing is claimable.
//   - error: non-nil only on storage failure.
func (m *LifecycleManager) ClaimNextJob(ctx context.Context, workerID string) (*domain.PackagingJob, error) {
	candidates, err := m.jobs.GetByStatus(ctx, domain.JobStatusQueued, 10, "asc")
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		job, err := m.ClaimJob(ctx, candidate.ID, workerID)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		// Lost this one to another worker; try the next candidate.
	}
	return nil, nil
}

// Heartbeat refreshes a worker's claim on a job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: claimed job ID.
//   - workerID: owning worker identity.
// Returns:
//   - error: ErrNotOwner when the claim is gone; other non-nil on failure.
func (m *LifecycleManager) Heartbeat(ctx context.Context, jobID, workerID string) error {
	err := m.jobs.Heartbeat(ctx, jobID, workerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotOwner
	}
	return err
}

// ReleaseJob returns a claimed job to the queue.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: claimed job ID.
//   - workerID: owning worker identity.
// Returns:
//   - error: ErrNotOwner when the claim is gone; other non-nil on failure.
func (m *LifecycleManager) ReleaseJob(ctx context.Context, jobID, workerID string) error {
	err := m.jobs.Release(ctx, jobID, workerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotOwner
	}
	if err == nil {
		m.logger.WithFields(logger.Fields{
			logger.FieldJobID:    jobID,
			logger.FieldWorkerID: workerID,
		}).Info("Job released back to queue")
	}
	return err
}

// ReportProgress records a worker's progress on its claimed job, optionally
// moving the job from packaging to testing.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: claimed job ID.
//   - workerID: owning worker identity.
//   - percent: progress percent, clamped to 0..100.
//   - status: empty to keep the current status, or "testing" to advance.
// Returns:
//   - error: ErrNotOwner when the claim is gone; other non-nil on failure.
func (m *LifecycleManager) ReportProgress(ctx context.Context, jobID, workerID string, percent int, status domain.JobStatus) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	fields := map[string]interface{}{
		"progress_percent":      percent,
		"packager_heartbeat_at": time.Now().UTC(),
	}
	if status == domain.JobStatusTesting {
		fields["status"] = domain.JobStatusTesting
	}
	err := m.jobs.Update(ctx, jobID, fields, map[string]interface{}{"packager_id": workerID})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotOwner
	}
	return err
}

// HandlePackagingResult processes a build worker's completion callback.
// Success moves the job to uploading and hands it to the upload dispatcher;
// failure resolves the job as failed. Results for jobs already in a terminal
// state are ignored.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - result: callback payload.
// Returns:
//   - error: non-nil on storage failure or unknown job.
func (m *LifecycleManager) HandlePackagingResult(ctx context.Context, result *PackagingResult) error {
	job, err := m.jobs.GetByID(ctx, result.JobID)
	if err != nil {
		return err
	}
	log := m.logger.WithFields(logger.Fields{
		logger.FieldJobID:    job.ID,
		logger.FieldTenantID: job.TenantID,
	})
	if job.Status.IsTerminal() {
		// Late callback for a cancelled or recovered job; nothing to do.
		log.WithField(logger.FieldStatus, job.Status).Info("Ignoring packaging result for finished job")
		return nil
	}

	if result.Status != "success" {
		msg := result.ErrorMessage
		if msg == "" {
			msg = "packaging failed"
		}
		_, err := m.FailJob(ctx, job.ID, "packaging", msg)
		return err
	}

	if result.BundleKey == "" {
		_, err := m.FailJob(ctx, job.ID, "packaging", "packaging result carried no bundle")
		return err
	}

	fields := map[string]interface{}{
		"status":                domain.JobStatusUploading,
		"bundle_key":            result.BundleKey,
		"packager_id":           nil,
		"packager_heartbeat_at": nil,
	}
	if result.Encryption != nil {
		fields["encryption"] = result.Encryption
	}
	if len(result.DetectionRules) > 0 && len(job.DetectionRules) == 0 {
		fields["detection_rules"] = result.DetectionRules
	}
	job, err = m.transition(ctx, job.ID, []domain.JobStatus{domain.JobStatusPackaging, domain.JobStatusTesting, domain.JobStatusQueued}, fields)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Lost to a concurrent cancel or recovery.
			return nil
		}
		return err
	}

	log.Info("Packaging finished, queued for upload")
	if m.onUploadReady != nil {
		m.onUploadReady(job)
	}
	return nil
}

// CompleteUpload resolves a job whose content upload succeeded: uploading to
// completed, then completed to deployed once the content is live.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job ID.
//   - appID: application ID created during the upload.
// Returns:
//   - error: non-nil on storage failure or if the job left uploading state.
func (m *LifecycleManager) CompleteUpload(ctx context.Context, jobID, appID string) error {
	job, err := m.transition(ctx, jobID, []domain.JobStatus{domain.JobStatusUploading}, map[string]interface{}{
		"status":           domain.JobStatusCompleted,
		"progress_percent": 100,
		"error_stage":      "",
		"error_message":    "",
	})
	if err != nil {
		return err
	}

	// The committed content version is live immediately; promote to deployed.
	job, err = m.transition(ctx, jobID, []domain.JobStatus{domain.JobStatusCompleted}, map[string]interface{}{
		"status": domain.JobStatusDeployed,
	})
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}

	m.recordAudit(ctx, job.OrganizationID, "", "job.deployed", "packaging_job", job.ID,
		fmt.Sprintf("application %s deployed to tenant %s", appID, job.TenantID))
	m.logger.WithFields(logger.Fields{
		logger.FieldJobID:    jobID,
		logger.FieldTenantID: job.TenantID,
	}).Info("Job deployed")
	m.resolved(ctx, jobID)
	return nil
}

// FailJob resolves a job as failed with a stage marker and message. Jobs
// already terminal are left untouched.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job ID.
//   - stage: pipeline stage that failed (trigger, packaging, uploading).
//   - message: human-readable failure reason.
// Returns:
//   - *domain.PackagingJob: the failed record; nil when already terminal.
//   - error: non-nil on storage failure.
func (m *LifecycleManager) FailJob(ctx context.Context, jobID, stage, message string) (*domain.PackagingJob, error) {
	job, err := m.transition(ctx, jobID, domain.ActiveJobStatuses, map[string]interface{}{
		"status":                domain.JobStatusFailed,
		"error_stage":           stage,
		"error_message":         message,
		"packager_id":           nil,
		"packager_heartbeat_at": nil,
	})
	if errors.Is(err, ErrInvalidTransition) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logger.Fields{
		logger.FieldJobID: jobID,
		"error_stage":     stage,
	}).WithField("error_message", message).Warn("Job failed")
	m.resolved(ctx, jobID)
	return job, nil
}

// CancelJob cancels an active job. Remote build cancellation is best effort;
// the local transition is authoritative. Cancelling an already-cancelled job
// succeeds idempotently, cancelling a deployed job is rejected.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job ID.
//   - actor: identity recorded as the canceller.
// Returns:
//   - *domain.PackagingJob: the cancelled record.
//   - error: ErrJobDeployed or ErrInvalidTransition on bad state; other
//     non-nil on storage failure.
func (m *LifecycleManager) CancelJob(ctx context.Context, jobID, actor string) (*domain.PackagingJob, error) {
	job, err := m.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case domain.JobStatusCancelled:
		return job, nil
	case domain.JobStatusDeployed:
		return nil, ErrJobDeployed
	case domain.JobStatusCompleted, domain.JobStatusFailed:
		return nil, fmt.Errorf("%w: job is already %s", ErrInvalidTransition, job.Status)
	}

	log := m.logger.WithFields(logger.Fields{
		logger.FieldJobID:    jobID,
		logger.FieldTenantID: job.TenantID,
	})
	if job.RunID != "" {
		result, err := m.builds.Cancel(ctx, job.RunID)
		if err != nil {
			log.WithError(err).Warn("Remote build cancel failed")
		} else if !result.Success {
			log.WithField("message", result.Message).Warn("Remote build cancel rejected")
		}
	}

	job, err = m.transition(ctx, jobID, domain.ActiveJobStatuses, map[string]interface{}{
		"status":                domain.JobStatusCancelled,
		"cancelled_at":          time.Now().UTC(),
		"cancelled_by":          actor,
		"packager_id":           nil,
		"packager_heartbeat_at": nil,
	})
	if errors.Is(err, ErrInvalidTransition) {
		// Raced with another resolution; report the current state.
		current, getErr := m.jobs.GetByID(ctx, jobID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == domain.JobStatusCancelled {
			return current, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	m.skipLinkedItem(ctx, jobID)
	m.recordAudit(ctx, job.OrganizationID, actor, "job.cancelled", "packaging_job", job.ID, "")
	log.Info("Job cancelled")
	m.resolved(ctx, jobID)
	return job, nil
}

// DismissJob removes a finished job from a user's listing.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job ID.
//   - userID: requesting user; must be the job's creator.
// Returns:
//   - error: ErrNotOwner or ErrNotTerminal on validation failure.
func (m *LifecycleManager) DismissJob(ctx context.Context, jobID, userID string) error {
	job, err := m.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return ErrNotOwner
	}
	if !job.Status.IsTerminal() {
		return ErrNotTerminal
	}
	return m.jobs.DeleteByID(ctx, jobID)
}

// DismissJobsByStatuses bulk-removes a user's finished jobs in the given
// terminal statuses.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: requesting user.
//   - statuses: terminal statuses to clear; empty means all terminal.
// Returns:
//   - int64: number of jobs removed.
//   - error: ErrNotTerminal if a non-terminal status is requested.
func (m *LifecycleManager) DismissJobsByStatuses(ctx context.Context, userID string, statuses []domain.JobStatus) (int64, error) {
	if len(statuses) == 0 {
		statuses = domain.TerminalJobStatuses
	}
	for _, status := range statuses {
		if !status.IsTerminal() {
			return 0, ErrNotTerminal
		}
	}
	return m.jobs.DeleteByUserIDAndStatuses(ctx, userID, statuses)
}

// GetJob retrieves a job by ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job ID.
// Returns:
//   - *domain.PackagingJob: job record if found.
//   - error: non-nil if lookup fails.
func (m *LifecycleManager) GetJob(ctx context.Context, jobID string) (*domain.PackagingJob, error) {
	return m.jobs.GetByID(ctx, jobID)
}

// ListUserJobs retrieves a user's recent jobs.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: creating user's ID.
//   - limit: maximum number of records; values outside 1..200 become 50.
// Returns:
//   - []domain.PackagingJob: matching job records.
//   - error: non-nil if the query fails.
func (m *LifecycleManager) ListUserJobs(ctx context.Context, userID string, limit int) ([]domain.PackagingJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return m.jobs.GetByUserID(ctx, userID, limit)
}

// RecoverStaleJobs sweeps claimed jobs whose worker heartbeat went silent.
// Standalone jobs return to the queue for another worker; batch-linked jobs
// fail so their batch can move on.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - int: number of jobs recovered.
//   - error: non-nil if the stale query fails; per-job failures are logged
//     and skipped.
func (m *LifecycleManager) RecoverStaleJobs(ctx context.Context) (int, error) {
	threshold := time.Now().UTC().Add(-m.cfg.JobStaleAfter)
	stale, err := m.jobs.GetStaleJobs(ctx, threshold)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range stale {
		log := m.logger.WithFields(logger.Fields{
			logger.FieldJobID: job.ID,
		})
		_, err := m.batches.FindItemByJobID(ctx, job.ID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Standalone job: another worker can pick it up.
			if err := m.jobs.ForceRelease(ctx, job.ID); err != nil {
				log.WithError(err).Error("Failed to requeue stale job")
				continue
			}
			log.Warn("Stale job returned to queue")
		case err != nil:
			log.WithError(err).Error("Failed to resolve batch linkage for stale job")
			continue
		default:
			// Batch item: fail it so the batch does not hang on a dead worker.
			if _, err := m.FailJob(ctx, job.ID, "packaging", "timed out waiting for packaging"); err != nil {
				log.WithError(err).Error("Failed to fail stale batch job")
				continue
			}
			log.Warn("Stale batch job failed")
		}
		recovered++
	}
	return recovered, nil
}

// transition applies a guarded status transition with optimistic retries.
// The observed status must be in allowed; the write is preconditioned on that
// observation, so a concurrent transition forces a re-read.
func (m *LifecycleManager) transition(ctx context.Context, jobID string, allowed []domain.JobStatus, fields map[string]interface{}) (*domain.PackagingJob, error) {
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		job, err := m.jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		permitted := false
		for _, status := range allowed {
			if job.Status == status {
				permitted = true
				break
			}
		}
		if !permitted {
			return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, jobID, job.Status)
		}

		err = m.jobs.Update(ctx, jobID, fields, map[string]interface{}{"status": job.Status})
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Someone moved the job between read and write; re-observe.
			continue
		}
		if err != nil {
			return nil, err
		}
		return m.jobs.GetByID(ctx, jobID)
	}
	return nil, fmt.Errorf("%w: job %s kept moving", ErrInvalidTransition, jobID)
}

// skipLinkedItem marks the batch item of a cancelled job as skipped.
func (m *LifecycleManager) skipLinkedItem(ctx context.Context, jobID string) {
	item, err := m.batches.FindItemByJobID(ctx, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	if err != nil {
		m.logger.WithError(err).WithField(logger.FieldJobID, jobID).Warn("Failed to resolve batch item for cancelled job")
		return
	}
	if err := m.batches.UpdateItem(ctx, item.ID, map[string]interface{}{
		"status":        domain.ItemStatusSkipped,
		"error_message": "job cancelled",
		"completed_at":  time.Now().UTC(),
	}); err != nil {
		m.logger.WithError(err).WithField(logger.FieldBatchID, item.BatchID).Warn("Failed to skip batch item")
	}
}

// resolved invokes the terminal-state hook when one is attached.
func (m *LifecycleManager) resolved(ctx context.Context, jobID string) {
	if m.onResolved != nil {
		m.onResolved(ctx, jobID)
	}
}

// recordAudit writes an audit event, logging and swallowing failures.
func (m *LifecycleManager) recordAudit(ctx context.Context, orgID, actor, eventType, resourceType, resourceID, detail string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, &domain.AuditLog{
		OrganizationID: orgID,
		Actor:          actor,
		EventType:      eventType,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Detail:         detail,
	}); err != nil {
		m.logger.WithError(err).WithField("event_type", eventType).Warn("Failed to record audit event")
	}
}
