package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/appdeploy/packpilot/internal/logger"
	"github.com/appdeploy/packpilot/internal/repository"
	"gorm.io/gorm"
)

// ErrBatchFinished is returned when cancellation targets a batch that already
// reached a terminal state.
var ErrBatchFinished = errors.New("batch is already finished")

// CreateBatchRequest carries the inputs for a multi-tenant batch deployment.
type CreateBatchRequest struct {
	OrganizationID   string   `json:"organization_id" binding:"required"`
	WingetID         string   `json:"winget_id" binding:"required"`
	Version          string   `json:"version" binding:"required"`
	DisplayName      string   `json:"display_name"`
	TenantIDs        []string `json:"tenant_ids" binding:"required"`
	ConcurrencyLimit int      `json:"concurrency_limit"`
	CreatedBy        string   `json:"created_by"`
}

// BatchDetail bundles a batch with its per-tenant items for read endpoints.
type BatchDetail struct {
	Batch *domain.BatchDeployment      `json:"batch"`
	Items []domain.BatchDeploymentItem `json:"items"`
}

// OrchestratorConfig holds orchestration knobs.
type OrchestratorConfig struct {
	ItemStaleAfter time.Duration
}

// Orchestrator fans a batch deployment out into per-tenant packaging jobs,
// holding the number of in-flight items at or below the batch's concurrency
// limit. It is driven from two directions: periodic passes from the scheduler
// and per-job resolution callbacks from the lifecycle manager. Both paths
// converge on the same guarded repository transitions, so overlapping
// invocations settle on a single outcome.
type Orchestrator struct {
	batches   *repository.BatchRepository
	lifecycle *LifecycleManager
	lookup    InstallerLookup
	consent   ConsentVerifier
	notify    Notifier
	audit     AuditSink
	logger    *logger.Logger
	cfg       OrchestratorConfig
}

// NewOrchestrator creates a new batch orchestrator.
// Parameters:
//   - batches: batch repository.
//   - lifecycle: job lifecycle manager used to start and resolve jobs.
//   - lookup: installer metadata source for pre-flight checks.
//   - consent: tenant consent verifier for pre-flight checks.
//   - notify: completion notification sink.
//   - audit: audit event sink.
//   - cfg: orchestration configuration.
//   - log: structured logger.
// Returns:
//   - *Orchestrator: initialized orchestrator.
func NewOrchestrator(batches *repository.BatchRepository, lifecycle *LifecycleManager, lookup InstallerLookup, consent ConsentVerifier, notify Notifier, audit AuditSink, cfg OrchestratorConfig, log *logger.Logger) *Orchestrator {
	if cfg.ItemStaleAfter <= 0 {
		cfg.ItemStaleAfter = 45 * time.Minute
	}
	return &Orchestrator{
		batches:   batches,
		lifecycle: lifecycle,
		lookup:    lookup,
		consent:   consent,
		notify:    notify,
		audit:     audit,
		logger:    log,
		cfg:       cfg,
	}
}

// CreateBatch validates and persists a batch deployment with one pending item
// per tenant. The batch starts on the next orchestrator pass.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: batch inputs.
// Returns:
//   - *domain.BatchDeployment: the stored batch in pending state.
//   - error: non-nil on validation or storage failure.
func (o *Orchestrator) CreateBatch(ctx context.Context, req *CreateBatchRequest) (*domain.BatchDeployment, error) {
	tenants := dedupe(req.TenantIDs)

	limit := req.ConcurrencyLimit
	if limit == 0 {
		limit = 3
	}
	if limit < domain.MinConcurrency {
		limit = domain.MinConcurrency
	}
	if limit > domain.MaxConcurrency {
		limit = domain.MaxConcurrency
	}

	batch := &domain.BatchDeployment{
		OrganizationID:   req.OrganizationID,
		WingetID:         req.WingetID,
		Version:          req.Version,
		DisplayName:      req.DisplayName,
		ConcurrencyLimit: limit,
		CreatedBy:        req.CreatedBy,
	}
	batch, err := o.batches.CreateWithItems(ctx, batch, tenants)
	if err != nil {
		return nil, err
	}

	o.recordAudit(ctx, batch.OrganizationID, req.CreatedBy, "batch.created", batch.ID,
		fmt.Sprintf("%s %s to %d tenants", batch.WingetID, batch.Version, batch.TotalTenants))
	o.logger.WithFields(logger.Fields{
		logger.FieldBatchID: batch.ID,
		logger.FieldCount:   batch.TotalTenants,
	}).Info("Batch deployment created")
	return batch, nil
}

// ProcessPendingBatches starts every pending batch: the guarded transition to
// in_progress, the first wave of items, and terminal settlement for batches
// with nothing to do.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - error: non-nil if the pending listing fails; per-batch failures are
//     logged and skipped.
func (o *Orchestrator) ProcessPendingBatches(ctx context.Context) error {
	pending, err := o.batches.ListByStatus(ctx, domain.BatchStatusPending)
	if err != nil {
		return err
	}
	for i := range pending {
		batch := &pending[i]
		applied, err := o.batches.MarkInProgress(ctx, batch.ID)
		if err != nil {
			o.logger.WithError(err).WithField(logger.FieldBatchID, batch.ID).Error("Failed to start batch")
			continue
		}
		if !applied {
			// Another pass or a cancellation got there first.
			continue
		}
		o.logger.WithField(logger.FieldBatchID, batch.ID).Info("Batch started")
		if err := o.StartBatchItems(ctx, batch); err != nil {
			o.logger.WithError(err).WithField(logger.FieldBatchID, batch.ID).Error("Failed to start batch items")
		}
		if err := o.AdvanceBatch(ctx, batch.ID); err != nil {
			o.logger.WithError(err).WithField(logger.FieldBatchID, batch.ID).Error("Failed to advance batch")
		}
	}
	return nil
}

// StartBatchItems admits pending items up to the batch's concurrency limit.
// Each admitted item gets a pre-flight check (installer present, tenant
// consent granted) and, on success, a dispatched packaging job. One item's
// failure never blocks its siblings.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batch: the batch to fill; its concurrency limit bounds admissions.
// Returns:
//   - error: non-nil on a storage or metadata-source failure affecting the
//     whole pass.
func (o *Orchestrator) StartBatchItems(ctx context.Context, batch *domain.BatchDeployment) error {
	inFlight, err := o.batches.CountItemsByStatus(ctx, batch.ID, domain.ItemStatusInProgress)
	if err != nil {
		return err
	}
	slots := batch.ConcurrencyLimit - int(inFlight)
	if slots <= 0 {
		return nil
	}

	items, err := o.batches.PendingItems(ctx, batch.ID, slots)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	// One lookup serves the whole wave; the installer does not vary by tenant.
	meta, err := o.lookup.Lookup(ctx, batch.WingetID, batch.Version)
	if err != nil {
		return err
	}

	for i := range items {
		item := &items[i]
		if meta == nil {
			o.failItem(ctx, item, fmt.Sprintf("no installer found for %s %s", batch.WingetID, batch.Version), nil)
			continue
		}
		o.startItem(ctx, batch, item, meta)
	}
	return nil
}

// startItem runs pre-flight checks for one tenant and dispatches its job.
func (o *Orchestrator) startItem(ctx context.Context, batch *domain.BatchDeployment, item *domain.BatchDeploymentItem, meta *domain.InstallerMetadata) {
	log := o.logger.WithFields(logger.Fields{
		logger.FieldBatchID:  batch.ID,
		logger.FieldTenantID: item.TenantID,
	})

	status, err := o.consent.VerifyTenantConsent(ctx, item.TenantID)
	if err != nil {
		log.WithError(err).Warn("Consent verification failed")
		o.failItem(ctx, item, fmt.Sprintf("consent verification failed: %v", err), nil)
		return
	}
	if !status.Verified {
		o.failItem(ctx, item, fmt.Sprintf("tenant consent not verified: %s", status.Reason), nil)
		return
	}

	job, err := o.lifecycle.StartJob(ctx, &domain.PackagingJob{
		TenantID:       item.TenantID,
		UserID:         batch.CreatedBy,
		OrganizationID: batch.OrganizationID,
		WingetID:       batch.WingetID,
		Version:        batch.Version,
		DisplayName:    batch.DisplayName,
		InstallScope:   meta.Scope,
	}, meta)
	if err != nil {
		var jobID *string
		if job != nil {
			jobID = &job.ID
		}
		log.WithError(err).Warn("Failed to dispatch batch item job")
		o.failItem(ctx, item, err.Error(), jobID)
		return
	}

	if err := o.batches.UpdateItem(ctx, item.ID, map[string]interface{}{
		"status":           domain.ItemStatusInProgress,
		"packaging_job_id": job.ID,
		"started_at":       time.Now().UTC(),
	}); err != nil {
		log.WithError(err).Error("Failed to mark batch item in progress")
		return
	}
	log.WithField(logger.FieldJobID, job.ID).Info("Batch item started")
}

// OnJobResolved is the lifecycle manager's terminal-state hook. For
// batch-linked jobs it settles the owning item, backfills the freed slot, and
// advances the batch; jobs created outside batch context are ignored.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: the job that reached a terminal state.
// Returns: none; failures are logged.
func (o *Orchestrator) OnJobResolved(ctx context.Context, jobID string) {
	item, err := o.batches.FindItemByJobID(ctx, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	if err != nil {
		o.logger.WithError(err).WithField(logger.FieldJobID, jobID).Error("Failed to resolve batch linkage")
		return
	}

	job, err := o.lifecycle.GetJob(ctx, jobID)
	if err != nil {
		o.logger.WithError(err).WithField(logger.FieldJobID, jobID).Error("Failed to load resolved job")
		return
	}

	if item.Status == domain.ItemStatusInProgress || item.Status == domain.ItemStatusPending {
		fields := map[string]interface{}{"completed_at": time.Now().UTC()}
		switch job.Status {
		case domain.JobStatusCompleted, domain.JobStatusDeployed:
			fields["status"] = domain.ItemStatusCompleted
		case domain.JobStatusCancelled:
			fields["status"] = domain.ItemStatusSkipped
			fields["error_message"] = "job cancelled"
		default:
			fields["status"] = domain.ItemStatusFailed
			fields["error_message"] = job.ErrorMessage
		}
		if err := o.batches.UpdateItem(ctx, item.ID, fields); err != nil {
			o.logger.WithError(err).WithField(logger.FieldBatchID, item.BatchID).Error("Failed to settle batch item")
			return
		}
	}

	batch, err := o.batches.GetByID(ctx, item.BatchID)
	if err != nil {
		o.logger.WithError(err).WithField(logger.FieldBatchID, item.BatchID).Error("Failed to load batch")
		return
	}
	if batch.Status == domain.BatchStatusInProgress {
		if err := o.StartBatchItems(ctx, batch); err != nil {
			o.logger.WithError(err).WithField(logger.FieldBatchID, batch.ID).Error("Failed to backfill batch items")
		}
	}
	if err := o.AdvanceBatch(ctx, batch.ID); err != nil {
		o.logger.WithError(err).WithField(logger.FieldBatchID, batch.ID).Error("Failed to advance batch")
	}
}

// AdvanceBatch refreshes a batch's aggregate counts and applies the terminal
// transition once every item has settled. A batch fails only when every item
// failed or was skipped; a single success completes it. The guarded Finish
// keeps the completion notification single-shot.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID: batch to advance.
// Returns:
//   - error: non-nil on storage failure.
func (o *Orchestrator) AdvanceBatch(ctx context.Context, batchID string) error {
	batch, err := o.batches.GetByID(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status != domain.BatchStatusInProgress {
		return nil
	}

	items, err := o.batches.ListItems(ctx, batchID)
	if err != nil {
		return err
	}

	var completed, failed, unresolved int
	for _, item := range items {
		switch item.Status {
		case domain.ItemStatusCompleted:
			completed++
		case domain.ItemStatusFailed, domain.ItemStatusSkipped:
			failed++
		default:
			unresolved++
		}
	}

	if unresolved > 0 {
		return o.batches.UpdateCounts(ctx, batchID, completed, failed)
	}

	final := domain.BatchStatusCompleted
	if completed == 0 {
		// Nothing succeeded; an empty batch lands here too.
		final = domain.BatchStatusFailed
	}
	applied, err := o.batches.Finish(ctx, batchID, final, completed, failed)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	o.logger.WithFields(logger.Fields{
		logger.FieldBatchID: batchID,
		logger.FieldStatus:  final,
		"completed_tenants": completed,
		"failed_tenants":    failed,
	}).Info("Batch finished")
	o.notify.Notify(ctx, batch.OrganizationID, "batch_deployment."+string(final), map[string]interface{}{
		"batch_id":          batchID,
		"winget_id":         batch.WingetID,
		"version":           batch.Version,
		"total_tenants":     batch.TotalTenants,
		"completed_tenants": completed,
		"failed_tenants":    failed,
	})
	o.recordAudit(ctx, batch.OrganizationID, "", "batch."+string(final), batchID,
		fmt.Sprintf("%d completed, %d failed of %d tenants", completed, failed, batch.TotalTenants))
	return nil
}

// AdvanceInProgressBatches sweeps running batches: items stuck in flight past
// the staleness threshold are failed, freed slots are backfilled, and
// finished batches are settled.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - error: non-nil if the batch listing fails; per-batch failures are
//     logged and skipped.
func (o *Orchestrator) AdvanceInProgressBatches(ctx context.Context) error {
	running, err := o.batches.ListByStatus(ctx, domain.BatchStatusInProgress)
	if err != nil {
		return err
	}
	threshold := time.Now().UTC().Add(-o.cfg.ItemStaleAfter)

	for i := range running {
		batch := &running[i]
		stale, err := o.batches.StaleInProgressItems(ctx, batch.ID, threshold)
		if err != nil {
			o.logger.WithError(err).WithField(logger.FieldBatchID, batch.ID).Error("Failed to query stale items")
			continue
		}
		for j := range stale {
			o.failStaleItem(ctx, &stale[j])
		}
		if err := o.StartBatchItems(ctx, batch); err != nil {
			o.logger.WithError(err).WithField(logger.FieldBatchID, batch.ID).Error("Failed to backfill batch items")
		}
		if err := o.AdvanceBatch(ctx, batch.ID); err != nil {
			o.logger.WithError(err).WithField(logger.FieldBatchID, batch.ID).Error("Failed to advance batch")
		}
	}
	return nil
}

// failStaleItem resolves one stuck item, failing its linked job when that job
// is still active.
func (o *Orchestrator) failStaleItem(ctx context.Context, item *domain.BatchDeploymentItem) {
	log := o.logger.WithFields(logger.Fields{
		logger.FieldBatchID:  item.BatchID,
		logger.FieldTenantID: item.TenantID,
	})

	if item.PackagingJobID != nil {
		failed, err := o.lifecycle.FailJob(ctx, *item.PackagingJobID, "packaging", "timed out waiting for packaging")
		if err != nil {
			log.WithError(err).Error("Failed to fail stale item job")
			return
		}
		if failed != nil {
			// FailJob's resolution hook settles the item.
			log.Warn("Stale batch item job failed")
			return
		}
		// Job already terminal but the item never settled; fall through.
	}

	if err := o.batches.UpdateItem(ctx, item.ID, map[string]interface{}{
		"status":        domain.ItemStatusFailed,
		"error_message": "timed out waiting for packaging",
		"completed_at":  time.Now().UTC(),
	}); err != nil {
		log.WithError(err).Error("Failed to settle stale batch item")
		return
	}
	log.Warn("Stale batch item failed")
}

// CancelBatch cancels a batch: the batch record first, then pending items are
// skipped and in-flight jobs are cancelled through the lifecycle manager.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID: batch to cancel.
//   - actor: identity recorded as the canceller.
// Returns:
//   - *domain.BatchDeployment: the cancelled batch.
//   - error: ErrBatchFinished when the batch already reached a terminal
//     state; other non-nil on storage failure.
func (o *Orchestrator) CancelBatch(ctx context.Context, batchID, actor string) (*domain.BatchDeployment, error) {
	applied, err := o.batches.Cancel(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !applied {
		batch, err := o.batches.GetByID(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if batch.Status == domain.BatchStatusCancelled {
			return batch, nil
		}
		return nil, ErrBatchFinished
	}

	items, err := o.batches.ListItems(ctx, batchID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		item := &items[i]
		switch item.Status {
		case domain.ItemStatusPending:
			if err := o.batches.UpdateItem(ctx, item.ID, map[string]interface{}{
				"status":        domain.ItemStatusSkipped,
				"error_message": "batch cancelled",
				"completed_at":  time.Now().UTC(),
			}); err != nil {
				o.logger.WithError(err).WithField(logger.FieldBatchID, batchID).Error("Failed to skip pending item")
			}
		case domain.ItemStatusInProgress:
			if item.PackagingJobID == nil {
				continue
			}
			if _, err := o.lifecycle.CancelJob(ctx, *item.PackagingJobID, actor); err != nil {
				o.logger.WithError(err).WithFields(logger.Fields{
					logger.FieldBatchID: batchID,
					logger.FieldJobID:   *item.PackagingJobID,
				}).Warn("Failed to cancel batch item job")
			}
		}
	}

	batch, err := o.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	o.recordAudit(ctx, batch.OrganizationID, actor, "batch.cancelled", batchID, "")
	o.logger.WithField(logger.FieldBatchID, batchID).Info("Batch cancelled")
	return batch, nil
}

// GetBatchDetail retrieves a batch with its per-tenant items.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batchID: batch ID.
// Returns:
//   - *BatchDetail: batch and items.
//   - error: non-nil if lookup fails.
func (o *Orchestrator) GetBatchDetail(ctx context.Context, batchID string) (*BatchDetail, error) {
	batch, err := o.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	items, err := o.batches.ListItems(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &BatchDetail{Batch: batch, Items: items}, nil
}

// ListBatches retrieves an organization's batches, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - orgID: organization ID.
//   - limit: maximum number of records; values outside 1..200 become 50.
// Returns:
//   - []domain.BatchDeployment: matching batch records.
//   - error: non-nil if the query fails.
func (o *Orchestrator) ListBatches(ctx context.Context, orgID string, limit int) ([]domain.BatchDeployment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return o.batches.ListByOrganization(ctx, orgID, limit)
}

// failItem settles one item as failed, optionally linking the job that was
// created for it before dispatch broke.
func (o *Orchestrator) failItem(ctx context.Context, item *domain.BatchDeploymentItem, message string, jobID *string) {
	fields := map[string]interface{}{
		"status":        domain.ItemStatusFailed,
		"error_message": message,
		"completed_at":  time.Now().UTC(),
	}
	if jobID != nil {
		fields["packaging_job_id"] = *jobID
	}
	if err := o.batches.UpdateItem(ctx, item.ID, fields); err != nil {
		o.logger.WithError(err).WithField(logger.FieldBatchID, item.BatchID).Error("Failed to fail batch item")
		return
	}
	o.logger.WithFields(logger.Fields{
		logger.FieldBatchID:  item.BatchID,
		logger.FieldTenantID: item.TenantID,
	}).WithField("error_message", message).Warn("Batch item failed")
}

// recordAudit writes an audit event, logging and swallowing failures.
func (o *Orchestrator) recordAudit(ctx context.Context, orgID, actor, eventType, resourceID, detail string) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Record(ctx, &domain.AuditLog{
		OrganizationID: orgID,
		Actor:          actor,
		EventType:      eventType,
		ResourceType:   "batch_deployment",
		ResourceID:     resourceID,
		Detail:         detail,
	}); err != nil {
		o.logger.WithError(err).WithField("event_type", eventType).Warn("Failed to record audit event")
	}
}

// dedupe removes duplicate tenant IDs, preserving first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
