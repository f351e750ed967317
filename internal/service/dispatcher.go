package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/appdeploy/packpilot/internal/logger"
	"github.com/appdeploy/packpilot/internal/repository"
	"github.com/appdeploy/packpilot/internal/storage"
)

// DispatcherConfig holds upload dispatcher configuration.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	TempDir   string
}

// UploadDispatcher runs content uploads on a bounded worker pool. Jobs enter
// through the lifecycle manager's upload hook when a packaging callback
// succeeds; ResumePendingUploads re-enqueues jobs left in uploading state by
// a restart.
type UploadDispatcher struct {
	uploader  *ContentUploader
	store     storage.BundleStore
	jobs      *repository.JobRepository
	lifecycle *LifecycleManager
	logger    *logger.Logger
	cfg       DispatcherConfig

	queue chan string
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewUploadDispatcher creates a new upload dispatcher.
// Parameters:
//   - uploader: content uploader executing the publication sequence.
//   - store: bundle store the packager workers staged bundles in.
//   - jobs: job repository for progress writes.
//   - lifecycle: lifecycle manager for terminal resolution.
//   - cfg: dispatcher configuration; zero values take defaults.
//   - log: structured logger.
// Returns:
//   - *UploadDispatcher: initialized dispatcher, not yet started.
func NewUploadDispatcher(uploader *ContentUploader, store storage.BundleStore, jobs *repository.JobRepository, lifecycle *LifecycleManager, cfg DispatcherConfig, log *logger.Logger) *UploadDispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &UploadDispatcher{
		uploader:  uploader,
		store:     store,
		jobs:      jobs,
		lifecycle: lifecycle,
		logger:    log,
		cfg:       cfg,
		queue:     make(chan string, cfg.QueueSize),
	}
}

// Start launches the worker pool.
// Parameters:
//   - ctx: context governing all worker activity; cancelling it drains the
//     pool.
// Returns: none.
func (d *UploadDispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.logger.WithField(logger.FieldCount, d.cfg.Workers).Info("Upload dispatcher started")
}

// Stop closes the queue and waits for in-flight uploads to finish.
// Parameters: none.
// Returns: none.
func (d *UploadDispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.queue)
	d.wg.Wait()
	d.logger.Info("Upload dispatcher stopped")
}

// Enqueue hands a job to the pool. Non-blocking: when the queue is full the
// job is left in uploading state for the resume sweep to pick up.
// Parameters:
//   - job: job in uploading state.
// Returns: none.
func (d *UploadDispatcher) Enqueue(job *domain.PackagingJob) {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return
	}

	select {
	case d.queue <- job.ID:
	default:
		d.logger.WithField(logger.FieldJobID, job.ID).Warn("Upload queue full, deferring job to resume sweep")
	}
}

// ResumePendingUploads re-enqueues jobs sitting in uploading state, typically
// after a restart interrupted their upload.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - int: number of jobs enqueued.
//   - error: non-nil if the query fails.
func (d *UploadDispatcher) ResumePendingUploads(ctx context.Context) (int, error) {
	jobs, err := d.jobs.GetByStatus(ctx, domain.JobStatusUploading, d.cfg.QueueSize, "asc")
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		d.Enqueue(&jobs[i])
	}
	return len(jobs), nil
}

// worker drains the queue until it closes or the context ends.
func (d *UploadDispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	log := d.logger.WithField(logger.FieldWorkerID, fmt.Sprintf("uploader-%d", id))
	for {
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(ctx, jobID, log)
		}
	}
}

// process runs one job's upload end to end.
func (d *UploadDispatcher) process(ctx context.Context, jobID string, log *logger.Logger) {
	job, err := d.jobs.GetByID(ctx, jobID)
	if err != nil {
		log.WithError(err).WithField(logger.FieldJobID, jobID).Error("Failed to load job for upload")
		return
	}
	if job.Status != domain.JobStatusUploading {
		// Cancelled or already handled elsewhere.
		return
	}
	log = log.WithFields(logger.Fields{
		logger.FieldJobID:    job.ID,
		logger.FieldTenantID: job.TenantID,
	})

	if job.BundleKey == "" {
		d.failUpload(ctx, job.ID, "job has no staged bundle", log)
		return
	}

	tempDir := d.cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	bundlePath := filepath.Join(tempDir, fmt.Sprintf("bundle-%s.intunewin", job.ID))
	defer os.Remove(bundlePath)

	started := time.Now()
	size, err := d.store.DownloadToFile(ctx, job.BundleKey, bundlePath)
	if err != nil {
		d.failUpload(ctx, job.ID, fmt.Sprintf("failed to fetch staged bundle: %v", err), log)
		return
	}
	log.WithField(logger.FieldSize, size).Info("Staged bundle fetched")

	appID, err := d.uploader.Upload(ctx, job, bundlePath, func(percent int) {
		// Guarded on uploading so a concurrent cancel's state wins.
		_ = d.jobs.Update(ctx, job.ID, map[string]interface{}{
			"progress_percent": percent,
		}, map[string]interface{}{"status": domain.JobStatusUploading})
	})
	if err != nil {
		d.failUpload(ctx, job.ID, err.Error(), log)
		return
	}

	if err := d.lifecycle.CompleteUpload(ctx, job.ID, appID); err != nil {
		log.WithError(err).Error("Failed to resolve uploaded job")
		return
	}

	if err := d.store.Delete(ctx, job.BundleKey); err != nil {
		log.WithError(err).Warn("Failed to delete staged bundle")
	}
	log.WithField(logger.FieldDurationMs, time.Since(started).Milliseconds()).Info("Upload finished")
}

// failUpload resolves a job whose upload broke.
func (d *UploadDispatcher) failUpload(ctx context.Context, jobID, message string, log *logger.Logger) {
	if _, err := d.lifecycle.FailJob(ctx, jobID, "uploading", message); err != nil {
		log.WithError(err).Error("Failed to fail upload job")
		return
	}
	log.WithField("error_message", message).Warn("Upload failed")
}
