package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/appdeploy/packpilot/internal/graph"
	"github.com/appdeploy/packpilot/internal/logger"
)

// ProgressFunc receives overall upload progress in percent. Implementations
// must tolerate being called from the uploader goroutine.
type ProgressFunc func(percent int)

// Progress checkpoints for the upload sequence. Block transfer occupies the
// span between progressBlocksStart and progressBlocksEnd, scaled by bytes
// sent.
const (
	progressAppCreated     = 3
	progressVersionCreated = 5
	progressFileCreated    = 8
	progressBlocksStart    = 10
	progressBlocksEnd      = 85
	progressFileCommitted  = 87
	progressProcessed      = 90
	progressVersionSet     = 95
	progressRulesSet       = 98
	progressDone           = 100
)

// UploaderConfig holds the chunked-upload protocol knobs.
type UploaderConfig struct {
	ChunkSizeBytes      int64
	URIPollAttempts     int
	URIPollInterval     time.Duration
	ProcessPollAttempts int
	ProcessPollInterval time.Duration
}

// ContentUploader drives the multi-step content publication sequence against
// the management API: app shell, content version, content file, block
// transfer, commit, and detection rules. The sequence is strictly ordered;
// any failed step aborts the remainder.
type ContentUploader struct {
	graph  *graph.Client
	blob   *graph.BlobClient
	cfg    UploaderConfig
	logger *logger.Logger
}

// NewContentUploader creates a new content uploader.
// Parameters:
//   - graphClient: management API client.
//   - blobClient: blob store client for block transfer.
//   - cfg: protocol configuration; zero values take defaults.
//   - log: structured logger.
// Returns:
//   - *ContentUploader: initialized uploader.
func NewContentUploader(graphClient *graph.Client, blobClient *graph.BlobClient, cfg UploaderConfig, log *logger.Logger) *ContentUploader {
	if cfg.ChunkSizeBytes <= 0 {
		cfg.ChunkSizeBytes = 6 * 1024 * 1024
	}
	if cfg.URIPollAttempts <= 0 {
		cfg.URIPollAttempts = 60
	}
	if cfg.URIPollInterval <= 0 {
		cfg.URIPollInterval = 2 * time.Second
	}
	if cfg.ProcessPollAttempts <= 0 {
		cfg.ProcessPollAttempts = 120
	}
	if cfg.ProcessPollInterval <= 0 {
		cfg.ProcessPollInterval = 5 * time.Second
	}
	return &ContentUploader{
		graph:  graphClient,
		blob:   blobClient,
		cfg:    cfg,
		logger: log,
	}
}

// Upload publishes an encrypted bundle as a deployable application in the
// job's tenant.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: the job being uploaded; supplies tenant, naming, encryption
//     descriptor, and detection rules.
//   - bundlePath: local path of the encrypted bundle file.
//   - report: progress sink; nil disables reporting.
// Returns:
//   - string: the created application ID.
//   - error: non-nil on the first failed step; nothing after it ran.
func (u *ContentUploader) Upload(ctx context.Context, job *domain.PackagingJob, bundlePath string, report ProgressFunc) (string, error) {
	if job.Encryption == nil {
		return "", fmt.Errorf("job %s has no encryption descriptor", job.ID)
	}
	if report == nil {
		report = func(int) {}
	}

	log := u.logger.WithFields(logger.Fields{
		logger.FieldJobID:    job.ID,
		logger.FieldTenantID: job.TenantID,
	})

	info, err := os.Stat(bundlePath)
	if err != nil {
		return "", fmt.Errorf("stat bundle: %w", err)
	}
	size := info.Size()

	displayName := job.DisplayName
	if displayName == "" {
		displayName = job.WingetID
	}

	appID, err := u.graph.CreateApp(ctx, job.TenantID, &graph.AppRequest{
		DisplayName: fmt.Sprintf("%s %s", displayName, job.Version),
		Description: fmt.Sprintf("Packaged from %s %s", job.WingetID, job.Version),
		FileName:    filepath.Base(bundlePath),
		Notes:       "Managed by packpilot",
	})
	if err != nil {
		return "", err
	}
	report(progressAppCreated)
	log = log.WithField("app_id", appID)
	log.Info("Application shell created")

	versionID, err := u.graph.CreateContentVersion(ctx, job.TenantID, appID)
	if err != nil {
		return appID, err
	}
	report(progressVersionCreated)

	fileID, err := u.graph.CreateContentFile(ctx, job.TenantID, appID, versionID, filepath.Base(bundlePath), size, size)
	if err != nil {
		return appID, err
	}
	report(progressFileCreated)

	storageURI, err := u.waitForStorageURI(ctx, job.TenantID, appID, versionID, fileID)
	if err != nil {
		return appID, err
	}
	report(progressBlocksStart)

	if err := u.transferBlocks(ctx, storageURI, bundlePath, size, report); err != nil {
		return appID, err
	}
	log.WithField(logger.FieldSize, size).Info("Bundle blocks transferred")

	if err := u.graph.CommitContentFile(ctx, job.TenantID, appID, versionID, fileID, job.Encryption); err != nil {
		return appID, err
	}
	report(progressFileCommitted)

	if err := u.waitForCommitProcessing(ctx, job.TenantID, appID, versionID, fileID); err != nil {
		return appID, err
	}
	report(progressProcessed)

	if err := u.graph.SetCommittedContentVersion(ctx, job.TenantID, appID, versionID); err != nil {
		return appID, err
	}
	report(progressVersionSet)

	rules := job.DetectionRules
	if len(rules) == 0 {
		rules = defaultDetectionRules(displayName)
	}
	if err := u.graph.SetDetectionRules(ctx, job.TenantID, appID, rules); err != nil {
		return appID, err
	}
	report(progressRulesSet)

	report(progressDone)
	log.Info("Content upload finished")
	return appID, nil
}

// waitForStorageURI polls the content file descriptor until the management
// API hands out an upload location.
func (u *ContentUploader) waitForStorageURI(ctx context.Context, tenantID, appID, versionID, fileID string) (string, error) {
	for attempt := 0; attempt < u.cfg.URIPollAttempts; attempt++ {
		file, err := u.graph.GetContentFile(ctx, tenantID, appID, versionID, fileID)
		if err != nil {
			return "", err
		}
		switch file.UploadState {
		case graph.UploadStateURISuccess:
			if file.AzureStorageURI == "" {
				return "", fmt.Errorf("storage location ready but URI missing for file %s", fileID)
			}
			return file.AzureStorageURI, nil
		case graph.UploadStateURIFailed:
			return "", fmt.Errorf("storage location request failed for file %s", fileID)
		}
		if err := sleepCtx(ctx, u.cfg.URIPollInterval); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("timed out waiting for storage location for file %s", fileID)
}

// transferBlocks streams the bundle to the blob store in fixed-size blocks
// and commits the ordered block list.
func (u *ContentUploader) transferBlocks(ctx context.Context, storageURI, bundlePath string, size int64, report ProgressFunc) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	var blockIDs []string
	var sent int64
	buf := make([]byte, u.cfg.ChunkSizeBytes)
	for i := 0; ; i++ {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			blockID := graph.BlockID(i)
			if err := u.blob.PutBlock(ctx, storageURI, blockID, buf[:n]); err != nil {
				return err
			}
			blockIDs = append(blockIDs, blockID)
			sent += int64(n)
			if size > 0 {
				span := progressBlocksEnd - progressBlocksStart
				report(progressBlocksStart + int(float64(span)*float64(sent)/float64(size)))
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read bundle: %w", err)
		}
	}

	if len(blockIDs) == 0 {
		return fmt.Errorf("bundle %s is empty", filepath.Base(bundlePath))
	}
	return u.blob.CommitBlockList(ctx, storageURI, blockIDs)
}

// waitForCommitProcessing polls the content file descriptor until the backend
// finishes processing the committed blob.
func (u *ContentUploader) waitForCommitProcessing(ctx context.Context, tenantID, appID, versionID, fileID string) error {
	for attempt := 0; attempt < u.cfg.ProcessPollAttempts; attempt++ {
		file, err := u.graph.GetContentFile(ctx, tenantID, appID, versionID, fileID)
		if err != nil {
			return err
		}
		switch file.UploadState {
		case graph.UploadStateCommitSuccess:
			return nil
		case graph.UploadStateCommitFailed:
			return fmt.Errorf("commit processing failed for file %s", fileID)
		}
		if err := sleepCtx(ctx, u.cfg.ProcessPollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("timed out waiting for commit processing for file %s", fileID)
}

// defaultDetectionRules builds the fallback file-exists rule applied when a
// job carries no explicit detection rules.
func defaultDetectionRules(displayName string) domain.DetectionRules {
	return domain.DetectionRules{
		{
			Type:     domain.DetectionRuleFile,
			Path:     fmt.Sprintf(`%%ProgramFiles%%\%s`, displayName),
			FileName: displayName + ".exe",
		},
	}
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
