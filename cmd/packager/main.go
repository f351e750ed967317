// Command packager is the worker agent that claims queued packaging jobs,
// runs the packaging toolchain on them, stages the resulting bundle in object
// storage, and reports the outcome back through the API's callback endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/appdeploy/packpilot/internal/config"
	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/appdeploy/packpilot/internal/logger"
	"github.com/appdeploy/packpilot/internal/storage"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// heartbeatInterval is how often a held claim is refreshed; it must stay well
// under the server's staleness threshold.
const heartbeatInterval = 30 * time.Second

// packagingResult is what the packaging script writes next to the bundle when
// it finishes.
type packagingResult struct {
	BundlePath     string                 `json:"bundle_path"`
	Encryption     *domain.EncryptionInfo `json:"encryption"`
	DetectionRules domain.DetectionRules  `json:"detection_rules"`
}

type agent struct {
	api      *resty.Client
	store    *storage.S3Store
	workerID string
	script   string
	workDir  string
	logger   *logger.Logger
}

func main() {
	var (
		apiBase      = flag.String("api", "http://localhost:8080", "base URL of the packpilot API")
		workerID     = flag.String("worker-id", "", "stable worker identity; generated when empty")
		script       = flag.String("script", "./package.sh", "packaging script to run per job")
		workDir      = flag.String("work-dir", "", "scratch directory; defaults to the system temp dir")
		pollInterval = flag.Duration("poll", 15*time.Second, "claim poll interval when the queue is empty")
	)
	flag.Parse()

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.NewFromEnv()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	id := *workerID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}

	store, err := storage.NewS3Store(&storage.S3Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize bundle storage")
	}

	dir := *workDir
	if dir == "" {
		dir = os.TempDir()
	}

	a := &agent{
		api:      resty.New().SetBaseURL(*apiBase).SetTimeout(30 * time.Second),
		store:    store,
		workerID: id,
		script:   *script,
		workDir:  dir,
		logger:   appLogger.WithField(logger.FieldWorkerID, id),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		a.logger.Info("Shutting down after current job")
		cancel()
	}()

	a.logger.Info("Packager agent started")
	a.run(ctx, *pollInterval)
	a.logger.Info("Packager agent exited")
}

// run is the claim loop: claim, process, repeat; idle-sleep when the queue is
// empty.
func (a *agent) run(ctx context.Context, pollInterval time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := a.claim(ctx)
		if err != nil {
			a.logger.WithError(err).Warn("Claim attempt failed")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		a.process(ctx, job)
	}
}

// claim asks the API for the oldest queued job. A nil job means the queue is
// empty.
func (a *agent) claim(ctx context.Context) (*domain.PackagingJob, error) {
	var job domain.PackagingJob
	resp, err := a.api.R().SetContext(ctx).
		SetBody(map[string]string{"worker_id": a.workerID}).
		SetResult(&job).
		Post("/api/v1/worker/claims")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("claim rejected: %d: %s", resp.StatusCode(), resp.String())
	}
	return &job, nil
}

// process runs one claimed job end to end: heartbeats, the packaging script,
// bundle staging, and the completion callback.
func (a *agent) process(ctx context.Context, job *domain.PackagingJob) {
	log := a.logger.WithFields(logger.Fields{
		logger.FieldJobID:    job.ID,
		logger.FieldTenantID: job.TenantID,
	})
	log.Info("Processing job")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go a.heartbeatLoop(hbCtx, job.ID, log)

	result, err := a.runScript(ctx, job, log)
	if err != nil {
		log.WithError(err).Error("Packaging failed")
		a.report(ctx, job.ID, "failure", err.Error(), "", nil, nil)
		return
	}

	a.reportProgress(ctx, job.ID, 80)

	bundleKey := fmt.Sprintf("bundles/%s.intunewin", job.ID)
	if err := a.stageBundle(ctx, result.BundlePath, bundleKey); err != nil {
		log.WithError(err).Error("Bundle staging failed")
		a.report(ctx, job.ID, "failure", fmt.Sprintf("failed to stage bundle: %v", err), "", nil, nil)
		return
	}
	a.reportProgress(ctx, job.ID, 100)

	a.report(ctx, job.ID, "success", "", bundleKey, result.Encryption, result.DetectionRules)
	log.Info("Job packaged and staged")
}

// heartbeatLoop refreshes the claim until its context is cancelled.
func (a *agent) heartbeatLoop(ctx context.Context, jobID string, log *logger.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := a.api.R().SetContext(ctx).
				SetBody(map[string]string{"worker_id": a.workerID}).
				Post(fmt.Sprintf("/api/v1/worker/jobs/%s/heartbeat", jobID))
			if err != nil {
				log.WithError(err).Warn("Heartbeat failed")
				continue
			}
			if resp.StatusCode() == http.StatusConflict {
				// Claim lost; the job was recovered or cancelled.
				log.Warn("Claim no longer held")
				return
			}
		}
	}
}

// runScript executes the packaging toolchain for one job and decodes the
// result descriptor it writes.
func (a *agent) runScript(ctx context.Context, job *domain.PackagingJob, log *logger.Logger) (*packagingResult, error) {
	jobDir := filepath.Join(a.workDir, "packpilot-"+job.ID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	defer os.RemoveAll(jobDir)

	resultPath := filepath.Join(jobDir, "result.json")
	cmd := exec.CommandContext(ctx, a.script)
	cmd.Dir = jobDir
	cmd.Env = append(os.Environ(),
		"PACKPILOT_JOB_ID="+job.ID,
		"PACKPILOT_WINGET_ID="+job.WingetID,
		"PACKPILOT_VERSION="+job.Version,
		"PACKPILOT_TENANT_ID="+job.TenantID,
		"PACKPILOT_INSTALL_SCOPE="+job.InstallScope,
		"PACKPILOT_RESULT_PATH="+resultPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.WithField("output", string(out)).Warn("Packaging script output")
		return nil, fmt.Errorf("packaging script: %w", err)
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		return nil, fmt.Errorf("read packaging result: %w", err)
	}
	var result packagingResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode packaging result: %w", err)
	}
	if result.BundlePath == "" {
		return nil, fmt.Errorf("packaging result carried no bundle path")
	}
	if !filepath.IsAbs(result.BundlePath) {
		result.BundlePath = filepath.Join(jobDir, result.BundlePath)
	}

	// The bundle outlives the job dir cleanup; move it out first.
	staged := filepath.Join(a.workDir, "bundle-"+job.ID+".intunewin")
	if err := os.Rename(result.BundlePath, staged); err != nil {
		return nil, fmt.Errorf("move bundle: %w", err)
	}
	result.BundlePath = staged
	return &result, nil
}

// stageBundle uploads the bundle into object storage and removes the local
// copy.
func (a *agent) stageBundle(ctx context.Context, path, key string) error {
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return a.store.Upload(ctx, key, f, info.Size(), "application/octet-stream")
}

// reportProgress posts a progress percentage for the claimed job. Best
// effort.
func (a *agent) reportProgress(ctx context.Context, jobID string, percent int) {
	_, err := a.api.R().SetContext(ctx).
		SetBody(map[string]interface{}{
			"worker_id":        a.workerID,
			"progress_percent": percent,
		}).
		Post(fmt.Sprintf("/api/v1/worker/jobs/%s/progress", jobID))
	if err != nil {
		a.logger.WithError(err).WithField(logger.FieldJobID, jobID).Warn("Progress report failed")
	}
}

// report posts the packaging outcome callback.
func (a *agent) report(ctx context.Context, jobID, status, errorMessage, bundleKey string, enc *domain.EncryptionInfo, rules domain.DetectionRules) {
	body := map[string]interface{}{
		"job_id": jobID,
		"status": status,
	}
	if errorMessage != "" {
		body["error_message"] = errorMessage
	}
	if bundleKey != "" {
		body["bundle_key"] = bundleKey
	}
	if enc != nil {
		body["encryption"] = enc
	}
	if len(rules) > 0 {
		body["detection_rules"] = rules
	}

	resp, err := a.api.R().SetContext(ctx).
		SetBody(body).
		Post("/api/v1/worker/callbacks/packaging")
	if err != nil {
		a.logger.WithError(err).WithField(logger.FieldJobID, jobID).Error("Result callback failed")
		return
	}
	if resp.IsError() {
		a.logger.WithFields(logger.Fields{
			logger.FieldJobID: jobID,
			"status_code":     resp.StatusCode(),
		}).Error("Result callback rejected")
	}
}
