package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/appdeploy/packpilot/internal/builder"
	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/appdeploy/packpilot/internal/logger"
	"github.com/appdeploy/packpilot/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// fakeLookup returns a fixed installer metadata result.
type fakeLookup struct {
	meta *domain.InstallerMetadata
	err  error
}

func (f *fakeLookup) Lookup(ctx context.Context, packageID, version string) (*domain.InstallerMetadata, error) {
	return f.meta, f.err
}

// fakeConsent verifies every tenant except those listed in denied.
type fakeConsent struct {
	denied map[string]string
}

func (f *fakeConsent) VerifyTenantConsent(ctx context.Context, tenantID string) (*domain.ConsentStatus, error) {
	if reason, ok := f.denied[tenantID]; ok {
		return &domain.ConsentStatus{Verified: false, Reason: reason}, nil
	}
	return &domain.ConsentStatus{Verified: true}, nil
}

// fakeBuilds records trigger and cancel calls.
type fakeBuilds struct {
	mu         sync.Mutex
	triggers   []*builder.TriggerRequest
	cancels    []string
	failNext   bool
	cancelFail bool
}

func (f *fakeBuilds) Trigger(ctx context.Context, req *builder.TriggerRequest) (*domain.BuildRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, fmt.Errorf("build service unavailable")
	}
	f.triggers = append(f.triggers, req)
	runID := fmt.Sprintf("run-%d", len(f.triggers))
	return &domain.BuildRun{RunID: runID, RunURL: "https://builds.example.com/" + runID}, nil
}

func (f *fakeBuilds) Cancel(ctx context.Context, runID string) (*builder.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, runID)
	if f.cancelFail {
		return nil, fmt.Errorf("build service unavailable")
	}
	return &builder.CancelResult{Success: true}, nil
}

func (f *fakeBuilds) triggerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

// fakeNotifier records delivered events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(ctx context.Context, organizationID, eventType string, payload map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeNotifier) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// testEnv wires the full service stack over an in-memory database.
type testEnv struct {
	jobs      *repository.JobRepository
	batches   *repository.BatchRepository
	lookup    *fakeLookup
	consent   *fakeConsent
	builds    *fakeBuilds
	notify    *fakeNotifier
	lifecycle *LifecycleManager
	orch      *Orchestrator
	uploads   []*domain.PackagingJob
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(
		&domain.PackagingJob{},
		&domain.BatchDeployment{},
		&domain.BatchDeploymentItem{},
		&domain.AuditLog{},
	); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}

	env := &testEnv{
		jobs:    repository.NewJobRepository(db),
		batches: repository.NewBatchRepository(db),
		lookup: &fakeLookup{meta: &domain.InstallerMetadata{
			URL:    "https://downloads.example.com/firefox-133.0.msi",
			SHA256: "adc83b19e793491b1c6ea0fd8b46cd9f32e592fc",
			Type:   "msi",
			Scope:  "machine",
		}},
		consent: &fakeConsent{denied: map[string]string{}},
		builds:  &fakeBuilds{},
		notify:  &fakeNotifier{},
	}

	log := logger.New(&logger.Config{Level: "error", Format: "text"})
	audit := repository.NewAuditRepository(db)
	env.lifecycle = NewLifecycleManager(env.jobs, env.batches, env.lookup, env.builds, audit, LifecycleConfig{
		CallbackURL: "http://localhost:8080/api/v1/worker/callbacks/packaging",
	}, log)
	env.orch = NewOrchestrator(env.batches, env.lifecycle, env.lookup, env.consent, env.notify, audit, OrchestratorConfig{}, log)
	env.lifecycle.SetResolutionHook(env.orch.OnJobResolved)
	env.lifecycle.SetUploadHook(func(job *domain.PackagingJob) {
		env.uploads = append(env.uploads, job)
	})
	return env
}

// finishJob walks one job through a successful packaging callback and upload.
func (env *testEnv) finishJob(t *testing.T, jobID string) {
	t.Helper()
	ctx := context.Background()
	err := env.lifecycle.HandlePackagingResult(ctx, &PackagingResult{
		JobID:     jobID,
		Status:    "success",
		BundleKey: "bundles/" + jobID + ".intunewin",
		Encryption: &domain.EncryptionInfo{
			EncryptionKey: "a2V5", MacKey: "bWFj", InitializationVector: "aXY=",
			Mac: "ZGlnZXN0", ProfileIdentifier: "ProfileVersion1",
			FileDigest: "ZGlnZXN0", FileDigestAlgorithm: "SHA256",
		},
	})
	if err != nil {
		t.Fatalf("packaging callback for %s: %v", jobID, err)
	}
	if err := env.lifecycle.CompleteUpload(ctx, jobID, "app-"+jobID); err != nil {
		t.Fatalf("complete upload for %s: %v", jobID, err)
	}
}
