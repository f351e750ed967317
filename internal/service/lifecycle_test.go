package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/appdeploy/packpilot/internal/domain"
	"gorm.io/gorm"
)

func createJob(t *testing.T, env *testEnv) *domain.PackagingJob {
	t.Helper()
	job, err := env.lifecycle.CreateJob(context.Background(), &CreateJobRequest{
		TenantID: "tenant-1",
		UserID:   "user-1",
		WingetID: "Mozilla.Firefox",
		Version:  "133.0",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestCreateJobDispatchesBuild(t *testing.T) {
	env := newTestEnv(t)
	job := createJob(t, env)

	if job.Status != domain.JobStatusQueued {
		t.Errorf("new job status = %s, want queued", job.Status)
	}
	if job.RunID != "run-1" {
		t.Errorf("run id = %q, want run-1", job.RunID)
	}
	if job.InstallScope != "machine" {
		t.Errorf("install scope = %q, want machine from installer metadata", job.InstallScope)
	}
	if got := env.builds.triggerCount(); got != 1 {
		t.Fatalf("trigger count = %d, want 1", got)
	}
	req := env.builds.triggers[0]
	if req.JobID != job.ID || req.InstallerURL == "" || req.CallbackURL == "" {
		t.Errorf("trigger request incomplete: %+v", req)
	}
}

func TestCreateJobNoInstaller(t *testing.T) {
	env := newTestEnv(t)
	env.lookup.meta = nil

	_, err := env.lifecycle.CreateJob(context.Background(), &CreateJobRequest{
		TenantID: "tenant-1",
		WingetID: "Unknown.App",
		Version:  "1.0",
	})
	if !errors.Is(err, ErrNoInstaller) {
		t.Fatalf("err = %v, want ErrNoInstaller", err)
	}
}

func TestCreateJobTriggerFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	env.builds.failNext = true

	job, err := env.lifecycle.CreateJob(context.Background(), &CreateJobRequest{
		TenantID: "tenant-1",
		UserID:   "user-1",
		WingetID: "Mozilla.Firefox",
		Version:  "133.0",
	})
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	if job == nil {
		t.Fatal("failed job record should be returned")
	}
	if job.Status != domain.JobStatusFailed {
		t.Errorf("job status = %s, want failed", job.Status)
	}
	if job.ErrorStage != "trigger" {
		t.Errorf("error stage = %q, want trigger", job.ErrorStage)
	}
}

func TestPackagingResultSuccessMovesToUploading(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createJob(t, env)
	if _, err := env.jobs.Claim(ctx, job.ID, "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	err := env.lifecycle.HandlePackagingResult(ctx, &PackagingResult{
		JobID:     job.ID,
		Status:    "success",
		BundleKey: "bundles/" + job.ID + ".intunewin",
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}

	got, err := env.jobs.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != domain.JobStatusUploading {
		t.Errorf("status = %s, want uploading", got.Status)
	}
	if got.BundleKey == "" {
		t.Error("bundle key should be stored")
	}
	if got.PackagerID != nil {
		t.Error("claim fields should be cleared on handoff")
	}
	if len(env.uploads) != 1 || env.uploads[0].ID != job.ID {
		t.Errorf("upload hook calls = %d, want the finished job once", len(env.uploads))
	}
}

func TestPackagingResultFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createJob(t, env)

	err := env.lifecycle.HandlePackagingResult(ctx, &PackagingResult{
		JobID:        job.ID,
		Status:       "failure",
		ErrorMessage: "installer hash mismatch",
	})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}

	got, _ := env.jobs.GetByID(ctx, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ErrorStage != "packaging" || got.ErrorMessage != "installer hash mismatch" {
		t.Errorf("error = %s/%s, want packaging stage with message", got.ErrorStage, got.ErrorMessage)
	}
}

func TestPackagingResultAfterTerminalIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createJob(t, env)
	if _, err := env.lifecycle.CancelJob(ctx, job.ID, "user-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	err := env.lifecycle.HandlePackagingResult(ctx, &PackagingResult{
		JobID:     job.ID,
		Status:    "success",
		BundleKey: "bundles/late.intunewin",
	})
	if err != nil {
		t.Fatalf("late callback should be ignored, got %v", err)
	}

	got, _ := env.jobs.GetByID(ctx, job.ID)
	if got.Status != domain.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled to stick", got.Status)
	}
	if len(env.uploads) != 0 {
		t.Error("late callback must not reach the upload dispatcher")
	}
}

func TestCancelJobStates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("active job cancels and remote cancel fires", func(t *testing.T) {
		job := createJob(t, env)
		cancelled, err := env.lifecycle.CancelJob(ctx, job.ID, "admin-1")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if cancelled.Status != domain.JobStatusCancelled {
			t.Errorf("status = %s, want cancelled", cancelled.Status)
		}
		if cancelled.CancelledBy != "admin-1" || cancelled.CancelledAt == nil {
			t.Error("cancellation metadata should be recorded")
		}
		if len(env.builds.cancels) == 0 {
			t.Error("remote cancel should be attempted for a dispatched run")
		}
	})

	t.Run("repeat cancel is idempotent", func(t *testing.T) {
		job := createJob(t, env)
		if _, err := env.lifecycle.CancelJob(ctx, job.ID, "admin-1"); err != nil {
			t.Fatalf("first cancel: %v", err)
		}
		again, err := env.lifecycle.CancelJob(ctx, job.ID, "admin-1")
		if err != nil {
			t.Fatalf("second cancel: %v", err)
		}
		if again.Status != domain.JobStatusCancelled {
			t.Errorf("status = %s, want cancelled", again.Status)
		}
	})

	t.Run("remote cancel failure does not block local cancel", func(t *testing.T) {
		env.builds.cancelFail = true
		defer func() { env.builds.cancelFail = false }()
		job := createJob(t, env)
		cancelled, err := env.lifecycle.CancelJob(ctx, job.ID, "admin-1")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if cancelled.Status != domain.JobStatusCancelled {
			t.Errorf("status = %s, want cancelled despite remote failure", cancelled.Status)
		}
	})

	t.Run("deployed job rejects cancellation", func(t *testing.T) {
		job := createJob(t, env)
		env.finishJob(t, job.ID)
		if _, err := env.lifecycle.CancelJob(ctx, job.ID, "admin-1"); !errors.Is(err, ErrJobDeployed) {
			t.Errorf("cancel deployed = %v, want ErrJobDeployed", err)
		}
	})

	t.Run("failed job rejects cancellation", func(t *testing.T) {
		job := createJob(t, env)
		if _, err := env.lifecycle.FailJob(ctx, job.ID, "packaging", "boom"); err != nil {
			t.Fatalf("fail: %v", err)
		}
		if _, err := env.lifecycle.CancelJob(ctx, job.ID, "admin-1"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("cancel failed job = %v, want ErrInvalidTransition", err)
		}
	})
}

func TestDismissRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	active := createJob(t, env)
	if err := env.lifecycle.DismissJob(ctx, active.ID, "user-1"); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("dismiss active = %v, want ErrNotTerminal", err)
	}

	done := createJob(t, env)
	env.finishJob(t, done.ID)
	if err := env.lifecycle.DismissJob(ctx, done.ID, "someone-else"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("dismiss by stranger = %v, want ErrNotOwner", err)
	}
	if err := env.lifecycle.DismissJob(ctx, done.ID, "user-1"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if _, err := env.jobs.GetByID(ctx, done.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("dismissed job lookup = %v, want ErrRecordNotFound", err)
	}
}

func TestDismissBulkRejectsActiveStatuses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.lifecycle.DismissJobsByStatuses(ctx, "user-1", []domain.JobStatus{domain.JobStatusPackaging}); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("bulk dismiss with active status = %v, want ErrNotTerminal", err)
	}

	done := createJob(t, env)
	env.finishJob(t, done.ID)
	failed := createJob(t, env)
	if _, err := env.lifecycle.FailJob(ctx, failed.ID, "packaging", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	count, err := env.lifecycle.DismissJobsByStatuses(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("bulk dismiss: %v", err)
	}
	if count != 2 {
		t.Errorf("dismissed = %d, want 2", count)
	}
}

func TestReportProgressOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := createJob(t, env)
	if _, err := env.jobs.Claim(ctx, job.ID, "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := env.lifecycle.ReportProgress(ctx, job.ID, "worker-b", 50, ""); !errors.Is(err, ErrNotOwner) {
		t.Errorf("progress by non-owner = %v, want ErrNotOwner", err)
	}

	if err := env.lifecycle.ReportProgress(ctx, job.ID, "worker-a", 150, domain.JobStatusTesting); err != nil {
		t.Fatalf("progress by owner: %v", err)
	}
	got, _ := env.jobs.GetByID(ctx, job.ID)
	if got.ProgressPercent != 100 {
		t.Errorf("progress = %d, want clamped to 100", got.ProgressPercent)
	}
	if got.Status != domain.JobStatusTesting {
		t.Errorf("status = %s, want testing", got.Status)
	}
}

func TestRecoverStaleJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Standalone stale job goes back to the queue.
	standalone := createJob(t, env)
	if _, err := env.jobs.Claim(ctx, standalone.ID, "worker-dead"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	old := time.Now().UTC().Add(-2 * time.Hour)
	if err := env.jobs.Update(ctx, standalone.ID, map[string]interface{}{"packager_heartbeat_at": old}, nil); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	// Batch-linked stale job fails instead, so the batch can move on.
	batch, err := env.batches.CreateWithItems(ctx, &domain.BatchDeployment{
		OrganizationID: "org-1",
		WingetID:       "Mozilla.Firefox",
		Version:        "133.0",
	}, []string{"tenant-2"})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if _, err := env.batches.MarkInProgress(ctx, batch.ID); err != nil {
		t.Fatalf("start batch: %v", err)
	}
	linked := createJob(t, env)
	items, _ := env.batches.ListItems(ctx, batch.ID)
	if err := env.batches.UpdateItem(ctx, items[0].ID, map[string]interface{}{
		"status":           domain.ItemStatusInProgress,
		"packaging_job_id": linked.ID,
		"started_at":       time.Now().UTC(),
	}); err != nil {
		t.Fatalf("link item: %v", err)
	}
	if _, err := env.jobs.Claim(ctx, linked.ID, "worker-dead"); err != nil {
		t.Fatalf("claim linked: %v", err)
	}
	if err := env.jobs.Update(ctx, linked.ID, map[string]interface{}{"packager_heartbeat_at": old}, nil); err != nil {
		t.Fatalf("age linked heartbeat: %v", err)
	}

	recovered, err := env.lifecycle.RecoverStaleJobs(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if recovered != 2 {
		t.Errorf("recovered = %d, want 2", recovered)
	}

	got, _ := env.jobs.GetByID(ctx, standalone.ID)
	if got.Status != domain.JobStatusQueued || got.PackagerID != nil {
		t.Errorf("standalone job = %s/%v, want requeued and unclaimed", got.Status, got.PackagerID)
	}

	got, _ = env.jobs.GetByID(ctx, linked.ID)
	if got.Status != domain.JobStatusFailed {
		t.Errorf("linked job = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "timed out waiting for packaging" {
		t.Errorf("linked job error = %q", got.ErrorMessage)
	}

	item, _ := env.batches.GetItem(ctx, items[0].ID)
	if item.Status != domain.ItemStatusFailed {
		t.Errorf("linked item = %s, want failed via resolution hook", item.Status)
	}
}
