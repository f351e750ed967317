package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/appdeploy/packpilot/internal/domain"
	"gorm.io/gorm"
)

func TestClaimExclusivity(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()
	job := createTestJob(t, repo, "user-1", "tenant-1")

	won, err := repo.Claim(ctx, job.ID, "worker-a")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if won == nil {
		t.Fatal("first claim should win")
	}
	if won.Status != domain.JobStatusPackaging {
		t.Errorf("claimed job status = %s, want %s", won.Status, domain.JobStatusPackaging)
	}
	if won.PackagerID == nil || *won.PackagerID != "worker-a" {
		t.Errorf("claimed job packager = %v, want worker-a", won.PackagerID)
	}
	if won.PackagerHeartbeatAt == nil || won.ClaimedAt == nil {
		t.Error("claim should set heartbeat and claimed timestamps")
	}

	lost, err := repo.Claim(ctx, job.ID, "worker-b")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if lost != nil {
		t.Errorf("second claim should lose, got job owned by %v", lost.PackagerID)
	}
}

func TestClaimRequiresQueuedStatus(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	for _, status := range []domain.JobStatus{
		domain.JobStatusUploading,
		domain.JobStatusCompleted,
		domain.JobStatusCancelled,
	} {
		job := createTestJob(t, repo, "user-1", "tenant-1")
		if err := repo.Update(ctx, job.ID, map[string]interface{}{"status": status}, nil); err != nil {
			t.Fatalf("move job to %s: %v", status, err)
		}
		won, err := repo.Claim(ctx, job.ID, "worker-a")
		if err != nil {
			t.Fatalf("claim %s job: %v", status, err)
		}
		if won != nil {
			t.Errorf("claim of %s job should lose", status)
		}
	}
}

func TestReleaseRequiresOwnership(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()
	job := createTestJob(t, repo, "user-1", "tenant-1")

	if _, err := repo.Claim(ctx, job.ID, "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := repo.Release(ctx, job.ID, "worker-b"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("release by non-owner = %v, want ErrRecordNotFound", err)
	}

	if err := repo.Release(ctx, job.ID, "worker-a"); err != nil {
		t.Fatalf("release by owner: %v", err)
	}
	released, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if released.Status != domain.JobStatusQueued {
		t.Errorf("released job status = %s, want queued", released.Status)
	}
	if released.PackagerID != nil || released.PackagerHeartbeatAt != nil || released.ClaimedAt != nil {
		t.Error("release should clear all claim fields")
	}
}

func TestHeartbeatRequiresOwnership(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()
	job := createTestJob(t, repo, "user-1", "tenant-1")

	if err := repo.Heartbeat(ctx, job.ID, "worker-a"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("heartbeat without claim = %v, want ErrRecordNotFound", err)
	}

	if _, err := repo.Claim(ctx, job.ID, "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.Heartbeat(ctx, job.ID, "worker-a"); err != nil {
		t.Errorf("heartbeat by owner: %v", err)
	}
}

func TestUpdatePreconditionMiss(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()
	job := createTestJob(t, repo, "user-1", "tenant-1")

	err := repo.Update(ctx, job.ID,
		map[string]interface{}{"status": domain.JobStatusUploading},
		map[string]interface{}{"status": domain.JobStatusPackaging})
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("precondition miss = %v, want ErrRecordNotFound", err)
	}

	unchanged, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if unchanged.Status != domain.JobStatusQueued {
		t.Errorf("job status after miss = %s, want queued", unchanged.Status)
	}

	err = repo.Update(ctx, job.ID,
		map[string]interface{}{"status": domain.JobStatusPackaging},
		map[string]interface{}{"status": domain.JobStatusQueued})
	if err != nil {
		t.Errorf("matching precondition: %v", err)
	}
}

func TestUpdateReducedColumnSet(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	repo.SetExtendedColumns(false)
	ctx := context.Background()
	job := createTestJob(t, repo, "user-1", "tenant-1")

	err := repo.Update(ctx, job.ID, map[string]interface{}{
		"status":           domain.JobStatusUploading,
		"progress_percent": 42,
		"bundle_key":       "bundles/x.intunewin",
		"run_id":           "run-9",
	}, nil)
	if err != nil {
		t.Fatalf("reduced update: %v", err)
	}

	got, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != domain.JobStatusUploading || got.ProgressPercent != 42 {
		t.Errorf("mandatory columns not applied: status=%s progress=%d", got.Status, got.ProgressPercent)
	}
	if got.BundleKey != "" || got.RunID != "" {
		t.Errorf("extended columns should be stripped: bundle_key=%q run_id=%q", got.BundleKey, got.RunID)
	}

	// Only extended columns requested: the write collapses to a no-op.
	if err := repo.Update(ctx, job.ID, map[string]interface{}{"run_id": "run-10"}, nil); err != nil {
		t.Errorf("no-op reduced update: %v", err)
	}
}

func TestGetStaleJobs(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	stale := createTestJob(t, repo, "user-1", "tenant-1")
	fresh := createTestJob(t, repo, "user-1", "tenant-2")
	queued := createTestJob(t, repo, "user-1", "tenant-3")

	if _, err := repo.Claim(ctx, stale.ID, "worker-a"); err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	if _, err := repo.Claim(ctx, fresh.ID, "worker-b"); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}
	old := time.Now().UTC().Add(-2 * time.Hour)
	if err := repo.Update(ctx, stale.ID, map[string]interface{}{"packager_heartbeat_at": old}, nil); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	got, err := repo.GetStaleJobs(ctx, time.Now().UTC().Add(-45*time.Minute))
	if err != nil {
		t.Fatalf("stale query: %v", err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Fatalf("stale jobs = %d entries, want exactly the aged claim", len(got))
	}
	_ = queued
}

func TestGetByUserIDRetention(t *testing.T) {
	db := newTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	active := createTestJob(t, repo, "user-1", "tenant-1")
	recent := createTestJob(t, repo, "user-1", "tenant-2")
	aged := createTestJob(t, repo, "user-1", "tenant-3")
	other := createTestJob(t, repo, "user-2", "tenant-4")

	if err := repo.Update(ctx, recent.ID, map[string]interface{}{"status": domain.JobStatusCompleted}, nil); err != nil {
		t.Fatalf("complete recent: %v", err)
	}
	// Age the terminal job past the retention window, bypassing the
	// automatic updated_at touch.
	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	if err := db.Model(&domain.PackagingJob{}).Where("id = ?", aged.ID).
		UpdateColumns(map[string]interface{}{
			"status":     domain.JobStatusFailed,
			"updated_at": old,
		}).Error; err != nil {
		t.Fatalf("age terminal job: %v", err)
	}

	jobs, err := repo.GetByUserID(ctx, "user-1", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := map[string]bool{}
	for _, j := range jobs {
		ids[j.ID] = true
	}
	if !ids[active.ID] || !ids[recent.ID] {
		t.Errorf("listing should include active and recent terminal jobs, got %v", ids)
	}
	if ids[aged.ID] {
		t.Error("terminal job older than the retention window should be excluded")
	}
	if ids[other.ID] {
		t.Error("other users' jobs should be excluded")
	}
}

func TestDeleteByIDUnlinksBatchItem(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobRepository(db)
	batches := NewBatchRepository(db)
	ctx := context.Background()

	job := createTestJob(t, jobs, "user-1", "tenant-1")
	batch, err := batches.CreateWithItems(ctx, &domain.BatchDeployment{
		OrganizationID: "org-1",
		WingetID:       "Mozilla.Firefox",
		Version:        "133.0",
	}, []string{"tenant-1"})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	items, err := batches.ListItems(ctx, batch.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if err := batches.UpdateItem(ctx, items[0].ID, map[string]interface{}{"packaging_job_id": job.ID}); err != nil {
		t.Fatalf("link item: %v", err)
	}

	// Dismissal requires terminal state at the service layer; the repository
	// just guarantees referential cleanup.
	if err := jobs.DeleteByID(ctx, job.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := jobs.GetByID(ctx, job.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("deleted job lookup = %v, want ErrRecordNotFound", err)
	}
	item, err := batches.GetItem(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("reload item: %v", err)
	}
	if item.PackagingJobID != nil {
		t.Errorf("item job reference = %v, want nil", *item.PackagingJobID)
	}
}

func TestDeleteByUserIDAndStatuses(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	done := createTestJob(t, repo, "user-1", "tenant-1")
	failed := createTestJob(t, repo, "user-1", "tenant-2")
	running := createTestJob(t, repo, "user-1", "tenant-3")
	othersDone := createTestJob(t, repo, "user-2", "tenant-4")

	for id, status := range map[string]domain.JobStatus{
		done.ID:       domain.JobStatusCompleted,
		failed.ID:     domain.JobStatusFailed,
		running.ID:    domain.JobStatusPackaging,
		othersDone.ID: domain.JobStatusCompleted,
	} {
		if err := repo.Update(ctx, id, map[string]interface{}{"status": status}, nil); err != nil {
			t.Fatalf("set status: %v", err)
		}
	}

	deleted, err := repo.DeleteByUserIDAndStatuses(ctx, "user-1", domain.TerminalJobStatuses)
	if err != nil {
		t.Fatalf("bulk delete: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	if _, err := repo.GetByID(ctx, running.ID); err != nil {
		t.Errorf("running job should survive: %v", err)
	}
	if _, err := repo.GetByID(ctx, othersDone.ID); err != nil {
		t.Errorf("other user's job should survive: %v", err)
	}
}
