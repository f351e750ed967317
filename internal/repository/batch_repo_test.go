package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/appdeploy/packpilot/internal/domain"
	"gorm.io/gorm"
)

func createTestBatch(t *testing.T, repo *BatchRepository, tenants []string) *domain.BatchDeployment {
	t.Helper()
	batch, err := repo.CreateWithItems(context.Background(), &domain.BatchDeployment{
		OrganizationID:   "org-1",
		WingetID:         "Mozilla.Firefox",
		Version:          "133.0",
		ConcurrencyLimit: 3,
	}, tenants)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return batch
}

func TestCreateWithItems(t *testing.T) {
	repo := NewBatchRepository(newTestDB(t))
	ctx := context.Background()

	batch := createTestBatch(t, repo, []string{"tenant-1", "tenant-2", "tenant-3"})
	if batch.Status != domain.BatchStatusPending {
		t.Errorf("new batch status = %s, want pending", batch.Status)
	}
	if batch.TotalTenants != 3 {
		t.Errorf("total tenants = %d, want 3", batch.TotalTenants)
	}

	items, err := repo.ListItems(ctx, batch.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	for _, item := range items {
		if item.Status != domain.ItemStatusPending {
			t.Errorf("item %s status = %s, want pending", item.TenantID, item.Status)
		}
	}
}

func TestMarkInProgressGuard(t *testing.T) {
	repo := NewBatchRepository(newTestDB(t))
	ctx := context.Background()
	batch := createTestBatch(t, repo, []string{"tenant-1"})

	applied, err := repo.MarkInProgress(ctx, batch.ID)
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if !applied {
		t.Fatal("first transition should apply")
	}

	applied, err = repo.MarkInProgress(ctx, batch.ID)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if applied {
		t.Error("second transition should be a no-op")
	}

	got, err := repo.GetByID(ctx, batch.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != domain.BatchStatusInProgress || got.StartedAt == nil {
		t.Errorf("batch = %s started_at=%v, want in_progress with start time", got.Status, got.StartedAt)
	}
}

func TestFinishGuard(t *testing.T) {
	repo := NewBatchRepository(newTestDB(t))
	ctx := context.Background()
	batch := createTestBatch(t, repo, []string{"tenant-1", "tenant-2"})

	// Finishing a pending batch must not apply.
	applied, err := repo.Finish(ctx, batch.ID, domain.BatchStatusCompleted, 2, 0)
	if err != nil {
		t.Fatalf("finish pending: %v", err)
	}
	if applied {
		t.Error("finish should not apply to a pending batch")
	}

	if _, err := repo.MarkInProgress(ctx, batch.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	applied, err = repo.Finish(ctx, batch.ID, domain.BatchStatusCompleted, 1, 1)
	if err != nil {
		t.Fatalf("finish running: %v", err)
	}
	if !applied {
		t.Fatal("finish should apply to a running batch")
	}

	// Second finish loses the guard; completion side effects stay single-shot.
	applied, err = repo.Finish(ctx, batch.ID, domain.BatchStatusFailed, 0, 2)
	if err != nil {
		t.Fatalf("double finish: %v", err)
	}
	if applied {
		t.Error("double finish should be a no-op")
	}

	got, err := repo.GetByID(ctx, batch.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != domain.BatchStatusCompleted {
		t.Errorf("batch status = %s, want completed", got.Status)
	}
	if got.CompletedTenants != 1 || got.FailedTenants != 1 {
		t.Errorf("counts = %d/%d, want 1/1", got.CompletedTenants, got.FailedTenants)
	}
	if got.CompletedAt == nil {
		t.Error("finish should set completed_at")
	}
}

func TestCancelGuard(t *testing.T) {
	repo := NewBatchRepository(newTestDB(t))
	ctx := context.Background()

	pending := createTestBatch(t, repo, []string{"tenant-1"})
	applied, err := repo.Cancel(ctx, pending.ID)
	if err != nil || !applied {
		t.Fatalf("cancel pending = (%v, %v), want applied", applied, err)
	}

	applied, err = repo.Cancel(ctx, pending.ID)
	if err != nil {
		t.Fatalf("double cancel: %v", err)
	}
	if applied {
		t.Error("double cancel should be a no-op")
	}

	// A cancelled batch cannot be finished afterwards.
	applied, err = repo.Finish(ctx, pending.ID, domain.BatchStatusCompleted, 1, 0)
	if err != nil {
		t.Fatalf("finish cancelled: %v", err)
	}
	if applied {
		t.Error("finish should not overwrite a cancelled batch")
	}
}

func TestPendingItemsOrderAndLimit(t *testing.T) {
	repo := NewBatchRepository(newTestDB(t))
	ctx := context.Background()
	batch := createTestBatch(t, repo, []string{"tenant-1", "tenant-2", "tenant-3", "tenant-4"})

	items, err := repo.PendingItems(ctx, batch.ID, 2)
	if err != nil {
		t.Fatalf("pending items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("pending items = %d, want 2", len(items))
	}

	if err := repo.UpdateItem(ctx, items[0].ID, map[string]interface{}{
		"status": domain.ItemStatusInProgress,
	}); err != nil {
		t.Fatalf("start item: %v", err)
	}

	count, err := repo.CountItemsByStatus(ctx, batch.ID, domain.ItemStatusInProgress)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("in-flight count = %d, want 1", count)
	}
	remaining, err := repo.PendingItems(ctx, batch.ID, 10)
	if err != nil {
		t.Fatalf("pending items: %v", err)
	}
	if len(remaining) != 3 {
		t.Errorf("remaining pending = %d, want 3", len(remaining))
	}
}

func TestFindItemByJobID(t *testing.T) {
	db := newTestDB(t)
	repo := NewBatchRepository(db)
	jobs := NewJobRepository(db)
	ctx := context.Background()

	batch := createTestBatch(t, repo, []string{"tenant-1"})
	job := createTestJob(t, jobs, "user-1", "tenant-1")

	// A job without batch linkage is a standalone job.
	if _, err := repo.FindItemByJobID(ctx, job.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("unlinked lookup = %v, want ErrRecordNotFound", err)
	}

	items, err := repo.ListItems(ctx, batch.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if err := repo.UpdateItem(ctx, items[0].ID, map[string]interface{}{"packaging_job_id": job.ID}); err != nil {
		t.Fatalf("link item: %v", err)
	}

	item, err := repo.FindItemByJobID(ctx, job.ID)
	if err != nil {
		t.Fatalf("linked lookup: %v", err)
	}
	if item.ID != items[0].ID {
		t.Errorf("linked item = %s, want %s", item.ID, items[0].ID)
	}
}

func TestStaleInProgressItems(t *testing.T) {
	repo := NewBatchRepository(newTestDB(t))
	ctx := context.Background()
	batch := createTestBatch(t, repo, []string{"tenant-1", "tenant-2"})

	items, err := repo.ListItems(ctx, batch.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	old := time.Now().UTC().Add(-2 * time.Hour)
	if err := repo.UpdateItem(ctx, items[0].ID, map[string]interface{}{
		"status":     domain.ItemStatusInProgress,
		"started_at": old,
	}); err != nil {
		t.Fatalf("age item: %v", err)
	}
	if err := repo.UpdateItem(ctx, items[1].ID, map[string]interface{}{
		"status":     domain.ItemStatusInProgress,
		"started_at": time.Now().UTC(),
	}); err != nil {
		t.Fatalf("start item: %v", err)
	}

	stale, err := repo.StaleInProgressItems(ctx, batch.ID, time.Now().UTC().Add(-45*time.Minute))
	if err != nil {
		t.Fatalf("stale query: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != items[0].ID {
		t.Fatalf("stale items = %d entries, want exactly the aged one", len(stale))
	}
}
