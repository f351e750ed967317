package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/appdeploy/packpilot/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newTestDB opens an isolated in-memory database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
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
	return db
}

// createTestJob inserts a queued job with the given user and tenant.
func createTestJob(t *testing.T, repo *JobRepository, userID, tenantID string) *domain.PackagingJob {
	t.Helper()
	job, err := repo.Create(context.Background(), &domain.PackagingJob{
		TenantID: tenantID,
		UserID:   userID,
		WingetID: "Mozilla.Firefox",
		Version:  "133.0",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}
