package handler

import (
	"errors"
	"net/http"

	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/appdeploy/packpilot/internal/service"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// WorkerHandler handles the packager worker surface: claims, heartbeats,
// progress reports, and the packaging result callback.
type WorkerHandler struct {
	lifecycle *service.LifecycleManager
}

// NewWorkerHandler creates a new worker handler.
// Parameters:
//   - lifecycle: job lifecycle manager.
// Returns:
//   - *WorkerHandler: initialized handler.
func NewWorkerHandler(lifecycle *service.LifecycleManager) *WorkerHandler {
	return &WorkerHandler{lifecycle: lifecycle}
}

// claimRequest identifies the claiming worker and optionally a specific job.
type claimRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	JobID    string `json:"job_id"`
}

// ClaimJob handles POST /api/v1/worker/claims. With a job_id the claim
// targets that job; without one the oldest queued job is claimed. No
// claimable job yields 204.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *WorkerHandler) ClaimJob(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	var (
		job *domain.PackagingJob
		err error
	)
	if req.JobID != "" {
		job, err = h.lifecycle.ClaimJob(c.Request.Context(), req.JobID, req.WorkerID)
	} else {
		job, err = h.lifecycle.ClaimNextJob(c.Request.Context(), req.WorkerID)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to claim job: " + err.Error(),
		})
		return
	}
	if job == nil {
		if req.JobID != "" {
			c.JSON(http.StatusConflict, gin.H{"error": "Job is no longer claimable"})
			return
		}
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, job)
}

// workerRequest identifies the worker acting on a claimed job.
type workerRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

// Heartbeat handles POST /api/v1/worker/jobs/:id/heartbeat.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *WorkerHandler) Heartbeat(c *gin.Context) {
	var req workerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	err := h.lifecycle.Heartbeat(c.Request.Context(), c.Param("id"), req.WorkerID)
	if err != nil {
		if errors.Is(err, service.ErrNotOwner) {
			// The claim moved on; the worker should stop working this job.
			c.JSON(http.StatusConflict, gin.H{"error": "Claim is no longer held"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to record heartbeat: " + err.Error(),
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// progressRequest carries a worker's progress report.
type progressRequest struct {
	WorkerID        string           `json:"worker_id" binding:"required"`
	ProgressPercent int              `json:"progress_percent"`
	Status          domain.JobStatus `json:"status"`
}

// ReportProgress handles POST /api/v1/worker/jobs/:id/progress.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *WorkerHandler) ReportProgress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}
	if req.Status != "" && req.Status != domain.JobStatusTesting {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Workers may only report the testing status",
		})
		return
	}

	err := h.lifecycle.ReportProgress(c.Request.Context(), c.Param("id"), req.WorkerID, req.ProgressPercent, req.Status)
	if err != nil {
		if errors.Is(err, service.ErrNotOwner) {
			c.JSON(http.StatusConflict, gin.H{"error": "Claim is no longer held"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to record progress: " + err.Error(),
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// ReleaseJob handles POST /api/v1/worker/jobs/:id/release.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *WorkerHandler) ReleaseJob(c *gin.Context) {
	var req workerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	err := h.lifecycle.ReleaseJob(c.Request.Context(), c.Param("id"), req.WorkerID)
	if err != nil {
		if errors.Is(err, service.ErrNotOwner) {
			c.JSON(http.StatusConflict, gin.H{"error": "Claim is no longer held"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to release job: " + err.Error(),
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// PackagingCallback handles POST /api/v1/worker/callbacks/packaging, the
// build worker's completion report.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *WorkerHandler) PackagingCallback(c *gin.Context) {
	var result service.PackagingResult
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	if err := h.lifecycle.HandlePackagingResult(c.Request.Context(), &result); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to process packaging result: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}
