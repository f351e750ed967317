package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/appdeploy/packpilot/internal/service"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// JobHandler handles packaging job endpoints.
type JobHandler struct {
	lifecycle *service.LifecycleManager
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - lifecycle: job lifecycle manager.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(lifecycle *service.LifecycleManager) *JobHandler {
	return &JobHandler{lifecycle: lifecycle}
}

// CreateJob handles POST /api/v1/jobs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req service.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	job, err := h.lifecycle.CreateJob(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, service.ErrNoInstaller) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// GetJob handles GET /api/v1/jobs/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.lifecycle.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load job: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs handles GET /api/v1/jobs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) ListJobs(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Query parameter 'user_id' is required",
		})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	jobs, err := h.lifecycle.ListUserJobs(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// cancelRequest carries the identity of whoever asked for a cancellation.
type cancelRequest struct {
	Actor string `json:"actor"`
}

// CancelJob handles POST /api/v1/jobs/:id/cancel.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) CancelJob(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	job, err := h.lifecycle.CancelJob(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.Is(err, service.ErrJobDeployed):
			c.JSON(http.StatusConflict, gin.H{"error": "Deployed jobs cannot be cancelled"})
		case errors.Is(err, service.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel job: " + err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusOK, job)
}

// DismissJob handles DELETE /api/v1/jobs/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) DismissJob(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Query parameter 'user_id' is required",
		})
		return
	}

	err := h.lifecycle.DismissJob(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.Is(err, service.ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "Job does not belong to caller"})
		case errors.Is(err, service.ErrNotTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": "Only finished jobs can be dismissed"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to dismiss job: " + err.Error(),
			})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

// dismissBulkRequest selects a user's finished jobs for bulk dismissal.
type dismissBulkRequest struct {
	UserID   string             `json:"user_id" binding:"required"`
	Statuses []domain.JobStatus `json:"statuses"`
}

// DismissJobs handles POST /api/v1/jobs/dismissals.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) DismissJobs(c *gin.Context) {
	var req dismissBulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	count, err := h.lifecycle.DismissJobsByStatuses(c.Request.Context(), req.UserID, req.Statuses)
	if err != nil {
		if errors.Is(err, service.ErrNotTerminal) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Only terminal statuses can be dismissed",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to dismiss jobs: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dismissed": count})
}
