package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/appdeploy/packpilot/internal/service"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// BatchHandler handles batch deployment endpoints.
type BatchHandler struct {
	orchestrator *service.Orchestrator
}

// NewBatchHandler creates a new batch handler.
// Parameters:
//   - orchestrator: batch orchestrator.
// Returns:
//   - *BatchHandler: initialized handler.
func NewBatchHandler(orchestrator *service.Orchestrator) *BatchHandler {
	return &BatchHandler{orchestrator: orchestrator}
}

// CreateBatch handles POST /api/v1/batches.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *BatchHandler) CreateBatch(c *gin.Context) {
	var req service.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	batch, err := h.orchestrator.CreateBatch(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create batch: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, batch)
}

// GetBatch handles GET /api/v1/batches/:id, returning the batch with its
// per-tenant items.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *BatchHandler) GetBatch(c *gin.Context) {
	detail, err := h.orchestrator.GetBatchDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Batch not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load batch: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, detail)
}

// ListBatches handles GET /api/v1/batches.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *BatchHandler) ListBatches(c *gin.Context) {
	orgID := c.Query("organization_id")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Query parameter 'organization_id' is required",
		})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	batches, err := h.orchestrator.ListBatches(c.Request.Context(), orgID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list batches: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"batches": batches,
		"count":   len(batches),
	})
}

// CancelBatch handles POST /api/v1/batches/:id/cancel.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *BatchHandler) CancelBatch(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	batch, err := h.orchestrator.CancelBatch(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Batch not found"})
		case errors.Is(err, service.ErrBatchFinished):
			c.JSON(http.StatusConflict, gin.H{"error": "Batch is already finished"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel batch: " + err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusOK, batch)
}
