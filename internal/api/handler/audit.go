package handler

import (
	"net/http"
	"strconv"

	"github.com/appdeploy/packpilot/internal/repository"
	"github.com/gin-gonic/gin"
)

// AuditHandler handles audit log endpoints.
type AuditHandler struct {
	audit *repository.AuditRepository
}

// NewAuditHandler creates a new audit handler.
// Parameters:
//   - audit: audit log repository.
// Returns:
//   - *AuditHandler: initialized handler.
func NewAuditHandler(audit *repository.AuditRepository) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// ListEvents handles GET /api/v1/audit.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AuditHandler) ListEvents(c *gin.Context) {
	orgID := c.Query("organization_id")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Query parameter 'organization_id' is required",
		})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	events, err := h.audit.ListByOrganization(c.Request.Context(), orgID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list audit events: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}
