package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// StartSync handles POST /api/sync/start.
func (h *Handler) StartSync(c *gin.Context) {
	h.sync.Start(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"isRunning": h.sync.IsRunning()})
}

// StopSync handles POST /api/sync/stop.
func (h *Handler) StopSync(c *gin.Context) {
	h.sync.Stop()
	c.JSON(http.StatusOK, gin.H{"isRunning": h.sync.IsRunning()})
}

// GetStatus handles GET /api/sync/status.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sync.Status())
}

// backfillRequest is the body of POST /api/sync/backfill.
type backfillRequest struct {
	StartDate string `json:"start_date" binding:"required"`
	EndDate   string `json:"end_date" binding:"required"`
}

// Backfill handles POST /api/sync/backfill. This is the one operation that
// surfaces an upstream failure to the caller.
func (h *Handler) Backfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "start_date and end_date are required"})
		return
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid start_date. Use YYYY-MM-DD."})
		return
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid end_date. Use YYYY-MM-DD."})
		return
	}

	stored, err := h.sync.Backfill(c.Request.Context(), start, end)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"error":          err.Error(),
			"records_stored": stored,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records_stored": stored})
}
