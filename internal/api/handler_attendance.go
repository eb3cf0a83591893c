package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetAttendance handles GET /api/attendance. This is the read surface for
// downstream payroll and reporting consumers.
func (h *Handler) GetAttendance(c *gin.Context) {
	employeeCode := c.Query("employee_code")
	if employeeCode == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "employee_code is required"})
		return
	}

	records, err := h.store.AttendanceForEmployee(c.Request.Context(), employeeCode, c.Query("from"), c.Query("to"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve attendance"})
		return
	}
	c.JSON(http.StatusOK, records)
}
