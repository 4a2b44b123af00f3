package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"locker-coordinator/internal/events"
	"locker-coordinator/internal/model"
)

// ListAudit handles GET /api/audit?kiosk_id=&command_id=&kind=&limit=.
func (h *Handler) ListAudit(c *gin.Context) {
	q := events.Query{
		KioskID:   c.Query("kiosk_id"),
		CommandID: c.Query("command_id"),
		Kind:      model.AuditKind(c.Query("kind")),
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		q.Limit = limit
	}

	evs, err := h.audit.List(c.Request.Context(), q)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}
