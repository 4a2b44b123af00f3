package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"locker-coordinator/internal/locker"
	"locker-coordinator/internal/model"
	"locker-coordinator/internal/parse"
	"locker-coordinator/internal/queue"
)

// EnqueueCommand handles POST /api/commands.
func (h *Handler) EnqueueCommand(c *gin.Context) {
	var req queue.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.queue.Enqueue(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"command_id": id})
}

// GetCommand handles GET /api/commands/:id.
func (h *Handler) GetCommand(c *gin.Context) {
	cmd, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, queue.NewView(cmd))
}

type bulkOpenRequest struct {
	KioskIDs    []string `json:"kiosk_ids" binding:"required"`
	Lockers     string   `json:"lockers"`
	StaffUser   string   `json:"staff_user"`
	Reason      string   `json:"reason"`
	ExcludeVIP  bool     `json:"exclude_vip"`
	IntervalMs  int      `json:"interval_ms"`
	SkipOffline bool     `json:"skip_offline"`
}

type bulkOpenResponse struct {
	Commands map[string]string `json:"commands"`
	Skipped  []string          `json:"skipped"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// BulkOpen handles POST /api/bulk-open: one bulk_open command per kiosk.
// Lockers is a range expression; when empty every provisioned locker of the
// kiosk is opened. Offline kiosks are skipped only when asked to.
func (h *Handler) BulkOpen(c *gin.Context) {
	var req bulkOpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.KioskIDs) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "kiosk_ids must not be empty"})
		return
	}

	var explicit []int
	if req.Lockers != "" {
		ids, err := parse.LockerIDs(req.Lockers)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		explicit = ids
	}

	ctx := c.Request.Context()
	targets := req.KioskIDs
	resp := bulkOpenResponse{Commands: map[string]string{}, Skipped: []string{}}
	if req.SkipOffline {
		online, err := h.registry.Online(ctx, req.KioskIDs)
		if err != nil {
			abortWithError(c, err)
			return
		}
		targets = online
		resp.Skipped = missing(req.KioskIDs, online)
	}

	for _, kioskID := range targets {
		ids := explicit
		if ids == nil {
			all, err := h.lockers.List(ctx, locker.Filter{KioskID: kioskID})
			if err != nil {
				abortWithError(c, err)
				return
			}
			for _, l := range all {
				ids = append(ids, l.LockerID)
			}
			if len(ids) == 0 {
				resp.addError(kioskID, fmt.Errorf("%w: kiosk has no lockers", locker.ErrNotFound))
				continue
			}
		}

		payload, err := json.Marshal(queue.BulkOpen{
			LockerIDs:  ids,
			StaffUser:  req.StaffUser,
			Reason:     req.Reason,
			ExcludeVIP: req.ExcludeVIP,
			IntervalMs: req.IntervalMs,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		id, err := h.queue.Enqueue(ctx, queue.Request{KioskID: kioskID, Type: model.CommandBulkOpen, Payload: payload})
		if err != nil {
			if errors.Is(err, queue.ErrInvalidPayload) {
				abortWithError(c, err)
				return
			}
			resp.addError(kioskID, err)
			continue
		}
		resp.Commands[kioskID] = id
	}

	status := http.StatusAccepted
	if len(resp.Commands) == 0 && len(resp.Errors) > 0 {
		status = http.StatusConflict
	}
	c.JSON(status, resp)
}

func (r *bulkOpenResponse) addError(kioskID string, err error) {
	if r.Errors == nil {
		r.Errors = map[string]string{}
	}
	r.Errors[kioskID] = err.Error()
}

// missing returns the ids of all that are not in subset, keeping order.
func missing(all, subset []string) []string {
	in := make(map[string]bool, len(subset))
	for _, id := range subset {
		in[id] = true
	}
	out := []string{}
	for _, id := range all {
		if !in[id] {
			out = append(out, id)
		}
	}
	return out
}
