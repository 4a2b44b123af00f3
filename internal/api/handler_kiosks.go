package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"locker-coordinator/internal/liveness"
	"locker-coordinator/internal/model"
	"locker-coordinator/internal/queue"
)

// ListKiosks handles GET /api/kiosks.
func (h *Handler) ListKiosks(c *gin.Context) {
	kiosks, err := h.registry.List(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kiosks": kiosks})
}

// GetKiosk handles GET /api/kiosks/:kiosk_id.
func (h *Handler) GetKiosk(c *gin.Context) {
	k, err := h.registry.Status(c.Request.Context(), c.Param("kiosk_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, k)
}

// bindMetadata reads optional kiosk metadata. An empty body is allowed.
func bindMetadata(c *gin.Context) (liveness.Metadata, bool) {
	var md liveness.Metadata
	if err := c.ShouldBindJSON(&md); err != nil && !errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return md, false
	}
	return md, true
}

// Heartbeat handles POST /api/kiosks/:kiosk_id/heartbeat.
func (h *Handler) Heartbeat(c *gin.Context) {
	md, ok := bindMetadata(c)
	if !ok {
		return
	}
	if err := h.registry.Heartbeat(c.Request.Context(), c.Param("kiosk_id"), md); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Restart handles POST /api/kiosks/:kiosk_id/restart. Every command that
// was pending or executing for the kiosk is failed, never re-executed.
func (h *Handler) Restart(c *gin.Context) {
	md, ok := bindMetadata(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	kioskID := c.Param("kiosk_id")

	if err := h.registry.Restarted(ctx, kioskID, md); err != nil {
		abortWithError(c, err)
		return
	}
	cleared, err := h.queue.ClearForRestart(ctx, kioskID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

// PollCommands handles GET /api/kiosks/:kiosk_id/commands.
func (h *Handler) PollCommands(c *gin.Context) {
	cmds, err := h.queue.Poll(c.Request.Context(), c.Param("kiosk_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	views := make([]queue.View, 0, len(cmds))
	for _, cmd := range cmds {
		views = append(views, queue.NewView(cmd))
	}
	c.JSON(http.StatusOK, gin.H{"commands": views})
}

// kioskCommand loads the :id command and checks it belongs to :kiosk_id.
func (h *Handler) kioskCommand(c *gin.Context) (model.Command, bool) {
	cmd, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return cmd, false
	}
	if cmd.KioskID != c.Param("kiosk_id") {
		abortWithError(c, fmt.Errorf("%w: %s for kiosk %s", queue.ErrNotFound, cmd.ID, c.Param("kiosk_id")))
		return cmd, false
	}
	return cmd, true
}

// StartCommand handles POST /api/kiosks/:kiosk_id/commands/:id/start.
func (h *Handler) StartCommand(c *gin.Context) {
	cmd, ok := h.kioskCommand(c)
	if !ok {
		return
	}
	claimed, err := h.queue.Start(c.Request.Context(), cmd.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claimed": claimed})
}

type commandErrorRequest struct {
	Error string `json:"error"`
}

// RecordAttempt handles POST /api/kiosks/:kiosk_id/commands/:id/attempt.
func (h *Handler) RecordAttempt(c *gin.Context) {
	h.finishCommand(c, func(id, cause string) error {
		return h.queue.RecordAttempt(c.Request.Context(), id, cause)
	})
}

// CompleteCommand handles POST /api/kiosks/:kiosk_id/commands/:id/complete.
func (h *Handler) CompleteCommand(c *gin.Context) {
	h.finishCommand(c, func(id, _ string) error {
		return h.queue.Complete(c.Request.Context(), id)
	})
}

// FailCommand handles POST /api/kiosks/:kiosk_id/commands/:id/fail.
func (h *Handler) FailCommand(c *gin.Context) {
	h.finishCommand(c, func(id, cause string) error {
		if cause == "" {
			cause = "failed without reason"
		}
		return h.queue.Fail(c.Request.Context(), id, cause)
	})
}

func (h *Handler) finishCommand(c *gin.Context, apply func(id, cause string) error) {
	var req commandErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd, ok := h.kioskCommand(c)
	if !ok {
		return
	}
	if err := apply(cmd.ID, req.Error); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
