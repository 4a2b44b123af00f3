package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"locker-coordinator/internal/locker"
	"locker-coordinator/internal/model"
	"locker-coordinator/internal/parse"
)

// ListLockers handles GET /api/lockers?kiosk_id=&status=&owner_key=&vip=.
func (h *Handler) ListLockers(c *gin.Context) {
	f := locker.Filter{
		KioskID:  c.Query("kiosk_id"),
		Status:   model.LockerStatus(c.Query("status")),
		OwnerKey: c.Query("owner_key"),
	}
	if f.Status != "" && !f.Status.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	if v := c.Query("vip"); v != "" {
		vip, err := strconv.ParseBool(v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid vip flag"})
			return
		}
		f.VIPOnly = vip
	}

	lockers, err := h.lockers.List(c.Request.Context(), f)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lockers": lockers})
}

// GetLocker handles GET /api/kiosks/:kiosk_id/lockers/:locker_id.
func (h *Handler) GetLocker(c *gin.Context) {
	lockerID, err := strconv.Atoi(c.Param("locker_id"))
	if err != nil || lockerID <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid locker ID"})
		return
	}

	l, err := h.lockers.Get(c.Request.Context(), c.Param("kiosk_id"), lockerID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

type provisionRequest struct {
	LockerIDs   string `json:"locker_ids" binding:"required"`
	VIP         bool   `json:"vip"`
	ContractRef string `json:"contract_ref"`
}

// ProvisionLockers handles POST /api/kiosks/:kiosk_id/lockers. Existing
// lockers are left untouched.
func (h *Handler) ProvisionLockers(c *gin.Context) {
	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ids, err := parse.LockerIDs(req.LockerIDs)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.lockers.Provision(c.Request.Context(), c.Param("kiosk_id"), ids, locker.ProvisionOptions{
		VIP:         req.VIP,
		ContractRef: req.ContractRef,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"created": created, "requested": len(ids)})
}

type deprovisionRequest struct {
	LockerIDs string `json:"locker_ids" binding:"required"`
}

// DeprovisionLockers handles DELETE /api/kiosks/:kiosk_id/lockers. Lockers
// that are reserved or owned refuse the whole request.
func (h *Handler) DeprovisionLockers(c *gin.Context) {
	var req deprovisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ids, err := parse.LockerIDs(req.LockerIDs)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	removed, err := h.lockers.Deprovision(c.Request.Context(), c.Param("kiosk_id"), ids)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
