package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"locker-coordinator/internal/model"
)

// Flows are the member-facing operations a kiosk serves locally.
type Flows interface {
	Claim(ctx context.Context, lockerID int, ownerType model.OwnerType, ownerKey string) (model.Locker, error)
	Return(ctx context.Context, ownerKey string) (model.Locker, error)
}

type claimRequest struct {
	LockerID  int             `json:"locker_id" binding:"required,gt=0"`
	OwnerType model.OwnerType `json:"owner_type" binding:"required"`
	OwnerKey  string          `json:"owner_key" binding:"required"`
}

type returnRequest struct {
	OwnerKey string `json:"owner_key" binding:"required"`
}

// NewKioskRouter serves the kiosk UI on the kiosk itself. It is meant to be
// bound to localhost only.
func NewKioskRouter(kioskID string, flows Flows) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "kiosk_id": kioskID})
	})

	api := r.Group("/api")
	{
		api.POST("/claim", func(c *gin.Context) {
			var req claimRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			switch req.OwnerType {
			case model.OwnerRFID, model.OwnerDevice, model.OwnerVIP:
			default:
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "owner_type must be rfid, device or vip"})
				return
			}

			l, err := flows.Claim(c.Request.Context(), req.LockerID, req.OwnerType, req.OwnerKey)
			if err != nil {
				abortWithError(c, err)
				return
			}
			c.JSON(http.StatusOK, l)
		})

		api.POST("/return", func(c *gin.Context) {
			var req returnRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			l, err := flows.Return(c.Request.Context(), req.OwnerKey)
			if err != nil {
				abortWithError(c, err)
				return
			}
			c.JSON(http.StatusOK, l)
		})
	}

	return r
}
