package api

import (
	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"locker-coordinator/internal/log"
	"locker-coordinator/internal/mw"
)

// NewRouter creates the coordinator router.
func NewRouter(s Services, webpushOptions *webpush.Options, logger log.Logger) *gin.Engine {
	r := gin.Default()

	handler := NewHandler(s, webpushOptions, logger)

	// Operators: 10 requests per second with a burst of 5 per client.
	rateLimiter := mw.RateLimiter(rate.Limit(10), 5)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	operator := api.Group("", rateLimiter)
	{
		operator.POST("/commands", handler.EnqueueCommand)
		operator.GET("/commands/:id", handler.GetCommand)
		operator.POST("/bulk-open", handler.BulkOpen)

		operator.GET("/lockers", handler.ListLockers)
		operator.GET("/kiosks/:kiosk_id/lockers/:locker_id", handler.GetLocker)
		operator.POST("/kiosks/:kiosk_id/lockers", handler.ProvisionLockers)
		operator.DELETE("/kiosks/:kiosk_id/lockers", handler.DeprovisionLockers)

		operator.GET("/kiosks", handler.ListKiosks)
		operator.GET("/kiosks/:kiosk_id", handler.GetKiosk)
		operator.GET("/audit", handler.ListAudit)

		operator.GET("/subscriptions", handler.GetSubscription)
		operator.PUT("/subscriptions", handler.PutSubscription)
		operator.DELETE("/subscriptions", handler.DeleteSubscription)
		operator.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	// Kiosk delivery protocol. Kiosks poll every few seconds and are not rate limited.
	kiosk := api.Group("/kiosks/:kiosk_id")
	{
		kiosk.POST("/heartbeat", handler.Heartbeat)
		kiosk.POST("/restart", handler.Restart)
		kiosk.GET("/commands", handler.PollCommands)
		kiosk.POST("/commands/:id/start", handler.StartCommand)
		kiosk.POST("/commands/:id/attempt", handler.RecordAttempt)
		kiosk.POST("/commands/:id/complete", handler.CompleteCommand)
		kiosk.POST("/commands/:id/fail", handler.FailCommand)
	}

	return r
}
