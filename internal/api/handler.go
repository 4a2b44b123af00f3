package api

import (
	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"locker-coordinator/internal/events"
	"locker-coordinator/internal/liveness"
	"locker-coordinator/internal/locker"
	"locker-coordinator/internal/log"
	"locker-coordinator/internal/queue"
)

// Services are the coordinator components served over HTTP.
type Services struct {
	DB       *gorm.DB
	Lockers  *locker.Store
	Queue    *queue.Store
	Registry *liveness.Registry
	Audit    *events.Recorder
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	db       *gorm.DB
	lockers  *locker.Store
	queue    *queue.Store
	registry *liveness.Registry
	audit    *events.Recorder
	webpush  *webpush.Options
	logger   log.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s Services, webpushOptions *webpush.Options, logger log.Logger) *Handler {
	return &Handler{
		db:       s.DB,
		lockers:  s.Lockers,
		queue:    s.Queue,
		registry: s.Registry,
		audit:    s.Audit,
		webpush:  webpushOptions,
		logger:   logger.WithName("api"),
	}
}
