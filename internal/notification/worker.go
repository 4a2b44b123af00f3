package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"locker-coordinator/internal/events"
	"locker-coordinator/internal/log"
	"locker-coordinator/internal/metrics"
	"locker-coordinator/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Alert is the push payload shown to operators.
type Alert struct {
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	Kind     model.AuditKind `json:"kind"`
	KioskID  string          `json:"kiosk_id"`
	LockerID int             `json:"locker_id,omitempty"`
}

// WorkerPool manages a pool of workers sending operator alerts.
type WorkerPool struct {
	size    int
	jobs    chan model.AuditEvent
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	logger  log.Logger
}

var _ events.Publisher = (*WorkerPool)(nil)

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options, logger log.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan model.AuditEvent, size*16),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		logger:  logger.WithName("alerts"),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("alert worker started", "worker", id)
	for {
		select {
		case ev := <-wp.jobs:
			wp.sendAlerts(ctx, ev)
		case <-ctx.Done():
			wp.logger.Debug("alert worker shutting down", "worker", id)
			return
		}
	}
}

// Alerting reports whether events of kind are pushed to operators.
func Alerting(kind model.AuditKind) bool {
	switch kind {
	case model.AuditKioskOffline, model.AuditKioskOnline, model.AuditHardwareFailure, model.AuditCommandFailed:
		return true
	}
	return false
}

// Publish queues an alert for ev. It never blocks the caller: when the
// queue is full the alert is dropped and logged.
func (wp *WorkerPool) Publish(_ context.Context, ev model.AuditEvent) error {
	if !Alerting(ev.Kind) {
		return nil
	}
	if !wp.Dispatch(ev) {
		metrics.AlertsSent.WithLabelValues("dropped").Inc()
		wp.logger.Warn("alert queue full, dropping alert", "kind", ev.Kind, "kiosk", ev.KioskID)
	}
	return nil
}

// Dispatch hands ev to the workers. It returns false if the queue is full.
func (wp *WorkerPool) Dispatch(ev model.AuditEvent) bool {
	select {
	case wp.jobs <- ev:
		return true
	default:
		return false
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan model.AuditEvent {
	return wp.jobs
}

// subscribersOf returns the subscriptions following kioskID. A subscription
// without a kiosk filter follows every kiosk.
func (wp *WorkerPool) subscribersOf(ctx context.Context, kioskID string) ([]model.PushSubscription, error) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM subscription_kiosks sk WHERE sk.endpoint = push_subscriptions.endpoint)").
		Or("EXISTS (SELECT 1 FROM subscription_kiosks sk WHERE sk.endpoint = push_subscriptions.endpoint AND sk.kiosk_id = ?)", kioskID).
		Find(&subscriptions).Error
	return subscriptions, err
}

func (wp *WorkerPool) sendAlerts(ctx context.Context, ev model.AuditEvent) {
	subscriptions, err := wp.subscribersOf(ctx, ev.KioskID)
	if err != nil {
		wp.logger.Error(err, "failed to fetch subscriptions", "kiosk", ev.KioskID)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(NewAlert(ev))
	if err != nil {
		wp.logger.Error(err, "failed to encode alert", "kind", ev.Kind)
		return
	}

	wp.logger.Info("sending alerts", "kind", ev.Kind, "kiosk", ev.KioskID, "subscriptions", len(subscriptions))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// NewAlert renders the operator-facing text of an audit event.
func NewAlert(ev model.AuditEvent) Alert {
	a := Alert{Kind: ev.Kind, KioskID: ev.KioskID, LockerID: ev.LockerID}
	switch ev.Kind {
	case model.AuditKioskOffline:
		a.Title = fmt.Sprintf("Kiosk %s offline", ev.KioskID)
		a.Body = "No heartbeat received. Queued commands wait until it is back."
	case model.AuditKioskOnline:
		a.Title = fmt.Sprintf("Kiosk %s back online", ev.KioskID)
		a.Body = "Heartbeats resumed."
	case model.AuditHardwareFailure:
		a.Title = fmt.Sprintf("Locker %d at %s did not open", ev.LockerID, ev.KioskID)
		a.Body = ev.Reason
	case model.AuditCommandFailed:
		a.Title = fmt.Sprintf("Command failed at %s", ev.KioskID)
		a.Body = fmt.Sprintf("%s %s: %s", ev.Detail, ev.CommandID, ev.Reason)
	default:
		a.Title = string(ev.Kind)
		a.Body = ev.Reason
	}
	return a
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		metrics.AlertsSent.WithLabelValues("error").Inc()
		wp.logger.Error(err, "failed to send alert", "endpoint", sub.Endpoint)
		return
	}
	defer resp.Body.Close()
	metrics.AlertsSent.WithLabelValues("ok").Inc()

	if resp.StatusCode == http.StatusGone {
		wp.logger.Info("subscription expired, deleting", "endpoint", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Select("Kiosks").Delete(&sub).Error; err != nil {
			wp.logger.Error(err, "failed to delete expired subscription", "endpoint", sub.Endpoint)
		}
	}
}
