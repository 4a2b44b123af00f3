package events

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"locker-coordinator/internal/log"
	"locker-coordinator/internal/metrics"
	"locker-coordinator/internal/model"
)

// fanoutBuffer is how many recorded events may wait for the publishers.
const fanoutBuffer = 256

// Sink receives audit events from the engine components.
type Sink interface {
	Record(ctx context.Context, ev model.AuditEvent) error
}

// Publisher forwards a recorded event to an outside consumer.
type Publisher interface {
	Publish(ctx context.Context, ev model.AuditEvent) error
}

// Recorder persists audit events and fans them out to publishers. Publishing
// runs on its own goroutine so a slow broker never delays the caller.
type Recorder struct {
	db         *gorm.DB
	logger     log.Logger
	publishers []Publisher
	fanout     chan model.AuditEvent
}

// NewRecorder creates a recorder writing to the audit_events table.
func NewRecorder(db *gorm.DB, logger log.Logger, publishers ...Publisher) *Recorder {
	return &Recorder{
		db:         db,
		logger:     logger.WithName("audit"),
		publishers: publishers,
		fanout:     make(chan model.AuditEvent, fanoutBuffer),
	}
}

// AddPublisher registers another publisher. Not safe once Start was called.
func (r *Recorder) AddPublisher(p Publisher) {
	r.publishers = append(r.publishers, p)
}

// Start launches the goroutine handing recorded events to the publishers.
// It stops when ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	go r.publish(ctx)
}

func (r *Recorder) publish(ctx context.Context) {
	for {
		select {
		case ev := <-r.fanout:
			for _, p := range r.publishers {
				if err := p.Publish(ctx, ev); err != nil {
					r.logger.Error(err, "failed to publish audit event", "kind", ev.Kind, "id", ev.ID)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Record stores the event and queues it for the publishers. It never waits
// for a publisher: when the queue is full the event is only stored.
func (r *Recorder) Record(ctx context.Context, ev model.AuditEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return fmt.Errorf("failed to record %s event: %w", ev.Kind, err)
	}

	r.logger.Info("audit event",
		"kind", ev.Kind,
		"kiosk", ev.KioskID,
		"locker", ev.LockerID,
		"command", ev.CommandID,
		"actor", ev.Actor,
		"from", ev.FromStatus,
		"to", ev.ToStatus,
	)

	if len(r.publishers) == 0 {
		return nil
	}
	select {
	case r.fanout <- ev:
	default:
		metrics.AuditEventsDropped.Inc()
		r.logger.Warn("publish queue full, event stored but not published", "kind", ev.Kind, "id", ev.ID)
	}
	return nil
}

// Query filters audit events. Zero values are ignored.
type Query struct {
	KioskID   string
	CommandID string
	Kind      model.AuditKind
	Limit     int
}

// List returns matching events, newest first.
func (r *Recorder) List(ctx context.Context, q Query) ([]model.AuditEvent, error) {
	tx := r.db.WithContext(ctx).Model(&model.AuditEvent{})
	if q.KioskID != "" {
		tx = tx.Where("kiosk_id = ?", q.KioskID)
	}
	if q.CommandID != "" {
		tx = tx.Where("command_id = ?", q.CommandID)
	}
	if q.Kind != "" {
		tx = tx.Where("kind = ?", q.Kind)
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var out []model.AuditEvent
	if err := tx.Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return out, nil
}

// Discard is a Sink that drops every event.
type Discard struct{}

// Record implements Sink.
func (Discard) Record(context.Context, model.AuditEvent) error { return nil }
