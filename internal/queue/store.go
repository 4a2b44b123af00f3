package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"locker-coordinator/internal/db"
	"locker-coordinator/internal/events"
	"locker-coordinator/internal/log"
	"locker-coordinator/internal/metrics"
	"locker-coordinator/internal/model"
)

const (
	pollLimit       = 50
	restartErrorMsg = "cleared by kiosk restart"
	timeoutErrorMsg = "execution timed out without a report from the kiosk"
)

// errExists aborts an enqueue transaction whose id was inserted concurrently.
var errExists = errors.New("command already exists")

// Request is a command submitted for delivery to a kiosk.
type Request struct {
	// ID is the idempotency key. A UUID is generated when empty.
	ID      string            `json:"id,omitempty"`
	KioskID string            `json:"kiosk_id"`
	Type    model.CommandType `json:"type"`
	Payload json.RawMessage   `json:"payload"`
}

// View is a command as handed to kiosks and API clients.
type View struct {
	model.Command
	Payload json.RawMessage `json:"payload"`
}

// NewView renders a stored command.
func NewView(c model.Command) View {
	return View{Command: c, Payload: json.RawMessage(c.Payload)}
}

// Decode returns the typed payload of the command.
func (v View) Decode() (Payload, error) {
	return Decode(v.Type, v.Payload)
}

// Store is the durable command queue shared by the coordinator and kiosks.
type Store struct {
	db     *gorm.DB
	sink   events.Sink
	logger log.Logger
	now    func() time.Time

	mu      sync.Mutex
	lastSeq int64
}

// NewStore creates a queue on db. sink may be nil.
func NewStore(db *gorm.DB, sink events.Sink, logger log.Logger) *Store {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Store{
		db:     db,
		sink:   sink,
		logger: logger.WithName("queue"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue validates and persists a command and takes the locks of the lockers
// it targets. Enqueueing an id that already exists returns that id unchanged.
func (s *Store) Enqueue(ctx context.Context, req Request) (string, error) {
	if req.KioskID == "" {
		return "", fmt.Errorf("%w: kiosk_id is required", ErrInvalidPayload)
	}
	payload, err := Decode(req.Type, req.Payload)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	cmd := model.Command{
		ID:        id,
		Seq:       s.nextSeq(now),
		KioskID:   req.KioskID,
		Type:      req.Type,
		Payload:   string(body),
		Status:    model.CommandPending,
		CreatedAt: now,
	}

	existing := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.ID != "" {
			var count int64
			if err := tx.Model(&model.Command{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				existing = true
				return nil
			}
		}

		lockers := payload.Lockers()
		if len(lockers) > 0 {
			var held []model.CommandLock
			if err := tx.Where("kiosk_id = ? AND locker_id IN ?", req.KioskID, lockers).
				Order("locker_id").Find(&held).Error; err != nil {
				return err
			}
			if len(held) > 0 {
				return &DuplicateCommandError{KioskID: req.KioskID, LockerID: held[0].LockerID, CommandID: held[0].CommandID}
			}
		}

		if err := tx.Create(&cmd).Error; err != nil {
			if req.ID != "" && db.IsUniqueViolation(err) {
				return errExists
			}
			return err
		}
		for _, lockerID := range lockers {
			lock := model.CommandLock{KioskID: req.KioskID, LockerID: lockerID, CommandID: id, CreatedAt: now}
			if err := tx.Create(&lock).Error; err != nil {
				if db.IsUniqueViolation(err) {
					return &DuplicateCommandError{KioskID: req.KioskID, LockerID: lockerID}
				}
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errExists) {
		existing, err = true, nil
	}
	if err != nil {
		if errors.Is(err, ErrDuplicateCommand) {
			return "", err
		}
		return "", fmt.Errorf("failed to enqueue %s for kiosk %s: %w", req.Type, req.KioskID, err)
	}
	if existing {
		s.logger.Info("command already enqueued", "command", id)
		return id, nil
	}

	metrics.CommandsEnqueued.WithLabelValues(string(req.Type)).Inc()
	s.logger.Info("command enqueued", "command", id, "kiosk", req.KioskID, "type", req.Type)
	s.audit(ctx, model.AuditEvent{
		Kind:      model.AuditCommandEnqueued,
		KioskID:   req.KioskID,
		LockerID:  firstLocker(payload),
		CommandID: id,
		Actor:     staffUser(payload),
		Reason:    reason(payload),
		Detail:    string(req.Type),
	})
	return id, nil
}

// Poll returns the pending commands of a kiosk in enqueue order.
func (s *Store) Poll(ctx context.Context, kioskID string) ([]model.Command, error) {
	var out []model.Command
	err := s.db.WithContext(ctx).
		Where("kiosk_id = ? AND status = ?", kioskID, model.CommandPending).
		Order("seq").
		Limit(pollLimit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to poll commands for kiosk %s: %w", kioskID, err)
	}
	return out, nil
}

// Start claims a pending command for execution. claimed is false when the
// command already left the pending state; the caller must then skip it.
func (s *Store) Start(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Command{}).
		Where("id = ? AND status = ?", id, model.CommandPending).
		Updates(map[string]any{
			"status":      model.CommandExecuting,
			"executed_at": s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to start command %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// RecordAttempt notes a failed attempt of an executing command that will be retried.
func (s *Store) RecordAttempt(ctx context.Context, id, cause string) error {
	res := s.db.WithContext(ctx).Model(&model.Command{}).
		Where("id = ? AND status = ?", id, model.CommandExecuting).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to record attempt of command %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Complete marks a command completed and releases its locker locks.
func (s *Store) Complete(ctx context.Context, id string) error {
	return s.finish(ctx, id, model.CommandCompleted, "")
}

// Fail marks a command failed and releases its locker locks.
func (s *Store) Fail(ctx context.Context, id, cause string) error {
	return s.finish(ctx, id, model.CommandFailed, cause)
}

func (s *Store) finish(ctx context.Context, id string, status model.CommandStatus, cause string) error {
	var cmd model.Command
	done := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&cmd).Error; err != nil {
			return err
		}
		if cmd.Status.Terminal() {
			return nil
		}

		now := s.now()
		updates := map[string]any{
			"status":       status,
			"attempts":     gorm.Expr("attempts + 1"),
			"completed_at": now,
		}
		if cause != "" {
			updates["last_error"] = cause
		}
		res := tx.Model(&model.Command{}).
			Where("id = ? AND status IN ?", id, []model.CommandStatus{model.CommandPending, model.CommandExecuting}).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Where("command_id = ?", id).Delete(&model.CommandLock{}).Error; err != nil {
			return err
		}
		done = true
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to finish command %s: %w", id, err)
	}
	if !done {
		s.logger.Debug("command already terminal", "command", id, "status", cmd.Status)
		return nil
	}

	metrics.CommandsFinished.WithLabelValues(string(status)).Inc()
	kind := model.AuditCommandCompleted
	if status == model.CommandFailed {
		kind = model.AuditCommandFailed
		s.logger.Warn("command failed", "command", id, "kiosk", cmd.KioskID, "error", cause)
	} else {
		s.logger.Info("command completed", "command", id, "kiosk", cmd.KioskID)
	}
	s.audit(ctx, model.AuditEvent{
		Kind:      kind,
		KioskID:   cmd.KioskID,
		CommandID: id,
		Reason:    cause,
		Detail:    string(cmd.Type),
	})
	return nil
}

// ClearForRestart fails every pending or executing command of a kiosk that
// restarted and releases their locks. Nothing is re-executed.
func (s *Store) ClearForRestart(ctx context.Context, kioskID string) (int, error) {
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Command{}).
			Where("kiosk_id = ? AND status IN ?", kioskID, []model.CommandStatus{model.CommandPending, model.CommandExecuting}).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Model(&model.Command{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":       model.CommandFailed,
				"last_error":   restartErrorMsg,
				"completed_at": s.now(),
			}).Error; err != nil {
			return err
		}
		return tx.Where("command_id IN ?", ids).Delete(&model.CommandLock{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue of kiosk %s: %w", kioskID, err)
	}

	metrics.CommandsFinished.WithLabelValues(string(model.CommandFailed)).Add(float64(len(ids)))
	s.logger.Warn("kiosk restarted, queue cleared", "kiosk", kioskID, "cleared", len(ids))
	s.audit(ctx, model.AuditEvent{
		Kind:    model.AuditKioskRestart,
		KioskID: kioskID,
		Actor:   kioskID,
		Reason:  restartErrorMsg,
		Detail:  strings.Join(ids, ","),
	})
	return len(ids), nil
}

// FailStale fails executing commands whose execution started more than
// timeout ago and releases their locks. It returns the ids it failed.
func (s *Store) FailStale(ctx context.Context, timeout time.Duration) ([]string, error) {
	var stale []model.Command
	cutoff := s.now().Add(-timeout)
	err := s.db.WithContext(ctx).
		Where("status = ? AND executed_at < ?", model.CommandExecuting, cutoff).
		Order("seq").
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find stale commands: %w", err)
	}

	var failed []string
	for _, cmd := range stale {
		if err := s.Fail(ctx, cmd.ID, timeoutErrorMsg); err != nil {
			s.logger.Error(err, "failed to expire stale command", "command", cmd.ID)
			continue
		}
		failed = append(failed, cmd.ID)
	}
	return failed, nil
}

// Get returns a command by id.
func (s *Store) Get(ctx context.Context, id string) (model.Command, error) {
	var cmd model.Command
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&cmd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return cmd, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return cmd, fmt.Errorf("failed to load command %s: %w", id, err)
	}
	return cmd, nil
}

// nextSeq hands out strictly increasing sequence numbers for FIFO ordering.
func (s *Store) nextSeq(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := now.UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *Store) audit(ctx context.Context, ev model.AuditEvent) {
	if err := s.sink.Record(ctx, ev); err != nil {
		s.logger.Error(err, "failed to record command event", "kind", ev.Kind, "command", ev.CommandID)
	}
}

func firstLocker(p Payload) int {
	switch v := p.(type) {
	case *BlockLocker:
		return v.LockerID
	case *UnblockLocker:
		return v.LockerID
	}
	if ids := p.Lockers(); len(ids) == 1 {
		return ids[0]
	}
	return 0
}

func staffUser(p Payload) string {
	switch v := p.(type) {
	case *OpenLocker:
		return v.StaffUser
	case *BulkOpen:
		return v.StaffUser
	case *BlockLocker:
		return v.StaffUser
	case *UnblockLocker:
		return v.StaffUser
	}
	return ""
}

func reason(p Payload) string {
	switch v := p.(type) {
	case *OpenLocker:
		return v.Reason
	case *BulkOpen:
		return v.Reason
	case *BlockLocker:
		return v.Reason
	case *UnblockLocker:
		return v.Reason
	}
	return ""
}
