package kiosk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"locker-coordinator/config"
	"locker-coordinator/internal/events"
	"locker-coordinator/internal/hardware"
	"locker-coordinator/internal/locker"
	"locker-coordinator/internal/log"
	"locker-coordinator/internal/model"
	"locker-coordinator/internal/queue"
)

// Opener drives the relay of a locker.
type Opener interface {
	Open(ctx context.Context, lockerID int, opts hardware.OpenOptions) (hardware.Result, error)
}

// releaseRetries bounds re-reads when a release after a pulse loses a race.
const releaseRetries = 3

// Executor runs the commands of one kiosk. Locker state is only changed
// after the relay confirmed the physical action.
type Executor struct {
	kioskID     string
	queue       Queue
	lockers     *locker.Store
	relays      Opener
	sink        events.Sink
	logger      log.Logger
	executed    *cache.Cache
	outbox      *outbox
	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
}

// NewExecutor creates an executor for the kiosk described by cfg.
func NewExecutor(cfg config.KioskConfig, q Queue, lockers *locker.Store, relays Opener, sink events.Sink, logger log.Logger) *Executor {
	if sink == nil {
		sink = events.Discard{}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Executor{
		kioskID:     cfg.ID,
		queue:       q,
		lockers:     lockers,
		relays:      relays,
		sink:        sink,
		logger:      logger.WithName("executor").WithValues("kiosk", cfg.ID),
		executed:    cache.New(10*time.Minute, 15*time.Minute),
		outbox:      newOutbox(cfg.RetryBase, cfg.PollInterval*8),
		maxAttempts: maxAttempts,
		retryBase:   cfg.RetryBase,
		retryMax:    cfg.RetryMax,
	}
}

// Execute runs cmd at most once on this kiosk and reports the outcome.
func (e *Executor) Execute(ctx context.Context, cmd queue.View) error {
	if _, done := e.executed.Get(cmd.ID); done {
		e.logger.Debug("command already executed here, skipping", "command", cmd.ID)
		return nil
	}

	claimed, err := e.queue.Start(ctx, e.kioskID, cmd.ID)
	if err != nil {
		return fmt.Errorf("failed to claim command %s: %w", cmd.ID, err)
	}
	if !claimed {
		e.logger.Info("command no longer pending, skipping", "command", cmd.ID)
		return nil
	}
	e.executed.SetDefault(cmd.ID, struct{}{})

	payload, err := cmd.Decode()
	if err != nil {
		return e.finish(ctx, cmd.ID, err.Error())
	}

	e.logger.Info("executing command", "command", cmd.ID, "type", cmd.Type)
	if runErr := e.run(ctx, cmd.ID, payload); runErr != nil {
		e.logger.Error(runErr, "command failed", "command", cmd.ID, "type", cmd.Type)
		return e.finish(ctx, cmd.ID, runErr.Error())
	}
	return e.finish(ctx, cmd.ID, "")
}

// run executes a payload, retrying transient failures with exponential backoff.
func (e *Executor) run(ctx context.Context, id string, payload queue.Payload) error {
	if bulk, ok := payload.(*queue.BulkOpen); ok {
		return e.bulkOpen(ctx, id, bulk)
	}

	delay := e.retryBase
	for attempt := 1; ; attempt++ {
		err := e.handle(ctx, id, payload)
		if err == nil {
			return nil
		}
		if !transient(err) || attempt >= e.maxAttempts {
			return err
		}

		e.logger.Warn("transient failure, retrying",
			"command", id,
			"attempt", attempt,
			"max_attempts", e.maxAttempts,
			"error", err,
		)
		if rerr := e.queue.RecordAttempt(ctx, e.kioskID, id, err.Error()); rerr != nil {
			e.logger.Error(rerr, "failed to record attempt", "command", id)
		}
		if werr := sleep(ctx, delay); werr != nil {
			return err
		}
		delay *= 2
		if e.retryMax > 0 && delay > e.retryMax {
			delay = e.retryMax
		}
	}
}

func (e *Executor) handle(ctx context.Context, id string, payload queue.Payload) error {
	switch p := payload.(type) {
	case *queue.OpenLocker:
		l, err := e.lockers.Get(ctx, e.kioskID, p.LockerID)
		if err != nil {
			return err
		}
		return e.openOne(ctx, id, l, actorOf(p.StaffUser), p.Force, nil)
	case *queue.BlockLocker:
		_, err := e.lockers.ForceTransition(ctx, e.kioskID, p.LockerID, model.LockerBlocked, actorOf(p.StaffUser), p.Reason)
		return err
	case *queue.UnblockLocker:
		l, err := e.lockers.Get(ctx, e.kioskID, p.LockerID)
		if err != nil {
			return err
		}
		if l.Status != model.LockerBlocked {
			return &locker.TransitionError{KioskID: e.kioskID, LockerID: p.LockerID, From: l.Status, Event: locker.EventUnblock}
		}
		_, err = e.lockers.ForceTransition(ctx, e.kioskID, p.LockerID, model.LockerFree, actorOf(p.StaffUser), p.Reason)
		return err
	default:
		return fmt.Errorf("%w: unsupported command %s", queue.ErrInvalidPayload, payload.Type())
	}
}

// openOne opens a locker on behalf of staff. The locker ends Free unless it
// was Blocked; a failed pulse leaves its status as it was. A non-nil gate
// spaces the pulse from the previous one.
func (e *Executor) openOne(ctx context.Context, id string, l model.Locker, actor string, force bool, gate *rate.Limiter) error {
	opts := hardware.OpenOptions{Burst: force}

	switch l.Status {
	case model.LockerBlocked:
		if !force {
			return &locker.TransitionError{KioskID: l.KioskID, LockerID: l.LockerID, From: l.Status, Event: "open"}
		}
		return e.pulse(ctx, id, l.LockerID, actor, opts, gate)

	case model.LockerOwned, model.LockerReserved:
		if err := e.pulse(ctx, id, l.LockerID, actor, opts, gate); err != nil {
			return err
		}
		return e.releaseAfterOpen(ctx, l.LockerID, actor)

	case model.LockerFree:
		held, err := e.lockers.Assign(ctx, l.KioskID, l.LockerID, model.OwnerStaff, locker.StaffKey(actor), l.Version)
		if err != nil {
			return err
		}
		perr := e.pulse(ctx, id, l.LockerID, actor, opts, gate)
		if _, err := e.lockers.ReleaseAs(ctx, l.KioskID, l.LockerID, "", held.Version, actor); err != nil {
			if perr != nil {
				return errors.Join(perr, err)
			}
			return err
		}
		return perr

	default:
		return fmt.Errorf("locker %s/%d has unknown status %q", l.KioskID, l.LockerID, l.Status)
	}
}

// releaseAfterOpen frees a locker whose door was just opened, re-reading on
// version conflicts instead of pulsing again.
func (e *Executor) releaseAfterOpen(ctx context.Context, lockerID int, actor string) error {
	var err error
	for i := 0; i < releaseRetries; i++ {
		var l model.Locker
		l, err = e.lockers.Get(ctx, e.kioskID, lockerID)
		if err != nil {
			return err
		}
		if l.Status != model.LockerOwned && l.Status != model.LockerReserved {
			return nil
		}
		_, err = e.lockers.ReleaseAs(ctx, e.kioskID, lockerID, "", l.Version, actor)
		if !errors.Is(err, locker.ErrOptimisticLock) {
			return err
		}
	}
	return err
}

func (e *Executor) pulse(ctx context.Context, id string, lockerID int, actor string, opts hardware.OpenOptions, gate *rate.Limiter) error {
	if gate != nil {
		if err := gate.Wait(ctx); err != nil {
			return err
		}
	}
	_, err := e.relays.Open(ctx, lockerID, opts)
	if err != nil {
		e.hardwareFailure(ctx, id, lockerID, actor, err)
	}
	return err
}

func (e *Executor) hardwareFailure(ctx context.Context, id string, lockerID int, actor string, cause error) {
	ev := model.AuditEvent{
		Kind:      model.AuditHardwareFailure,
		KioskID:   e.kioskID,
		LockerID:  lockerID,
		CommandID: id,
		Actor:     actor,
		Reason:    cause.Error(),
	}
	if err := e.sink.Record(ctx, ev); err != nil {
		e.logger.Error(err, "failed to record hardware failure", "locker", lockerID)
	}
}

// bulkOpen opens lockers in list order, spacing pulse starts by the
// requested interval. It is never retried as a whole.
func (e *Executor) bulkOpen(ctx context.Context, id string, p *queue.BulkOpen) error {
	actor := actorOf(p.StaffUser)
	spacing := rate.NewLimiter(rate.Every(time.Duration(p.IntervalMs)*time.Millisecond), 1)

	var failed []int
	opened, skipped := 0, 0
	for _, lockerID := range p.LockerIDs {
		l, err := e.lockers.Get(ctx, e.kioskID, lockerID)
		if err != nil {
			e.logger.Error(err, "bulk open: cannot load locker", "command", id, "locker", lockerID)
			failed = append(failed, lockerID)
			continue
		}
		if p.ExcludeVIP && l.IsVIP {
			skipped++
			continue
		}
		if l.Status == model.LockerBlocked {
			e.logger.Info("bulk open: skipping blocked locker", "command", id, "locker", lockerID)
			skipped++
			continue
		}

		if err := e.openOne(ctx, id, l, actor, false, spacing); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("bulk open interrupted after %d lockers: %w", opened, err)
			}
			e.logger.Warn("bulk open: locker did not open", "command", id, "locker", lockerID, "error", err)
			failed = append(failed, lockerID)
			continue
		}
		opened++
	}

	e.logger.Info("bulk open finished", "command", id, "opened", opened, "skipped", skipped, "failed", len(failed))
	if len(failed) > 0 {
		return fmt.Errorf("bulk open: %d of %d lockers did not open: %v", len(failed), len(p.LockerIDs), failed)
	}
	return nil
}

func transient(err error) bool {
	return hardware.IsTransient(err) || errors.Is(err, locker.ErrOptimisticLock)
}

func actorOf(staffUser string) string {
	if staffUser == "" {
		return "system"
	}
	return staffUser
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
