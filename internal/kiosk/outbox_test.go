package kiosk

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locker-coordinator/internal/log"
	"locker-coordinator/internal/model"
	"locker-coordinator/internal/queue"
)

// lossyReports fails the first n outcome reports as if the coordinator
// was unreachable.
// Once gone is set, every report answers 404.
type lossyReports struct {
	*localQueue
	failures atomic.Int32
	gone     atomic.Bool
}

func (q *lossyReports) lost() error {
	if q.gone.Load() {
		return &APIError{StatusCode: http.StatusNotFound, Message: "command not found"}
	}
	if q.failures.Load() > 0 {
		q.failures.Add(-1)
		return errors.New("connection reset by peer")
	}
	return nil
}

func (q *lossyReports) Complete(ctx context.Context, kioskID, id string) error {
	if err := q.lost(); err != nil {
		return err
	}
	return q.localQueue.Complete(ctx, kioskID, id)
}

func (q *lossyReports) Fail(ctx context.Context, kioskID, id, cause string) error {
	if err := q.lost(); err != nil {
		return err
	}
	return q.localQueue.Fail(ctx, kioskID, id, cause)
}

func TestOutbox_Backoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := newOutbox(10*time.Millisecond, 40*time.Millisecond)
	o.now = func() time.Time { return now }

	o.add(outcome{id: "a"})
	assert.Empty(t, o.take(), "not due yet")

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		start := now
		for len(o.pending) > 0 && o.pending[0].next.After(now) {
			now = now.Add(time.Millisecond)
		}
		delays = append(delays, now.Sub(start))
		due := o.take()
		require.Len(t, due, 1)
		o.retry(due)
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond}, delays)
	assert.Equal(t, 1, o.len())
}

func TestExecutor_RetriesLostCompletion(t *testing.T) {
	f := newFixture(t)
	q := &lossyReports{localQueue: f.localQueue()}
	q.failures.Store(3)
	exec := NewExecutor(f.kiosk, q, f.lockers, f.relays, f.audit, log.NewNop())
	p := NewPoller("room-a", q, exec, time.Hour, log.NewNop())

	cmd := f.enqueue(t, model.CommandOpenLocker, queue.OpenLocker{LockerID: 2, StaffUser: "ops"})
	assert.Equal(t, 1, p.PollOnce(f.ctx))
	assert.Equal(t, model.CommandExecuting, f.command(t, cmd.ID).Status)
	assert.Equal(t, 1, exec.Unreported())

	for i := 0; i < 100 && exec.Unreported() > 0; i++ {
		time.Sleep(5 * time.Millisecond)
		p.PollOnce(f.ctx)
	}
	require.Zero(t, exec.Unreported())

	got := f.command(t, cmd.ID)
	assert.Equal(t, model.CommandCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Len(t, f.link.Pulses(), 1, "the locker is opened once")

	// The locker accepts new commands once the outcome is recorded.
	_, err := f.queue.Enqueue(f.ctx, queue.Request{
		KioskID: "room-a",
		Type:    model.CommandOpenLocker,
		Payload: []byte(`{"locker_id":2,"staff_user":"ops"}`),
	})
	assert.NoError(t, err)
}

func TestExecutor_RetriesLostFailure(t *testing.T) {
	f := newFixture(t)
	q := &lossyReports{localQueue: f.localQueue()}
	q.failures.Store(1)
	exec := NewExecutor(f.kiosk, q, f.lockers, f.relays, f.audit, log.NewNop())

	// Locker 9 is not provisioned, so the command fails.
	cmd := f.enqueue(t, model.CommandOpenLocker, queue.OpenLocker{LockerID: 9, StaffUser: "ops"})
	err := exec.Execute(f.ctx, cmd)
	assert.ErrorContains(t, err, "queued for retry")

	require.Eventually(t, func() bool {
		return exec.Flush(f.ctx) == 0
	}, time.Second, 5*time.Millisecond)

	got := f.command(t, cmd.ID)
	assert.Equal(t, model.CommandFailed, got.Status)
	assert.NotEmpty(t, got.LastError)
}

func TestExecutor_DropsOutcomeOfUnknownCommand(t *testing.T) {
	f := newFixture(t)
	q := &lossyReports{localQueue: f.localQueue()}
	q.failures.Store(1)
	exec := NewExecutor(f.kiosk, q, f.lockers, f.relays, f.audit, log.NewNop())

	cmd := f.enqueue(t, model.CommandOpenLocker, queue.OpenLocker{LockerID: 1, StaffUser: "ops"})
	require.Error(t, exec.Execute(f.ctx, cmd))
	require.Equal(t, 1, exec.Unreported())

	q.gone.Store(true)
	require.Eventually(t, func() bool {
		return exec.Flush(f.ctx) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.CommandExecuting, f.command(t, cmd.ID).Status)
}
