package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locker-coordinator/internal/events"
	"locker-coordinator/internal/log"
	"locker-coordinator/internal/model"
	"locker-coordinator/internal/testutil"
)

func newQueue(t *testing.T) (*Store, *events.Recorder) {
	t.Helper()
	db := testutil.NewDB(t)
	rec := events.NewRecorder(db, log.NewNop())
	return NewStore(db, rec, log.NewNop()), rec
}

func openReq(kiosk string, lockerID int) Request {
	raw, _ := json.Marshal(OpenLocker{LockerID: lockerID, StaffUser: "a", Reason: "test"})
	return Request{KioskID: kiosk, Type: model.CommandOpenLocker, Payload: raw}
}

func TestStore_EnqueueAndPoll(t *testing.T) {
	q, rec := newQueue(t)
	ctx := context.Background()

	var ids []string
	for _, lockerID := range []int{4, 2, 9} {
		id, err := q.Enqueue(ctx, openReq("room-a", lockerID))
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		ids = append(ids, id)
	}
	_, err := q.Enqueue(ctx, openReq("room-b", 1))
	require.NoError(t, err)

	pending, err := q.Poll(ctx, "room-a")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, cmd := range pending {
		assert.Equal(t, ids[i], cmd.ID, "commands are delivered in enqueue order")
		assert.Equal(t, model.CommandPending, cmd.Status)
	}

	view := NewView(pending[0])
	p, err := view.Decode()
	require.NoError(t, err)
	assert.Equal(t, 4, p.(*OpenLocker).LockerID)

	enqueued, err := rec.List(ctx, events.Query{Kind: model.AuditCommandEnqueued})
	require.NoError(t, err)
	assert.Len(t, enqueued, 4)
}

func TestStore_EnqueueRejects(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Request{KioskID: "room-a", Type: model.CommandOpenLocker, Payload: json.RawMessage(`{"locker_id": 0}`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = q.Enqueue(ctx, Request{Type: model.CommandOpenLocker, Payload: json.RawMessage(`{"locker_id": 1}`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestStore_DuplicateCommand(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, openReq("room-a", 5))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, openReq("room-a", 5))
	require.ErrorIs(t, err, ErrDuplicateCommand)
	var dup *DuplicateCommandError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first, dup.CommandID)
	assert.Equal(t, 5, dup.LockerID)

	bulk, _ := json.Marshal(BulkOpen{LockerIDs: []int{4, 5, 6}})
	_, err = q.Enqueue(ctx, Request{KioskID: "room-a", Type: model.CommandBulkOpen, Payload: bulk})
	assert.ErrorIs(t, err, ErrDuplicateCommand)

	// Other kiosks and block commands are unaffected.
	_, err = q.Enqueue(ctx, openReq("room-b", 5))
	assert.NoError(t, err)
	block, _ := json.Marshal(BlockLocker{LockerID: 5})
	_, err = q.Enqueue(ctx, Request{KioskID: "room-a", Type: model.CommandBlockLocker, Payload: block})
	assert.NoError(t, err)

	// Finishing the first command releases the lock.
	require.NoError(t, q.Complete(ctx, first))
	_, err = q.Enqueue(ctx, openReq("room-a", 5))
	assert.NoError(t, err)
}

func TestStore_IdempotentRedelivery(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	req := openReq("room-a", 5)
	req.ID = "cmd-1"
	id, err := q.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", id)

	again, err := q.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", again, "an explicit id is enqueued once")

	pending, err := q.Poll(ctx, "room-a")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	claimed, err := q.Start(ctx, id)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A redelivered command is not claimed twice.
	claimed, err = q.Start(ctx, id)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, q.Complete(ctx, id))
	claimed, err = q.Start(ctx, id)
	require.NoError(t, err)
	assert.False(t, claimed)

	_, err = q.Start(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AttemptsAndTerminalNoOps(t *testing.T) {
	q, rec := newQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, openReq("room-a", 5))
	require.NoError(t, err)
	_, err = q.Start(ctx, id)
	require.NoError(t, err)

	require.NoError(t, q.RecordAttempt(ctx, id, "hardware timeout"))
	require.NoError(t, q.RecordAttempt(ctx, id, "hardware timeout"))
	require.NoError(t, q.Fail(ctx, id, "relay did not confirm"))

	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CommandFailed, cmd.Status)
	assert.Equal(t, 3, cmd.Attempts)
	assert.Equal(t, "relay did not confirm", cmd.LastError)
	require.NotNil(t, cmd.ExecutedAt)
	require.NotNil(t, cmd.CompletedAt)

	// Late reports change nothing.
	require.NoError(t, q.Complete(ctx, id))
	require.NoError(t, q.Fail(ctx, id, "again"))
	require.NoError(t, q.RecordAttempt(ctx, id, "again"))
	after, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, cmd.Status, after.Status)
	assert.Equal(t, cmd.Attempts, after.Attempts)
	assert.Equal(t, cmd.LastError, after.LastError)

	failed, err := rec.List(ctx, events.Query{CommandID: id, Kind: model.AuditCommandFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	assert.ErrorIs(t, q.Complete(ctx, "missing"), ErrNotFound)
}

func TestStore_ClearForRestart(t *testing.T) {
	q, rec := newQueue(t)
	ctx := context.Background()

	executing, err := q.Enqueue(ctx, openReq("room-a", 1))
	require.NoError(t, err)
	_, err = q.Start(ctx, executing)
	require.NoError(t, err)
	pending, err := q.Enqueue(ctx, openReq("room-a", 2))
	require.NoError(t, err)
	done, err := q.Enqueue(ctx, openReq("room-a", 3))
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, done))
	other, err := q.Enqueue(ctx, openReq("room-b", 1))
	require.NoError(t, err)

	cleared, err := q.ClearForRestart(ctx, "room-a")
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	for _, id := range []string{executing, pending} {
		cmd, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.CommandFailed, cmd.Status)
		assert.Equal(t, "cleared by kiosk restart", cmd.LastError)
	}
	cmd, err := q.Get(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, model.CommandCompleted, cmd.Status)
	cmd, err = q.Get(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, model.CommandPending, cmd.Status)

	left, err := q.Poll(ctx, "room-a")
	require.NoError(t, err)
	assert.Empty(t, left)

	// Locks were released with the commands.
	_, err = q.Enqueue(ctx, openReq("room-a", 1))
	assert.NoError(t, err)

	restarts, err := rec.List(ctx, events.Query{KioskID: "room-a", Kind: model.AuditKioskRestart})
	require.NoError(t, err)
	assert.Len(t, restarts, 1)

	cleared, err = q.ClearForRestart(ctx, "room-c")
	require.NoError(t, err)
	assert.Zero(t, cleared)
}

func TestReaper_FailsStaleExecutingCommands(t *testing.T) {
	q, rec := newQueue(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	q.now = func() time.Time { return now }

	stuck, err := q.Enqueue(ctx, openReq("room-a", 2))
	require.NoError(t, err)
	_, err = q.Start(ctx, stuck)
	require.NoError(t, err)
	waiting, err := q.Enqueue(ctx, openReq("room-a", 3))
	require.NoError(t, err)

	reaper := NewReaper(q, 2*time.Minute, time.Second, log.NewNop())

	now = base.Add(119 * time.Second)
	assert.Zero(t, reaper.ReapOnce(ctx))

	now = base.Add(121 * time.Second)
	assert.Equal(t, 1, reaper.ReapOnce(ctx))

	cmd, err := q.Get(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, model.CommandFailed, cmd.Status)
	assert.Equal(t, timeoutErrorMsg, cmd.LastError)

	cmd, err = q.Get(ctx, waiting)
	require.NoError(t, err)
	assert.Equal(t, model.CommandPending, cmd.Status, "pending commands are never reaped")

	// The lock of the stuck command is released.
	_, err = q.Enqueue(ctx, openReq("room-a", 2))
	assert.NoError(t, err)

	failed, err := rec.List(ctx, events.Query{CommandID: stuck, Kind: model.AuditCommandFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	// A late report from the kiosk is a no-op.
	require.NoError(t, q.Complete(ctx, stuck))
	cmd, err = q.Get(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, model.CommandFailed, cmd.Status)
}
