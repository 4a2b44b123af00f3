package kiosk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locker-coordinator/internal/log"
	"locker-coordinator/internal/model"
	"locker-coordinator/internal/queue"
)

func TestPoller_PollOnceRunsInOrder(t *testing.T) {
	f := newFixture(t)
	first := f.enqueue(t, model.CommandOpenLocker, queue.OpenLocker{LockerID: 3, StaffUser: "ops"})
	second := f.enqueue(t, model.CommandOpenLocker, queue.OpenLocker{LockerID: 1, StaffUser: "ops"})
	other, err := f.queue.Enqueue(f.ctx, queue.Request{
		KioskID: "room-b",
		Type:    model.CommandBlockLocker,
		Payload: []byte(`{"locker_id":1}`),
	})
	require.NoError(t, err)

	p := NewPoller("room-a", f.localQueue(), f.exec, time.Second, log.NewNop())
	assert.Equal(t, 2, p.PollOnce(f.ctx))
	assert.Equal(t, 0, p.PollOnce(f.ctx), "nothing left to run")

	assert.Equal(t, model.CommandCompleted, f.command(t, first.ID).Status)
	assert.Equal(t, model.CommandCompleted, f.command(t, second.ID).Status)
	assert.Equal(t, model.CommandPending, f.command(t, other).Status, "other kiosks' commands are untouched")

	pulses := f.link.Pulses()
	require.Len(t, pulses, 2)
	assert.Equal(t, uint16(2), pulses[0].Coil)
	assert.Equal(t, uint16(0), pulses[1].Coil)
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	p := NewPoller("room-a", f.localQueue(), f.exec, 10*time.Millisecond, log.NewNop())

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cmd := f.enqueue(t, model.CommandOpenLocker, queue.OpenLocker{LockerID: 2})
	require.Eventually(t, func() bool {
		return f.command(t, cmd.ID).Status == model.CommandCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
