package hardware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locker-coordinator/config"
	"locker-coordinator/internal/log"
)

func testConfig() config.HardwareConfig {
	return config.HardwareConfig{
		Driver:            "simulated",
		ChannelsPerBoard:  16,
		Boards:            2,
		Pulse:             5 * time.Millisecond,
		MinSpacing:        20 * time.Millisecond,
		BurstDuration:     200 * time.Millisecond,
		BurstInterval:     40 * time.Millisecond,
		ReconnectAttempts: 3,
		ReconnectBase:     time.Millisecond,
		ReconnectMax:      4 * time.Millisecond,
	}
}

func startActuator(t *testing.T, link Link, cfg config.HardwareConfig) *Actuator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a := NewActuator(link, cfg, log.NewNop())
	go a.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-a.stopped
	})
	return a
}

func TestActuator_Open(t *testing.T) {
	link := NewSimulatedLink(2)
	a := startActuator(t, link, testConfig())

	res, err := a.Open(context.Background(), 21, OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Board)
	assert.Equal(t, 5, res.Channel)
	assert.Equal(t, ModeMulti, res.Mode)
	assert.Equal(t, 1, res.Pulses)

	writes := link.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, Write{Slave: 2, Coil: 4, On: true, Mode: ModeMulti, At: writes[0].At}, writes[0])
	assert.False(t, writes[1].On, "coil must be released after the pulse")
	assert.GreaterOrEqual(t, writes[1].At.Sub(writes[0].At), 5*time.Millisecond)
}

func TestActuator_FallsBackToSingleCoil(t *testing.T) {
	link := NewSimulatedLink(2)
	link.FailMultiCoil(&ExceptionError{Function: 0x8F, Code: 0x01})
	a := startActuator(t, link, testConfig())

	res, err := a.Open(context.Background(), 3, OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeSingle, res.Mode)

	pulses := link.Pulses()
	require.Len(t, pulses, 1)
	assert.Equal(t, ModeSingle, pulses[0].Mode)
}

func TestActuator_BothModesFail(t *testing.T) {
	link := NewSimulatedLink(2)
	link.FailMultiCoil(&ExceptionError{Function: 0x8F, Code: 0x04})
	link.FailSingleCoil(&ExceptionError{Function: 0x85, Code: 0x04})
	a := startActuator(t, link, testConfig())

	res, err := a.Open(context.Background(), 3, OpenOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHardwareComm)
	assert.False(t, IsTransient(err))
	assert.Equal(t, 1, res.Pulses)
	assert.Empty(t, link.Writes())
}

func TestActuator_StuckRelayFailsReadBack(t *testing.T) {
	link := NewSimulatedLink(2)
	link.Stick(1, 2)
	a := startActuator(t, link, testConfig())

	_, err := a.Open(context.Background(), 3, OpenOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHardwareComm)
	assert.Len(t, link.Pulses(), 2, "multi then single coil")
}

func TestActuator_Burst(t *testing.T) {
	t.Run("retries until confirmed", func(t *testing.T) {
		link := NewSimulatedLink(2)
		link.FailWritesFor(2)
		a := startActuator(t, link, testConfig())

		res, err := a.Open(context.Background(), 7, OpenOptions{Burst: true})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Pulses)
		assert.Equal(t, ModeMulti, res.Mode)
	})

	t.Run("normal mode gives up after one pulse", func(t *testing.T) {
		link := NewSimulatedLink(2)
		link.FailWritesFor(2)
		a := startActuator(t, link, testConfig())

		res, err := a.Open(context.Background(), 7, OpenOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrHardwareTimeout)
		assert.True(t, IsTransient(err))
		assert.Equal(t, 1, res.Pulses)
	})

	t.Run("bounded by the burst window", func(t *testing.T) {
		link := NewSimulatedLink(2)
		link.Stick(1, 6)
		cfg := testConfig()
		a := startActuator(t, link, cfg)

		res, err := a.Open(context.Background(), 7, OpenOptions{Burst: true})
		require.Error(t, err)
		assert.Greater(t, res.Pulses, 1)
		assert.Less(t, res.Elapsed, cfg.BurstDuration+200*time.Millisecond)
	})
}

func TestActuator_SpacesCommands(t *testing.T) {
	link := NewSimulatedLink(2)
	cfg := testConfig()
	cfg.MinSpacing = 60 * time.Millisecond
	a := startActuator(t, link, cfg)

	for _, id := range []int{1, 2, 3} {
		_, err := a.Open(context.Background(), id, OpenOptions{})
		require.NoError(t, err)
	}

	pulses := link.Pulses()
	require.Len(t, pulses, 3)
	for i := 1; i < len(pulses); i++ {
		gap := pulses[i].At.Sub(pulses[i-1].At)
		assert.GreaterOrEqual(t, gap, 55*time.Millisecond, "gap before pulse %d", i)
	}
}

func TestActuator_Reconnect(t *testing.T) {
	t.Run("recovers within the attempt budget", func(t *testing.T) {
		link := NewSimulatedLink(2)
		link.FailConnect(errors.New("port busy"), errors.New("port busy"))
		a := startActuator(t, link, testConfig())

		_, err := a.Open(context.Background(), 1, OpenOptions{})
		assert.NoError(t, err)
	})

	t.Run("gives up as link down", func(t *testing.T) {
		link := NewSimulatedLink(2)
		link.FailConnect(errors.New("a"), errors.New("b"), errors.New("c"))
		a := startActuator(t, link, testConfig())

		_, err := a.Open(context.Background(), 1, OpenOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrLinkDown)
		assert.Empty(t, link.Writes())

		// The next request reconnects.
		_, err = a.Open(context.Background(), 1, OpenOptions{})
		assert.NoError(t, err)
	})
}

func TestActuator_UnknownLocker(t *testing.T) {
	a := startActuator(t, NewSimulatedLink(2), testConfig())

	for _, id := range []int{0, -1, 33} {
		_, err := a.Open(context.Background(), id, OpenOptions{})
		assert.ErrorIs(t, err, ErrUnknownLocker)
	}
}

func TestActuator_Scan(t *testing.T) {
	a := startActuator(t, NewSimulatedLink(2), testConfig())

	boards, err := a.Scan(context.Background(), 1, 4)
	require.NoError(t, err)
	assert.Equal(t, []Board{{Slave: 1, Address: 1}, {Slave: 2, Address: 2}}, boards)

	_, err = a.Scan(context.Background(), 5, 1)
	assert.Error(t, err)
}

func TestActuator_Stopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := NewActuator(NewSimulatedLink(2), testConfig(), log.NewNop())
	go a.Run(ctx)
	cancel()
	<-a.stopped

	_, err := a.Open(context.Background(), 1, OpenOptions{})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestActuator_SetSlaveAddress(t *testing.T) {
	link := NewSimulatedLink(2)
	a := startActuator(t, link, testConfig())
	ctx := context.Background()

	require.NoError(t, a.SetSlaveAddress(ctx, 1, 5))

	boards, err := a.Scan(ctx, 1, 8)
	require.NoError(t, err)
	assert.Equal(t, []Board{{Slave: 2, Address: 2}, {Slave: 5, Address: 5}}, boards)

	err = a.SetSlaveAddress(ctx, 1, 6)
	assert.ErrorIs(t, err, ErrHardwareTimeout, "nothing answers at the old address any more")

	for _, c := range [][2]int{{0, 3}, {3, 0}, {1, 248}} {
		assert.Error(t, a.SetSlaveAddress(ctx, c[0], c[1]), "%d -> %d", c[0], c[1])
	}
	assert.NoError(t, a.SetSlaveAddress(ctx, 2, 2))
}
