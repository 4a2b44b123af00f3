package hardware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"locker-coordinator/config"
	"locker-coordinator/internal/log"
	"locker-coordinator/internal/metrics"
)

// ErrStopped is returned when the actuator worker is no longer running.
var ErrStopped = errors.New("relay worker stopped")

// WriteMode is the Modbus function used to drive a coil.
type WriteMode string

const (
	ModeMulti  WriteMode = "multi"
	ModeSingle WriteMode = "single"
)

// OpenOptions tunes a single open request.
type OpenOptions struct {
	// Burst keeps re-pulsing until the relay confirms or the burst window elapses.
	Burst bool
}

// Result describes a confirmed open.
type Result struct {
	LockerID int
	Board    int
	Channel  int
	Mode     WriteMode
	Pulses   int
	Elapsed  time.Duration
}

// Board is a relay card that answered a scan.
type Board struct {
	Slave   byte   `json:"slave"`
	Address uint16 `json:"address"`
}

type request struct {
	ctx  context.Context
	fn   func(context.Context)
	done chan struct{}
}

// Actuator drives locker relays. A single worker goroutine owns the link so
// only one relay is ever energised at a time. It never touches locker state.
type Actuator struct {
	link     Link
	cfg      config.HardwareConfig
	limiter  *rate.Limiter
	logger   log.Logger
	requests chan request
	stopped  chan struct{}

	// Owned by the worker goroutine.
	connected bool
}

// NewActuator creates an actuator on link. Run must be started before Open.
func NewActuator(link Link, cfg config.HardwareConfig, logger log.Logger) *Actuator {
	return &Actuator{
		link:     link,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		logger:   logger.WithName("hardware"),
		requests: make(chan request),
		stopped:  make(chan struct{}),
	}
}

// Capacity returns the number of lockers the configured relay boards can drive.
func (a *Actuator) Capacity() int {
	return a.cfg.Boards * a.cfg.ChannelsPerBoard
}

// Run serves requests until ctx is cancelled, then closes the link.
func (a *Actuator) Run(ctx context.Context) {
	defer close(a.stopped)
	defer func() {
		if a.connected {
			if err := a.link.Close(); err != nil {
				a.logger.Error(err, "failed to close relay link")
			}
		}
	}()

	a.logger.Info("relay worker started", "port", a.cfg.Port, "boards", a.cfg.Boards, "channels", a.cfg.ChannelsPerBoard)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("relay worker shutting down")
			return
		case req := <-a.requests:
			req.fn(req.ctx)
			close(req.done)
		}
	}
}

// Open pulses the relay of lockerID and confirms it returned to idle.
func (a *Actuator) Open(ctx context.Context, lockerID int, opts OpenOptions) (Result, error) {
	if lockerID < 1 || lockerID > a.Capacity() {
		return Result{LockerID: lockerID}, fmt.Errorf("%w: locker %d, capacity %d", ErrUnknownLocker, lockerID, a.Capacity())
	}

	var (
		res Result
		err error
	)
	if serr := a.submit(ctx, func(ctx context.Context) {
		res, err = a.open(ctx, lockerID, opts)
	}); serr != nil {
		return Result{LockerID: lockerID}, serr
	}
	return res, err
}

// Scan reads the address register of slaves from..to and returns the boards that answered.
func (a *Actuator) Scan(ctx context.Context, from, to int) ([]Board, error) {
	if from < 1 || to > 247 || from > to {
		return nil, fmt.Errorf("invalid slave range %d-%d", from, to)
	}

	var (
		found []Board
		err   error
	)
	if serr := a.submit(ctx, func(ctx context.Context) {
		found, err = a.scan(ctx, from, to)
	}); serr != nil {
		return nil, serr
	}
	return found, err
}

// SetSlaveAddress rewrites the slave address of the board answering at from,
// then reads it back at the new address.
func (a *Actuator) SetSlaveAddress(ctx context.Context, from, to int) error {
	if from < 1 || from > 247 || to < 1 || to > 247 {
		return fmt.Errorf("invalid slave address change %d -> %d", from, to)
	}
	if from == to {
		return nil
	}

	var err error
	if serr := a.submit(ctx, func(ctx context.Context) {
		err = a.setSlaveAddress(ctx, byte(from), byte(to))
	}); serr != nil {
		return serr
	}
	return err
}

func (a *Actuator) submit(ctx context.Context, fn func(context.Context)) error {
	req := request{ctx: ctx, fn: fn, done: make(chan struct{})}
	select {
	case a.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopped:
		return ErrStopped
	}
	<-req.done
	return nil
}

func (a *Actuator) open(ctx context.Context, lockerID int, opts OpenOptions) (Result, error) {
	board, channel := Address(lockerID, a.cfg.ChannelsPerBoard)
	res := Result{LockerID: lockerID, Board: board, Channel: channel}
	start := time.Now()
	deadline := start.Add(a.cfg.BurstDuration)

	var lastErr error
	for {
		mode, err := a.pulseWithFallback(ctx, byte(board), coil(channel))
		res.Pulses++
		if err == nil {
			res.Mode = mode
			res.Elapsed = time.Since(start)
			metrics.OpenLatency.WithLabelValues("ok").Observe(res.Elapsed.Seconds())
			a.logger.Info("locker opened",
				"locker", lockerID, "board", board, "channel", channel,
				"mode", mode, "pulses", res.Pulses, "elapsed", res.Elapsed)
			return res, nil
		}
		lastErr = err

		if !opts.Burst || ctx.Err() != nil || time.Now().Add(a.cfg.BurstInterval).After(deadline) {
			break
		}
		a.logger.Warn("open not confirmed, retrying in burst mode",
			"locker", lockerID, "pulse", res.Pulses, "error", err)
		if err := wait(ctx, a.cfg.BurstInterval); err != nil {
			break
		}
	}

	res.Elapsed = time.Since(start)
	metrics.OpenLatency.WithLabelValues("error").Observe(res.Elapsed.Seconds())
	a.logger.Error(lastErr, "locker open failed",
		"locker", lockerID, "board", board, "channel", channel, "pulses", res.Pulses)
	return res, fmt.Errorf("open locker %d (board %d channel %d): %w", lockerID, board, channel, lastErr)
}

// pulseWithFallback pulses with Write Multiple Coils and repeats the pulse
// with Write Single Coil if that fails.
func (a *Actuator) pulseWithFallback(ctx context.Context, slave byte, addr uint16) (WriteMode, error) {
	err := a.pulse(ctx, slave, addr, ModeMulti)
	if err == nil {
		return ModeMulti, nil
	}
	if errors.Is(err, ErrLinkDown) || ctx.Err() != nil {
		return ModeMulti, err
	}

	a.logger.Warn("multi-coil pulse failed, falling back to single coil",
		"board", slave, "coil", addr, "error", err)
	if serr := a.pulse(ctx, slave, addr, ModeSingle); serr != nil {
		return ModeSingle, fmt.Errorf("both write modes failed: multi: %v; single: %w", err, serr)
	}
	return ModeSingle, nil
}

// pulse energises a coil for the configured pulse width, releases it and
// checks it reads back idle.
func (a *Actuator) pulse(ctx context.Context, slave byte, addr uint16, mode WriteMode) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			if errors.Is(err, ErrLinkDown) {
				a.disconnect()
			}
		}
		metrics.RelayPulses.WithLabelValues(string(mode), result).Inc()
	}()

	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := a.writeCoil(slave, addr, true, mode); err != nil {
		return err
	}
	// The coil must be released even if ctx ends mid-pulse.
	_ = wait(ctx, a.cfg.Pulse)
	if err := a.writeCoil(slave, addr, false, mode); err != nil {
		return err
	}

	on, err := a.link.ReadCoil(slave, addr)
	if err != nil {
		return err
	}
	if on {
		return fmt.Errorf("%w: board %d coil %d still energised after pulse", ErrHardwareComm, slave, addr)
	}
	return nil
}

func (a *Actuator) writeCoil(slave byte, addr uint16, on bool, mode WriteMode) error {
	if mode == ModeSingle {
		return a.link.WriteCoil(slave, addr, on)
	}
	return a.link.WriteCoils(slave, addr, on)
}

func (a *Actuator) scan(ctx context.Context, from, to int) ([]Board, error) {
	if err := a.ensureConnected(ctx); err != nil {
		return nil, err
	}

	var found []Board
	for slave := from; slave <= to; slave++ {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return found, err
		}
		addr, err := a.link.ReadSlaveAddress(byte(slave))
		switch {
		case err == nil:
			a.logger.Info("relay board found", "slave", slave, "address", addr)
			found = append(found, Board{Slave: byte(slave), Address: addr})
		case errors.Is(err, ErrLinkDown):
			a.disconnect()
			return found, err
		default:
			a.logger.Debug("no relay board", "slave", slave, "error", err)
		}
	}
	return found, nil
}

func (a *Actuator) setSlaveAddress(ctx context.Context, from, to byte) error {
	if err := a.ensureConnected(ctx); err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := a.link.WriteSlaveAddress(from, uint16(to)); err != nil {
		if errors.Is(err, ErrLinkDown) {
			a.disconnect()
		}
		return fmt.Errorf("failed to set slave address of board %d: %w", from, err)
	}
	a.logger.Info("relay board readdressed", "from", from, "to", to)

	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	got, err := a.link.ReadSlaveAddress(to)
	if err != nil {
		return fmt.Errorf("board did not answer at new address %d: %w", to, err)
	}
	if got != uint16(to) {
		return fmt.Errorf("%w: board at %d reports address %d", ErrHardwareComm, to, got)
	}
	return nil
}

// ensureConnected opens the link, retrying with exponential backoff.
func (a *Actuator) ensureConnected(ctx context.Context) error {
	if a.connected {
		return nil
	}

	attempts := a.cfg.ReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := a.cfg.ReconnectBase

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := a.link.Connect()
		if err == nil {
			a.connected = true
			a.logger.Info("relay link connected", "port", a.cfg.Port, "attempt", attempt)
			return nil
		}
		lastErr = err
		a.logger.Warn("relay link connect failed",
			"port", a.cfg.Port,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if attempt == attempts {
			break
		}
		if err := wait(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if a.cfg.ReconnectMax > 0 && delay > a.cfg.ReconnectMax {
			delay = a.cfg.ReconnectMax
		}
	}
	if !errors.Is(lastErr, ErrLinkDown) {
		lastErr = fmt.Errorf("%w: %v", ErrLinkDown, lastErr)
	}
	return fmt.Errorf("relay link unavailable after %d attempts: %w", attempts, lastErr)
}

func (a *Actuator) disconnect() {
	if !a.connected {
		return
	}
	a.connected = false
	if err := a.link.Close(); err != nil {
		a.logger.Error(err, "failed to close relay link")
	}
}

func wait(ctx context.Context, d time.Duration) error {
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
