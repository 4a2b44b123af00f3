package hardware

import (
	"fmt"
	"sync"
	"time"
)

// Write is one coil write observed by the simulated link.
type Write struct {
	Slave byte
	Coil  uint16
	On    bool
	Mode  WriteMode
	At    time.Time
}

type coilKey struct {
	slave byte
	coil  uint16
}

// SimulatedLink is an in-memory relay bus for development and tests.
// Faults can be injected per write mode.
type SimulatedLink struct {
	mu         sync.Mutex
	present    map[byte]bool
	connected  bool
	coils      map[coilKey]bool
	stuck      map[coilKey]bool
	writes     []Write
	connectErr []error
	multiErr   error
	singleErr  error
	readErr    error
	failFor    int
}

// NewSimulatedLink creates a bus with boards 1..n answering.
func NewSimulatedLink(boards int) *SimulatedLink {
	s := &SimulatedLink{
		present: make(map[byte]bool),
		coils:   make(map[coilKey]bool),
		stuck:   make(map[coilKey]bool),
	}
	for i := 1; i <= boards && i <= 247; i++ {
		s.present[byte(i)] = true
	}
	return s
}

// FailConnect makes the next len(errs) Connect calls fail with errs in order.
func (s *SimulatedLink) FailConnect(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = append(s.connectErr, errs...)
}

// FailMultiCoil makes every Write Multiple Coils request fail with err. nil clears it.
func (s *SimulatedLink) FailMultiCoil(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multiErr = err
}

// FailSingleCoil makes every Write Single Coil request fail with err. nil clears it.
func (s *SimulatedLink) FailSingleCoil(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singleErr = err
}

// FailReads makes every Read Coils request fail with err. nil clears it.
func (s *SimulatedLink) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// FailWritesFor makes the next n coil writes of either mode time out.
func (s *SimulatedLink) FailWritesFor(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFor = n
}

// Stick leaves a coil energised regardless of writes, failing read-back.
func (s *SimulatedLink) Stick(slave byte, coil uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuck[coilKey{slave, coil}] = true
}

// Writes returns every successful coil write in order.
func (s *SimulatedLink) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

// Pulses returns the successful ON writes, one per pulse.
func (s *SimulatedLink) Pulses() []Write {
	var out []Write
	for _, w := range s.Writes() {
		if w.On {
			out = append(out, w)
		}
	}
	return out
}

func (s *SimulatedLink) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.connectErr) > 0 {
		err := s.connectErr[0]
		s.connectErr = s.connectErr[1:]
		return err
	}
	s.connected = true
	return nil
}

func (s *SimulatedLink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *SimulatedLink) WriteCoils(slave byte, addr uint16, on bool) error {
	return s.write(slave, addr, on, ModeMulti, s.multiErr)
}

func (s *SimulatedLink) WriteCoil(slave byte, addr uint16, on bool) error {
	return s.write(slave, addr, on, ModeSingle, s.singleErr)
}

func (s *SimulatedLink) write(slave byte, addr uint16, on bool, mode WriteMode, injected error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(slave); err != nil {
		return err
	}
	if s.failFor > 0 {
		s.failFor--
		return fmt.Errorf("%w: simulated no response from board %d", ErrHardwareTimeout, slave)
	}
	if injected != nil {
		return injected
	}
	s.coils[coilKey{slave, addr}] = on
	s.writes = append(s.writes, Write{Slave: slave, Coil: addr, On: on, Mode: mode, At: time.Now()})
	return nil
}

func (s *SimulatedLink) ReadCoil(slave byte, addr uint16) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(slave); err != nil {
		return false, err
	}
	if s.readErr != nil {
		return false, s.readErr
	}
	k := coilKey{slave, addr}
	return s.coils[k] || s.stuck[k], nil
}

func (s *SimulatedLink) ReadSlaveAddress(slave byte) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(slave); err != nil {
		return 0, err
	}
	return uint16(slave), nil
}

// WriteSlaveAddress moves the board answering at slave to addr.
func (s *SimulatedLink) WriteSlaveAddress(slave byte, addr uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(slave); err != nil {
		return err
	}
	if addr < 1 || addr > 247 {
		return &ExceptionError{Function: 0x06, Code: 0x03}
	}
	delete(s.present, slave)
	s.present[byte(addr)] = true
	return nil
}

func (s *SimulatedLink) check(slave byte) error {
	if !s.connected {
		return fmt.Errorf("%w: simulated port closed", ErrLinkDown)
	}
	if !s.present[slave] {
		return fmt.Errorf("%w: simulated board %d absent", ErrHardwareTimeout, slave)
	}
	return nil
}
