package hardware

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goburrow/modbus"
)

var (
	// ErrHardwareTimeout means the relay board did not answer within the link timeout.
	ErrHardwareTimeout = errors.New("hardware timeout")
	// ErrHardwareComm covers exception responses, NAKs and failed read-backs.
	ErrHardwareComm = errors.New("hardware communication error")
	// ErrLinkDown means the serial port cannot be opened or was lost.
	ErrLinkDown = fmt.Errorf("%w: serial link down", ErrHardwareComm)
	// ErrUnknownLocker means the locker id does not map to a configured relay.
	ErrUnknownLocker = errors.New("locker has no relay channel")
)

var exceptionNames = map[byte]string{
	0x01: "Illegal Function",
	0x02: "Illegal Data Address",
	0x03: "Illegal Data Value",
	0x04: "Slave Device Failure",
	0x05: "Acknowledge",
	0x06: "Slave Device Busy",
	0x08: "Memory Parity Error",
	0x0A: "Gateway Path Unavailable",
	0x0B: "Gateway Target Device Failed to Respond",
}

// ExceptionError is a Modbus exception response from a relay board.
type ExceptionError struct {
	Function byte
	Code     byte
}

// Name returns the Modbus name of the exception code.
func (e *ExceptionError) Name() string {
	if name, ok := exceptionNames[e.Code]; ok {
		return name
	}
	return fmt.Sprintf("Unknown error (0x%02X)", e.Code)
}

// Busy reports a Slave Device Busy exception, which is worth retrying.
func (e *ExceptionError) Busy() bool {
	return e.Code == modbus.ExceptionCodeServerDeviceBusy
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X (%s) on function 0x%02X", e.Code, e.Name(), e.Function&0x7F)
}

func (e *ExceptionError) Unwrap() error { return ErrHardwareComm }

// IsTransient reports whether err is worth another attempt: a timeout or a busy board.
func IsTransient(err error) bool {
	if errors.Is(err, ErrHardwareTimeout) {
		return true
	}
	var ex *ExceptionError
	return errors.As(err, &ex) && ex.Busy()
}

// classify maps a raw Modbus or serial error onto the hardware error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrHardwareComm) || errors.Is(err, ErrHardwareTimeout) {
		return err
	}

	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &ExceptionError{Function: mbErr.FunctionCode, Code: mbErr.ExceptionCode}
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrHardwareTimeout, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return fmt.Errorf("%w: %v", ErrHardwareTimeout, err)
	case strings.HasPrefix(msg, "modbus:"):
		// Malformed frames, CRC mismatches and short responses.
		return fmt.Errorf("%w: %v", ErrHardwareComm, err)
	default:
		return fmt.Errorf("%w: %v", ErrLinkDown, err)
	}
}
