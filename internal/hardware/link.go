package hardware

import (
	"encoding/binary"
	"fmt"

	"github.com/goburrow/modbus"

	"locker-coordinator/config"
)

// slaveAddressRegister holds the configured slave id on Waveshare relay cards.
const slaveAddressRegister = 0x4000

// Link is a connection to the relay bus. Only the actuator worker calls it,
// so implementations need not be safe for concurrent use.
type Link interface {
	Connect() error
	Close() error
	// WriteCoils drives one coil with Write Multiple Coils (0x0F).
	WriteCoils(slave byte, addr uint16, on bool) error
	// WriteCoil drives one coil with Write Single Coil (0x05).
	WriteCoil(slave byte, addr uint16, on bool) error
	// ReadCoil reads one coil with Read Coils (0x01).
	ReadCoil(slave byte, addr uint16) (bool, error)
	// ReadSlaveAddress reads the slave address register of a board.
	ReadSlaveAddress(slave byte) (uint16, error)
	// WriteSlaveAddress stores a new slave address with Write Single Register (0x06).
	WriteSlaveAddress(slave byte, addr uint16) error
}

// NewLink builds the link selected by cfg.Driver.
func NewLink(cfg config.HardwareConfig) (Link, error) {
	switch cfg.Driver {
	case "modbus", "":
		return NewModbusLink(cfg), nil
	case "simulated":
		return NewSimulatedLink(cfg.Boards), nil
	default:
		return nil, fmt.Errorf("unknown hardware driver %q", cfg.Driver)
	}
}

// ModbusLink talks Modbus RTU to the relay cards over a serial port, 8N1.
type ModbusLink struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

// NewModbusLink prepares a link on cfg.Port. The port is opened by Connect.
func NewModbusLink(cfg config.HardwareConfig) *ModbusLink {
	handler := modbus.NewRTUClientHandler(cfg.Port)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.SlaveId = 1
	handler.Timeout = cfg.Timeout

	return &ModbusLink{handler: handler, client: modbus.NewClient(handler)}
}

func (m *ModbusLink) Connect() error {
	if err := m.handler.Connect(); err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrLinkDown, m.handler.Address, err)
	}
	return nil
}

func (m *ModbusLink) Close() error {
	return m.handler.Close()
}

func (m *ModbusLink) WriteCoils(slave byte, addr uint16, on bool) error {
	m.handler.SlaveId = slave
	var v byte
	if on {
		v = 0x01
	}
	_, err := m.client.WriteMultipleCoils(addr, 1, []byte{v})
	return classify(err)
}

func (m *ModbusLink) WriteCoil(slave byte, addr uint16, on bool) error {
	m.handler.SlaveId = slave
	var v uint16
	if on {
		v = 0xFF00
	}
	_, err := m.client.WriteSingleCoil(addr, v)
	return classify(err)
}

func (m *ModbusLink) ReadCoil(slave byte, addr uint16) (bool, error) {
	m.handler.SlaveId = slave
	res, err := m.client.ReadCoils(addr, 1)
	if err != nil {
		return false, classify(err)
	}
	if len(res) == 0 {
		return false, fmt.Errorf("%w: empty read coils response", ErrHardwareComm)
	}
	return res[0]&0x01 == 0x01, nil
}

func (m *ModbusLink) ReadSlaveAddress(slave byte) (uint16, error) {
	m.handler.SlaveId = slave
	res, err := m.client.ReadHoldingRegisters(slaveAddressRegister, 1)
	if err != nil {
		return 0, classify(err)
	}
	if len(res) < 2 {
		return 0, fmt.Errorf("%w: short register response", ErrHardwareComm)
	}
	return binary.BigEndian.Uint16(res), nil
}

func (m *ModbusLink) WriteSlaveAddress(slave byte, addr uint16) error {
	m.handler.SlaveId = slave
	res, err := m.client.WriteSingleRegister(slaveAddressRegister, addr)
	if err != nil {
		return classify(err)
	}
	if len(res) >= 2 && binary.BigEndian.Uint16(res) != addr {
		return fmt.Errorf("%w: board echoed address %d, want %d", ErrHardwareComm, binary.BigEndian.Uint16(res), addr)
	}
	return nil
}
