// Package regbus gives sensor drivers register-level access to a device on a
// Linux I2C or SPI bus.
//
// A Bus is not safe for concurrent transfers. The estimator task is the only
// user of a bus once bring-up has finished.
package regbus

import "fmt"

// Bus is a register-addressed transport.
type Bus interface {
	// ReadRegs performs a burst read of len(dst) registers starting at start.
	ReadRegs(start byte, dst []byte) error
	WriteReg(reg, value byte) error
	Close() error
}

// ReadReg reads a single register.
func ReadReg(b Bus, reg byte) (byte, error) {
	var v [1]byte
	if err := b.ReadRegs(reg, v[:]); err != nil {
		return 0, err
	}
	return v[0], nil
}

// Open opens the bus named by kind ("i2c" or "spi").
//
// For I2C, addr is the 7-bit device address. For SPI, speedHz is the clock
// rate (0 selects 1 MHz).
func Open(kind, path string, addr uint16, speedHz uint32) (Bus, error) {
	switch kind {
	case "i2c":
		d, err := OpenI2C(path, addr)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "spi":
		s, err := OpenSPI(path, speedHz)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("regbus: unknown bus kind %q", kind)
	}
}
