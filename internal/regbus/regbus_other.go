//go:build !linux

package regbus

import "fmt"

type I2C struct{}

type SPI struct{}

func OpenI2C(path string, addr uint16) (*I2C, error) {
	return nil, fmt.Errorf("regbus: unsupported OS (need linux)")
}

func OpenSPI(path string, speedHz uint32) (*SPI, error) {
	return nil, fmt.Errorf("regbus: unsupported OS (need linux)")
}

func (d *I2C) Close() error                          { return nil }
func (d *I2C) ReadRegs(start byte, dst []byte) error { return fmt.Errorf("regbus: unsupported OS") }
func (d *I2C) WriteReg(reg, value byte) error        { return fmt.Errorf("regbus: unsupported OS") }

func (s *SPI) Close() error                          { return nil }
func (s *SPI) ReadRegs(start byte, dst []byte) error { return fmt.Errorf("regbus: unsupported OS") }
func (s *SPI) WriteReg(reg, value byte) error        { return fmt.Errorf("regbus: unsupported OS") }
