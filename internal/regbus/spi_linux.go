//go:build linux

package regbus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// spidev ioctl numbers (linux/spi/spidev.h).
const (
	spiIocWrMode        = 0x40016b01
	spiIocWrBitsPerWord = 0x40016b03
	spiIocWrMaxSpeedHz  = 0x40046b04
	spiIocMessage1      = 0x40206b00

	spiMode3 = 0x03

	// Register reads set the MSB of the address byte.
	spiReadFlag = 0x80
)

type spiIocTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	len         uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// SPI is a full-duplex /dev/spidev* device using the InvenSense register
// protocol (address byte first, MSB set for reads).
type SPI struct {
	f       *os.File
	path    string
	speedHz uint32

	// tx/rx are reused so a burst read does not allocate.
	tx []byte
	rx []byte
}

func OpenSPI(path string, speedHz uint32) (*SPI, error) {
	if speedHz == 0 {
		speedHz = 1_000_000
	}
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	s := &SPI{f: f, path: path, speedHz: speedHz}

	mode := uint8(spiMode3)
	bits := uint8(8)
	if err := s.ioctl(spiIocWrMode, uintptr(unsafe.Pointer(&mode))); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("regbus: spi set mode: %w", err)
	}
	if err := s.ioctl(spiIocWrBitsPerWord, uintptr(unsafe.Pointer(&bits))); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("regbus: spi set bits per word: %w", err)
	}
	if err := s.ioctl(spiIocWrMaxSpeedHz, uintptr(unsafe.Pointer(&speedHz))); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("regbus: spi set speed: %w", err)
	}
	return s, nil
}

func (s *SPI) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *SPI) ReadRegs(start byte, dst []byte) error {
	n := len(dst) + 1
	s.grow(n)
	s.tx[0] = start | spiReadFlag
	for i := 1; i < n; i++ {
		s.tx[i] = 0
	}
	if err := s.transfer(s.tx[:n], s.rx[:n]); err != nil {
		return err
	}
	copy(dst, s.rx[1:n])
	return nil
}

func (s *SPI) WriteReg(reg, value byte) error {
	s.grow(2)
	s.tx[0] = reg &^ spiReadFlag
	s.tx[1] = value
	return s.transfer(s.tx[:2], s.rx[:2])
}

func (s *SPI) grow(n int) {
	if cap(s.tx) < n {
		s.tx = make([]byte, n)
		s.rx = make([]byte, n)
	}
	s.tx = s.tx[:cap(s.tx)]
	s.rx = s.rx[:cap(s.rx)]
}

func (s *SPI) transfer(tx, rx []byte) error {
	if s == nil || s.f == nil {
		return errors.New("regbus: spi device is closed")
	}
	if len(tx) == 0 {
		return nil
	}
	xfer := spiIocTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		len:         uint32(len(tx)),
		speedHz:     s.speedHz,
		bitsPerWord: 8,
	}
	if err := s.ioctl(spiIocMessage1, uintptr(unsafe.Pointer(&xfer))); err != nil {
		return fmt.Errorf("regbus: spi %s transfer: %w", s.path, err)
	}
	return nil
}

func (s *SPI) ioctl(req, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, s.f.Fd(), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}
