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

// I2C_RDWR lets a register read go out as write+read with a repeated start.
const (
	i2cMrd  = 0x0001
	i2cRdwr = 0x0707
)

type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

type i2cRdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

// I2C is a device at a 7-bit address on an opened /dev/i2c-* bus.
type I2C struct {
	f    *os.File
	path string
	addr uint16
}

func OpenI2C(path string, addr uint16) (*I2C, error) {
	if addr == 0 || addr > 0x7F {
		return nil, fmt.Errorf("regbus: invalid i2c addr 0x%X", addr)
	}
	path = filepath.Clean(path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &I2C{f: f, path: path, addr: addr}, nil
}

func (d *I2C) Close() error {
	if d == nil || d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

func (d *I2C) ReadRegs(start byte, dst []byte) error {
	_, err := d.tx([]byte{start}, dst)
	return err
}

func (d *I2C) WriteReg(reg, value byte) error {
	_, err := d.tx([]byte{reg, value}, nil)
	return err
}

func (d *I2C) tx(w, r []byte) (int, error) {
	if d == nil || d.f == nil {
		return 0, errors.New("regbus: i2c device is closed")
	}
	if d.addr == 0 || d.addr > 0x7F {
		return 0, fmt.Errorf("regbus: invalid i2c addr 0x%X", d.addr)
	}

	msgs := make([]i2cMsg, 0, 2)
	if len(w) > 0 {
		msgs = append(msgs, i2cMsg{addr: d.addr, len: uint16(len(w)), buf: uintptr(unsafe.Pointer(&w[0]))})
	}
	if len(r) > 0 {
		msgs = append(msgs, i2cMsg{addr: d.addr, flags: i2cMrd, len: uint16(len(r)), buf: uintptr(unsafe.Pointer(&r[0]))})
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	data := i2cRdwrData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(len(msgs))}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), uintptr(i2cRdwr), uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return 0, fmt.Errorf("regbus: i2c %s addr 0x%02X: %w", d.path, d.addr, errno)
	}
	if len(r) > 0 {
		return len(r), nil
	}
	return len(w), nil
}
