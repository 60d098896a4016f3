package mpu6500

import (
	"errors"
	"math"
	"testing"
	"time"

	"ins-core/internal/imu"
)

type fakeBus struct {
	regs   map[byte][]byte
	writes []writeOp

	readErrFor map[byte]error
	closed     bool
}

type writeOp struct {
	reg byte
	val byte
}

func (f *fakeBus) ReadRegs(start byte, dst []byte) error {
	if err := f.readErrFor[start]; err != nil {
		return err
	}
	b := f.regs[start]
	if len(b) < len(dst) {
		return errors.New("short reg")
	}
	copy(dst, b[:len(dst)])
	return nil
}

func (f *fakeBus) WriteReg(reg, value byte) error {
	f.writes = append(f.writes, writeOp{reg: reg, val: value})
	return nil
}

func (f *fakeBus) Close() error {
	f.closed = true
	return nil
}

func (f *fakeBus) wrote(reg, val byte) bool {
	for _, w := range f.writes {
		if w.reg == reg && w.val == val {
			return true
		}
	}
	return false
}

func noSleep(t *testing.T) {
	t.Helper()
	old := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = old })
}

func TestNew_RejectsUnsupportedRanges(t *testing.T) {
	if _, err := New(&fakeBus{}, Options{GyroRangeDPS: 300}); err == nil {
		t.Fatalf("expected gyro range error")
	}
	if _, err := New(&fakeBus{}, Options{AccelRangeG: 3}); err == nil {
		t.Fatalf("expected accel range error")
	}
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected nil bus error")
	}
}

func TestInit_WhoAmIMismatch(t *testing.T) {
	noSleep(t)
	f := &fakeBus{regs: map[byte][]byte{regWhoAmI: {0x12}}}
	d, err := New(f, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Init(); err == nil {
		t.Fatalf("expected whoami error")
	}
}

func TestInit_RetryAfterReadError(t *testing.T) {
	noSleep(t)
	f := &fakeBus{
		regs:       map[byte][]byte{regWhoAmI: {whoAmIMPU6500}},
		readErrFor: map[byte]error{regWhoAmI: errors.New("bus busy")},
	}
	d, err := New(f, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Init(); err == nil {
		t.Fatalf("expected first Init to fail")
	}
	delete(f.readErrFor, regWhoAmI)
	if err := d.Init(); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestInit_WritesExpectedRegisters(t *testing.T) {
	noSleep(t)
	f := &fakeBus{regs: map[byte][]byte{regWhoAmI: {whoAmIMPU6500}}}
	d, err := New(f, Options{SPI: true, Mag: true, MotionThreshold: 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	checks := []struct {
		name string
		reg  byte
		val  byte
	}{
		{"reset", regPwrMgmt1, bitReset},
		{"wake", regPwrMgmt1, clkPLL},
		{"spi + aux master", regUserCtrl, userI2CIfDis | userI2CMstEn},
		{"gyro 2000dps", regGyroConfig, 3 << 3},
		{"accel 8g", regAccelConfig, 2 << 3},
		{"wom threshold", regWomThr, 20},
		{"slave0 read ist8310", regI2CSlv0Addr, istAddr | slvRead},
		{"int enable", regIntEnable, intRawReady | intWakeOnMotion},
	}
	for _, c := range checks {
		if !f.wrote(c.reg, c.val) {
			t.Fatalf("expected %s write reg=0x%02X val=0x%02X", c.name, c.reg, c.val)
		}
	}
	// Interrupts must be enabled last, after configuration.
	last := f.writes[len(f.writes)-1]
	if last.reg != regIntEnable {
		t.Fatalf("last write reg=0x%02X want INT_ENABLE", last.reg)
	}
}

func TestReadSample_DecodesBurst(t *testing.T) {
	noSleep(t)
	f := &fakeBus{regs: map[byte][]byte{regWhoAmI: {whoAmIMPU6500}}}
	f.regs[regIntStatus] = []byte{
		0x41,       // data ready + motion
		0x10, 0x00, // ax = 4096
		0x00, 0x00, // ay
		0xF0, 0x00, // az = -4096
		0x00, 0x00, // temp
		0x00, 0x10, // gx = 16
		0xFF, 0xF0, // gy = -16
		0x00, 0x00, // gz
		0x34, 0x12, // mx = 0x1234 (LE)
		0xFF, 0xFF, // my = -1
		0x00, 0x80, // mz = -32768
	}
	d, err := New(f, Options{Mag: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var s imu.RawSample
	if err := d.ReadSample(&s); err != nil {
		t.Fatalf("ReadSample: %v", err)
	}
	if !s.Status.DataReady() || !s.Status.Motion() {
		t.Fatalf("status=0x%02X want ready+motion", uint8(s.Status))
	}
	if s.Accel != [3]int16{4096, 0, -4096} {
		t.Fatalf("accel=%v", s.Accel)
	}
	if s.Gyro != [3]int16{16, -16, 0} {
		t.Fatalf("gyro=%v", s.Gyro)
	}
	if s.Mag != [3]int16{0x1234, -1, -32768} {
		t.Fatalf("mag=%v", s.Mag)
	}
	if s.Time.IsZero() {
		t.Fatalf("expected sample time")
	}
}

func TestReadSample_NoMagClearsMag(t *testing.T) {
	f := &fakeBus{regs: map[byte][]byte{regIntStatus: make([]byte, burstNoMag)}}
	d, err := New(f, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := imu.RawSample{Mag: [3]int16{1, 2, 3}}
	if err := d.ReadSample(&s); err != nil {
		t.Fatalf("ReadSample: %v", err)
	}
	if s.Mag != [3]int16{} {
		t.Fatalf("mag=%v want zero", s.Mag)
	}
}

func TestScales(t *testing.T) {
	d, err := New(&fakeBus{}, Options{GyroRangeDPS: 2000, AccelRangeG: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sc := d.Scales()
	// 32768/2000 = 16.384 LSB per deg/s at 2000 dps.
	wantGyro := 1 / 16.384 * math.Pi / 180
	if math.Abs(sc.Gyro-wantGyro) > 1e-9 {
		t.Fatalf("gyro scale=%v want %v", sc.Gyro, wantGyro)
	}
	// 4096 LSB per g at 8 g.
	if math.Abs(sc.Accel*4096-imu.StandardGravity) > 1e-9 {
		t.Fatalf("accel scale=%v", sc.Accel)
	}
	if sc.Mag != MagScale {
		t.Fatalf("mag scale=%v", sc.Mag)
	}
}
