package icm20948

import (
	"fmt"
	"time"

	"ins-core/internal/imu"
	"ins-core/internal/regbus"
)

var sleep = time.Sleep

// ICM-20948 accel/gyro driver. The AK09916 magnetometer is not read, so Mag
// stays zero and the estimator runs in IMU-only mode.
//
// WHO_AM_I at 0x00 should return 0xEA.

const (
	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regUserCtrl    = 0x03
	regPwrMgmt1    = 0x06
	regIntPinCfg   = 0x0F
	regIntEnable1  = 0x11
	regIntStatus1  = 0x1A
	regAccelXoutH  = 0x2D // contiguous accel+gyro block
	bitReset       = 0x80
	userI2CIfDis   = 0x10
	intRawReady    = 0x01
	intAnyReadClr  = 0x10
	rawBlockLength = 12

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig   = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	// Internal sample rate for both gyro and accel.
	baseRateHz = 1125
)

type Options struct {
	// GyroRangeDPS is one of 250, 500, 1000, 2000.
	GyroRangeDPS int
	// AccelRangeG is one of 2, 4, 8, 16.
	AccelRangeG int
	// SampleRateHz is rounded to the nearest divider of 1125 Hz.
	SampleRateHz int
	SPI          bool
}

type Device struct {
	bus  regbus.Bus
	opts Options

	curBank  byte
	gyroSel  byte
	accelSel byte
	scales   imu.Scales
	buf      [rawBlockLength]byte
}

func DefaultAddress() uint16 { return 0x68 }

func New(bus regbus.Bus, opts Options) (*Device, error) {
	if bus == nil {
		return nil, fmt.Errorf("icm20948: bus is nil")
	}
	if opts.GyroRangeDPS == 0 {
		opts.GyroRangeDPS = 2000
	}
	if opts.AccelRangeG == 0 {
		opts.AccelRangeG = 8
	}
	if opts.SampleRateHz <= 0 || opts.SampleRateHz > baseRateHz {
		opts.SampleRateHz = baseRateHz
	}
	gs, ok := fullScaleSel(opts.GyroRangeDPS, 250, 500, 1000, 2000)
	if !ok {
		return nil, fmt.Errorf("icm20948: unsupported gyro range %d dps", opts.GyroRangeDPS)
	}
	as, ok := fullScaleSel(opts.AccelRangeG, 2, 4, 8, 16)
	if !ok {
		return nil, fmt.Errorf("icm20948: unsupported accel range %d g", opts.AccelRangeG)
	}
	return &Device{
		bus:      bus,
		opts:     opts,
		curBank:  0xFF,
		gyroSel:  gs,
		accelSel: as,
		scales:   imu.RangeScales(opts.GyroRangeDPS, opts.AccelRangeG, 0),
	}, nil
}

func fullScaleSel(v int, choices ...int) (byte, bool) {
	for i, c := range choices {
		if v == c {
			return byte(i), true
		}
	}
	return 0, false
}

func (d *Device) Scales() imu.Scales { return d.scales }

func (d *Device) Close() error { return d.bus.Close() }

func (d *Device) Init() error {
	// Bank selection is unknown after a failed attempt or a reset.
	d.curBank = 0xFF
	if err := d.setBank(0); err != nil {
		return err
	}
	who, err := regbus.ReadReg(d.bus, regWhoAmI)
	if err != nil {
		return fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	if err := d.bus.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	d.curBank = 0xFF
	if err := d.setBank(0); err != nil {
		return err
	}

	// CLKSEL 1..5 for full gyro performance.
	if err := d.bus.WriteReg(regPwrMgmt1, 0x01); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	if d.opts.SPI {
		if err := d.bus.WriteReg(regUserCtrl, userI2CIfDis); err != nil {
			return fmt.Errorf("icm20948: user ctrl failed: %w", err)
		}
	}

	if err := d.setBank(bank2); err != nil {
		return err
	}
	// sampRate = 1125/(div+1).
	div := byte(baseRateHz/d.opts.SampleRateHz - 1)
	if err := d.bus.WriteReg(regGyroSmplrt, div); err != nil {
		return fmt.Errorf("icm20948: gyro rate failed: %w", err)
	}
	if err := d.bus.WriteReg(regAccelSmplrt2, div); err != nil {
		return fmt.Errorf("icm20948: accel rate failed: %w", err)
	}
	if err := d.bus.WriteReg(regGyroConfig, d.gyroSel<<1); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.bus.WriteReg(regAccelConfig, d.accelSel<<1); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}

	if err := d.setBank(0); err != nil {
		return err
	}
	if err := d.bus.WriteReg(regIntPinCfg, intAnyReadClr); err != nil {
		return fmt.Errorf("icm20948: int pin failed: %w", err)
	}
	if err := d.bus.WriteReg(regIntEnable1, intRawReady); err != nil {
		return fmt.Errorf("icm20948: int enable failed: %w", err)
	}
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.bus.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

func (d *Device) ReadSample(dst *imu.RawSample) error {
	if d == nil {
		return fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return err
	}
	status, err := regbus.ReadReg(d.bus, regIntStatus1)
	if err != nil {
		return fmt.Errorf("icm20948: read status failed: %w", err)
	}
	if err := d.bus.ReadRegs(regAccelXoutH, d.buf[:]); err != nil {
		return fmt.Errorf("icm20948: read sensors failed: %w", err)
	}

	b := d.buf[:]
	for i := 0; i < 3; i++ {
		dst.Accel[i] = int16(b[2*i])<<8 | int16(b[2*i+1])
		dst.Gyro[i] = int16(b[6+2*i])<<8 | int16(b[6+2*i+1])
	}
	dst.Mag = [3]int16{}
	// RAW_DATA_0_RDY_INT lines up with imu.StatusDataReady; there is no
	// wake-on-motion bit in INT_STATUS_1.
	dst.Status = imu.Status(status) & imu.StatusDataReady
	dst.Time = time.Now()
	return nil
}
