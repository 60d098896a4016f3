package mpu6500

import (
	"fmt"
	"time"

	"ins-core/internal/imu"
	"ins-core/internal/regbus"
)

var sleep = time.Sleep

// MPU-6500 driver with an optional IST8310 magnetometer behind the aux I2C
// master. One cycle is a single burst read starting at INT_STATUS so status,
// accel, temperature, gyro and the mirrored magnetometer bytes arrive together.

const (
	regSmplrtDiv    = 0x19
	regConfig       = 0x1A
	regGyroConfig   = 0x1B
	regAccelConfig  = 0x1C
	regAccelConfig2 = 0x1D
	regWomThr       = 0x1F
	regI2CMstCtrl   = 0x24
	regI2CSlv0Addr  = 0x25
	regI2CSlv0Reg   = 0x26
	regI2CSlv0Ctrl  = 0x27
	regI2CSlv1Addr  = 0x28
	regI2CSlv1Reg   = 0x29
	regI2CSlv1Ctrl  = 0x2A
	regIntPinCfg    = 0x37
	regIntEnable    = 0x38
	regIntStatus    = 0x3A
	regI2CSlv1DO    = 0x64
	regI2CMstDelay  = 0x67
	regSignalReset  = 0x68
	regAccelIntel   = 0x69
	regUserCtrl     = 0x6A
	regPwrMgmt1     = 0x6B
	regWhoAmI       = 0x75

	whoAmIMPU6500 = 0x70
	whoAmIMPU9250 = 0x71

	bitReset        = 0x80
	clkPLL          = 0x01
	userI2CIfDis    = 0x10
	userI2CMstEn    = 0x20
	intRawReady     = 0x01
	intWakeOnMotion = 0x40
	intAnyReadClr   = 0x10
	accelIntelOn    = 0xC0

	// IST8310 on the aux bus.
	istAddr     = 0x0E
	istRegData  = 0x03
	istRegCntl1 = 0x0A
	istSingle   = 0x01

	slvRead   = 0x80
	slvEnable = 0x80

	// Offsets inside the burst buffer.
	offStatus = 0
	offAccel  = 1
	offGyro   = 9
	offMag    = 15

	burstNoMag   = 15
	burstWithMag = 21
)

// MagScale is the IST8310 sensitivity in µT per count.
const MagScale = 0.3

// Options select ranges and optional features.
type Options struct {
	// GyroRangeDPS is one of 250, 500, 1000, 2000.
	GyroRangeDPS int
	// AccelRangeG is one of 2, 4, 8, 16.
	AccelRangeG int
	// SPI disables the I2C slave interface so the part stays in SPI mode.
	SPI bool
	// Mag enables the IST8310 read through the aux master.
	Mag bool
	// MotionThreshold is the wake-on-motion threshold in 4 mg steps; 0 disables it.
	MotionThreshold uint8
	// SampleRateDivider divides the 1 kHz internal rate.
	SampleRateDivider uint8
}

type Device struct {
	bus  regbus.Bus
	opts Options

	gyroSel  byte
	accelSel byte
	scales   imu.Scales
	buf      []byte
}

func New(bus regbus.Bus, opts Options) (*Device, error) {
	if bus == nil {
		return nil, fmt.Errorf("mpu6500: bus is nil")
	}
	if opts.GyroRangeDPS == 0 {
		opts.GyroRangeDPS = 2000
	}
	if opts.AccelRangeG == 0 {
		opts.AccelRangeG = 8
	}
	gs, err := gyroFullScale(opts.GyroRangeDPS)
	if err != nil {
		return nil, err
	}
	as, err := accelFullScale(opts.AccelRangeG)
	if err != nil {
		return nil, err
	}
	n := burstNoMag
	if opts.Mag {
		n = burstWithMag
	}
	return &Device{
		bus:      bus,
		opts:     opts,
		gyroSel:  gs,
		accelSel: as,
		scales:   imu.RangeScales(opts.GyroRangeDPS, opts.AccelRangeG, MagScale),
		buf:      make([]byte, n),
	}, nil
}

func gyroFullScale(dps int) (byte, error) {
	switch dps {
	case 250:
		return 0, nil
	case 500:
		return 1, nil
	case 1000:
		return 2, nil
	case 2000:
		return 3, nil
	}
	return 0, fmt.Errorf("mpu6500: unsupported gyro range %d dps", dps)
}

func accelFullScale(g int) (byte, error) {
	switch g {
	case 2:
		return 0, nil
	case 4:
		return 1, nil
	case 8:
		return 2, nil
	case 16:
		return 3, nil
	}
	return 0, fmt.Errorf("mpu6500: unsupported accel range %d g", g)
}

func (d *Device) Scales() imu.Scales { return d.scales }

func (d *Device) Close() error { return d.bus.Close() }

// Init probes and configures the part. It is safe to call again after a
// failure.
func (d *Device) Init() error {
	who, err := regbus.ReadReg(d.bus, regWhoAmI)
	if err != nil {
		return fmt.Errorf("mpu6500: whoami read failed: %w", err)
	}
	if who != whoAmIMPU6500 && who != whoAmIMPU9250 {
		return fmt.Errorf("mpu6500: whoami=0x%02X want 0x%02X", who, whoAmIMPU6500)
	}

	if err := d.bus.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("mpu6500: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	if err := d.bus.WriteReg(regSignalReset, 0x07); err != nil {
		return fmt.Errorf("mpu6500: signal path reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)

	user := byte(0)
	if d.opts.SPI {
		user |= userI2CIfDis
	}
	if d.opts.Mag {
		user |= userI2CMstEn
	}
	intEnable := byte(intRawReady)
	if d.opts.MotionThreshold > 0 {
		intEnable |= intWakeOnMotion
	}

	steps := []struct {
		reg, val byte
		what     string
	}{
		{regPwrMgmt1, clkPLL, "wake"},
		{regUserCtrl, user, "user ctrl"},
		{regSmplrtDiv, d.opts.SampleRateDivider, "sample rate"},
		{regConfig, 0x00, "gyro dlpf"},
		{regGyroConfig, d.gyroSel << 3, "gyro config"},
		{regAccelConfig, d.accelSel << 3, "accel config"},
		{regAccelConfig2, 0x00, "accel dlpf"},
		{regIntPinCfg, intAnyReadClr, "int pin"},
	}
	for _, s := range steps {
		if err := d.bus.WriteReg(s.reg, s.val); err != nil {
			return fmt.Errorf("mpu6500: %s failed: %w", s.what, err)
		}
	}

	if d.opts.MotionThreshold > 0 {
		if err := d.bus.WriteReg(regAccelIntel, accelIntelOn); err != nil {
			return fmt.Errorf("mpu6500: accel intel failed: %w", err)
		}
		if err := d.bus.WriteReg(regWomThr, d.opts.MotionThreshold); err != nil {
			return fmt.Errorf("mpu6500: motion threshold failed: %w", err)
		}
	}

	if d.opts.Mag {
		if err := d.initAuxMag(); err != nil {
			return err
		}
	}

	if err := d.bus.WriteReg(regIntEnable, intEnable); err != nil {
		return fmt.Errorf("mpu6500: int enable failed: %w", err)
	}
	return nil
}

// initAuxMag programs slave 1 to trigger an IST8310 single measurement and
// slave 0 to mirror its six data bytes into EXT_SENS_DATA every sample.
func (d *Device) initAuxMag() error {
	steps := []struct{ reg, val byte }{
		{regI2CMstCtrl, 0x0D}, // 400 kHz
		{regI2CSlv1Addr, istAddr},
		{regI2CSlv1Reg, istRegCntl1},
		{regI2CSlv1DO, istSingle},
		{regI2CSlv1Ctrl, slvEnable | 1},
		{regI2CSlv0Addr, istAddr | slvRead},
		{regI2CSlv0Reg, istRegData},
		{regI2CSlv0Ctrl, slvEnable | 6},
		{regI2CMstDelay, 0x03},
	}
	for _, s := range steps {
		if err := d.bus.WriteReg(s.reg, s.val); err != nil {
			return fmt.Errorf("mpu6500: aux mag setup reg 0x%02X failed: %w", s.reg, err)
		}
	}
	return nil
}

func (d *Device) ReadSample(dst *imu.RawSample) error {
	if d == nil {
		return fmt.Errorf("mpu6500: device is nil")
	}
	if err := d.bus.ReadRegs(regIntStatus, d.buf); err != nil {
		return fmt.Errorf("mpu6500: burst read failed: %w", err)
	}
	decode(d.buf, dst)
	dst.Time = time.Now()
	return nil
}

func decode(b []byte, dst *imu.RawSample) {
	dst.Status = imu.Status(b[offStatus])
	for i := 0; i < 3; i++ {
		dst.Accel[i] = be16(b[offAccel+2*i:])
		dst.Gyro[i] = be16(b[offGyro+2*i:])
	}
	if len(b) >= burstWithMag {
		// IST8310 data is little-endian.
		for i := 0; i < 3; i++ {
			dst.Mag[i] = int16(b[offMag+2*i]) | int16(b[offMag+2*i+1])<<8
		}
	} else {
		dst.Mag = [3]int16{}
	}
}

func be16(b []byte) int16 { return int16(b[0])<<8 | int16(b[1]) }
