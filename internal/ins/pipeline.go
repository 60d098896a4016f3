package ins

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"ins-core/internal/ahrs"
	"ins-core/internal/imu"
)

// Remaps holds the per-channel conversions from sensor counts to body-frame
// physical units.
type Remaps struct {
	Gyro  Remap
	Accel Remap
	Mag   Remap
}

// NewRemaps combines install rotations with the driver's scales.
func NewRemaps(gyro, accel, mag [3][3]float64, sc imu.Scales) Remaps {
	return Remaps{
		Gyro:  NewRemap(gyro, UniformScale(sc.Gyro)),
		Accel: NewRemap(accel, UniformScale(sc.Accel)),
		Mag:   NewRemap(mag, UniformScale(sc.Mag)),
	}
}

// pipeline is the per-cycle estimator state. Only the estimator task touches
// it.
type pipeline struct {
	remaps Remaps
	useMag bool
	dt     float64

	cal    *Calibrator
	bias   r3.Vector
	ticks  int
	filter AccelFilter
	fusion ahrs.Fusion

	q           quat.Number
	initialized bool
	initErr     error

	// Latest remapped inputs, kept for the external calibration hook and for
	// mount capture.
	lastGyro   r3.Vector
	lastAccel  r3.Vector
	lastStatus imu.Status
	lastRaw    imu.RawSample

	pub *Published
}

func newPipeline(remaps Remaps, useMag bool, dt float64, cal *Calibrator, fusion ahrs.Fusion, pub *Published) *pipeline {
	return &pipeline{
		remaps: remaps,
		useMag: useMag,
		dt:     dt,
		cal:    cal,
		fusion: fusion,
		q:      ahrs.Identity,
		pub:    pub,
	}
}

// process runs one cycle. It reports whether the sample carried fresh data.
func (p *pipeline) process(s *imu.RawSample) bool {
	gyro := p.remaps.Gyro.Apply(s.Gyro, p.bias)
	accel := p.remaps.Accel.Apply(s.Accel, r3.Vector{})
	var mag r3.Vector
	if p.useMag {
		mag = p.remaps.Mag.Apply(s.Mag, r3.Vector{})
	}
	p.lastGyro, p.lastAccel, p.lastStatus, p.lastRaw = gyro, accel, s.Status, *s

	// Rate and acceleration are published every cycle, as converted.
	p.pub.storeGyro(gyro)
	p.pub.storeAccel(accel)

	if !s.Status.DataReady() {
		return false
	}

	if !p.initialized {
		p.initialize(accel, mag)
	} else {
		p.q = p.fusion.Update(p.q, p.dt, gyro, p.filter.Apply(accel), mag)
	}
	yaw, pitch, roll := ahrs.EulerAngles(p.q)
	p.pub.storeAngles(Angles{Yaw: yaw, Pitch: pitch, Roll: roll})

	p.bias = p.cal.Step(p.bias, gyro, s.Status, &p.ticks)
	return true
}

func (p *pipeline) initialize(accel, mag r3.Vector) {
	var q quat.Number
	var err error
	if p.useMag {
		q, err = ahrs.Init(accel, mag)
	} else {
		q, err = ahrs.InitTilt(accel)
	}
	p.initErr = err
	if err == nil {
		p.q = q
	}
	p.filter.Seed(accel)
	p.fusion.Reset()
	p.initialized = true
}

// externalStep is one caller-driven refinement on the latest sample. A zero
// tick count restarts from the seed.
func (p *pipeline) externalStep(ticks int) (r3.Vector, int) {
	if ticks == 0 {
		p.bias = p.cal.Seed()
	}
	p.bias = p.cal.Refine(p.bias, p.lastGyro, p.lastStatus, &ticks)
	return p.bias, ticks
}

// setInstall swaps the gyro and accel install rotations and restarts the
// attitude from the next sample. The gyro bias and the seed are carried into
// the new body frame so the calibration state stays valid.
func (p *pipeline) setInstall(m [3][3]float64, sc imu.Scales) error {
	gyro := NewRemap(m, UniformScale(sc.Gyro))
	carry, err := p.remaps.Gyro.Reframe(gyro)
	if err != nil {
		return err
	}
	p.bias = carry.ApplyVector(p.bias, r3.Vector{})
	p.cal.reframe(carry)
	p.remaps.Gyro = gyro
	p.remaps.Accel = NewRemap(m, UniformScale(sc.Accel))
	p.q = ahrs.Identity
	p.initialized = false
	return nil
}
