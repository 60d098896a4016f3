// Package sim is a synthetic inertial sensor. It follows a scripted attitude
// profile and produces the raw counts a real sensor would report, including
// gyro bias and the motion interrupt bit.
package sim

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"ins-core/internal/ahrs"
	"ins-core/internal/imu"
)

type Options struct {
	// Period is the simulated sample spacing. Default 1ms.
	Period time.Duration
	// Install is the sensor->body rotation of the simulated board. The
	// zero value means identity.
	Install [3][3]float64
	// Scales default to a ±2000 dps / ±8 g part with a 0.3 µT magnetometer.
	Scales imu.Scales
	// GyroBias is a constant rate offset in sensor axes, rad/s.
	GyroBias [3]float64
	// Field is the earth-frame magnetic field in µT (x north, y west, z up).
	Field r3.Vector
	NoMag bool
	Loop  bool
}

var DefaultScales = imu.Scales{
	Gyro:  2000.0 / 32768.0 * math.Pi / 180.0,
	Accel: 8 * imu.StandardGravity / 32768.0,
	Mag:   0.3,
}

var defaultField = r3.Vector{X: 20, Y: 0, Z: -40}

// Driver implements imu.Driver over a Scenario. Simulated time advances one
// Period per ReadSample, regardless of wall time.
type Driver struct {
	mu     sync.Mutex
	scn    *Scenario
	opts   Options
	n      int64
	inited bool
}

func NewDriver(scn *Scenario, opts Options) (*Driver, error) {
	if scn == nil {
		return nil, errors.New("sim: scenario is nil")
	}
	if opts.Period <= 0 {
		opts.Period = time.Millisecond
	}
	if opts.Install == ([3][3]float64{}) {
		opts.Install = [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	}
	if opts.Scales == (imu.Scales{}) {
		opts.Scales = DefaultScales
	}
	if opts.Field == (r3.Vector{}) {
		opts.Field = defaultField
	}
	return &Driver{scn: scn, opts: opts}, nil
}

func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.n = 0
	d.inited = true
	return nil
}

func (d *Driver) Scales() imu.Scales { return d.opts.Scales }

func (d *Driver) Close() error { return nil }

func (d *Driver) ReadSample(dst *imu.RawSample) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inited {
		return errors.New("sim: not initialised")
	}
	period := d.opts.Period
	at := time.Duration(d.n) * period
	d.n++

	st := d.scn.StateAt(at, d.opts.Loop)
	q := attitude(st)
	qNext := attitude(d.scn.StateAt(at+period, d.opts.Loop))

	rate := bodyRate(q, qNext, period.Seconds())
	accel := toBody(q, r3.Vector{Z: imu.StandardGravity})
	var mag r3.Vector
	if !d.opts.NoMag {
		mag = toBody(q, d.opts.Field)
	}

	sc := d.opts.Scales
	gyro := d.toSensor(rate).Add(r3.Vector{X: d.opts.GyroBias[0], Y: d.opts.GyroBias[1], Z: d.opts.GyroBias[2]})
	*dst = imu.RawSample{
		Gyro:   counts(gyro, sc.Gyro),
		Accel:  counts(d.toSensor(accel), sc.Accel),
		Mag:    counts(d.toSensor(mag), sc.Mag),
		Status: imu.StatusDataReady,
	}
	if st.Shake {
		dst.Status |= imu.StatusMotion
	}
	return nil
}

func attitude(st State) quat.Number {
	const rad = math.Pi / 180
	return ahrs.FromEuler(st.YawDeg*rad, st.PitchDeg*rad, st.RollDeg*rad)
}

// bodyRate is the constant body rate that turns q into next over dt.
func bodyRate(q, next quat.Number, dt float64) r3.Vector {
	dq := quat.Mul(quat.Conj(q), next)
	if dq.Real < 0 {
		dq = quat.Scale(-1, dq)
	}
	v := r3.Vector{X: dq.Imag, Y: dq.Jmag, Z: dq.Kmag}
	n := v.Norm()
	if n < 1e-12 || dt <= 0 {
		return r3.Vector{}
	}
	angle := 2 * math.Atan2(n, dq.Real)
	return v.Mul(angle / (n * dt))
}

// toBody expresses an earth-frame vector in body axes.
func toBody(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Mul(quat.Mul(quat.Conj(q), quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), q)
	return r3.Vector{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// toSensor undoes the install rotation: body = M·sensor, so sensor = Mᵀ·body.
func (d *Driver) toSensor(v r3.Vector) r3.Vector {
	m := d.opts.Install
	return r3.Vector{
		X: m[0][0]*v.X + m[1][0]*v.Y + m[2][0]*v.Z,
		Y: m[0][1]*v.X + m[1][1]*v.Y + m[2][1]*v.Z,
		Z: m[0][2]*v.X + m[1][2]*v.Y + m[2][2]*v.Z,
	}
}

func counts(v r3.Vector, scale float64) [3]int16 {
	return [3]int16{count(v.X, scale), count(v.Y, scale), count(v.Z, scale)}
}

func count(x, scale float64) int16 {
	c := math.Round(x / scale)
	if c > math.MaxInt16 {
		return math.MaxInt16
	}
	if c < math.MinInt16 {
		return math.MinInt16
	}
	return int16(c)
}
