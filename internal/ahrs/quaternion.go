// Package ahrs is the attitude estimator: quaternion initialisation from an
// accel/mag pair, pluggable fusion laws and the Euler conversion used by the
// motion controllers.
//
// Frame convention: body x forward, y left, z up. The quaternion rotates
// body vectors into the earth frame; a level, stationary accelerometer reads
// +g on z.
package ahrs

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// ErrDegenerateInput is returned when an accel/mag pair cannot define an
// attitude (near-zero or parallel vectors).
var ErrDegenerateInput = errors.New("ahrs: degenerate input")

// Identity is the zero rotation.
var Identity = quat.Number{Real: 1}

const (
	minVectorNorm = 1e-6
	// sin of the smallest accepted angle between gravity and the magnetic field.
	minFieldAngleSin = 1e-3
)

// Init builds the initial attitude: roll and pitch from gravity, yaw from the
// tilt-compensated magnetic field. On error the returned quaternion is
// Identity and callers keep whatever attitude they already had.
func Init(accel, mag r3.Vector) (quat.Number, error) {
	an := accel.Norm()
	if an < minVectorNorm {
		return Identity, fmt.Errorf("%w: accelerometer near zero", ErrDegenerateInput)
	}
	mn := mag.Norm()
	if mn < minVectorNorm {
		return Identity, fmt.Errorf("%w: magnetometer near zero", ErrDegenerateInput)
	}
	a := accel.Mul(1 / an)
	m := mag.Mul(1 / mn)
	if a.Cross(m).Norm() < minFieldAngleSin {
		return Identity, fmt.Errorf("%w: gravity and magnetic field are parallel", ErrDegenerateInput)
	}

	roll, pitch := tilt(a)
	sr, cr := math.Sincos(roll)
	sp, cp := math.Sincos(pitch)
	// Level the field, then heading is the angle that puts it on +x.
	mx := cp*m.X + sp*(sr*m.Y+cr*m.Z)
	my := cr*m.Y - sr*m.Z
	yaw := math.Atan2(-my, mx)
	return FromEuler(yaw, pitch, roll), nil
}

// InitTilt builds the initial attitude from gravity alone, with yaw zero.
// It is used when no magnetometer is fitted.
func InitTilt(accel r3.Vector) (quat.Number, error) {
	an := accel.Norm()
	if an < minVectorNorm {
		return Identity, fmt.Errorf("%w: accelerometer near zero", ErrDegenerateInput)
	}
	roll, pitch := tilt(accel.Mul(1 / an))
	return FromEuler(0, pitch, roll), nil
}

func tilt(a r3.Vector) (roll, pitch float64) {
	roll = math.Atan2(a.Y, a.Z)
	pitch = math.Atan2(-a.X, math.Hypot(a.Y, a.Z))
	return roll, pitch
}

// FromEuler builds the quaternion for a Z-Y-X (yaw, pitch, roll) rotation.
func FromEuler(yaw, pitch, roll float64) quat.Number {
	sy, cy := math.Sincos(yaw / 2)
	sp, cp := math.Sincos(pitch / 2)
	sr, cr := math.Sincos(roll / 2)
	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}

// EulerAngles returns yaw, pitch and roll in radians.
func EulerAngles(q quat.Number) (yaw, pitch, roll float64) {
	q0, q1, q2, q3 := q.Real, q.Imag, q.Jmag, q.Kmag
	yaw = math.Atan2(2*(q0*q3+q1*q2), 2*(q0*q0+q1*q1)-1)
	pitch = math.Asin(clamp(-2*(q1*q3-q0*q2), -1, 1))
	roll = math.Atan2(2*(q0*q1+q2*q3), 2*(q0*q0+q3*q3)-1)
	return yaw, pitch, roll
}

// Normalize scales q to unit length. A zero quaternion becomes Identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n < minVectorNorm || math.IsNaN(n) || math.IsInf(n, 0) {
		return Identity
	}
	return quat.Scale(1/n, q)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// integrate advances q by body rate w over dt: q += 0.5*q⊗(0,w)*dt.
func integrate(q quat.Number, w r3.Vector, dt float64) quat.Number {
	qDot := quat.Scale(0.5, quat.Mul(q, quat.Number{Imag: w.X, Jmag: w.Y, Kmag: w.Z}))
	return quat.Add(q, quat.Scale(dt, qDot))
}
