package ahrs

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Mahony is the explicit complementary filter: the cross product between
// measured and predicted reference directions feeds back into the gyro rate
// through a PI controller.
type Mahony struct {
	Kp float64
	Ki float64

	integral r3.Vector
}

func (m *Mahony) Reset() { m.integral = r3.Vector{} }

func (m *Mahony) Update(q quat.Number, dt float64, gyro, accel, mag r3.Vector) quat.Number {
	an := accel.Norm()
	if an < minVectorNorm {
		return Normalize(integrate(q, gyro, dt))
	}
	a := accel.Mul(1 / an)
	q0, q1, q2, q3 := q.Real, q.Imag, q.Jmag, q.Kmag

	// Gravity predicted in the body frame.
	v := r3.Vector{
		X: 2 * (q1*q3 - q0*q2),
		Y: 2 * (q0*q1 + q2*q3),
		Z: q0*q0 - q1*q1 - q2*q2 + q3*q3,
	}
	e := a.Cross(v)

	if mn := mag.Norm(); mn >= minVectorNorm {
		mm := mag.Mul(1 / mn)
		bx, bz := earthField(q, mm)
		w := r3.Vector{
			X: 2 * (bx*(0.5-q2*q2-q3*q3) + bz*(q1*q3-q0*q2)),
			Y: 2 * (bx*(q1*q2-q0*q3) + bz*(q0*q1+q2*q3)),
			Z: 2 * (bx*(q0*q2+q1*q3) + bz*(0.5-q1*q1-q2*q2)),
		}
		e = e.Add(mm.Cross(w))
	}

	if m.Ki > 0 {
		m.integral = m.integral.Add(e.Mul(m.Ki * dt))
		gyro = gyro.Add(m.integral)
	} else {
		m.integral = r3.Vector{}
	}
	gyro = gyro.Add(e.Mul(m.Kp))

	return Normalize(integrate(q, gyro, dt))
}

// earthField rotates a unit body-frame field into the earth frame and
// returns its horizontal and vertical magnitudes.
func earthField(q quat.Number, m r3.Vector) (bx, bz float64) {
	q0, q1, q2, q3 := q.Real, q.Imag, q.Jmag, q.Kmag
	hx := 2 * (m.X*(0.5-q2*q2-q3*q3) + m.Y*(q1*q2-q0*q3) + m.Z*(q1*q3+q0*q2))
	hy := 2 * (m.X*(q1*q2+q0*q3) + m.Y*(0.5-q1*q1-q3*q3) + m.Z*(q2*q3-q0*q1))
	hz := 2 * (m.X*(q1*q3-q0*q2) + m.Y*(q2*q3+q0*q1) + m.Z*(0.5-q1*q1-q2*q2))
	return r3.Vector{X: hx, Y: hy}.Norm(), hz
}
