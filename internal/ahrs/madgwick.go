package ahrs

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Madgwick is the gradient-descent orientation filter. Beta is the step
// applied along the normalised objective gradient each update.
type Madgwick struct {
	Beta float64
}

func (m *Madgwick) Reset() {}

func (m *Madgwick) Update(q quat.Number, dt float64, gyro, accel, mag r3.Vector) quat.Number {
	qDot := quat.Scale(0.5, quat.Mul(q, quat.Number{Imag: gyro.X, Jmag: gyro.Y, Kmag: gyro.Z}))

	an := accel.Norm()
	if an >= minVectorNorm {
		grad := m.gradient(q, accel.Mul(1/an), mag)
		if gn := math.Sqrt(grad[0]*grad[0] + grad[1]*grad[1] + grad[2]*grad[2] + grad[3]*grad[3]); gn >= minVectorNorm {
			step := m.Beta / gn
			qDot = quat.Sub(qDot, quat.Number{
				Real: step * grad[0],
				Imag: step * grad[1],
				Jmag: step * grad[2],
				Kmag: step * grad[3],
			})
		}
	}

	return Normalize(quat.Add(q, quat.Scale(dt, qDot)))
}

// gradient is Jᵀf summed over the gravity objective and, when a field is
// present, the magnetic objective.
func (m *Madgwick) gradient(q quat.Number, a, mag r3.Vector) [4]float64 {
	q0, q1, q2, q3 := q.Real, q.Imag, q.Jmag, q.Kmag

	f := []float64{
		2*(q1*q3-q0*q2) - a.X,
		2*(q0*q1+q2*q3) - a.Y,
		2*(0.5-q1*q1-q2*q2) - a.Z,
	}
	j := [][4]float64{
		{-2 * q2, 2 * q3, -2 * q0, 2 * q1},
		{2 * q1, 2 * q0, 2 * q3, 2 * q2},
		{0, -4 * q1, -4 * q2, 0},
	}

	if mn := mag.Norm(); mn >= minVectorNorm {
		mm := mag.Mul(1 / mn)
		bx, bz := earthField(q, mm)
		f = append(f,
			2*bx*(0.5-q2*q2-q3*q3)+2*bz*(q1*q3-q0*q2)-mm.X,
			2*bx*(q1*q2-q0*q3)+2*bz*(q0*q1+q2*q3)-mm.Y,
			2*bx*(q0*q2+q1*q3)+2*bz*(0.5-q1*q1-q2*q2)-mm.Z,
		)
		j = append(j,
			[4]float64{-2 * bz * q2, 2 * bz * q3, -4*bx*q2 - 2*bz*q0, -4*bx*q3 + 2*bz*q1},
			[4]float64{-2*bx*q3 + 2*bz*q1, 2*bx*q2 + 2*bz*q0, 2*bx*q1 + 2*bz*q3, -2*bx*q0 + 2*bz*q2},
			[4]float64{2 * bx * q2, 2*bx*q3 - 4*bz*q1, 2*bx*q0 - 4*bz*q2, 2 * bx * q1},
		)
	}

	var g [4]float64
	for r := range f {
		for i := 0; i < 4; i++ {
			g[i] += j[r][i] * f[r]
		}
	}
	return g
}
