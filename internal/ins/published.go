package ins

import (
	"github.com/golang/geo/r3"
	"go.uber.org/atomic"
)

// Angles are the Euler angles in radians.
type Angles struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// Published is the latest committed estimate. The estimator task is the only
// writer. Each field is swapped in whole, so a reader always sees a complete
// value for that field, but two fields read back to back may come from
// different cycles.
type Published struct {
	angles atomic.Pointer[Angles]
	gyro   atomic.Pointer[r3.Vector]
	accel  atomic.Pointer[r3.Vector]
}

func (p *Published) storeAngles(a Angles)   { p.angles.Store(&a) }
func (p *Published) storeGyro(v r3.Vector)  { p.gyro.Store(&v) }
func (p *Published) storeAccel(v r3.Vector) { p.accel.Store(&v) }

// OrientationAngles returns yaw, pitch and roll in radians.
func (p *Published) OrientationAngles() Angles {
	if a := p.angles.Load(); a != nil {
		return *a
	}
	return Angles{}
}

// GyroVector returns the body rate in rad/s.
func (p *Published) GyroVector() r3.Vector {
	if v := p.gyro.Load(); v != nil {
		return *v
	}
	return r3.Vector{}
}

// AccelVector returns the body acceleration in m/s².
func (p *Published) AccelVector() r3.Vector {
	if v := p.accel.Load(); v != nil {
		return *v
	}
	return r3.Vector{}
}
