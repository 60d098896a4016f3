package ahrs

import (
	"fmt"
	"strings"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Fusion is a gyro-integration-with-vector-correction law. Update returns
// the new attitude for a gyro rate (rad/s), an accelerometer vector and a
// magnetometer vector (any units) over dt seconds. A zero accel vector skips
// the gravity correction; a zero mag vector skips the heading correction.
// The result is always unit length.
type Fusion interface {
	Update(q quat.Number, dt float64, gyro, accel, mag r3.Vector) quat.Number
	Reset()
}

// Params tune the fusion laws. Unset values take the defaults below.
type Params struct {
	Kp   float64
	Ki   float64
	Beta float64
}

const (
	DefaultKp   = 1.0
	DefaultKi   = 0.0
	DefaultBeta = 0.1
)

// NewFusion returns the law named by name ("mahony" or "madgwick").
func NewFusion(name string, p Params) (Fusion, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mahony":
		if p.Kp == 0 {
			p.Kp = DefaultKp
		}
		return &Mahony{Kp: p.Kp, Ki: p.Ki}, nil
	case "madgwick":
		if p.Beta == 0 {
			p.Beta = DefaultBeta
		}
		return &Madgwick{Beta: p.Beta}, nil
	default:
		return nil, fmt.Errorf("ahrs: unknown fusion law %q", name)
	}
}
