package ahrs

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Mounting: the board may sit in the robot in any of the 24 axis-aligned
// poses, or tilted. MountMatrix turns a "which sensor axis points forward"
// choice plus a stationary gravity reading into the sensor->body rotation
// used as the install matrix of the axis remap.

// DominantAxis returns +/-1..+/-3 for the sensor axis most aligned with v.
// Ties prefer X, then Y.
func DominantAxis(v [3]float64) int {
	a1 := math.Abs(v[0])
	a2 := math.Abs(v[1])
	a3 := math.Abs(v[2])
	if a1 >= a2 && a1 >= a3 {
		if v[0] >= 0 {
			return 1
		}
		return -1
	}
	if a2 >= a1 && a2 >= a3 {
		if v[1] >= 0 {
			return 2
		}
		return -2
	}
	if v[2] >= 0 {
		return 3
	}
	return -3
}

// MountMatrix returns the rows of the sensor->body rotation: body X (forward)
// is the named sensor axis with any vertical component removed, body Z is the
// measured up direction, body Y completes the right-handed frame.
func MountMatrix(forwardAxis int, gravity [3]float64) ([3][3]float64, error) {
	g := r3.Vector{X: gravity[0], Y: gravity[1], Z: gravity[2]}
	if g.Norm() < minVectorNorm {
		return [3][3]float64{}, fmt.Errorf("ahrs: invalid gravity vector: zero vector")
	}
	z := g.Normalize()

	idx := forwardAxis
	sign := 1.0
	if idx < 0 {
		idx = -idx
		sign = -1.0
	}
	var x r3.Vector
	switch idx {
	case 1:
		x.X = sign
	case 2:
		x.Y = sign
	case 3:
		x.Z = sign
	default:
		return [3][3]float64{}, fmt.Errorf("ahrs: invalid forward axis %d", forwardAxis)
	}

	// Remove any component along gravity so forward is horizontal.
	x = x.Sub(z.Mul(x.Dot(z)))
	if x.Norm() < minVectorNorm {
		return [3][3]float64{}, fmt.Errorf("ahrs: forward axis nearly vertical")
	}
	x = x.Normalize()
	y := z.Cross(x).Normalize()
	return [3][3]float64{
		{x.X, x.Y, x.Z},
		{y.X, y.Y, y.Z},
		{z.X, z.Y, z.Z},
	}, nil
}
