package ins

import (
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// DefaultInstall is the board install rotation: sensor +y faces forward.
var DefaultInstall = [3][3]float64{
	{0, 1, 0},
	{-1, 0, 0},
	{0, 0, 1},
}

// IdentityInstall leaves the sensor axes untouched.
var IdentityInstall = [3][3]float64{
	{1, 0, 0},
	{0, 1, 0},
	{0, 0, 1},
}

// Remap converts one channel of raw counts into physical units in the body
// frame: out[i] = Σ_j raw[j]*M[i][j] + bias[i]. It holds no state beyond M.
type Remap struct {
	m *mat.Dense
}

// NewRemap builds M = install × diag(scale), scale being the per-axis
// conversion from counts to physical units.
func NewRemap(install [3][3]float64, scale [3]float64) Remap {
	inst := mat.NewDense(3, 3, []float64{
		install[0][0], install[0][1], install[0][2],
		install[1][0], install[1][1], install[1][2],
		install[2][0], install[2][1], install[2][2],
	})
	var m mat.Dense
	m.Mul(inst, mat.NewDiagDense(3, []float64{scale[0], scale[1], scale[2]}))
	return Remap{m: &m}
}

// UniformScale is the common case of one scale for all three axes.
func UniformScale(s float64) [3]float64 { return [3]float64{s, s, s} }

// Apply remaps raw counts.
func (r Remap) Apply(raw [3]int16, bias r3.Vector) r3.Vector {
	return r.ApplyVector(r3.Vector{X: float64(raw[0]), Y: float64(raw[1]), Z: float64(raw[2])}, bias)
}

// ApplyVector remaps an already-widened input.
func (r Remap) ApplyVector(in r3.Vector, bias r3.Vector) r3.Vector {
	m := r.m
	return r3.Vector{
		X: in.X*m.At(0, 0) + in.Y*m.At(0, 1) + in.Z*m.At(0, 2) + bias.X,
		Y: in.X*m.At(1, 0) + in.Y*m.At(1, 1) + in.Z*m.At(1, 2) + bias.Y,
		Z: in.X*m.At(2, 0) + in.Y*m.At(2, 1) + in.Z*m.At(2, 2) + bias.Z,
	}
}

// Reframe returns the conversion that carries a body-frame vector produced by
// r into the body frame of next, that is next.M · r.M⁻¹. Both remaps must read
// the same sensor axes.
func (r Remap) Reframe(next Remap) (Remap, error) {
	var inv mat.Dense
	if err := inv.Inverse(r.m); err != nil {
		return Remap{}, fmt.Errorf("ins: remap is not invertible: %w", err)
	}
	var m mat.Dense
	m.Mul(next.m, &inv)
	return Remap{m: &m}, nil
}

// Matrix returns M.
func (r Remap) Matrix() [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r.m.At(i, j)
		}
	}
	return out
}
