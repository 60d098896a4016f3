package ins

import "github.com/golang/geo/r3"

// Second-order low-pass tuned for the 1 kHz control rate. The coefficients
// sum to 1, so a constant input passes through unchanged.
var accelFilterCoeffs = [3]float64{1.929454039488895, -0.93178349823448126, 0.002329458745586203}

// AccelFilter is the three-tap recursive accelerometer smoother:
// y[n] = c0*y[n-1] + c1*y[n-2] + c2*x[n], per axis.
type AccelFilter struct {
	// hist[0] is y[n-2], hist[1] is y[n-1], hist[2] is the latest output.
	hist [3]r3.Vector
}

// Seed fills the whole history with x so the first outputs do not ramp from
// zero.
func (f *AccelFilter) Seed(x r3.Vector) {
	f.hist = [3]r3.Vector{x, x, x}
}

func (f *AccelFilter) Apply(x r3.Vector) r3.Vector {
	c := accelFilterCoeffs
	f.hist[0] = f.hist[1]
	f.hist[1] = f.hist[2]
	f.hist[2] = f.hist[1].Mul(c[0]).Add(f.hist[0].Mul(c[1])).Add(x.Mul(c[2]))
	return f.hist[2]
}

// Output returns the latest filtered value.
func (f *AccelFilter) Output() r3.Vector { return f.hist[2] }
