package ins

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"ins-core/internal/imu"
)

// Phase is the gyro-bias calibration state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSeeding
	PhaseSettling
	PhaseStable
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSeeding:
		return "seeding"
	case PhaseSettling:
		return "settling"
	case PhaseStable:
		return "stable"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

var (
	ErrSeedAfterStart = errors.New("ins: calibration seed must be set before start")
	ErrSeedAlreadySet = errors.New("ins: calibration seed already set")
)

// Indicator signals an ongoing calibration to the operator (a buzzer on the
// reference board).
type Indicator interface {
	On() error
	Off() error
}

type CalibrationConfig struct {
	// TargetTicks is the number of consecutive still samples needed to
	// declare the bias stable.
	TargetTicks int
	// StillnessThreshold bounds each bias-corrected gyro axis, in rad/s.
	StillnessThreshold float64
	// Gain is the per-sample bias correction factor.
	Gain float64
}

const (
	DefaultCalibrationTicks   = 500
	DefaultStillnessThreshold = 0.05
	DefaultCalibrationGain    = 0.0003
)

func (c CalibrationConfig) withDefaults() CalibrationConfig {
	if c.TargetTicks <= 0 {
		c.TargetTicks = DefaultCalibrationTicks
	}
	if c.StillnessThreshold <= 0 {
		c.StillnessThreshold = DefaultStillnessThreshold
	}
	if c.Gain <= 0 {
		c.Gain = DefaultCalibrationGain
	}
	return c
}

// Calibrator runs the startup bias state machine. It is not safe for
// concurrent use; the estimator task owns it.
type Calibrator struct {
	cfg       CalibrationConfig
	seed      r3.Vector
	seeded    bool
	phase     Phase
	indicator Indicator
	// indicatorErr keeps the last indicator failure for the status view.
	indicatorErr error
}

func NewCalibrator(cfg CalibrationConfig, indicator Indicator) *Calibrator {
	return &Calibrator{cfg: cfg.withDefaults(), indicator: indicator}
}

// SetSeed installs the stored offset used on every reset. Only one seed is
// accepted.
func (c *Calibrator) SetSeed(v r3.Vector) error {
	if c.seeded {
		return ErrSeedAlreadySet
	}
	c.seed = v
	c.seeded = true
	return nil
}

func (c *Calibrator) Seed() r3.Vector { return c.seed }

// reframe moves the seed into a new body frame after a mount change.
func (c *Calibrator) reframe(r Remap) { c.seed = r.ApplyVector(c.seed, r3.Vector{}) }

func (c *Calibrator) Phase() Phase { return c.phase }

func (c *Calibrator) Config() CalibrationConfig { return c.cfg }

// IndicatorErr returns the last error from switching the indicator.
func (c *Calibrator) IndicatorErr() error { return c.indicatorErr }

// still reports whether the bias-corrected rate looks like a sensor at rest.
func (c *Calibrator) still(gyro r3.Vector, status imu.Status) bool {
	if status.Motion() {
		return false
	}
	th := c.cfg.StillnessThreshold
	return math.Abs(gyro.X) <= th && math.Abs(gyro.Y) <= th && math.Abs(gyro.Z) <= th
}

// Refine is one step of the bias law shared by the state machine and the
// external calibration hook. Motion resets ticks and returns the seed. A still
// sample with fresh data moves the bias toward the rest reading and counts.
func (c *Calibrator) Refine(bias, gyro r3.Vector, status imu.Status, ticks *int) r3.Vector {
	if !c.still(gyro, status) {
		*ticks = 0
		return c.seed
	}
	if !status.DataReady() {
		return bias
	}
	*ticks++
	return bias.Sub(gyro.Mul(c.cfg.Gain))
}

// Step advances the state machine by one sample and returns the bias to use
// from the next cycle on.
func (c *Calibrator) Step(bias, gyro r3.Vector, status imu.Status, ticks *int) r3.Vector {
	switch c.phase {
	case PhaseIdle:
		c.phase = PhaseSeeding
		return bias
	case PhaseSeeding:
		c.phase = PhaseSettling
		c.setIndicator(true)
		*ticks = 0
		return c.seed
	case PhaseSettling:
		bias = c.Refine(bias, gyro, status, ticks)
		if *ticks >= c.cfg.TargetTicks {
			c.phase = PhaseStable
			c.setIndicator(false)
		}
		return bias
	default:
		return bias
	}
}

func (c *Calibrator) setIndicator(on bool) {
	if c.indicator == nil {
		return
	}
	var err error
	if on {
		err = c.indicator.On()
	} else {
		err = c.indicator.Off()
	}
	if err != nil {
		c.indicatorErr = err
	}
}
