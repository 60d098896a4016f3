package ins

import (
	"errors"
	"testing"

	"github.com/golang/geo/r3"

	"ins-core/internal/imu"
)

type countingIndicator struct {
	on, off int
	err     error
}

func (c *countingIndicator) On() error {
	c.on++
	return c.err
}

func (c *countingIndicator) Off() error {
	c.off++
	return c.err
}

const ready = imu.StatusDataReady

func TestPhase_String(t *testing.T) {
	cases := map[Phase]string{PhaseIdle: "idle", PhaseSeeding: "seeding", PhaseSettling: "settling", PhaseStable: "stable", Phase(9): "phase(9)"}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Fatalf("%d.String()=%q want %q", int(p), got, want)
		}
	}
}

func TestCalibrator_SeedOnlyOnce(t *testing.T) {
	c := NewCalibrator(CalibrationConfig{}, nil)
	if err := c.SetSeed(r3.Vector{X: 1}); err != nil {
		t.Fatalf("SetSeed: %v", err)
	}
	if err := c.SetSeed(r3.Vector{X: 2}); !errors.Is(err, ErrSeedAlreadySet) {
		t.Fatalf("second SetSeed err=%v want %v", err, ErrSeedAlreadySet)
	}
	if c.Seed().X != 1 {
		t.Fatalf("seed=%v", c.Seed())
	}
}

func TestCalibrator_Defaults(t *testing.T) {
	cfg := NewCalibrator(CalibrationConfig{}, nil).Config()
	if cfg.TargetTicks != DefaultCalibrationTicks || cfg.Gain != DefaultCalibrationGain || cfg.StillnessThreshold != DefaultStillnessThreshold {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestCalibrator_PhaseSequence(t *testing.T) {
	ind := &countingIndicator{}
	c := NewCalibrator(CalibrationConfig{TargetTicks: 3}, ind)
	seed := r3.Vector{X: 0.01, Y: -0.02, Z: 0.005}
	_ = c.SetSeed(seed)

	ticks := 7
	bias := c.Step(r3.Vector{X: 5}, r3.Vector{}, ready, &ticks)
	if c.Phase() != PhaseSeeding || bias != (r3.Vector{X: 5}) {
		t.Fatalf("after first step phase=%v bias=%v", c.Phase(), bias)
	}
	if ind.on != 0 {
		t.Fatalf("indicator on=%d before settling", ind.on)
	}

	// The seeding tick only installs the seed.
	bias = c.Step(bias, r3.Vector{X: 0.01}, ready, &ticks)
	if c.Phase() != PhaseSettling || bias != seed || ticks != 0 || ind.on != 1 {
		t.Fatalf("phase=%v bias=%v ticks=%d on=%d", c.Phase(), bias, ticks, ind.on)
	}
	for i := 0; i < 10; i++ {
		bias = c.Step(bias, r3.Vector{}, ready, &ticks)
	}
	if c.Phase() != PhaseStable {
		t.Fatalf("phase=%v want stable", c.Phase())
	}
	if ind.on != 1 || ind.off != 1 {
		t.Fatalf("indicator on=%d off=%d want 1/1", ind.on, ind.off)
	}
	if ticks != 3 {
		t.Fatalf("ticks=%d want 3", ticks)
	}
	if bias != seed {
		t.Fatalf("bias=%v want %v", bias, seed)
	}
}

func settling(t *testing.T, cfg CalibrationConfig, seed r3.Vector) *Calibrator {
	t.Helper()
	c := NewCalibrator(cfg, nil)
	_ = c.SetSeed(seed)
	c.phase = PhaseSettling
	return c
}

func TestCalibrator_MotionResetsToSeed(t *testing.T) {
	seed := r3.Vector{X: 0.01}
	c := settling(t, CalibrationConfig{TargetTicks: 100, StillnessThreshold: 0.05}, seed)
	ticks := 42
	bias := c.Step(r3.Vector{X: 0.2, Y: 0.3}, r3.Vector{Z: 0.5}, ready, &ticks)
	if ticks != 0 || bias != seed {
		t.Fatalf("ticks=%d bias=%v want 0 %v", ticks, bias, seed)
	}
	if c.Phase() != PhaseSettling {
		t.Fatalf("phase=%v", c.Phase())
	}
}

func TestCalibrator_MotionBitResetsToSeed(t *testing.T) {
	seed := r3.Vector{Y: -0.01}
	c := settling(t, CalibrationConfig{TargetTicks: 100}, seed)
	ticks := 12
	bias := c.Step(r3.Vector{Y: 0.2}, r3.Vector{}, ready|imu.StatusMotion, &ticks)
	if ticks != 0 || bias != seed {
		t.Fatalf("ticks=%d bias=%v", ticks, bias)
	}
}

func TestCalibrator_StillSampleRefinesBias(t *testing.T) {
	c := settling(t, CalibrationConfig{TargetTicks: 100, Gain: 0.5}, r3.Vector{})
	ticks := 3
	bias := c.Step(r3.Vector{X: 1}, r3.Vector{X: 0.02, Z: -0.04}, ready, &ticks)
	want := r3.Vector{X: 0.99, Z: 0.02}
	if ticks != 4 || !vecNear(bias, want, 1e-12) {
		t.Fatalf("ticks=%d bias=%v want 4 %v", ticks, bias, want)
	}
}

func TestCalibrator_RefineWithoutDataReadyDoesNotCount(t *testing.T) {
	c := settling(t, CalibrationConfig{TargetTicks: 100}, r3.Vector{})
	ticks := 3
	bias := c.Refine(r3.Vector{X: 1}, r3.Vector{}, 0, &ticks)
	if ticks != 3 || bias.X != 1 {
		t.Fatalf("ticks=%d bias=%v", ticks, bias)
	}
}

func TestCalibrator_StableFreezesBias(t *testing.T) {
	c := settling(t, CalibrationConfig{TargetTicks: 2}, r3.Vector{})
	ticks := 1
	bias := c.Step(r3.Vector{X: 0.3}, r3.Vector{}, ready, &ticks)
	if c.Phase() != PhaseStable {
		t.Fatalf("phase=%v want stable", c.Phase())
	}
	for i := 0; i < 5; i++ {
		got := c.Step(bias, r3.Vector{X: 3, Y: -3}, ready|imu.StatusMotion, &ticks)
		if got != bias {
			t.Fatalf("bias changed while stable: %v -> %v", bias, got)
		}
	}
	if ticks != 2 {
		t.Fatalf("ticks=%d want 2", ticks)
	}
}

func TestCalibrator_IndicatorErrorKept(t *testing.T) {
	ind := &countingIndicator{err: errors.New("gpio busy")}
	c := NewCalibrator(CalibrationConfig{TargetTicks: 1}, ind)
	ticks := 0
	for i := 0; i < 3; i++ {
		c.Step(r3.Vector{}, r3.Vector{}, ready, &ticks)
	}
	if c.IndicatorErr() == nil {
		t.Fatalf("expected indicator error")
	}
	if c.Phase() != PhaseStable {
		t.Fatalf("phase=%v", c.Phase())
	}
}

func TestCalibrator_ReframeMovesSeed(t *testing.T) {
	c := NewCalibrator(CalibrationConfig{}, nil)
	_ = c.SetSeed(r3.Vector{X: 0.01})
	// Quarter turn about z: body x becomes body y.
	c.reframe(NewRemap([3][3]float64{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}}, UniformScale(1)))
	if got := c.Seed(); !vecNear(got, r3.Vector{Y: 0.01}, 1e-12) {
		t.Fatalf("seed=%v want (0, 0.01, 0)", got)
	}
}
