package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ScenarioScript is a deterministic, script-driven motion profile for the
// synthetic sensor.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 30s
//	keyframes:
//	  - t: 0s
//	    yaw_deg: 0
//	    pitch_deg: 0
//	    roll_deg: 0
//	  - t: 5s
//	    yaw_deg: 90
//	    shake: true
//
// Keyframes must use non-decreasing t values. Angles are interpolated
// linearly, yaw along the shortest path. shake sets the sensor's motion bit
// for the segment starting at that keyframe.
type ScenarioScript struct {
	Version   int           `yaml:"version"`
	Duration  time.Duration `yaml:"duration"`
	Keyframes []Keyframe    `yaml:"keyframes"`
}

// Keyframe is a time-stamped attitude.
type Keyframe struct {
	T        time.Duration `yaml:"t"`
	YawDeg   float64       `yaml:"yaw_deg"`
	PitchDeg float64       `yaml:"pitch_deg"`
	RollDeg  float64       `yaml:"roll_deg"`
	Shake    bool          `yaml:"shake"`
}

// Scenario is the validated, runtime representation.
type Scenario struct {
	script   ScenarioScript
	duration time.Duration
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML parses a YAML scenario script.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// Still is a scenario that holds one attitude forever.
func Still(yawDeg, pitchDeg, rollDeg float64) *Scenario {
	return &Scenario{script: ScenarioScript{
		Version:   1,
		Keyframes: []Keyframe{{YawDeg: yawDeg, PitchDeg: pitchDeg, RollDeg: rollDeg}},
	}}
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i, kf := range script.Keyframes {
		if kf.T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
		if kf.PitchDeg <= -90 || kf.PitchDeg >= 90 {
			return nil, fmt.Errorf("keyframes[%d].pitch_deg must be within (-90, 90)", i)
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = script.Keyframes[len(script.Keyframes)-1].T
	}
	return &Scenario{script: script, duration: dur}, nil
}

// Duration returns the effective scenario duration. Zero means a single
// held attitude.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// State is the attitude at a point in the scenario, in degrees.
type State struct {
	YawDeg   float64
	PitchDeg float64
	RollDeg  float64
	Shake    bool
}

// StateAt computes the attitude at elapsed.
//
// If loop is true, elapsed wraps around Duration(). Otherwise elapsed is clamped
// to [0, Duration()].
func (s *Scenario) StateAt(elapsed time.Duration, loop bool) State {
	if s == nil || len(s.script.Keyframes) == 0 {
		return State{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if s.duration > 0 {
		if loop {
			elapsed = elapsed % s.duration
		} else if elapsed > s.duration {
			elapsed = s.duration
		}
	}

	k0, k1, alpha := selectSegment(s.script.Keyframes, elapsed)
	return State{
		YawDeg:   lerpAngleDeg(k0.YawDeg, k1.YawDeg, alpha),
		PitchDeg: lerp(k0.PitchDeg, k1.PitchDeg, alpha),
		RollDeg:  lerpAngleDeg(k0.RollDeg, k1.RollDeg, alpha),
		Shake:    k0.Shake,
	}
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// lerpAngleDeg interpolates along the shortest path and returns a value in
// [-180, 180).
func lerpAngleDeg(a0, a1, t float64) float64 {
	norm := func(x float64) float64 {
		for x < -180 {
			x += 360
		}
		for x >= 180 {
			x -= 360
		}
		return x
	}
	a0 = norm(a0)
	a1 = norm(a1)
	delta := a1 - a0
	if delta > 180 {
		delta -= 360
	} else if delta < -180 {
		delta += 360
	}
	return norm(a0 + delta*t)
}
