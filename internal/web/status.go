package web

import (
	"math"
	"time"

	"github.com/golang/geo/r3"

	"ins-core/internal/ins"
)

// AttitudeSnapshot is a UI-friendly view of the published estimate. Angles
// are in degrees.
type AttitudeSnapshot struct {
	Valid    bool       `json:"valid"`
	YawDeg   float64    `json:"yaw_deg"`
	PitchDeg float64    `json:"pitch_deg"`
	RollDeg  float64    `json:"roll_deg"`
	Gyro     [3]float64 `json:"gyro_rad_s"`
	Accel    [3]float64 `json:"accel_m_s2"`
}

type CalibrationSnapshot struct {
	Phase string     `json:"phase"`
	Ticks int        `json:"ticks"`
	Bias  [3]float64 `json:"bias_rad_s"`
}

type StatusSnapshot struct {
	Service        string              `json:"service"`
	NowUTC         string              `json:"now_utc"`
	UptimeSec      int64               `json:"uptime_sec"`
	BroughtUp      bool                `json:"brought_up"`
	BringUpTries   int                 `json:"bring_up_tries"`
	Cycles         uint64              `json:"cycles"`
	ReadErrors     uint64              `json:"read_errors"`
	DroppedEdges   uint64              `json:"dropped_edges"`
	RecordErrors   uint64              `json:"record_errors"`
	DegenerateInit bool                `json:"degenerate_init"`
	LastError      string              `json:"last_error,omitempty"`
	LastUpdateUTC  string              `json:"last_update_utc,omitempty"`
	Calibration    CalibrationSnapshot `json:"calibration"`
	Attitude       AttitudeSnapshot    `json:"attitude"`
}

type Status struct {
	start time.Time
	ctl   Controller
}

func NewStatus(ctl Controller, start time.Time) *Status {
	return &Status{start: start, ctl: ctl}
}

func vec(v r3.Vector) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

func deg(rad float64) float64 { return rad * 180 / math.Pi }

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	snap := StatusSnapshot{
		Service:   "insd",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(s.start).Seconds()),
	}
	if s.ctl == nil {
		return snap
	}

	st := s.ctl.Snapshot()
	a := s.ctl.OrientationAngles()
	snap.BroughtUp = st.BroughtUp
	snap.BringUpTries = st.BringUpTries
	snap.Cycles = st.Cycles
	snap.ReadErrors = st.ReadErrors
	snap.DroppedEdges = st.DroppedEdges
	snap.RecordErrors = st.RecordErrors
	snap.DegenerateInit = st.DegenerateInit
	snap.LastError = st.LastError
	if !st.UpdatedAt.IsZero() {
		snap.LastUpdateUTC = st.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	snap.Calibration = CalibrationSnapshot{
		Phase: st.Phase.String(),
		Ticks: st.Ticks,
		Bias:  vec(st.Bias),
	}
	snap.Attitude = AttitudeSnapshot{
		Valid:    st.Valid,
		YawDeg:   deg(a.Yaw),
		PitchDeg: deg(a.Pitch),
		RollDeg:  deg(a.Roll),
		Gyro:     vec(s.ctl.GyroVector()),
		Accel:    vec(s.ctl.AccelVector()),
	}
	return snap
}

var _ Controller = (*ins.Service)(nil)
