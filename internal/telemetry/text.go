package telemetry

import (
	"fmt"
	"math"
)

// Sections selects the blocks of the text report.
type Sections struct {
	Angle bool
	Gyro  bool
	Accel bool
	// Degrees prints angles in degrees instead of radians.
	Degrees bool
}

var AllSections = Sections{Angle: true, Gyro: true, Accel: true}

// AppendText appends the console report: one "label: value" line per axis,
// CR after LF for serial terminals, and a blank line after each block.
func AppendText(dst []byte, r Readings, sec Sections) []byte {
	if sec.Angle {
		a := r.Angles
		if sec.Degrees {
			a.Yaw, a.Pitch, a.Roll = a.Yaw*180/math.Pi, a.Pitch*180/math.Pi, a.Roll*180/math.Pi
		}
		dst = fmt.Appendf(dst, "Angle yaw: %f\n\r", a.Yaw)
		dst = fmt.Appendf(dst, "Angle pitch: %f\n\r", a.Pitch)
		dst = fmt.Appendf(dst, "Angle roll: %f\n\r", a.Roll)
		dst = append(dst, '\n')
	}
	if sec.Gyro {
		dst = fmt.Appendf(dst, "Gyro X: %f\n\r", r.Gyro.X)
		dst = fmt.Appendf(dst, "Gyro Y: %f\n\r", r.Gyro.Y)
		dst = fmt.Appendf(dst, "Gyro Z: %f\n\r", r.Gyro.Z)
		dst = append(dst, '\n')
	}
	if sec.Accel {
		dst = fmt.Appendf(dst, "Acce X: %f\n\r", r.Accel.X)
		dst = fmt.Appendf(dst, "Acce Y: %f\n\r", r.Accel.Y)
		dst = fmt.Appendf(dst, "Acce Z: %f\n\r", r.Accel.Z)
		dst = append(dst, '\n')
	}
	return dst
}
