// Package imu holds the raw sample and driver contract shared by the sensor
// drivers and the estimator.
package imu

import (
	"math"
	"time"
)

// Status mirrors the sensor's interrupt status register for one cycle.
type Status uint8

const (
	// StatusDataReady is set when the gyro/accel registers hold a new sample.
	StatusDataReady Status = 1 << 0
	// StatusMotion is set by the sensor's wake-on-motion detector.
	StatusMotion Status = 1 << 6
)

func (s Status) DataReady() bool { return s&StatusDataReady != 0 }

func (s Status) Motion() bool { return s&StatusMotion != 0 }

// RawSample is one acquisition cycle worth of raw sensor counts, in the
// sensor's own axes.
type RawSample struct {
	Time   time.Time
	Gyro   [3]int16
	Accel  [3]int16
	Mag    [3]int16
	Status Status
}

// Scales converts counts to physical units.
type Scales struct {
	Gyro  float64 // rad/s per count
	Accel float64 // m/s² per count
	Mag   float64 // µT per count
}

// RangeScales returns the scales of a 16-bit part configured for ±gyroDPS
// and ±accelG full scale.
func RangeScales(gyroDPS, accelG int, magUTPerLSB float64) Scales {
	return Scales{
		Gyro:  float64(gyroDPS) / 32768.0 * math.Pi / 180.0,
		Accel: float64(accelG) * StandardGravity / 32768.0,
		Mag:   magUTPerLSB,
	}
}

// Driver is a sensor that can be brought up and then read once per cycle.
//
// Init may be called repeatedly until it succeeds. ReadSample performs the
// burst read for one cycle and must not be called before Init succeeded.
type Driver interface {
	Init() error
	ReadSample(dst *RawSample) error
	Scales() Scales
	Close() error
}

// StandardGravity in m/s².
const StandardGravity = 9.80665
