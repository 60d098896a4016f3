package main

import (
	"fmt"
	"strings"
	"time"

	"ins-core/internal/imu"
	"ins-core/internal/replay"
)

type logSummary struct {
	Segments    int
	Samples     int
	DataReady   int
	Motion      int
	MaxDuration time.Duration
	// MeanGyro is the average raw gyro reading, a quick look at the bias.
	MeanGyro [3]float64
}

func summarizeSampleLog(records []replay.Record) logSummary {
	var s logSummary
	if len(records) == 0 {
		return s
	}

	origin := time.Duration(0)
	segments := 0
	var sum [3]float64

	for _, r := range records {
		if r.Sample == nil {
			segments++
			origin = r.At
			continue
		}

		s.Samples++
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		if at > s.MaxDuration {
			s.MaxDuration = at
		}
		st := r.Sample.Status
		if st&imu.StatusDataReady != 0 {
			s.DataReady++
		}
		if st&imu.StatusMotion != 0 {
			s.Motion++
		}
		for i := range sum {
			sum[i] += float64(r.Sample.Gyro[i])
		}
	}
	if segments == 0 && s.Samples > 0 {
		segments = 1
	}
	s.Segments = segments
	if s.Samples > 0 {
		for i := range sum {
			s.MeanGyro[i] = sum[i] / float64(s.Samples)
		}
	}
	return s
}

func printLogSummary(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	recs, err := replay.ReadFile(path)
	if err != nil {
		return err
	}

	s := summarizeSampleLog(recs)

	fmt.Printf("path: %s\n", path)
	fmt.Printf("segments: %d\n", s.Segments)
	fmt.Printf("samples: %d\n", s.Samples)
	fmt.Printf("data_ready: %d\n", s.DataReady)
	fmt.Printf("motion: %d\n", s.Motion)
	fmt.Printf("max_duration: %s\n", s.MaxDuration)
	fmt.Printf("mean_gyro_counts: %.2f %.2f %.2f\n", s.MeanGyro[0], s.MeanGyro[1], s.MeanGyro[2])
	return nil
}
