// Package telemetry samples the published estimate at a fixed interval and
// fans it out to observer sinks (serial console, MQTT, UDP).
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ins-core/internal/ins"
)

// Source is the read side of the estimator.
type Source interface {
	OrientationAngles() ins.Angles
	GyroVector() r3.Vector
	AccelVector() r3.Vector
}

// Readings is one telemetry frame. Fields are read one after another and may
// come from different estimator cycles.
type Readings struct {
	Time   time.Time
	Angles ins.Angles
	Gyro   r3.Vector
	Accel  r3.Vector
}

func Read(src Source, now time.Time) Readings {
	return Readings{
		Time:   now,
		Angles: src.OrientationAngles(),
		Gyro:   src.GyroVector(),
		Accel:  src.AccelVector(),
	}
}

type message struct {
	Time  string     `json:"time"`
	Yaw   float64    `json:"yaw"`
	Pitch float64    `json:"pitch"`
	Roll  float64    `json:"roll"`
	Gyro  [3]float64 `json:"gyro"`
	Accel [3]float64 `json:"accel"`
}

// MarshalJSON encodes the frame for the datagram and broker sinks.
func (r Readings) MarshalJSON() ([]byte, error) {
	return json.Marshal(message{
		Time:  r.Time.UTC().Format(time.RFC3339Nano),
		Yaw:   r.Angles.Yaw,
		Pitch: r.Angles.Pitch,
		Roll:  r.Angles.Roll,
		Gyro:  [3]float64{r.Gyro.X, r.Gyro.Y, r.Gyro.Z},
		Accel: [3]float64{r.Accel.X, r.Accel.Y, r.Accel.Z},
	})
}

type Sink interface {
	Name() string
	Send(r Readings) error
	Close() error
}

const sinkErrLogEvery = 100

type Publisher struct {
	src      Source
	sinks    []Sink
	interval time.Duration
	clk      clock.Clock
	log      *zap.SugaredLogger

	failures map[string]int
}

func NewPublisher(src Source, interval time.Duration, clk clock.Clock, log *zap.SugaredLogger, sinks ...Sink) (*Publisher, error) {
	if src == nil {
		return nil, fmt.Errorf("telemetry: source is nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("telemetry: interval must be > 0")
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Publisher{
		src:      src,
		sinks:    sinks,
		interval: interval,
		clk:      clk,
		log:      log,
		failures: make(map[string]int),
	}, nil
}

// PublishOnce sends one frame to every sink. A failing sink does not stop
// the others.
func (p *Publisher) PublishOnce() error {
	r := Read(p.src, p.clk.Now())
	var errs error
	for _, s := range p.sinks {
		if err := s.Send(r); err != nil {
			n := p.failures[s.Name()] + 1
			p.failures[s.Name()] = n
			if n == 1 || n%sinkErrLogEvery == 0 {
				p.log.Warnw("telemetry send failed", "sink", s.Name(), "failures", n, "error", err)
			}
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if p.failures[s.Name()] > 0 {
			p.log.Infow("telemetry sink recovered", "sink", s.Name())
			p.failures[s.Name()] = 0
		}
	}
	return errs
}

// Run publishes every interval until ctx ends.
func (p *Publisher) Run(ctx context.Context) error {
	if len(p.sinks) == 0 {
		<-ctx.Done()
		return nil
	}
	t := p.clk.Ticker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_ = p.PublishOnce()
		}
	}
}

func (p *Publisher) Close() error {
	var err error
	for _, s := range p.sinks {
		err = multierr.Append(err, s.Close())
	}
	return err
}
