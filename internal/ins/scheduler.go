package ins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"ins-core/internal/imu"
)

// Acquisition modes.
const (
	ModeInterrupt = "interrupt"
	ModePeriodic  = "periodic"
)

// Scheduler delivers one fresh sample per estimator cycle.
type Scheduler interface {
	Next(ctx context.Context, dst *imu.RawSample) error
	Close() error
}

// EdgeOpener arms the data-ready line so that handler runs on every rising
// edge. handler runs on the edge source's goroutine and must not block.
type EdgeOpener func(handler func()) (io.Closer, error)

// InterruptScheduler wakes the estimator on the sensor's data-ready edge.
type InterruptScheduler struct {
	drv   imu.Driver
	edge  io.Closer
	ready *notifier
	xfer  *transfer
	clk   clock.Clock

	// dropped counts edges that arrived while a chained transfer was busy.
	dropped atomic.Uint64
}

// NewInterruptScheduler arms the edge. With chained set the edge handler
// starts the burst read itself and Next waits for the transfer to finish.
func NewInterruptScheduler(drv imu.Driver, open EdgeOpener, chained bool, clk clock.Clock) (*InterruptScheduler, error) {
	if open == nil {
		return nil, errors.New("ins: interrupt mode needs a data-ready edge")
	}
	if clk == nil {
		clk = clock.New()
	}
	s := &InterruptScheduler{drv: drv, ready: newNotifier(), clk: clk}
	if chained {
		s.xfer = newTransfer(drv)
	}
	edge, err := open(s.onEdge)
	if err != nil {
		if s.xfer != nil {
			s.xfer.Close()
		}
		return nil, fmt.Errorf("arm data-ready edge: %w", err)
	}
	s.edge = edge
	return s, nil
}

func (s *InterruptScheduler) onEdge() {
	if s.xfer != nil {
		if !s.xfer.Start() {
			s.dropped.Inc()
		}
		return
	}
	s.ready.Give()
}

func (s *InterruptScheduler) Next(ctx context.Context, dst *imu.RawSample) error {
	if s.xfer != nil {
		err := s.xfer.Collect(ctx, dst)
		dst.Time = s.clk.Now()
		return err
	}
	if err := s.ready.Take(ctx); err != nil {
		return err
	}
	err := s.drv.ReadSample(dst)
	dst.Time = s.clk.Now()
	return err
}

// Dropped returns how many edges were ignored because a transfer was busy.
func (s *InterruptScheduler) Dropped() uint64 { return s.dropped.Load() }

func (s *InterruptScheduler) Close() error {
	var err error
	if s.edge != nil {
		err = s.edge.Close()
	}
	if s.xfer != nil {
		s.xfer.Close()
	}
	return err
}

// PeriodicScheduler runs the estimator on a fixed absolute cadence.
type PeriodicScheduler struct {
	drv    imu.Driver
	clk    clock.Clock
	period time.Duration
	last   time.Time
	xfer   *transfer
}

func NewPeriodicScheduler(drv imu.Driver, period time.Duration, chained bool, clk clock.Clock) (*PeriodicScheduler, error) {
	if period <= 0 {
		return nil, errors.New("ins: period must be > 0")
	}
	if clk == nil {
		clk = clock.New()
	}
	s := &PeriodicScheduler{drv: drv, clk: clk, period: period, last: clk.Now()}
	if chained {
		s.xfer = newTransfer(drv)
	}
	return s, nil
}

// nextDeadline advances the deadline by exactly one period. If the new
// deadline already passed, wait is zero and the cycle runs at once; the
// schedule is not re-anchored, so late cycles catch up.
func nextDeadline(last, now time.Time, period time.Duration) (deadline time.Time, wait time.Duration) {
	deadline = last.Add(period)
	if wait = deadline.Sub(now); wait < 0 {
		wait = 0
	}
	return deadline, wait
}

func (s *PeriodicScheduler) Next(ctx context.Context, dst *imu.RawSample) error {
	deadline, wait := nextDeadline(s.last, s.clk.Now(), s.period)
	if wait > 0 {
		t := s.clk.Timer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	s.last = deadline

	var err error
	if s.xfer != nil {
		s.xfer.Start()
		err = s.xfer.Collect(ctx, dst)
	} else {
		err = s.drv.ReadSample(dst)
	}
	dst.Time = s.clk.Now()
	return err
}

func (s *PeriodicScheduler) Close() error {
	if s.xfer != nil {
		s.xfer.Close()
	}
	return nil
}
