package ins

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/goleak"

	"ins-core/internal/imu"
)

func TestNextDeadline(t *testing.T) {
	base := time.Unix(100, 0)
	period := time.Millisecond
	cases := []struct {
		name     string
		now      time.Time
		wantWait time.Duration
	}{
		{"early", base.Add(200 * time.Microsecond), 800 * time.Microsecond},
		{"exact", base.Add(period), 0},
		{"late", base.Add(5 * period), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deadline, wait := nextDeadline(base, tc.now, period)
			if !deadline.Equal(base.Add(period)) {
				t.Fatalf("deadline=%v want %v", deadline, base.Add(period))
			}
			if wait != tc.wantWait {
				t.Fatalf("wait=%v want %v", wait, tc.wantWait)
			}
		})
	}
}

func TestInterruptScheduler_RequiresEdge(t *testing.T) {
	if _, err := NewInterruptScheduler(newFakeDriver(), nil, false, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestInterruptScheduler_EdgeOpenError(t *testing.T) {
	e := &fakeEdge{openErr: errors.New("line busy")}
	if _, err := NewInterruptScheduler(newFakeDriver(), e.open, true, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestInterruptScheduler_EdgesCollapse(t *testing.T) {
	drv := newFakeDriver()
	drv.sample.Gyro = [3]int16{1, 2, 3}
	e := &fakeEdge{}
	s, err := NewInterruptScheduler(drv, e.open, false, nil)
	if err != nil {
		t.Fatalf("NewInterruptScheduler: %v", err)
	}
	defer s.Close()

	e.fire()
	e.fire()
	e.fire()

	var got imu.RawSample
	if err := s.Next(context.Background(), &got); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Gyro != drv.sample.Gyro || got.Time.IsZero() {
		t.Fatalf("sample=%+v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Next(ctx, &got); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Next err=%v want deadline exceeded", err)
	}
	if n := drv.readCount(); n != 1 {
		t.Fatalf("reads=%d want 1", n)
	}
}

func TestInterruptScheduler_ChainedTransfer(t *testing.T) {
	drv := newFakeDriver()
	drv.sample.Accel = [3]int16{0, 0, 4096}
	e := &fakeEdge{}
	s, err := NewInterruptScheduler(drv, e.open, true, nil)
	if err != nil {
		t.Fatalf("NewInterruptScheduler: %v", err)
	}

	e.fire()
	e.fire()
	var got imu.RawSample
	if err := s.Next(context.Background(), &got); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Accel != drv.sample.Accel {
		t.Fatalf("accel=%v", got.Accel)
	}
	if s.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", s.Dropped())
	}

	// The transfer is free again after collection.
	e.fire()
	if err := s.Next(context.Background(), &got); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if n := drv.readCount(); n != 2 {
		t.Fatalf("reads=%d want 2", n)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !e.closed {
		t.Fatalf("edge not closed")
	}
}

func TestInterruptScheduler_ReadErrorReturned(t *testing.T) {
	drv := newFakeDriver()
	drv.readErr = errors.New("bus fault")
	e := &fakeEdge{}
	s, err := NewInterruptScheduler(drv, e.open, true, nil)
	if err != nil {
		t.Fatalf("NewInterruptScheduler: %v", err)
	}
	defer s.Close()
	e.fire()
	var got imu.RawSample
	if err := s.Next(context.Background(), &got); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestPeriodicScheduler_WaitsForDeadline(t *testing.T) {
	mock := clock.NewMock()
	drv := newFakeDriver()
	s, err := NewPeriodicScheduler(drv, time.Millisecond, false, mock)
	if err != nil {
		t.Fatalf("NewPeriodicScheduler: %v", err)
	}
	defer s.Close()
	start := mock.Now()

	errc := make(chan error, 1)
	var got imu.RawSample
	go func() { errc <- s.Next(context.Background(), &got) }()

	for i := 0; i < 100; i++ {
		select {
		case err := <-errc:
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if elapsed := mock.Now().Sub(start); elapsed < time.Millisecond {
				t.Fatalf("returned after %v, before the deadline", elapsed)
			}
			return
		default:
		}
		mock.Add(100 * time.Microsecond)
	}
	t.Fatalf("Next did not return")
}

func TestPeriodicScheduler_LateCyclesCatchUp(t *testing.T) {
	mock := clock.NewMock()
	drv := newFakeDriver()
	s, err := NewPeriodicScheduler(drv, time.Millisecond, true, mock)
	if err != nil {
		t.Fatalf("NewPeriodicScheduler: %v", err)
	}
	defer s.Close()
	start := mock.Now()
	mock.Add(3500 * time.Microsecond)

	var got imu.RawSample
	for i := 0; i < 3; i++ {
		if err := s.Next(context.Background(), &got); err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
	}
	if want := start.Add(3 * time.Millisecond); !s.last.Equal(want) {
		t.Fatalf("last=%v want %v", s.last, want)
	}
	if n := drv.readCount(); n != 3 {
		t.Fatalf("reads=%d want 3", n)
	}
}

func TestPeriodicScheduler_CancelledWait(t *testing.T) {
	s, err := NewPeriodicScheduler(newFakeDriver(), time.Hour, false, clock.NewMock())
	if err != nil {
		t.Fatalf("NewPeriodicScheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var got imu.RawSample
	if err := s.Next(ctx, &got); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want canceled", err)
	}
}

func TestPeriodicScheduler_RejectsZeroPeriod(t *testing.T) {
	if _, err := NewPeriodicScheduler(newFakeDriver(), 0, false, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNotifier_GiveIsBinary(t *testing.T) {
	n := newNotifier()
	n.Give()
	n.Give()
	if err := n.Take(context.Background()); err != nil {
		t.Fatalf("Take: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Take(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("second Take err=%v want canceled", err)
	}
}

func TestTransfer_DropsStartsInFlightAndStopsWorker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	drv := newFakeDriver()
	drv.sample.Gyro = [3]int16{1, 2, 3}
	xf := newTransfer(drv)
	if !xf.Start() {
		t.Fatalf("first Start dropped")
	}
	if xf.Start() {
		t.Fatalf("Start while a transfer is in flight should be dropped")
	}
	var s imu.RawSample
	if err := xf.Collect(context.Background(), &s); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if s.Gyro != drv.sample.Gyro {
		t.Fatalf("gyro=%v want %v", s.Gyro, drv.sample.Gyro)
	}
	if !xf.Start() {
		t.Fatalf("Start after Collect dropped")
	}
	if err := xf.Collect(context.Background(), &s); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	xf.Close()
}
