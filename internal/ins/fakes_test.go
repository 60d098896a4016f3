package ins

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"ins-core/internal/imu"
)

type fakeDriver struct {
	mu       sync.Mutex
	sample   imu.RawSample
	scales   imu.Scales
	initFail int
	inits    int
	reads    int
	readErr  error
	closed   bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		sample: imu.RawSample{Status: imu.StatusDataReady},
		scales: imu.Scales{Gyro: 1, Accel: 1, Mag: 1},
	}
}

func (d *fakeDriver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inits++
	if d.inits <= d.initFail {
		return errors.New("whoami mismatch")
	}
	return nil
}

func (d *fakeDriver) ReadSample(dst *imu.RawSample) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if d.readErr != nil {
		return d.readErr
	}
	*dst = d.sample
	return nil
}

func (d *fakeDriver) Scales() imu.Scales { return d.scales }

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDriver) readCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// fakeEdge captures the data-ready handler so tests can fire edges.
type fakeEdge struct {
	mu      sync.Mutex
	handler func()
	openErr error
	closed  bool
}

func (e *fakeEdge) open(handler func()) (io.Closer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	e.handler = handler
	return e, nil
}

func (e *fakeEdge) fire() {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h()
	}
}

// pump fires edges until the returned stop func is called.
func (e *fakeEdge) pump() (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			default:
			}
			e.fire()
			time.Sleep(50 * time.Microsecond)
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

func (e *fakeEdge) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
