package ins

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"ins-core/internal/imu"
)

// transfer runs burst reads on its own goroutine, standing in for a DMA
// channel: Start kicks one read, Collect waits for its completion.
// Starts while a read is in flight are dropped.
type transfer struct {
	drv  imu.Driver
	busy atomic.Bool

	kick chan struct{}
	done *notifier
	quit chan struct{}
	wg   sync.WaitGroup

	// Written by the worker before done.Give, read after done.Take.
	sample imu.RawSample
	err    error
}

func newTransfer(drv imu.Driver) *transfer {
	t := &transfer{
		drv:  drv,
		kick: make(chan struct{}, 1),
		done: newNotifier(),
		quit: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.worker()
	return t
}

func (t *transfer) worker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.quit:
			return
		case <-t.kick:
		}
		t.err = t.drv.ReadSample(&t.sample)
		t.done.Give()
	}
}

// Start begins a burst read. It is safe to call from an edge handler and
// returns false when a transfer is already in flight.
func (t *transfer) Start() bool {
	if !t.busy.CompareAndSwap(false, true) {
		return false
	}
	t.kick <- struct{}{}
	return true
}

// Collect waits for the in-flight transfer and copies its result to dst.
func (t *transfer) Collect(ctx context.Context, dst *imu.RawSample) error {
	if err := t.done.Take(ctx); err != nil {
		return err
	}
	*dst = t.sample
	err := t.err
	t.busy.Store(false)
	return err
}

func (t *transfer) Close() {
	close(t.quit)
	t.wg.Wait()
}
