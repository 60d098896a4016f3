package ins

import "context"

// notifier is a binary wake signal from an event handler to the estimator
// task. Give never blocks and several gives before a take collapse into one.
type notifier struct {
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{}, 1)}
}

func (n *notifier) Give() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Take waits without a timeout. ctx only ends the wait on shutdown.
func (n *notifier) Take(ctx context.Context) error {
	select {
	case <-n.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
