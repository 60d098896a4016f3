package web

import (
	"sync"

	"ins-core/internal/telemetry"
)

// Stream fans telemetry frames out to websocket subscribers. It is a
// telemetry sink; new subscribers get the most recent frame immediately.
type Stream struct {
	mu       sync.RWMutex
	subs     map[int]chan telemetry.Readings
	nextID   int
	last     telemetry.Readings
	haveLast bool
	closed   bool
}

func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan telemetry.Readings)}
}

func (s *Stream) Name() string { return "web" }

// Subscribe registers a listener. Slow listeners miss frames rather than
// stall the publisher.
func (s *Stream) Subscribe(buffer int) (int, <-chan telemetry.Readings) {
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan telemetry.Readings, buffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return -1, ch
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	if s.haveLast {
		ch <- s.last
	}
	return id, ch
}

func (s *Stream) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Stream) Send(r telemetry.Readings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = r
	s.haveLast = true
	for _, ch := range s.subs {
		select {
		case ch <- r:
		default:
		}
	}
	return nil
}

// Close ends every subscription.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	return nil
}
