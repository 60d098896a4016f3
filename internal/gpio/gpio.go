// Package gpio wires the sensor's data-ready interrupt and the calibration
// buzzer to Linux GPIO character devices.
package gpio

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
)

var ErrUnsupported = errors.New("gpio: unsupported on this platform")

// Line names a GPIO line either by its label (for example "GPIO8"), searched
// across the available chips, or by offset on Chip.
type Line struct {
	Chip      string
	Name      string
	Offset    int
	ActiveLow bool
}

func (l Line) String() string {
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("%s:%d", chipPath(l.Chip), l.Offset)
}

func chipPath(name string) string {
	if name == "" {
		name = "gpiochip0"
	}
	if strings.HasPrefix(name, "/") {
		return name
	}
	return filepath.Join("/dev", name)
}

// chipCandidates lists the chips to search for l, most likely first. devNames
// are the entries of /dev.
func chipCandidates(l Line, devNames []string) []string {
	if l.Chip != "" || l.Name == "" {
		return []string{chipPath(l.Chip)}
	}
	out := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	seen := map[string]bool{out[0]: true, out[1]: true}
	for _, name := range devNames {
		if !strings.HasPrefix(name, "gpiochip") {
			continue
		}
		p := filepath.Join("/dev", name)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// EdgeOpener adapts OpenEdge to the estimator's edge source signature.
func EdgeOpener(l Line) func(handler func()) (io.Closer, error) {
	return func(handler func()) (io.Closer, error) {
		return openEdgeFn(l, handler)
	}
}

type valueSetter interface {
	SetValue(v int) error
}

// Output is a digital output, used as the calibration indicator.
type Output struct {
	mu      sync.Mutex
	line    valueSetter
	release func() error
}

func (o *Output) On() error  { return o.set(1) }
func (o *Output) Off() error { return o.set(0) }

func (o *Output) set(v int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.line == nil {
		return fmt.Errorf("gpio: output is closed")
	}
	return o.line.SetValue(v)
}

// Close drives the line low and releases it.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.line == nil {
		return nil
	}
	_ = o.line.SetValue(0)
	o.line = nil
	if o.release == nil {
		return nil
	}
	return o.release()
}
