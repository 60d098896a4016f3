// Package replay records raw sensor samples to a text log and plays them
// back as a sensor driver, for bench regression of the estimator.
package replay

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"ins-core/internal/imu"
)

// Log format: line-oriented text.
//
// - Blank lines ignored.
// - Lines starting with '#' ignored.
// - Line "START" resets the origin (next record time is relative to 0 again).
// - Data lines are: <t_ns>,<hex>
//   where t_ns is nanoseconds since START and hex is the encoded sample:
//   status byte, then gyro, accel and mag as big-endian int16 triples.

const sampleSize = 1 + 9*2

type Record struct {
	At     time.Duration
	Sample *imu.RawSample
}

// EncodeSample returns the log payload for s. Time is not encoded.
func EncodeSample(s imu.RawSample) []byte {
	b := make([]byte, sampleSize)
	b[0] = byte(s.Status)
	off := 1
	for _, v := range [][3]int16{s.Gyro, s.Accel, s.Mag} {
		for i := 0; i < 3; i++ {
			binary.BigEndian.PutUint16(b[off:], uint16(v[i]))
			off += 2
		}
	}
	return b
}

func DecodeSample(b []byte) (imu.RawSample, error) {
	var s imu.RawSample
	if len(b) != sampleSize {
		return s, fmt.Errorf("invalid sample payload length %d (want %d)", len(b), sampleSize)
	}
	s.Status = imu.Status(b[0])
	off := 1
	for _, v := range []*[3]int16{&s.Gyro, &s.Accel, &s.Mag} {
		for i := 0; i < 3; i++ {
			v[i] = int16(binary.BigEndian.Uint16(b[off:]))
			off += 2
		}
	}
	return s, nil
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{})
			continue
		}

		comma := strings.IndexByte(line, ',')
		if comma < 0 {
			return nil, fmt.Errorf("invalid replay line (missing comma): %q", line)
		}
		tsStr := strings.TrimSpace(line[:comma])
		hexStr := strings.TrimSpace(line[comma+1:])
		if tsStr == "" || hexStr == "" {
			return nil, fmt.Errorf("invalid replay line (empty field): %q", line)
		}

		tsNs, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid replay timestamp %q: %w", tsStr, err)
		}
		if tsNs < 0 {
			return nil, fmt.Errorf("invalid replay timestamp (negative): %d", tsNs)
		}

		b, err := hex.DecodeString(strings.ReplaceAll(hexStr, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid replay hex payload: %w", err)
		}
		sample, err := DecodeSample(b)
		if err != nil {
			return nil, err
		}
		recs = append(recs, Record{At: time.Duration(tsNs), Sample: &sample})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// ReadFile loads a whole log.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

// Writer appends samples to a log. It is safe for use by one goroutine.
type Writer struct {
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw}, nil
}

// WriteSample logs s at its acquisition time. The first sample is the
// origin; samples without a time are stamped with the wall clock.
func (ww *Writer) WriteSample(s imu.RawSample) error {
	if ww.closed {
		return errors.New("replay writer is closed")
	}
	now := s.Time
	if now.IsZero() {
		now = time.Now()
	}
	if ww.start.IsZero() {
		ww.start = now
	}
	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	_, err := fmt.Fprintf(ww.w, "%d,%s\n", d.Nanoseconds(), hex.EncodeToString(EncodeSample(s)))
	return err
}

func (ww *Writer) Flush() error {
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

// wait blocks for d on clk, or until ctx ends.
func wait(ctx context.Context, clk clock.Clock, d time.Duration) error {
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Play walks records with their relative timing and calls cb for each
// sample. START markers reset the origin. Gaps are timed on clk (wall clock
// when nil) and cut short when ctx ends.
//
// speedMultiplier: 1.0 = real time, 2.0 = 2x speed (half waits), 0.5 = half speed.
func Play(ctx context.Context, records []Record, speedMultiplier float64, loop bool, clk clock.Clock, cb func(imu.RawSample) error) error {
	if speedMultiplier <= 0 {
		return fmt.Errorf("speedMultiplier must be > 0")
	}
	if clk == nil {
		clk = clock.New()
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}

	for {
		var origin, lastAt time.Duration
		var haveLast bool

		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Sample == nil {
				origin = r.At
				lastAt = 0
				haveLast = false
				continue
			}

			at := r.At - origin
			if at < 0 {
				at = 0
			}
			if haveLast {
				gap := at - lastAt
				if gap < 0 {
					gap = 0
				}
				if gap = time.Duration(float64(gap) / speedMultiplier); gap > 0 {
					if err := wait(ctx, clk, gap); err != nil {
						return err
					}
				}
			}

			if err := cb(*r.Sample); err != nil {
				return err
			}
			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}

// Driver serves logged samples in order, as a sensor would.
type Driver struct {
	mu      sync.Mutex
	samples []imu.RawSample
	records []Record
	next    int
	loop    bool
	scales  imu.Scales
}

// NewDriver plays records back. scales must match the sensor that recorded
// them.
func NewDriver(records []Record, scales imu.Scales, loop bool) (*Driver, error) {
	d := &Driver{records: records, scales: scales, loop: loop}
	for _, r := range records {
		if r.Sample != nil {
			d.samples = append(d.samples, *r.Sample)
		}
	}
	if len(d.samples) == 0 {
		return nil, errors.New("replay: log holds no samples")
	}
	return d, nil
}

func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next = 0
	return nil
}

func (d *Driver) ReadSample(dst *imu.RawSample) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.next >= len(d.samples) {
		if !d.loop {
			return io.EOF
		}
		d.next = 0
	}
	*dst = d.samples[d.next]
	d.next++
	return nil
}

func (d *Driver) Scales() imu.Scales { return d.scales }

func (d *Driver) Close() error { return nil }

// Edges returns a data-ready edge source that fires with the logged timing.
func (d *Driver) Edges(speedMultiplier float64, clk clock.Clock) func(handler func()) (io.Closer, error) {
	return func(handler func()) (io.Closer, error) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = Play(ctx, d.records, speedMultiplier, d.loop, clk, func(imu.RawSample) error {
				handler()
				return nil
			})
		}()
		return closerFunc(func() error {
			cancel()
			<-done
			return nil
		}), nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
