package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/gorilla/websocket"

	"ins-core/internal/ins"
	"ins-core/internal/telemetry"
)

type fakeController struct {
	mu        sync.Mutex
	snap      ins.Snapshot
	angles    ins.Angles
	mountAxis int
	mountErr  error
	stepTicks int
}

func (f *fakeController) Snapshot() ins.Snapshot        { return f.snap }
func (f *fakeController) OrientationAngles() ins.Angles { return f.angles }
func (f *fakeController) GyroVector() r3.Vector         { return r3.Vector{X: 0.1} }
func (f *fakeController) AccelVector() r3.Vector        { return r3.Vector{Z: 9.8} }

func (f *fakeController) CalibrationStep(ctx context.Context, ticks *int) (r3.Vector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepTicks = *ticks
	*ticks++
	return r3.Vector{X: 0.001, Y: -0.002, Z: 0.003}, nil
}

func (f *fakeController) AlignMount(ctx context.Context, forwardAxis, samples int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mountAxis = forwardAxis
	return f.mountErr
}

func (f *fakeController) lastMount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mountAxis
}

func (f *fakeController) failMount(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mountErr = err
}

func (f *fakeController) lastStepTicks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stepTicks
}

func newTestServer(t *testing.T, ctl Controller, logs *LogBuffer, stream *Stream) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(Handler(NewStatus(ctl, time.Now().Add(-time.Minute)), logs, stream, nil))
	t.Cleanup(ts.Close)
	return ts
}

func TestAPIStatus(t *testing.T) {
	ctl := &fakeController{
		snap: ins.Snapshot{
			Valid:     true,
			BroughtUp: true,
			Phase:     ins.PhaseSettling,
			Ticks:     12,
			Bias:      r3.Vector{X: 0.01},
			Cycles:    99,
			LastError: "read: timeout",
		},
		angles: ins.Angles{Pitch: math.Pi / 2},
	}
	ts := newTestServer(t, ctl, nil, nil)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}

	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Service != "insd" {
		t.Fatalf("service=%q", snap.Service)
	}
	if snap.UptimeSec < 59 {
		t.Fatalf("uptime=%d want >= 59", snap.UptimeSec)
	}
	if snap.Calibration.Phase != "settling" || snap.Calibration.Ticks != 12 || snap.Calibration.Bias[0] != 0.01 {
		t.Fatalf("calibration=%+v", snap.Calibration)
	}
	if !snap.Attitude.Valid || math.Abs(snap.Attitude.PitchDeg-90) > 1e-9 {
		t.Fatalf("attitude=%+v", snap.Attitude)
	}
	if snap.Attitude.Accel[2] != 9.8 || snap.Cycles != 99 || snap.LastError != "read: timeout" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestAPIStatus_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, &fakeController{}, nil, nil)
	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatalf("post status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status code=%d want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodGet {
		t.Fatalf("allow=%q", allow)
	}
}

func TestAPIMount(t *testing.T) {
	ctl := &fakeController{}
	ts := newTestServer(t, ctl, nil, nil)

	resp, err := http.Post(ts.URL+"/api/mount", "application/json", strings.NewReader(`{"forward_axis": -2, "samples": 10}`))
	if err != nil {
		t.Fatalf("post mount: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if got := ctl.lastMount(); got != -2 {
		t.Fatalf("forward axis=%d want -2", got)
	}

	ctl.failMount(errors.New("forward axis nearly vertical"))
	resp, err = http.Post(ts.URL+"/api/mount", "application/json", strings.NewReader(`{"forward_axis": 3}`))
	if err != nil {
		t.Fatalf("post mount: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(body), "nearly vertical") {
		t.Fatalf("status code=%d body=%q", resp.StatusCode, body)
	}

	resp, err = http.Post(ts.URL+"/api/mount", "application/json", strings.NewReader(`{"axis": 1}`))
	if err != nil {
		t.Fatalf("post mount: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status code=%d", resp.StatusCode)
	}
}

func TestAPICalibrationStep(t *testing.T) {
	ctl := &fakeController{}
	ts := newTestServer(t, ctl, nil, nil)

	resp, err := http.Post(ts.URL+"/api/calibration/step", "application/json", strings.NewReader(`{"ticks": 7}`))
	if err != nil {
		t.Fatalf("post step: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	var out calibrationStepResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if ctl.lastStepTicks() != 7 || out.Ticks != 8 {
		t.Fatalf("ticks in=%d out=%d want 7, 8", ctl.lastStepTicks(), out.Ticks)
	}
	if out.Bias != [3]float64{0.001, -0.002, 0.003} {
		t.Fatalf("bias=%v", out.Bias)
	}
}

func TestActionsWithoutController(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil)
	resp, err := http.Post(ts.URL+"/api/mount", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post mount: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status code=%d want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestRootPage(t *testing.T) {
	ts := newTestServer(t, &fakeController{snap: ins.Snapshot{LastError: "<bad>"}}, nil, nil)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "&lt;bad&gt;") {
		t.Fatalf("last error not escaped: %q", body)
	}

	resp, err = http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get unknown: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status code=%d want 404", resp.StatusCode)
	}
}

func TestStream_WebsocketReceivesFrames(t *testing.T) {
	stream := NewStream()
	ts := newTestServer(t, &fakeController{}, nil, stream)

	// Sent before the client connects; delivered as the latest frame.
	first := telemetry.Readings{Time: time.Unix(1, 0), Angles: ins.Angles{Yaw: 0.5}}
	if err := stream.Send(first); err != nil {
		t.Fatalf("Send: %v", err)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg struct {
		Yaw   float64 `json:"yaw"`
		Pitch float64 `json:"pitch"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Yaw != 0.5 {
		t.Fatalf("yaw=%v want 0.5", msg.Yaw)
	}

	waitSubscribers(t, stream, 1)
	if err := stream.Send(telemetry.Readings{Time: time.Unix(2, 0), Angles: ins.Angles{Pitch: -0.25}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Pitch != -0.25 {
		t.Fatalf("pitch=%v want -0.25", msg.Pitch)
	}

	// Closing the stream ends the session.
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("err=%v want close going away", err)
	}
}

func waitSubscribers(t *testing.T, s *Stream, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Subscribers() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("subscribers=%d want %d", s.Subscribers(), n)
}

func TestStream_SubscribeAfterClose(t *testing.T) {
	s := NewStream()
	_ = s.Close()
	_, ch := s.Subscribe(1)
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestStream_DropsForSlowSubscriber(t *testing.T) {
	s := NewStream()
	id, ch := s.Subscribe(1)
	for i := 0; i < 5; i++ {
		_ = s.Send(telemetry.Readings{Angles: ins.Angles{Yaw: float64(i)}})
	}
	got := <-ch
	if got.Angles.Yaw != 0 {
		t.Fatalf("yaw=%v want first frame kept", got.Angles.Yaw)
	}
	s.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after Unsubscribe")
	}
	s.Unsubscribe(id)
}

func TestLogBuffer_LinesAndPartial(t *testing.T) {
	b := NewLogBuffer(3)
	_, _ = b.Write([]byte("one\ntw"))
	_, _ = b.Write([]byte("o\r\n\nthree\nfour\nfi"))
	lines, dropped := b.Snapshot(10)
	want := []string{"two", "three", "four"}
	if strings.Join(lines, ",") != strings.Join(want, ",") {
		t.Fatalf("lines=%v want %v", lines, want)
	}
	if dropped != 1 {
		t.Fatalf("dropped=%d want 1", dropped)
	}
	_, _ = b.Write([]byte("ve\n"))
	lines, _ = b.Snapshot(1)
	if len(lines) != 1 || lines[0] != "five" {
		t.Fatalf("tail=%v want [five]", lines)
	}
}

func TestAPILogs(t *testing.T) {
	logs := NewLogBuffer(10)
	_, _ = logs.Write([]byte("a\nb\nc\n"))
	ts := newTestServer(t, &fakeController{}, logs, nil)

	resp, err := http.Get(ts.URL + "/api/logs?tail=2")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	var out LogsResponse
	err = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if strings.Join(out.Lines, ",") != "b,c" {
		t.Fatalf("lines=%v want [b c]", out.Lines)
	}

	resp, err = http.Get(ts.URL + "/api/logs?format=text")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "a\nb\nc\n" {
		t.Fatalf("body=%q", body)
	}

	resp, err = http.Get(ts.URL + "/api/logs?match=b")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	out = LogsResponse{}
	err = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if out.Match != "b" || len(out.Lines) != 1 || out.Lines[0] != "b" {
		t.Fatalf("match=%q lines=%v", out.Match, out.Lines)
	}

	resp, err = http.Get(ts.URL + "/api/logs?tail=0")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status code=%d want 400", resp.StatusCode)
	}
}
