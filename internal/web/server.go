// Package web serves the estimator's status page, a JSON API for bench
// actions and a websocket stream of telemetry frames.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/golang/geo/r3"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ins-core/internal/ins"
)

// Controller is the estimator surface the API needs. Implementations must
// be safe to call concurrently.
type Controller interface {
	Snapshot() ins.Snapshot
	OrientationAngles() ins.Angles
	GyroVector() r3.Vector
	AccelVector() r3.Vector
	CalibrationStep(ctx context.Context, ticks *int) (r3.Vector, error)
	AlignMount(ctx context.Context, forwardAxis, samples int) error
}

const (
	actionTimeout   = 10 * time.Second
	streamWriteWait = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	// The page is served from the device itself; bench tools connect from
	// anywhere on the local network.
	CheckOrigin: func(*http.Request) bool { return true },
}

type mountRequest struct {
	ForwardAxis int `json:"forward_axis"`
	Samples     int `json:"samples"`
}

type calibrationStepRequest struct {
	Ticks int `json:"ticks"`
}

type calibrationStepResponse struct {
	Ticks int        `json:"ticks"`
	Bias  [3]float64 `json:"bias_rad_s"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func Handler(status *Status, logs *LogBuffer, stream *Stream, log *zap.SugaredLogger) http.Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, status.Snapshot(time.Now().UTC()))
	})

	mux.HandleFunc("/api/mount", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		if status.ctl == nil {
			http.Error(w, "estimator unavailable", http.StatusNotFound)
			return
		}
		var req mountRequest
		if err := decodeBody(w, r, &req); err != nil {
			http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
		defer cancel()
		if err := status.ctl.AlignMount(ctx, req.ForwardAxis, req.Samples); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Infow("mount aligned", "forward_axis", req.ForwardAxis)
		writeJSON(w, map[string]bool{"ok": true})
	})

	mux.HandleFunc("/api/calibration/step", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		if status.ctl == nil {
			http.Error(w, "estimator unavailable", http.StatusNotFound)
			return
		}
		var req calibrationStepRequest
		if err := decodeBody(w, r, &req); err != nil {
			http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
		defer cancel()
		ticks := req.Ticks
		bias, err := status.ctl.CalibrationStep(ctx, &ticks)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, calibrationStepResponse{Ticks: ticks, Bias: vec(bias)})
	})

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}
	if stream != nil {
		mux.HandleFunc("/api/stream", func(w http.ResponseWriter, r *http.Request) {
			serveStream(w, r, stream, log)
		})
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snap := status.Snapshot(time.Now().UTC())
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>insd</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>insd</h1>")
		_, _ = fmt.Fprintf(w, "<p>JSON at <a href=\"/api/status\">/api/status</a>, frames at /api/stream.</p>")
		_, _ = fmt.Fprintf(w, "<pre>phase=%s\ncycles=%d\nyaw=%.2f pitch=%.2f roll=%.2f\nlast_error=%s</pre>",
			html.EscapeString(snap.Calibration.Phase), snap.Cycles,
			snap.Attitude.YawDeg, snap.Attitude.PitchDeg, snap.Attitude.RollDeg,
			html.EscapeString(snap.LastError),
		)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

func serveStream(w http.ResponseWriter, r *http.Request, stream *Stream, log *zap.SugaredLogger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id, frames := stream.Subscribe(4)
	defer stream.Unsubscribe(id)

	// Reads only detect the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case f, ok := <-frames:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(f); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debugw("websocket write failed", "error", err)
				}
				return
			}
		}
	}
}

// Serve runs the HTTP server until ctx ends.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
