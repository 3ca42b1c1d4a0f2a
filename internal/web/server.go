package web

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"geocam/internal/bridge"
	"geocam/internal/capture"
	"geocam/internal/export"
	"geocam/internal/gps"
	"geocam/internal/store"
)

// Controller is the capture and GPS surface the HTTP API drives.
// *bridge.Bridge implements it.
type Controller interface {
	Capture(ctx context.Context, p bridge.StartCameraParams) (store.Run, error)
	StopCamera() error
	CameraState() (capture.State, capture.Mode, bool)
	PipelineStatus() (capture.PipelineSnapshot, bool)
	GPSRunning() bool
	History() *gps.History
	Stats() (gps.StreamStats, bool)
	Subscribe(buffer int) (*gps.Subscription, bool)
}

// RunSource reads persisted runs. It may be nil when no store is configured.
type RunSource interface {
	Runs(ctx context.Context) ([]store.Run, error)
	Run(ctx context.Context, id string) (store.Run, error)
}

type Deps struct {
	Status   *Status
	Control  Controller
	Runs     RunSource
	Settings SettingsStore
	Logs     *LogBuffer
	Logger   logrus.FieldLogger
	// DefaultMode picks the mode when a capture request names none.
	DefaultMode func() capture.Mode
}

func Handler(d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus()
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, liveSnapshot(d, time.Now().UTC()))
	})

	mux.HandleFunc("/api/fixes", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		limit := 0
		if s := strings.TrimSpace(r.URL.Query().Get("limit")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = v
		}
		fixes := []gps.Position{}
		if d.Control != nil {
			fixes = append(fixes, d.Control.History().Snapshot()...)
		}
		if limit > 0 && len(fixes) > limit {
			fixes = fixes[len(fixes)-limit:]
		}
		writeJSON(w, http.StatusOK, struct {
			Fixes []gps.Position `json:"fixes"`
		}{fixes})
	})

	mux.HandleFunc("/api/capture", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		if d.Control == nil {
			http.Error(w, "capture unavailable", http.StatusServiceUnavailable)
			return
		}
		def := capture.ModeSinglePhoto
		if d.DefaultMode != nil {
			def = d.DefaultMode()
		}
		p, err := parseCaptureParams(r, def)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// A series or video only returns after /api/capture/stop.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		run, err := d.Control.Capture(r.Context(), p)
		switch {
		case errors.Is(err, bridge.ErrSessionActive):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case errors.Is(err, bridge.ErrNoPipeline):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		d.Status.MarkRun(run)
		resp := captureResponse{Run: run}
		code := http.StatusOK
		if err != nil {
			resp.Error = err.Error()
			code = http.StatusBadGateway
		}
		writeJSON(w, code, resp)
	})

	mux.HandleFunc("/api/capture/stop", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		if d.Control == nil {
			http.Error(w, "capture unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := d.Control.StopCamera(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	mux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if d.Runs == nil {
			http.Error(w, "run store disabled", http.StatusNotFound)
			return
		}
		runs, err := d.Runs.Runs(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []store.Run{}
		}
		writeJSON(w, http.StatusOK, struct {
			Runs []store.Run `json:"runs"`
		}{runs})
	})

	mux.HandleFunc("/api/runs/", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if d.Runs == nil {
			http.Error(w, "run store disabled", http.StatusNotFound)
			return
		}
		id, asXLSX := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/xlsx")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		run, err := d.Runs.Run(r.Context(), id)
		if errors.Is(err, store.ErrRunNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !asXLSX {
			writeJSON(w, http.StatusOK, run)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "geocam-"+id+".xlsx"))
		if err := export.Write(w, []store.Run{run}); err != nil {
			d.Logger.WithError(err).WithField("run", id).Warn("xlsx export failed")
		}
	})

	mux.Handle("/api/settings", d.Settings.Handler())
	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}
	if d.Control != nil {
		mux.Handle("/ws/fixes", fixesSocket(d.Control, d.Logger))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeIndex(w, liveSnapshot(d, time.Now().UTC()))
	})

	return mux
}

type captureResponse struct {
	Run   store.Run `json:"run"`
	Error string    `json:"error,omitempty"`
}

// parseCaptureParams reads mode and clock_sync (milliseconds in the
// caller's time base) from the query string.
func parseCaptureParams(r *http.Request, def capture.Mode) (bridge.StartCameraParams, error) {
	p := bridge.StartCameraParams{Mode: def}
	q := r.URL.Query()
	if s := strings.TrimSpace(q.Get("mode")); s != "" {
		m, err := capture.ParseMode(s)
		if err != nil {
			return p, err
		}
		p.Mode = m
	}
	if s := strings.TrimSpace(q.Get("clock_sync")); s != "" {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil || ms < 0 {
			return p, fmt.Errorf("clock_sync must be a non-negative integer (ms)")
		}
		p.ClockSyncTimestamp = time.Duration(ms) * time.Millisecond
	}
	return p, nil
}

func liveSnapshot(d Deps, now time.Time) StatusSnapshot {
	snap := d.Status.Snapshot(now)
	if d.Control == nil {
		return snap
	}
	snap.GPS.Running = d.Control.GPSRunning()
	if st, ok := d.Control.Stats(); ok {
		snap.GPS.Stats = &st
	}
	h := d.Control.History()
	snap.GPS.HistoryLen = h.Len()
	if last, ok := h.Last(); ok {
		snap.GPS.Last = &last
	}
	state, mode, active := d.Control.CameraState()
	snap.Camera = CameraSnapshot{Active: active, State: state.String()}
	if active {
		snap.Camera.Mode = mode.String()
	}
	if ps, ok := d.Control.PipelineStatus(); ok {
		snap.Camera.Pipeline = &ps
	}
	return snap
}

func writeIndex(w http.ResponseWriter, snap StatusSnapshot) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = fmt.Fprint(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>geocam</title></head><body>")
	_, _ = fmt.Fprint(w, "<h1>geocam</h1>")
	_, _ = fmt.Fprint(w, "<p>API: <a href=\"/api/status\">/api/status</a>, <a href=\"/api/fixes\">/api/fixes</a>, <a href=\"/api/runs\">/api/runs</a>, <a href=\"/api/logs?format=text\">/api/logs</a>.</p>")
	last := "none"
	if snap.GPS.Last != nil {
		last = fmt.Sprintf("%.7f,%.7f alt=%.2fm q=%s", snap.GPS.Last.Lat, snap.GPS.Last.Lon, snap.GPS.Last.Altitude, snap.GPS.Last.Quality)
	}
	fixes := uint64(0)
	if snap.GPS.Stats != nil {
		fixes = snap.GPS.Stats.Fixes
	}
	_, _ = fmt.Fprintf(w, "<pre>source=%s\ngps_running=%t\nfixes=%s\nlast_fix=%s\ncamera=%s\nruns=%s frames=%s\n</pre>",
		html.EscapeString(snap.Source), snap.GPS.Running, humanize.Comma(int64(fixes)), html.EscapeString(last),
		snap.Camera.State, humanize.Comma(int64(snap.RunsTotal)), humanize.Comma(int64(snap.FramesTotal)),
	)
	_, _ = fmt.Fprint(w, "</body></html>")
}

func Serve(ctx context.Context, listenAddr string, d Deps) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
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
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
