package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"geocam/internal/bridge"
	"geocam/internal/capture"
	"geocam/internal/gps"
	"geocam/internal/store"
)

type fakeControl struct {
	mu         sync.Mutex
	history    *gps.History
	stream     *gps.Stream
	run        store.Run
	captureErr error
	stopErr    error
	params     []bridge.StartCameraParams
	pipeline   *capture.PipelineSnapshot
}

func newFakeControl() *fakeControl {
	return &fakeControl{history: gps.NewHistory(8)}
}

func (f *fakeControl) Capture(_ context.Context, p bridge.StartCameraParams) (store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, p)
	run := f.run
	run.Mode = p.Mode
	return run, f.captureErr
}

func (f *fakeControl) calls() []bridge.StartCameraParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.StartCameraParams(nil), f.params...)
}

func (f *fakeControl) StopCamera() error { return f.stopErr }

func (f *fakeControl) CameraState() (capture.State, capture.Mode, bool) {
	return capture.StateIdle, 0, false
}

func (f *fakeControl) PipelineStatus() (capture.PipelineSnapshot, bool) {
	if f.pipeline == nil {
		return capture.PipelineSnapshot{}, false
	}
	return *f.pipeline, true
}

func (f *fakeControl) GPSRunning() bool      { return f.stream != nil }
func (f *fakeControl) History() *gps.History { return f.history }

func (f *fakeControl) Stats() (gps.StreamStats, bool) {
	if f.stream == nil {
		return gps.StreamStats{}, false
	}
	return f.stream.Stats(), true
}

func (f *fakeControl) Subscribe(buffer int) (*gps.Subscription, bool) {
	if f.stream == nil {
		return nil, false
	}
	return f.stream.Subscribe(buffer), true
}

type fakeRuns map[string]store.Run

func (f fakeRuns) Runs(context.Context) ([]store.Run, error) {
	out := make([]store.Run, 0, len(f))
	for _, r := range f {
		out = append(out, r)
	}
	return out, nil
}

func (f fakeRuns) Run(_ context.Context, id string) (store.Run, error) {
	r, ok := f[id]
	if !ok {
		return store.Run{}, fmt.Errorf("run %s: %w", id, store.ErrRunNotFound)
	}
	return r, nil
}

// chanTransport yields queued lines and reports a disconnect once closed.
type chanTransport struct {
	lines chan string
}

func (c *chanTransport) Name() string { return "chan" }
func (c *chanTransport) Close() error { return nil }

func (c *chanTransport) ReadLine(ctx context.Context, _ time.Duration) (string, error) {
	select {
	case l, ok := <-c.lines:
		if !ok {
			return "", gps.ErrTransportDisconnected
		}
		return l, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T, d Deps) *httptest.Server {
	t.Helper()
	if d.Logger == nil {
		d.Logger = quietLogger()
	}
	ts := httptest.NewServer(Handler(d))
	t.Cleanup(ts.Close)
	return ts
}

func TestAPIStatus(t *testing.T) {
	st := NewStatus()
	st.SetStatic("sim", "", map[string]any{"geoid": "none"})
	ctl := newFakeControl()
	ctl.history.Append(gps.Position{Lat: 45.5, Lon: 7.25, Time: time.Second})

	ts := newTestServer(t, Deps{Status: st, Control: ctl})
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
	if snap.Service != "geocam" || snap.Source != "sim" {
		t.Fatalf("service=%q source=%q", snap.Service, snap.Source)
	}
	if snap.GPS.Running || snap.GPS.HistoryLen != 1 {
		t.Fatalf("gps=%+v", snap.GPS)
	}
	if snap.GPS.Last == nil || snap.GPS.Last.Lat != 45.5 {
		t.Fatalf("last=%+v", snap.GPS.Last)
	}
	if snap.Camera.State != "IDLE" || snap.Camera.Active {
		t.Fatalf("camera=%+v", snap.Camera)
	}
	if snap.Camera.Pipeline != nil {
		t.Fatalf("pipeline=%+v want none before a run", snap.Camera.Pipeline)
	}
}

func TestAPIStatus_ReportsCameraToolErrors(t *testing.T) {
	ctl := newFakeControl()
	ctl.pipeline = &capture.PipelineSnapshot{
		LastError: "photo command: exit status 1",
		Stderr:    []string{"ERROR: no cameras available"},
	}
	ts := newTestServer(t, Deps{Control: ctl})
	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()

	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	p := snap.Camera.Pipeline
	if p == nil || p.LastError != ctl.pipeline.LastError || len(p.Stderr) != 1 || p.Stderr[0] != "ERROR: no cameras available" {
		t.Fatalf("pipeline=%+v", p)
	}
}

func TestRootPage(t *testing.T) {
	ts := newTestServer(t, Deps{})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "<h1>geocam</h1>") {
		t.Fatalf("body=%s", body)
	}

	resp2, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status code=%d want 404", resp2.StatusCode)
	}
}

func TestAPIFixes_Limit(t *testing.T) {
	ctl := newFakeControl()
	for i := 1; i <= 3; i++ {
		ctl.history.Append(gps.Position{Lat: float64(i), Time: time.Duration(i) * time.Second})
	}
	ts := newTestServer(t, Deps{Control: ctl})

	resp, err := http.Get(ts.URL + "/api/fixes?limit=2")
	if err != nil {
		t.Fatalf("get fixes: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Fixes []gps.Position `json:"fixes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Fixes) != 2 || out.Fixes[0].Lat != 2 || out.Fixes[1].Lat != 3 {
		t.Fatalf("fixes=%+v", out.Fixes)
	}

	bad, err := http.Get(ts.URL + "/api/fixes?limit=zero")
	if err != nil {
		t.Fatalf("get fixes: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", bad.StatusCode)
	}
}

func postCapture(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestAPICapture_PassesParamsAndMarksRun(t *testing.T) {
	st := NewStatus()
	ctl := newFakeControl()
	ctl.run = store.Run{
		ID:     "run-1",
		Frames: []capture.Frame{{FilePath: "/tmp/a.jpg", Timestamp: 1500 * time.Millisecond, Position: &gps.Position{Lat: 1}}},
	}
	ts := newTestServer(t, Deps{Status: st, Control: ctl})

	resp, body := postCapture(t, ts.URL+"/api/capture?mode=video&clock_sync=1500")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	calls := ctl.calls()
	if len(calls) != 1 {
		t.Fatalf("capture calls=%d", len(calls))
	}
	if p := calls[0]; p.Mode != capture.ModeVideo || p.ClockSyncTimestamp != 1500*time.Millisecond {
		t.Fatalf("params=%+v", p)
	}

	var out struct {
		Run   store.Run `json:"run"`
		Error string    `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Run.ID != "run-1" || len(out.Run.Frames) != 1 || out.Error != "" {
		t.Fatalf("response=%+v", out)
	}

	snap := st.Snapshot(time.Now().UTC())
	if snap.RunsTotal != 1 || snap.FramesTotal != 1 {
		t.Fatalf("runs=%d frames=%d", snap.RunsTotal, snap.FramesTotal)
	}
	if snap.LastRun == nil || snap.LastRun.Located != 1 || snap.LastRun.Mode != "VIDEO" {
		t.Fatalf("last run=%+v", snap.LastRun)
	}
}

func TestAPICapture_DefaultMode(t *testing.T) {
	ctl := newFakeControl()
	ts := newTestServer(t, Deps{Control: ctl, DefaultMode: func() capture.Mode { return capture.ModePhotoSeries }})

	resp, body := postCapture(t, ts.URL+"/api/capture")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	if p := ctl.calls()[0]; p.Mode != capture.ModePhotoSeries || p.ClockSyncTimestamp != 0 {
		t.Fatalf("params=%+v", p)
	}
}

func TestAPICapture_Errors(t *testing.T) {
	cases := []struct {
		name  string
		query string
		err   error
		want  int
	}{
		{name: "bad mode", query: "?mode=burst", want: http.StatusBadRequest},
		{name: "bad clock sync", query: "?clock_sync=-4", want: http.StatusBadRequest},
		{name: "busy", err: bridge.ErrSessionActive, want: http.StatusConflict},
		{name: "no pipeline", err: bridge.ErrNoPipeline, want: http.StatusServiceUnavailable},
		{
			name: "capture failed",
			err:  &capture.CaptureFailure{Stage: "capture_frame", Mode: capture.ModeSinglePhoto, Err: errors.New("no camera")},
			want: http.StatusBadGateway,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctl := newFakeControl()
			ctl.captureErr = tc.err
			ts := newTestServer(t, Deps{Control: ctl})

			resp, body := postCapture(t, ts.URL+"/api/capture"+tc.query)
			if resp.StatusCode != tc.want {
				t.Fatalf("status=%d want %d body=%s", resp.StatusCode, tc.want, body)
			}
			if tc.want == http.StatusBadGateway && !strings.Contains(string(body), "no camera") {
				t.Fatalf("body=%s", body)
			}
		})
	}
}

func TestAPICapture_MethodAndStop(t *testing.T) {
	ctl := newFakeControl()
	ctl.stopErr = bridge.ErrNoSession
	ts := newTestServer(t, Deps{Control: ctl})

	resp, err := http.Get(ts.URL + "/api/capture")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed || resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("status=%d allow=%q", resp.StatusCode, resp.Header.Get("Allow"))
	}

	stop, body := postCapture(t, ts.URL+"/api/capture/stop")
	if stop.StatusCode != http.StatusConflict {
		t.Fatalf("stop status=%d body=%s", stop.StatusCode, body)
	}
}

func TestAPIRuns(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runs := fakeRuns{
		"abc": {
			ID:        "abc",
			Mode:      capture.ModePhotoSeries,
			StartedAt: started,
			EndedAt:   started.Add(2 * time.Second),
			Frames:    []capture.Frame{{FilePath: "/tmp/1.jpg", Timestamp: time.Second}},
		},
	}
	ts := newTestServer(t, Deps{Runs: runs})

	resp, err := http.Get(ts.URL + "/api/runs")
	if err != nil {
		t.Fatalf("get runs: %v", err)
	}
	var list struct {
		Runs []store.Run `json:"runs"`
	}
	err = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if err != nil || len(list.Runs) != 1 || list.Runs[0].Mode != capture.ModePhotoSeries {
		t.Fatalf("runs=%+v err=%v", list.Runs, err)
	}

	resp, err = http.Get(ts.URL + "/api/runs/abc")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	var one store.Run
	err = json.NewDecoder(resp.Body).Decode(&one)
	resp.Body.Close()
	if err != nil || one.ID != "abc" || len(one.Frames) != 1 {
		t.Fatalf("run=%+v err=%v", one, err)
	}

	resp, err = http.Get(ts.URL + "/api/runs/missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status=%d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/runs/abc/xlsx")
	if err != nil {
		t.Fatalf("get xlsx: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.HasPrefix(body, []byte("PK")) {
		t.Fatalf("xlsx status=%d len=%d", resp.StatusCode, len(body))
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "geocam-abc.xlsx") {
		t.Fatalf("content-disposition=%q", cd)
	}
}

func TestAPIRuns_StoreDisabled(t *testing.T) {
	ts := newTestServer(t, Deps{})
	resp, err := http.Get(ts.URL + "/api/runs")
	if err != nil {
		t.Fatalf("get runs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want 404", resp.StatusCode)
	}
}

func TestAPILogs(t *testing.T) {
	logs := NewLogBuffer(2)
	_, _ = logs.Write([]byte("one\ntwo\nthr"))
	_, _ = logs.Write([]byte("ee\n"))
	ts := newTestServer(t, Deps{Logs: logs})

	resp, err := http.Get(ts.URL + "/api/logs?tail=5")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	var out LogsResponse
	err = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Lines) != 2 || out.Lines[0] != "two" || out.Lines[1] != "three" || out.Dropped != 1 {
		t.Fatalf("logs=%+v", out)
	}

	bad, err := http.Get(ts.URL + "/api/logs?tail=0")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", bad.StatusCode)
	}
}

func TestFixesSocket_StreamsThenReportsError(t *testing.T) {
	tr := &chanTransport{lines: make(chan string, 4)}
	stream := gps.NewStream(tr, gps.StreamConfig{Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Run(ctx) }()

	ctl := newFakeControl()
	ctl.stream = stream
	ts := newTestServer(t, Deps{Control: ctl})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/fixes"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	tr.lines <- gps.Sentence("GPGGA,100000.00,4530.000,N,00715.000,E,1,09,0.9,300.0,M,48.0,M,,")

	var ev struct {
		Type     string        `json:"type"`
		Position *gps.Position `json:"position"`
		Error    string        `json:"error"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read data: %v", err)
	}
	if ev.Type != "data" || ev.Position == nil || ev.Position.Lat != 45.5 || ev.Position.Lon != 7.25 {
		t.Fatalf("event=%+v", ev)
	}

	close(tr.lines)
	ev.Position = nil
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read error event: %v", err)
	}
	if ev.Type != "error" || !strings.Contains(ev.Error, "disconnected") {
		t.Fatalf("event=%+v", ev)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("close err=%v", err)
	}
}

func TestFixesSocket_GPSStopped(t *testing.T) {
	ts := newTestServer(t, Deps{Control: newFakeControl()})
	resp, err := http.Get(ts.URL + "/ws/fixes")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", resp.StatusCode)
	}
}
