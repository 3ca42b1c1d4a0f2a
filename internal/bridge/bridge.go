// Package bridge is the caller-facing surface of geocam: start a capture run,
// start or stop GPS ingestion, and read the fix history.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"geocam/internal/capture"
	"geocam/internal/clocksync"
	"geocam/internal/correlate"
	"geocam/internal/geoid"
	"geocam/internal/gps"
	"geocam/internal/sim"
	"geocam/internal/store"
)

// maxSettle bounds how long a finished run waits for fixes taken just after
// its last frame.
const maxSettle = time.Second

var (
	ErrSessionActive = errors.New("bridge: capture session already active")
	ErrNoSession     = errors.New("bridge: no active capture session")
	ErrGPSActive     = errors.New("bridge: gps already running")
	ErrNoPipeline    = errors.New("bridge: no capture pipeline configured")
)

// RunStore persists finished runs.
type RunStore interface {
	SaveRun(ctx context.Context, run store.Run) error
}

// FramePublisher forwards finished runs to an external consumer.
type FramePublisher interface {
	PublishFrames(runID string, mode capture.Mode, frames []capture.Frame) error
}

type Config struct {
	Clock *clocksync.Clock
	// Grid may be nil; altitudes are then left uncorrected for the geoid.
	Grid *geoid.Grid

	// NewPipeline builds the camera pipeline for one run.
	NewPipeline    func() (capture.Pipeline, error)
	SeriesInterval time.Duration
	Tolerance      time.Duration
	VideoStats     *capture.DurationStats

	HistorySize  int
	ReadTimeout  time.Duration
	SerialDevice string
	SimReceiver  sim.Receiver
	SimInterval  time.Duration
	Recorder     gps.RawSink

	Store  RunStore
	Frames FramePublisher
	Logger logrus.FieldLogger
}

type StartCameraParams struct {
	Mode capture.Mode
	// ClockSyncTimestamp, when non-zero, binds the clock to the caller's
	// time base before the run starts.
	ClockSyncTimestamp time.Duration
}

type InitGPSParams struct {
	// BaudRate 0 selects the transport default.
	BaudRate int
	// AltitudeDifference is the antenna mount height in centimeters.
	AltitudeDifference float64
	OnData             func(gps.Position)
	// OnError fires at most once, on a terminal transport error. No OnData
	// call follows it.
	OnError func(error)
}

type Bridge struct {
	cfg Config
	log logrus.FieldLogger

	openSerial func(device string, baud int) (gps.Transport, error)
	now        func() time.Time

	camMu        sync.Mutex
	session      *capture.Session
	lastPipeline capture.Pipeline

	gpsMu   sync.Mutex
	stream  *gps.Stream
	history *gps.History
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config) *Bridge {
	if cfg.Clock == nil {
		cfg.Clock = clocksync.New(nil)
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = correlate.DefaultTolerance
	}
	if cfg.SimReceiver.Path == nil {
		cfg.SimReceiver.Path = sim.Figure8{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bridge{
		cfg: cfg,
		log: logger,
		openSerial: func(device string, baud int) (gps.Transport, error) {
			return gps.OpenSerial(device, baud)
		},
		now:     time.Now,
		history: gps.NewHistory(cfg.HistorySize),
	}
}

func (b *Bridge) Clock() *clocksync.Clock { return b.cfg.Clock }

// StartCamera runs one capture session and returns its frames, each
// correlated with the nearest fix.
func (b *Bridge) StartCamera(ctx context.Context, p StartCameraParams) ([]capture.Frame, error) {
	run, err := b.Capture(ctx, p)
	return run.Frames, err
}

// Capture is StartCamera returning the whole run record. The run is
// persisted and published even when the session failed part way.
func (b *Bridge) Capture(ctx context.Context, p StartCameraParams) (store.Run, error) {
	if b.cfg.NewPipeline == nil {
		return store.Run{}, ErrNoPipeline
	}

	b.camMu.Lock()
	if b.session != nil {
		b.camMu.Unlock()
		return store.Run{}, ErrSessionActive
	}
	pipeline, err := b.cfg.NewPipeline()
	if err != nil {
		b.camMu.Unlock()
		return store.Run{}, fmt.Errorf("bridge: create pipeline: %w", err)
	}
	tolerance := b.cfg.Tolerance
	run := store.Run{ID: uuid.NewString(), Mode: p.Mode, StartedAt: b.now()}
	log := b.log.WithFields(logrus.Fields{"run": run.ID, "mode": p.Mode.String()})
	// Frames are matched as they are produced; a long series would otherwise
	// outlive the fixes kept in the history ring.
	live := correlate.New(historySource{b}, tolerance).Live(min(tolerance, maxSettle))
	sess := capture.NewSession(capture.SessionConfig{
		Mode:           p.Mode,
		SeriesInterval: b.cfg.SeriesInterval,
		Clock:          b.cfg.Clock,
		Pipeline:       pipeline,
		Logger:         log,
		VideoStats:     b.cfg.VideoStats,
		OnFrame:        live.Add,
	})
	b.session = sess
	b.lastPipeline = pipeline
	b.camMu.Unlock()

	defer func() {
		b.camMu.Lock()
		b.session = nil
		b.camMu.Unlock()
	}()

	if p.ClockSyncTimestamp != 0 {
		b.cfg.Clock.Bind(p.ClockSyncTimestamp)
		run.ClockSync = p.ClockSyncTimestamp
		log.WithField("clock_sync", p.ClockSyncTimestamp).Debug("clock bound")
	}

	_, runErr := sess.Run(ctx)
	run.EndedAt = b.now()
	run.Frames = live.Wait()
	if runErr != nil {
		run.Error = runErr.Error()
	}

	located := 0
	for _, f := range run.Frames {
		if f.Position != nil {
			located++
		}
	}
	log.WithFields(logrus.Fields{"frames": len(run.Frames), "located": located}).Info("capture run finished")

	if b.cfg.Store != nil {
		if err := b.cfg.Store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
			log.WithError(err).Warn("persist run failed")
		}
	}
	if b.cfg.Frames != nil {
		if err := b.cfg.Frames.PublishFrames(run.ID, run.Mode, run.Frames); err != nil {
			log.WithError(err).Warn("publish frames failed")
		}
	}
	return run, runErr
}

// SetCaptureTiming changes the series cadence and the correlation tolerance
// for subsequent runs. Non-positive values keep the current setting.
func (b *Bridge) SetCaptureTiming(seriesInterval, tolerance time.Duration) {
	b.camMu.Lock()
	defer b.camMu.Unlock()
	if seriesInterval > 0 {
		b.cfg.SeriesInterval = seriesInterval
	}
	if tolerance > 0 {
		b.cfg.Tolerance = tolerance
	}
}

// StopCamera ends the active PHOTO_SERIES or VIDEO session.
func (b *Bridge) StopCamera() error {
	b.camMu.Lock()
	defer b.camMu.Unlock()
	if b.session == nil {
		return ErrNoSession
	}
	b.session.Stop()
	return nil
}

// PipelineStatus reports the pipeline of the current or most recent run, when
// it exposes one (the command pipeline does: stderr tail and last error).
func (b *Bridge) PipelineStatus() (capture.PipelineSnapshot, bool) {
	b.camMu.Lock()
	p := b.lastPipeline
	b.camMu.Unlock()
	sp, ok := p.(interface{ Snapshot() capture.PipelineSnapshot })
	if !ok {
		return capture.PipelineSnapshot{}, false
	}
	return sp.Snapshot(), true
}

// CameraState reports the active session's state, or IDLE.
func (b *Bridge) CameraState() (capture.State, capture.Mode, bool) {
	b.camMu.Lock()
	defer b.camMu.Unlock()
	if b.session == nil {
		return capture.StateIdle, 0, false
	}
	return b.session.State(), b.session.Mode(), true
}

// InitGPS starts ingestion from the serial receiver.
func (b *Bridge) InitGPS(ctx context.Context, p InitGPSParams) error {
	t, err := b.openSerial(b.cfg.SerialDevice, p.BaudRate)
	if err != nil {
		return &gps.TransportError{Stage: "open", Source: b.cfg.SerialDevice, Err: err}
	}
	if err := b.StartGPS(ctx, t, p); err != nil {
		_ = t.Close()
		return err
	}
	return nil
}

// SimulateGPS starts ingestion from the synthetic receiver. BaudRate is
// ignored.
func (b *Bridge) SimulateGPS(ctx context.Context, p InitGPSParams) error {
	t := gps.NewSimTransport(b.cfg.SimReceiver, b.cfg.SimInterval)
	if err := b.StartGPS(ctx, t, p); err != nil {
		_ = t.Close()
		return err
	}
	return nil
}

// StartGPS runs a stream over any transport; InitGPS and SimulateGPS are
// shorthands for it. The transport is owned by the stream from here on.
func (b *Bridge) StartGPS(ctx context.Context, t gps.Transport, p InitGPSParams) error {
	b.gpsMu.Lock()
	defer b.gpsMu.Unlock()
	if b.stream != nil {
		return ErrGPSActive
	}

	stream := gps.NewStream(t, gps.StreamConfig{
		HistorySize: b.cfg.HistorySize,
		ReadTimeout: b.cfg.ReadTimeout,
		Corrector: geoid.Corrector{
			Grid:           b.cfg.Grid,
			AntennaOffsetM: p.AltitudeDifference / 100,
		},
		Clock:    b.cfg.Clock,
		Recorder: b.cfg.Recorder,
		Logger:   b.log,
	})
	sub := stream.Subscribe(gps.DefaultSubscriberBuffer)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.stream, b.history, b.cancel, b.done = stream, stream.History(), cancel, done

	go dispatch(sub, p)
	go func() {
		defer close(done)
		_ = stream.Run(runCtx)
		b.gpsMu.Lock()
		if b.stream == stream {
			b.stream, b.cancel, b.done = nil, nil, nil
		}
		b.gpsMu.Unlock()
	}()
	b.log.WithFields(logrus.Fields{"source": t.Name(), "antenna_offset_m": p.AltitudeDifference / 100}).Info("gps started")
	return nil
}

func dispatch(sub *gps.Subscription, p InitGPSParams) {
	for pos := range sub.C() {
		if p.OnData != nil {
			p.OnData(pos)
		}
	}
	if err, ok := <-sub.Err(); ok && err != nil && p.OnError != nil {
		p.OnError(err)
	}
}

// StopGPS cancels ingestion and waits for the stream to end. History is
// kept for correlation until the next start.
func (b *Bridge) StopGPS() {
	b.gpsMu.Lock()
	cancel, done := b.cancel, b.done
	b.gpsMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// GPSRunning reports whether a stream is active.
func (b *Bridge) GPSRunning() bool {
	b.gpsMu.Lock()
	defer b.gpsMu.Unlock()
	return b.stream != nil
}

// historySource reads whichever history is current at lookup time, so a
// stream started during a run is still seen.
type historySource struct{ b *Bridge }

func (h historySource) Nearest(gen uint64, t, tolerance time.Duration) (gps.Position, bool) {
	return h.b.History().Nearest(gen, t, tolerance)
}

// History is the fix history of the current or most recent stream.
func (b *Bridge) History() *gps.History {
	b.gpsMu.Lock()
	defer b.gpsMu.Unlock()
	return b.history
}

// Stats returns the active stream's counters.
func (b *Bridge) Stats() (gps.StreamStats, bool) {
	b.gpsMu.Lock()
	defer b.gpsMu.Unlock()
	if b.stream == nil {
		return gps.StreamStats{}, false
	}
	return b.stream.Stats(), true
}

// Subscribe attaches a consumer to the active stream.
func (b *Bridge) Subscribe(buffer int) (*gps.Subscription, bool) {
	b.gpsMu.Lock()
	defer b.gpsMu.Unlock()
	if b.stream == nil {
		return nil, false
	}
	return b.stream.Subscribe(buffer), true
}
