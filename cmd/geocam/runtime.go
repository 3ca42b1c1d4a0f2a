package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"geocam/internal/bridge"
	"geocam/internal/capture"
	"geocam/internal/config"
	"geocam/internal/export"
	"geocam/internal/geoid"
	"geocam/internal/gps"
	"geocam/internal/mqttpub"
	"geocam/internal/replay"
	"geocam/internal/sim"
	"geocam/internal/store"
	"geocam/internal/udp"
	"geocam/internal/web"
)

// runtime owns every long-lived component built from the config.
type runtime struct {
	ctx    context.Context
	log    logrus.FieldLogger
	status *web.Status

	mu  sync.Mutex
	cfg config.Config

	bridge     *bridge.Bridge
	store      *store.SqliteStore
	mqtt       *mqttpub.Publisher
	udp        *udp.Broadcaster
	recorder   *replay.Writer
	videoStats *capture.DurationStats
	fanout     sync.WaitGroup
}

func newRuntime(ctx context.Context, cfg config.Config, status *web.Status, logger logrus.FieldLogger) (*runtime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	if status == nil {
		return nil, fmt.Errorf("status is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := &runtime{
		ctx:        ctx,
		log:        logger,
		status:     status,
		cfg:        c,
		videoStats: &capture.DurationStats{Name: "video_end_deviation"},
	}

	var grid *geoid.Grid
	if dir := strings.TrimSpace(c.Geoid.Dir); dir != "" {
		g, err := geoid.LoadMatrixFiles(dir)
		if err != nil {
			return nil, fmt.Errorf("geoid grid load failed: %w", err)
		}
		grid = g
		logger.WithField("dir", dir).Info("geoid grid loaded")
	} else {
		logger.Warn("no geoid grid configured; altitudes stay ellipsoidal")
	}

	if c.Capture.Retention > 0 {
		n, err := capture.PruneOutputDir(c.Capture.OutputDir, c.Capture.Retention, time.Now())
		if err != nil {
			logger.WithError(err).Warn("capture retention pass failed")
		} else if n > 0 {
			logger.WithField("removed", n).Info("old captures pruned")
		}
	}

	rx, err := simReceiver(c.GPS.Sim)
	if err != nil {
		return nil, err
	}

	bcfg := bridge.Config{
		Grid:           grid,
		NewPipeline:    newPipelineFunc(c.Capture, logger),
		SeriesInterval: c.Capture.SeriesInterval,
		Tolerance:      c.Capture.CorrelationTolerance,
		VideoStats:     r.videoStats,
		HistorySize:    c.GPS.HistorySize,
		ReadTimeout:    c.GPS.ReadTimeout,
		SerialDevice:   c.GPS.Device,
		SimReceiver:    rx,
		SimInterval:    c.GPS.Sim.Interval,
		Logger:         logger,
	}

	if c.Store.Enable {
		r.store = store.NewSqliteStore(c.Store.Path)
		bcfg.Store = r.store
	}
	// A failed broker or socket is reported and skipped; capture keeps working.
	if c.MQTT.Enable {
		p, err := mqttpub.Connect(c.MQTT, logger)
		if err != nil {
			logger.WithError(err).WithField("broker", c.MQTT.Broker).Error("mqtt connect failed")
		} else {
			r.mqtt = p
			bcfg.Frames = p
		}
	}
	if c.UDP.Enable {
		b, err := udp.NewBroadcaster(c.UDP.Dest, logger)
		if err != nil {
			logger.WithError(err).WithField("dest", c.UDP.Dest).Error("udp broadcaster init failed")
		} else {
			r.udp = b
		}
	}
	if c.GPS.Record.Enable {
		w, err := replay.CreateWriter(c.GPS.Record.Path)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("gps record open failed: %w", err)
		}
		r.recorder = w
		bcfg.Recorder = w
	}

	r.bridge = bridge.New(bcfg)
	r.status.SetStatic(c.GPS.Source, c.Capture.OutputDir, infoSnapshot(c))
	return r, nil
}

func newPipelineFunc(c config.CaptureConfig, logger logrus.FieldLogger) func() (capture.Pipeline, error) {
	return func() (capture.Pipeline, error) {
		p, err := capture.NewCommandPipeline(capture.CommandPipelineConfig{
			OutputDir:    c.OutputDir,
			PhotoCommand: c.PhotoCommand,
			VideoCommand: c.VideoCommand,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

func simReceiver(c config.SimConfig) (sim.Receiver, error) {
	rx := sim.Receiver{GeoidSep: c.GeoidSep}
	if strings.TrimSpace(c.Route) != "" {
		route, err := sim.LoadRoute(c.Route)
		if err != nil {
			return sim.Receiver{}, fmt.Errorf("sim route load failed: %w", err)
		}
		rx.Path = route
		return rx, nil
	}
	rx.Path = sim.Figure8{
		CenterLat: c.CenterLat,
		CenterLon: c.CenterLon,
		AltM:      c.AltM,
		RadiusM:   c.RadiusM,
		Period:    c.Period,
	}
	return rx, nil
}

func infoSnapshot(c config.Config) map[string]any {
	info := map[string]any{
		"geoid_dir":       c.Geoid.Dir,
		"capture_mode":    c.Capture.Mode,
		"series_interval": c.Capture.SeriesInterval.String(),
		"tolerance":       c.Capture.CorrelationTolerance.String(),
		"antenna_cm":      c.GPS.AntennaOffsetCm,
	}
	if c.Store.Enable {
		info["store"] = c.Store.Path
	}
	if c.MQTT.Enable {
		info["mqtt"] = c.MQTT.Broker
	}
	if c.UDP.Enable {
		info["udp"] = c.UDP.Dest
	}
	if c.GPS.Record.Enable {
		info["record"] = c.GPS.Record.Path
	}
	return info
}

// startGPS starts ingestion from the configured source and attaches the
// MQTT and UDP feeds to it.
func (r *runtime) startGPS() error {
	r.mu.Lock()
	c := r.cfg
	r.mu.Unlock()

	var first atomic.Bool
	p := bridge.InitGPSParams{
		BaudRate:           c.GPS.Baud,
		AltitudeDifference: c.GPS.AntennaOffsetCm,
		OnData: func(pos gps.Position) {
			if first.CompareAndSwap(false, true) {
				r.log.WithFields(logrus.Fields{
					"lat":     pos.Lat,
					"lon":     pos.Lon,
					"quality": pos.Quality.String(),
				}).Info("first gps fix")
			}
		},
		OnError: func(err error) {
			r.log.WithError(err).Error("gps stream failed")
		},
	}

	var err error
	switch c.GPS.Source {
	case "nmea":
		err = r.bridge.InitGPS(r.ctx, p)
	case "tcp":
		t, derr := gps.DialTCP(r.ctx, c.GPS.Addr, 0)
		if derr != nil {
			return &gps.TransportError{Stage: "open", Source: c.GPS.Addr, Err: derr}
		}
		if err = r.bridge.StartGPS(r.ctx, t, p); err != nil {
			_ = t.Close()
		}
	case "sim":
		err = r.bridge.SimulateGPS(r.ctx, p)
	case "replay":
		t, oerr := replay.OpenFile(c.GPS.Replay.Path, c.GPS.Replay.Speed, c.GPS.Replay.Loop)
		if oerr != nil {
			return fmt.Errorf("replay open failed: %w", oerr)
		}
		if err = r.bridge.StartGPS(r.ctx, t, p); err != nil {
			_ = t.Close()
		}
	default:
		err = fmt.Errorf("unknown gps source %q", c.GPS.Source)
	}
	if err != nil {
		return err
	}
	r.startFanout()
	return nil
}

func (r *runtime) startFanout() {
	if r.mqtt != nil {
		if sub, ok := r.bridge.Subscribe(0); ok {
			r.fanout.Add(1)
			go func() {
				defer r.fanout.Done()
				r.mqtt.Run(r.ctx, sub)
			}()
		}
	}
	if r.udp != nil {
		if sub, ok := r.bridge.Subscribe(0); ok {
			r.fanout.Add(1)
			go func() {
				defer r.fanout.Done()
				r.udp.Run(r.ctx, sub)
			}()
		}
	}
}

// DefaultMode is the capture mode used when a request names none.
func (r *runtime) DefaultMode() capture.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := capture.ParseMode(r.cfg.Capture.Mode)
	if err != nil {
		return capture.ModeSinglePhoto
	}
	return m
}

func (r *runtime) Config() config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Apply makes settings effective without a restart. Only capture mode,
// capture timing and the antenna offset can change live; an offset change
// restarts the GPS stream.
func (r *runtime) Apply(next config.Config) error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	c := next
	if err := config.DefaultAndValidate(&c); err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.cfg
	if err := requireRestart(prev, c); err != nil {
		r.mu.Unlock()
		return err
	}
	r.cfg = c
	r.mu.Unlock()

	r.bridge.SetCaptureTiming(c.Capture.SeriesInterval, c.Capture.CorrelationTolerance)
	if c.GPS.AntennaOffsetCm != prev.GPS.AntennaOffsetCm && r.bridge.GPSRunning() {
		r.bridge.StopGPS()
		if err := r.startGPS(); err != nil {
			return fmt.Errorf("gps restart failed: %w", err)
		}
	}
	r.status.SetStatic(c.GPS.Source, c.Capture.OutputDir, infoSnapshot(c))
	r.log.WithFields(logrus.Fields{
		"mode":            c.Capture.Mode,
		"series_interval": c.Capture.SeriesInterval,
		"tolerance":       c.Capture.CorrelationTolerance,
		"antenna_cm":      c.GPS.AntennaOffsetCm,
	}).Info("settings applied")
	return nil
}

func requireRestart(prev, next config.Config) error {
	g := next.GPS
	g.AntennaOffsetCm = prev.GPS.AntennaOffsetCm
	if g != prev.GPS {
		return fmt.Errorf("gps settings require restart")
	}
	if next.Geoid != prev.Geoid {
		return fmt.Errorf("geoid settings require restart")
	}
	if next.Capture.OutputDir != prev.Capture.OutputDir ||
		next.Capture.Retention != prev.Capture.Retention ||
		!slices.Equal(next.Capture.PhotoCommand, prev.Capture.PhotoCommand) ||
		!slices.Equal(next.Capture.VideoCommand, prev.Capture.VideoCommand) {
		return fmt.Errorf("capture output settings require restart")
	}
	if next.Web != prev.Web {
		return fmt.Errorf("web.listen requires restart")
	}
	if next.MQTT != prev.MQTT || next.UDP != prev.UDP || next.Store != prev.Store {
		return fmt.Errorf("publish and store settings require restart")
	}
	if next.Log != prev.Log || next.Export != prev.Export {
		return fmt.Errorf("log and export settings require restart")
	}
	return nil
}

// exportRuns writes every stored run to one workbook under dir.
func (r *runtime) exportRuns(ctx context.Context, dir string) (string, error) {
	if r.store == nil {
		return "", fmt.Errorf("run store disabled")
	}
	list, err := r.store.Runs(ctx)
	if err != nil {
		return "", err
	}
	runs := make([]store.Run, 0, len(list))
	for _, summary := range list {
		run, err := r.store.Run(ctx, summary.ID)
		if err != nil {
			return "", err
		}
		runs = append(runs, run)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return export.SaveFile(dir, runs, time.Now())
}

func (r *runtime) Close() {
	if r == nil {
		return
	}
	if r.bridge != nil {
		_ = r.bridge.StopCamera()
		r.bridge.StopGPS()
	}
	r.fanout.Wait()
	if r.mqtt != nil {
		r.mqtt.Close()
		r.mqtt = nil
	}
	if r.udp != nil {
		_ = r.udp.Close()
		r.udp = nil
	}
	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil {
			r.log.WithError(err).Warn("gps record close failed")
		}
		r.recorder = nil
	}
	if r.store != nil {
		_ = r.store.Close()
		r.store = nil
	}
	if s := r.videoStats.Summary(); s.Count > 0 {
		r.log.Info(s.String())
	}
}
