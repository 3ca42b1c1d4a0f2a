package web

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"geocam/internal/capture"
	"geocam/internal/gps"
	"geocam/internal/store"
)

type Status struct {
	startUnixNano int64
	runsTotal     uint64
	framesTotal   uint64
	source        atomic.Value // string
	outputDir     atomic.Value // string
	info          atomic.Value // map[string]any
	lastRun       atomic.Value // *RunSummary
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.source.Store("")
	s.outputDir.Store("")
	s.info.Store(map[string]any{})
	s.lastRun.Store((*RunSummary)(nil))
	return s
}

// SetStatic records settings that do not change while running.
func (s *Status) SetStatic(source, outputDir string, info map[string]any) {
	if source != "" {
		s.source.Store(source)
	}
	if outputDir != "" {
		s.outputDir.Store(outputDir)
	}
	if info != nil {
		s.info.Store(info)
	}
}

type RunSummary struct {
	ID       string `json:"id"`
	Mode     string `json:"mode"`
	Frames   int    `json:"frames"`
	Located  int    `json:"located"`
	Error    string `json:"error,omitempty"`
	EndedUTC string `json:"ended_utc"`
	Ended    string `json:"ended"`
}

func (s *Status) MarkRun(run store.Run) {
	located := 0
	for _, f := range run.Frames {
		if f.Position != nil {
			located++
		}
	}
	atomic.AddUint64(&s.runsTotal, 1)
	atomic.AddUint64(&s.framesTotal, uint64(len(run.Frames)))
	s.lastRun.Store(&RunSummary{
		ID:       run.ID,
		Mode:     run.Mode.String(),
		Frames:   len(run.Frames),
		Located:  located,
		Error:    run.Error,
		EndedUTC: run.EndedAt.UTC().Format(time.RFC3339Nano),
	})
}

type DiskSnapshot struct {
	Path       string `json:"path"`
	TotalBytes uint64 `json:"total_bytes,omitempty"`
	AvailBytes uint64 `json:"avail_bytes,omitempty"`
	Avail      string `json:"avail,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

type GPSSnapshot struct {
	Running    bool             `json:"running"`
	Stats      *gps.StreamStats `json:"stats,omitempty"`
	HistoryLen int              `json:"history_len"`
	Last       *gps.Position    `json:"last,omitempty"`
}

type CameraSnapshot struct {
	Active bool   `json:"active"`
	State  string `json:"state"`
	Mode   string `json:"mode,omitempty"`
	// Pipeline is the camera tool's state from the latest run.
	Pipeline *capture.PipelineSnapshot `json:"pipeline,omitempty"`
}

type BuildInfo struct {
	GoVersion string `json:"go_version"`
	Version   string `json:"version,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
}

type StatusSnapshot struct {
	Service     string         `json:"service"`
	NowUTC      string         `json:"now_utc"`
	UptimeSec   int64          `json:"uptime_sec"`
	Source      string         `json:"source"`
	RunsTotal   uint64         `json:"runs_total"`
	FramesTotal uint64         `json:"frames_total"`
	LastRun     *RunSummary    `json:"last_run,omitempty"`
	Disk        *DiskSnapshot  `json:"disk,omitempty"`
	GPS         GPSSnapshot    `json:"gps"`
	Camera      CameraSnapshot `json:"camera"`
	Info        map[string]any `json:"info"`
	Build       BuildInfo      `json:"build"`
}

// Snapshot fills everything but the live GPS and camera sections.
func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:     "geocam",
		NowUTC:      nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:   int64(nowUTC.Sub(start).Seconds()),
		Source:      s.source.Load().(string),
		RunsTotal:   atomic.LoadUint64(&s.runsTotal),
		FramesTotal: atomic.LoadUint64(&s.framesTotal),
		Disk:        snapshotDisk(s.outputDir.Load().(string)),
		Camera:      CameraSnapshot{State: capture.StateIdle.String()},
		Info:        s.info.Load().(map[string]any),
		Build:       buildInfo(),
	}
	if last := s.lastRun.Load().(*RunSummary); last != nil {
		cp := *last
		if ended, err := time.Parse(time.RFC3339Nano, cp.EndedUTC); err == nil {
			cp.Ended = humanize.RelTime(ended, nowUTC, "ago", "from now")
		}
		snap.LastRun = &cp
	}
	return snap
}

func buildInfo() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.modified":
			out.Dirty = s.Value == "true"
		}
	}
	return out
}
