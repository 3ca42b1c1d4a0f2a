package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"geocam/internal/clocksync"
)

const (
	DefaultSeriesInterval = 200 * time.Millisecond
	endVideoTimeout       = 10 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateArmed
	StateCapturing
	StateCompleting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateArmed:
		return "ARMED"
	case StateCapturing:
		return "CAPTURING"
	case StateCompleting:
		return "COMPLETING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var transitions = map[State][]State{
	StateIdle:       {StateArmed},
	StateArmed:      {StateCapturing, StateFailed},
	StateCapturing:  {StateCapturing, StateCompleting, StateFailed},
	StateCompleting: {StateIdle, StateFailed},
}

// Pipeline is the camera side of a session. CaptureFrame returns once the
// exposure has been taken. EndVideo returns after recording stopped, with
// the pipeline's own view of the recorded duration (0 if unknown).
type Pipeline interface {
	CaptureFrame(ctx context.Context) (path string, ft FileType, err error)
	BeginVideo(ctx context.Context) error
	EndVideo(ctx context.Context) (path string, duration time.Duration, err error)
	Release() error
}

type SessionConfig struct {
	Mode           Mode
	SeriesInterval time.Duration
	Clock          *clocksync.Clock
	Pipeline       Pipeline
	Logger         logrus.FieldLogger
	// VideoStats, when set, receives the end-time deviation of each video.
	VideoStats *DurationStats
	// OnFrame, when set, sees every frame as soon as it exists, on the
	// session goroutine. It must not block.
	OnFrame func(Frame)
}

// Session drives one capture run through IDLE -> ARMED -> CAPTURING ->
// COMPLETING -> IDLE, or into FAILED. Transitions are serialized by a single
// lock; Stop may be called from any goroutine.
type Session struct {
	cfg SessionConfig
	log logrus.FieldLogger

	mu    sync.Mutex
	state State

	stop     chan struct{}
	stopOnce sync.Once
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.SeriesInterval <= 0 {
		cfg.SeriesInterval = DefaultSeriesInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clocksync.New(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Session{
		cfg:  cfg,
		log:  logger.WithField("mode", cfg.Mode.String()),
		stop: make(chan struct{}),
	}
}

func (s *Session) Mode() Mode { return s.cfg.Mode }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop ends a PHOTO_SERIES or VIDEO run. It has no effect on a single photo.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
}

// Run executes the session. On failure the pipeline is released, the state
// is FAILED and a *CaptureFailure is returned along with the frames already
// produced. Context cancellation behaves like Stop.
func (s *Session) Run(ctx context.Context) ([]Frame, error) {
	if s.cfg.Pipeline == nil {
		return nil, fmt.Errorf("capture: pipeline is nil")
	}
	if err := s.transition(StateArmed); err != nil {
		return nil, err
	}
	s.log.Info("capture armed")

	var (
		frames []Frame
		err    error
	)
	switch s.cfg.Mode {
	case ModeSinglePhoto:
		frames, err = s.runSingle(ctx)
	case ModePhotoSeries:
		frames, err = s.runSeries(ctx)
	case ModeVideo:
		frames, err = s.runVideo(ctx)
	default:
		err = &CaptureFailure{Stage: "arm", Mode: s.cfg.Mode, Err: fmt.Errorf("unknown mode %d", s.cfg.Mode)}
	}
	if err != nil {
		return frames, s.fail(err)
	}

	if err := s.transition(StateCompleting); err != nil {
		return frames, s.fail(err)
	}
	if err := s.transition(StateIdle); err != nil {
		return frames, s.fail(err)
	}
	s.log.WithField("frames", len(frames)).Info("capture complete")
	return frames, nil
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()

	if rerr := s.cfg.Pipeline.Release(); rerr != nil {
		s.log.WithError(rerr).Warn("pipeline release failed")
	}
	s.log.WithError(err).Error("capture failed")
	return err
}

func (s *Session) shoot(ctx context.Context) (Frame, error) {
	if err := s.transition(StateCapturing); err != nil {
		return Frame{}, err
	}
	// The exposure is triggered by this call; processing time after the
	// trigger must not leak into the timestamp.
	ts, gen := s.cfg.Clock.Stamp()
	path, ft, err := s.cfg.Pipeline.CaptureFrame(ctx)
	if err != nil {
		return Frame{}, &CaptureFailure{Stage: "capture_frame", Mode: s.cfg.Mode, Err: err}
	}
	s.log.WithFields(logrus.Fields{"path": path, "timestamp": ts}).Debug("frame captured")
	return s.emit(Frame{FilePath: path, Timestamp: ts, FileType: ft, Generation: gen}), nil
}

func (s *Session) emit(f Frame) Frame {
	if s.cfg.OnFrame != nil {
		s.cfg.OnFrame(f)
	}
	return f
}

func (s *Session) runSingle(ctx context.Context) ([]Frame, error) {
	f, err := s.shoot(ctx)
	if err != nil {
		return nil, err
	}
	return []Frame{f}, nil
}

func (s *Session) runSeries(ctx context.Context) ([]Frame, error) {
	ticker := time.NewTicker(s.cfg.SeriesInterval)
	defer ticker.Stop()

	var frames []Frame
	for {
		f, err := s.shoot(ctx)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)

		select {
		case <-s.stop:
			return frames, nil
		case <-ctx.Done():
			return frames, nil
		case <-ticker.C:
		}
	}
}

func (s *Session) runVideo(ctx context.Context) ([]Frame, error) {
	begin := s.cfg.Clock.Now()
	if err := s.transition(StateCapturing); err != nil {
		return nil, err
	}
	if err := s.cfg.Pipeline.BeginVideo(ctx); err != nil {
		return nil, &CaptureFailure{Stage: "begin_video", Mode: s.cfg.Mode, Err: err}
	}
	s.log.Info("video recording")

	select {
	case <-s.stop:
	case <-ctx.Done():
	}

	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endVideoTimeout)
	defer cancel()
	path, hint, err := s.cfg.Pipeline.EndVideo(endCtx)
	ts, gen := s.cfg.Clock.Stamp()
	if err != nil {
		return nil, &CaptureFailure{Stage: "end_video", Mode: s.cfg.Mode, Err: err}
	}

	if s.cfg.VideoStats != nil && hint > 0 {
		dev := (ts - begin) - hint
		if dev < 0 {
			dev = -dev
		}
		s.cfg.VideoStats.Add(dev)
		s.log.WithField("deviation", dev).Debug("video end-time deviation")
	}
	return []Frame{s.emit(Frame{FilePath: path, Timestamp: ts, FileType: FileVideo, Generation: gen})}, nil
}
