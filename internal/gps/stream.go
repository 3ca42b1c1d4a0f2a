package gps

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"geocam/internal/clocksync"
	"geocam/internal/geoid"
)

const (
	DefaultReadTimeout       = 2 * time.Second
	DefaultSubscriberBuffer  = 32
	receiverDayRolloverGuard = 12 * time.Hour
)

// RawSink records every line read from the transport, stamped in the
// synchronized time base.
type RawSink interface {
	WriteRaw(t time.Duration, line string) error
}

type StreamConfig struct {
	HistorySize int
	ReadTimeout time.Duration
	Corrector   geoid.Corrector
	Clock       *clocksync.Clock
	Recorder    RawSink
	Logger      logrus.FieldLogger
}

// StreamStats are monotonically increasing counters.
type StreamStats struct {
	Lines       uint64 `json:"lines"`
	Fixes       uint64 `json:"fixes"`
	ParseErrors uint64 `json:"parseErrors"`
	OutOfOrder  uint64 `json:"outOfOrder"`
}

// Stream turns transport lines into corrected, time-stamped positions.
//
// Published positions are strictly ordered: a candidate whose time goes
// backwards, or whose receiver time of day does not advance, is dropped.
// A terminal transport error ends the stream; it is delivered once to every
// subscriber and then all subscriber channels are closed.
type Stream struct {
	cfg       StreamConfig
	transport Transport
	parser    *Parser
	history   *History
	log       logrus.FieldLogger

	// Ordering baseline, touched only by the Run goroutine.
	last    Position
	hasLast bool

	subMu  sync.Mutex
	subs   map[*Subscription]struct{}
	done   bool
	endErr error

	lines       atomic.Uint64
	fixes       atomic.Uint64
	parseErrors atomic.Uint64
	outOfOrder  atomic.Uint64
}

func NewStream(t Transport, cfg StreamConfig) *Stream {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clocksync.New(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Stream{
		cfg:       cfg,
		transport: t,
		parser:    NewParser(),
		history:   NewHistory(cfg.HistorySize),
		log:       logger.WithField("source", t.Name()),
		subs:      make(map[*Subscription]struct{}),
	}
}

func (s *Stream) History() *History { return s.history }

func (s *Stream) Clock() *clocksync.Clock { return s.cfg.Clock }

func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Lines:       s.lines.Load(),
		Fixes:       s.fixes.Load(),
		ParseErrors: s.parseErrors.Load(),
		OutOfOrder:  s.outOfOrder.Load(),
	}
}

// Run reads until ctx is cancelled or the transport fails. It closes the
// transport before returning. Cancellation returns nil.
func (s *Stream) Run(ctx context.Context) error {
	defer s.transport.Close()

	s.log.WithField("read_timeout", s.cfg.ReadTimeout).Info("gps stream started")
	for {
		line, err := s.transport.ReadLine(ctx, s.cfg.ReadTimeout)
		if err != nil {
			if ctx.Err() != nil {
				s.finish(nil)
				s.log.Info("gps stream stopped")
				return nil
			}
			if !errors.Is(err, ErrTransportTimeout) && !errors.Is(err, ErrTransportDisconnected) {
				err = errors.Join(ErrTransportDisconnected, err)
			}
			terr := &TransportError{Stage: "read", Source: s.transport.Name(), Err: err}
			s.log.WithError(terr).Error("gps stream ended")
			s.finish(terr)
			return terr
		}
		s.handleLine(line)
	}
}

func (s *Stream) handleLine(line string) {
	s.lines.Add(1)
	if s.cfg.Recorder != nil {
		if err := s.cfg.Recorder.WriteRaw(s.cfg.Clock.Now(), line); err != nil {
			s.log.WithError(err).Warn("record raw sentence")
		}
	}

	c, ok, err := s.parser.Parse(line)
	if err != nil {
		s.parseErrors.Add(1)
		s.log.WithError(err).WithField("line", line).Debug("sentence dropped")
		return
	}
	if !ok {
		return
	}
	now, gen := s.cfg.Clock.Stamp()

	corr := s.cfg.Corrector.Correct(c.Lat, c.Lon, c.OrigAltitude)
	if corr.OutOfGrid {
		s.log.WithFields(logrus.Fields{"lat": c.Lat, "lon": c.Lon, "geoid_h": corr.GeoidH}).Debug("fix outside geoid grid, nearest sample used")
	}
	p := Position{
		Lat:               c.Lat,
		Lon:               c.Lon,
		OrigAltitude:      corr.OrigAltitude,
		GeoidH:            corr.GeoidH,
		InterpolatedGeoid: corr.InterpolatedGeoid,
		Altitude:          corr.Altitude,
		GeoidSeparation:   c.GeoidSeparation,
		OutOfGrid:         corr.OutOfGrid,
		Dir:               c.Dir,
		Velocity:          c.Velocity,
		Fixed:             c.Quality != QualityInvalid,
		Quality:           c.Quality,
		Satellites:        c.Satellites,
		HDOP:              c.HDOP,
		ReceiverTime:      c.ReceiverTime,
		ReceiverTimeValid: c.ReceiverTimeValid,
		Time:              now,
		Generation:        gen,
	}

	if s.hasLast && s.last.Generation != gen {
		// The clock was rebound; the old baseline is not comparable.
		s.log.WithFields(logrus.Fields{"generation": gen, "time": p.Time}).Info("clock rebound, ordering restarted")
		s.hasLast = false
	}
	if s.hasLast && !advances(s.last, p) {
		s.outOfOrder.Add(1)
		s.log.WithFields(logrus.Fields{"time": p.Time, "last": s.last.Time}).Debug("out-of-order fix dropped")
		return
	}
	s.last, s.hasLast = p, true

	s.history.Append(p)
	s.fixes.Add(1)
	s.publish(p)
}

// advances reports whether next may follow prev. Receiver time of day must
// move forward unless it wrapped past midnight.
func advances(prev, next Position) bool {
	if next.Time < prev.Time {
		return false
	}
	if prev.ReceiverTimeValid && next.ReceiverTimeValid {
		d := next.ReceiverTime - prev.ReceiverTime
		if d <= 0 && -d < receiverDayRolloverGuard {
			return false
		}
	}
	return true
}

// Subscription is one consumer of published positions.
type Subscription struct {
	s       *Stream
	c       chan Position
	errc    chan error
	dropped atomic.Uint64
	closed  bool
}

// C yields positions in publication order. It is closed when the stream ends
// or the subscription is cancelled.
func (sub *Subscription) C() <-chan Position { return sub.c }

// Err yields the terminal transport error at most once, then is closed.
func (sub *Subscription) Err() <-chan error { return sub.errc }

// Dropped counts positions discarded because the consumer fell behind.
func (sub *Subscription) Dropped() uint64 { return sub.dropped.Load() }

func (sub *Subscription) Close() { sub.s.unsubscribe(sub) }

// Subscribe registers a consumer with a bounded buffer. When the buffer is
// full the oldest pending position is discarded.
func (s *Stream) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{
		s:    s,
		c:    make(chan Position, buffer),
		errc: make(chan error, 1),
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.done {
		sub.end(s.endErr)
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (s *Stream) unsubscribe(sub *Subscription) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	sub.end(nil)
}

func (s *Stream) publish(p Position) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.c <- p:
			continue
		default:
		}
		select {
		case <-sub.c:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.c <- p:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (s *Stream) finish(err error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.endErr = err
	for sub := range s.subs {
		sub.end(err)
	}
	s.subs = make(map[*Subscription]struct{})
}

// end must be called with subMu held.
func (sub *Subscription) end(err error) {
	if sub.closed {
		return
	}
	sub.closed = true
	if err != nil {
		sub.errc <- err
	}
	close(sub.errc)
	close(sub.c)
}
