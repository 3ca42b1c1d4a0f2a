package gps

import (
	"context"
	"sync"
	"time"

	"geocam/internal/sim"
)

// DefaultSimInterval matches a 4 Hz receiver.
const DefaultSimInterval = 250 * time.Millisecond

// SimTransport emits synthetic GGA+RMC pairs from a sim.Receiver.
type SimTransport struct {
	rx       sim.Receiver
	interval time.Duration
	start    time.Time
	now      func() time.Time

	pending []string
	ticker  *time.Ticker
	done    chan struct{}
	once    sync.Once
}

func NewSimTransport(rx sim.Receiver, interval time.Duration) *SimTransport {
	if interval <= 0 {
		interval = DefaultSimInterval
	}
	return &SimTransport{
		rx:       rx,
		interval: interval,
		start:    time.Now(),
		now:      time.Now,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
	}
}

func (s *SimTransport) Name() string { return "sim" }

func (s *SimTransport) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	if len(s.pending) > 0 {
		line := s.pending[0]
		s.pending = s.pending[1:]
		return line, nil
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case <-s.ticker.C:
	case <-s.done:
		return "", ErrTransportDisconnected
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timeoutC:
		return "", ErrTransportTimeout
	}

	now := s.now()
	s.pending = s.rx.Sentences(now.Sub(s.start), now)
	line := s.pending[0]
	s.pending = s.pending[1:]
	return line, nil
}

func (s *SimTransport) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
	return nil
}
