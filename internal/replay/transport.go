package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"geocam/internal/gps"
)

// Transport replays a recorded log as a gps.Transport, honoring the
// recorded spacing between sentences.
//
// speed: 1.0 = real time, 2.0 = 2x speed (half waits), 0.5 = half speed.
type Transport struct {
	name  string
	recs  []Record
	speed float64
	loop  bool

	// sleep waits d or until ctx/done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	i        int
	origin   time.Duration
	lastAt   time.Duration
	haveLast bool

	done chan struct{}
	once sync.Once
}

func NewTransport(name string, recs []Record, speed float64, loop bool) (*Transport, error) {
	if speed <= 0 {
		return nil, fmt.Errorf("replay speed must be > 0")
	}
	hasData := false
	for _, r := range recs {
		if !r.IsStart() {
			hasData = true
			break
		}
	}
	if !hasData {
		return nil, errors.New("replay log has no records")
	}
	t := &Transport{
		name:  name,
		recs:  recs,
		speed: speed,
		loop:  loop,
		done:  make(chan struct{}),
	}
	t.sleep = t.realSleep
	return t, nil
}

func OpenFile(path string, speed float64, loop bool) (*Transport, error) {
	recs, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewTransport(path, recs, speed, loop)
}

func (t *Transport) Name() string { return t.name }

func (t *Transport) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	for {
		select {
		case <-t.done:
			return "", gps.ErrTransportDisconnected
		default:
		}
		if t.i >= len(t.recs) {
			if !t.loop {
				return "", gps.ErrTransportDisconnected
			}
			t.i = 0
			t.origin = 0
			t.haveLast = false
		}

		r := t.recs[t.i]
		if r.IsStart() {
			t.origin = r.At
			t.haveLast = false
			t.i++
			continue
		}

		at := r.At - t.origin
		if at < 0 {
			at = 0
		}
		var wait time.Duration
		if t.haveLast {
			wait = time.Duration(float64(at-t.lastAt) / t.speed)
		}
		if wait > 0 {
			if timeout > 0 && wait > timeout {
				if err := t.sleep(ctx, timeout); err != nil {
					return "", err
				}
				return "", gps.ErrTransportTimeout
			}
			if err := t.sleep(ctx, wait); err != nil {
				return "", err
			}
		}

		t.i++
		t.lastAt = at
		t.haveLast = true
		return r.Line, nil
	}
}

func (t *Transport) realSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return gps.ErrTransportDisconnected
	}
}

func (t *Transport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}
