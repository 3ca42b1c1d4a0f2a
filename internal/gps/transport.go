package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultBaud is used when no baud rate is configured.
const DefaultBaud = 115200

// Transport yields raw NMEA lines. ReadLine blocks until a line arrives,
// timeout elapses (ErrTransportTimeout) or the source goes away
// (ErrTransportDisconnected).
type Transport interface {
	ReadLine(ctx context.Context, timeout time.Duration) (string, error)
	Close() error
	Name() string
}

type lineResult struct {
	line string
	err  error
}

// LineTransport adapts any byte stream carrying newline-separated sentences.
type LineTransport struct {
	name string
	rc   io.ReadCloser

	lines chan lineResult
	done  chan struct{}
	once  sync.Once
}

func NewLineTransport(name string, rc io.ReadCloser) *LineTransport {
	t := &LineTransport{
		name:  name,
		rc:    rc,
		lines: make(chan lineResult, 16),
		done:  make(chan struct{}),
	}
	go t.scan()
	return t
}

func (t *LineTransport) Name() string { return t.name }

func (t *LineTransport) scan() {
	sc := bufio.NewScanner(t.rc)
	sc.Buffer(make([]byte, 0, 1024), 64*1024)
	for sc.Scan() {
		select {
		case t.lines <- lineResult{line: sc.Text()}:
		case <-t.done:
			return
		}
	}
	err := sc.Err()
	if err == nil || errors.Is(err, io.EOF) {
		err = ErrTransportDisconnected
	} else {
		err = fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
	}
	select {
	case t.lines <- lineResult{err: err}:
	case <-t.done:
	}
}

func (t *LineTransport) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case r := <-t.lines:
		return r.line, r.err
	case <-t.done:
		return "", ErrTransportDisconnected
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timeoutC:
		return "", ErrTransportTimeout
	}
}

func (t *LineTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.rc.Close()
	})
	return err
}

// OpenSerial opens a USB/UART receiver. An empty device picks the first
// /dev/ttyACM* or /dev/ttyUSB* node; baud <= 0 means DefaultBaud.
func OpenSerial(device string, baud int) (*LineTransport, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	if device == "" {
		d, err := detectSerialDevice()
		if err != nil {
			return nil, err
		}
		device = d
	}
	rc, err := openSerial(device, baud)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	return NewLineTransport(device, rc), nil
}

// DialTCP connects to a receiver that serves NMEA over TCP (ser2net, a phone
// GNSS bridge, gpsd in raw mode). A dropped connection ends the transport
// like an unplugged serial device; there is no reconnect.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (*LineTransport, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewLineTransport("tcp:"+addr, conn), nil
}

var serialGlobs = []string{"/dev/ttyACM*", "/dev/ttyUSB*"}

func detectSerialDevice() (string, error) {
	for _, pattern := range serialGlobs {
		matches, _ := filepath.Glob(pattern)
		if len(matches) == 0 {
			continue
		}
		sort.Strings(matches)
		return matches[0], nil
	}
	return "", fmt.Errorf("no serial gps device found (tried %v)", serialGlobs)
}
