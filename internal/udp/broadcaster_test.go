package udp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"geocam/internal/gps"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeConn struct {
	mu        sync.Mutex
	writes    [][]byte
	writeErr  error
	closed    bool
	closeErr  error
	writeHits int
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHits++
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	cp := append([]byte(nil), p...)
	c.writes = append(c.writes, cp)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return c.closeErr
}

func TestNewBroadcaster_DialsResolvedAddr(t *testing.T) {
	var gotNetwork string
	var gotRaddr *net.UDPAddr
	fc := &fakeConn{}

	resolve := func(network, address string) (*net.UDPAddr, error) {
		return net.ResolveUDPAddr(network, address)
	}

	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		gotNetwork = network
		gotRaddr = raddr
		return fc, nil
	}

	b, err := newBroadcaster("127.0.0.1:4000", resolve, dial)
	if err != nil {
		t.Fatalf("newBroadcaster() error: %v", err)
	}
	defer b.Close()

	if gotNetwork != "udp" {
		t.Fatalf("network=%q want %q", gotNetwork, "udp")
	}
	if gotRaddr == nil || gotRaddr.Port != 4000 || !gotRaddr.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("raddr=%v want 127.0.0.1:4000", gotRaddr)
	}
}

func TestNewBroadcaster_ResolveFailure(t *testing.T) {
	resolveErr := errors.New("nope")
	resolve := func(network, address string) (*net.UDPAddr, error) {
		return nil, resolveErr
	}
	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return &fakeConn{}, nil
	}

	_, err := newBroadcaster("bad:addr", resolve, dial)
	if !errors.Is(err, resolveErr) {
		t.Fatalf("err=%v want %v", err, resolveErr)
	}
}

func TestBroadcaster_Send(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name     string
		payload  []byte
		writeErr error
		wantHits int
		wantErr  error
	}{
		{name: "nil payload"},
		{name: "empty payload", payload: []byte{}},
		{name: "written", payload: []byte("{}"), wantHits: 1},
		{name: "write error", payload: []byte("{}"), writeErr: boom, wantHits: 1, wantErr: boom},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fc := &fakeConn{writeErr: tc.writeErr}
			b := &Broadcaster{dest: "x", conn: fc}
			err := b.Send(tc.payload)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err=%v want %v", err, tc.wantErr)
			}
			if fc.writeHits != tc.wantHits {
				t.Fatalf("writes=%d want %d", fc.writeHits, tc.wantHits)
			}
			if tc.wantErr == nil && tc.wantHits == 1 && string(fc.writes[0]) != string(tc.payload) {
				t.Fatalf("wrote %q want %q", fc.writes[0], tc.payload)
			}
		})
	}
}

func TestBroadcaster_CloseWithoutConn(t *testing.T) {
	if err := (&Broadcaster{}).Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestBroadcaster_SendPosition_JSON(t *testing.T) {
	fc := &fakeConn{}
	b := &Broadcaster{dest: "x", conn: fc}

	p := gps.Position{Lat: 52.5, Lon: 13.4, Altitude: 34.5, Fixed: true, Quality: gps.QualityRTKFixed, Time: 1500 * time.Millisecond}
	if err := b.SendPosition(p); err != nil {
		t.Fatalf("SendPosition() error: %v", err)
	}
	if len(fc.writes) != 1 {
		t.Fatalf("writes=%d want 1", len(fc.writes))
	}
	var got gps.Position
	if err := json.Unmarshal(fc.writes[0], &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if got.Lat != p.Lat || got.Lon != p.Lon || got.Altitude != p.Altitude || got.Time != p.Time {
		t.Fatalf("got=%+v want %+v", got, p)
	}
}

type oneShotTransport struct {
	lines []string
}

func (t *oneShotTransport) ReadLine(ctx context.Context, _ time.Duration) (string, error) {
	if len(t.lines) == 0 {
		<-ctx.Done()
		return "", ctx.Err()
	}
	l := t.lines[0]
	t.lines = t.lines[1:]
	return l, nil
}

func (t *oneShotTransport) Close() error { return nil }
func (t *oneShotTransport) Name() string { return "test" }

func TestBroadcaster_Run_ForwardsUntilStreamEnds(t *testing.T) {
	fc := &fakeConn{}
	b := &Broadcaster{dest: "x", conn: fc, log: quietLogger()}

	tr := &oneShotTransport{lines: []string{
		gps.Sentence("GPGGA,120000.00,5230.0000,N,01324.0000,E,1,08,0.9,40.0,M,0.0,M,,"),
		gps.Sentence("GPGGA,120001.00,5230.0000,N,01324.0000,E,1,08,0.9,40.0,M,0.0,M,,"),
	}}
	stream := gps.NewStream(tr, gps.StreamConfig{Logger: quietLogger()})
	sub := stream.Subscribe(8)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		b.Run(context.Background(), sub)
	}()
	go func() { _ = stream.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		fc.mu.Lock()
		n := len(fc.writes)
		fc.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("writes=%d want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after stream ended")
	}
}
