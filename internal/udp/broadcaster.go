// Package udp fans corrected positions out as JSON datagrams, one per fix.
package udp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"geocam/internal/gps"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

type Broadcaster struct {
	dest string
	conn udpConn
	log  logrus.FieldLogger
}

func NewBroadcaster(dest string, logger logrus.FieldLogger) (*Broadcaster, error) {
	b, err := newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		// DialUDP selects a suitable local address automatically.
		return net.DialUDP(network, laddr, raddr)
	})
	if err != nil {
		return nil, err
	}
	if logger != nil {
		b.log = logger
	}
	return b, nil
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Broadcaster{dest: dest, conn: conn, log: logrus.StandardLogger()}, nil
}

func (b *Broadcaster) Dest() string { return b.dest }

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

func (b *Broadcaster) SendPosition(p gps.Position) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	return b.Send(payload)
}

// Run forwards every position from sub until it closes or ctx is done.
// Send failures are logged; a receiver that is not listening must not stop
// the feed.
func (b *Broadcaster) Run(ctx context.Context, sub *gps.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-sub.C():
			if !ok {
				return
			}
			if err := b.SendPosition(p); err != nil {
				b.log.WithError(err).WithField("dest", b.dest).Debug("udp send failed")
			}
		}
	}
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
