// Package network handles peer-to-peer communication over TCP/TLS using
// the wire package's length-prefixed binary frames.
package network

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tolelom/protoreg/ids"
	"github.com/tolelom/protoreg/wire"
)

// Peer represents a connected remote node.
type Peer struct {
	ID   ids.PeerID
	Addr string

	conn   net.Conn
	mu     sync.Mutex
	closed bool
}

// NewPeer wraps an established TCP/TLS connection as a Peer.
func NewPeer(id ids.PeerID, addr string, conn net.Conn) *Peer {
	return &Peer{ID: id, Addr: addr, conn: conn}
}

// Connect dials the remote address and returns a connected Peer.
// If tlsCfg is non-nil the connection is established over TLS.
func Connect(id ids.PeerID, addr string, tlsCfg *tls.Config) (*Peer, error) {
	var conn net.Conn
	var err error
	if tlsCfg != nil {
		conn, err = tls.Dial("tcp", addr, tlsCfg)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return NewPeer(id, addr, conn), nil
}

// Send writes a tagged frame to the peer.
func (p *Peer) Send(tag wire.Tag, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer %s closed", p.ID)
	}
	return wire.WriteFrame(p.conn, tag, payload)
}

// Receive reads the next tagged frame. A 30-second read deadline prevents a
// stalled peer from blocking indefinitely.
func (p *Peer) Receive() (wire.Tag, []byte, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	return wire.ReadFrame(p.conn)
}

// Close terminates the peer connection.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.conn.Close()
	}
}
