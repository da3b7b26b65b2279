package network

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/tolelom/protoreg/ids"
	"github.com/tolelom/protoreg/wire"
)

// MessageHandler is called for each received frame.
type MessageHandler func(peer *Peer, tag wire.Tag, payload []byte)

// DefaultMaxPeers is the default limit on simultaneous peer connections.
const DefaultMaxPeers = 50

// Node listens for incoming peers and manages outgoing connections.
type Node struct {
	self       ids.PeerID
	listenAddr string
	tlsConfig  *tls.Config // nil -> plain TCP
	maxPeers   int

	mu       sync.RWMutex
	peers    map[ids.PeerID]*Peer
	handlers map[wire.Tag]MessageHandler

	listener net.Listener
	stopCh   chan struct{}
}

// NewNode creates a Node that will listen on listenAddr.
// If tlsCfg is non-nil the listener and outgoing connections use TLS.
func NewNode(self ids.PeerID, listenAddr string, tlsCfg *tls.Config) *Node {
	return &Node{
		self:       self,
		listenAddr: listenAddr,
		tlsConfig:  tlsCfg,
		maxPeers:   DefaultMaxPeers,
		peers:      make(map[ids.PeerID]*Peer),
		handlers:   make(map[wire.Tag]MessageHandler),
		stopCh:     make(chan struct{}),
	}
}

// Handle registers a handler for frames of the given tag.
func (n *Node) Handle(tag wire.Tag, h MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[tag] = h
}

// Start begins accepting connections.
func (n *Node) Start() error {
	var ln net.Listener
	var err error
	if n.tlsConfig != nil {
		ln, err = tls.Listen("tcp", n.listenAddr, n.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", n.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

// Stop shuts down the node.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.Close()
	}
}

// AddPeer dials addr and registers the peer under id.
func (n *Node) AddPeer(id ids.PeerID, addr string) error {
	peer, err := Connect(id, addr, n.tlsConfig)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.peers[id] = peer
	n.mu.Unlock()
	go n.readLoop(peer)
	return nil
}

// Peer returns the connected peer with the given id, or nil if not found.
func (n *Node) Peer(id ids.PeerID) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[id]
}

// Broadcast sends a tagged frame to all connected peers.
func (n *Node) Broadcast(tag wire.Tag, payload []byte) {
	n.mu.RLock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.RUnlock()
	for _, p := range peers {
		if err := p.Send(tag, payload); err != nil {
			log.Printf("[network] broadcast to %s: %v", p.ID, err)
		}
	}
}

// SendTo sends a tagged frame to a single named peer, if connected.
func (n *Node) SendTo(id ids.PeerID, tag wire.Tag, payload []byte) error {
	peer := n.Peer(id)
	if peer == nil {
		return fmt.Errorf("network: peer %s not connected", id)
	}
	return peer.Send(tag, payload)
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				log.Printf("[network] accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		n.mu.RLock()
		peerCount := len(n.peers)
		n.mu.RUnlock()
		if peerCount >= n.maxPeers {
			log.Printf("[network] max peers (%d) reached, rejecting %s", n.maxPeers, conn.RemoteAddr())
			conn.Close()
			continue
		}
		// An inbound peer is keyed by a placeholder derived from its remote
		// address. The key is not replaced by the peer's own PeerID, even
		// once frames carrying it (Accept, OutOfSync) arrive.
		placeholder := ids.Hash([]byte(conn.RemoteAddr().String()))
		peer := NewPeer(ids.PeerID(placeholder), conn.RemoteAddr().String(), conn)
		n.mu.Lock()
		n.peers[peer.ID] = peer
		n.mu.Unlock()
		go n.readLoop(peer)
	}
}

func (n *Node) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[network] readLoop panic from %s: %v", peer.ID, r)
		}
		peer.Close()
		n.mu.Lock()
		delete(n.peers, peer.ID)
		n.mu.Unlock()
	}()
	for {
		tag, payload, err := peer.Receive()
		if err != nil {
			return
		}
		n.mu.RLock()
		h, ok := n.handlers[tag]
		n.mu.RUnlock()
		if ok {
			h(peer, tag, payload)
		}
	}
}
