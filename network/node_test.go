package network

import (
	"testing"
	"time"

	"github.com/tolelom/protoreg/ids"
	"github.com/tolelom/protoreg/wire"
)

func TestNodeRoundTripsFrames(t *testing.T) {
	selfA := ids.PeerID{0xAA}
	selfB := ids.PeerID{0xBB}

	nodeA := NewNode(selfA, "127.0.0.1:0", nil)
	if err := nodeA.Start(); err != nil {
		t.Fatal(err)
	}
	defer nodeA.Stop()

	addr := nodeA.listener.Addr().String()

	received := make(chan []byte, 1)
	nodeA.Handle(wire.TagPing, func(peer *Peer, tag wire.Tag, payload []byte) {
		received <- payload
	})

	nodeB := NewNode(selfB, "127.0.0.1:0", nil)
	if err := nodeB.AddPeer(selfA, addr); err != nil {
		t.Fatal(err)
	}
	defer nodeB.Stop()

	peer := nodeB.Peer(selfA)
	if peer == nil {
		t.Fatal("expected peer to be registered after AddPeer")
	}
	if err := peer.Send(wire.TagPing, []byte("hi")); err != nil {
		t.Fatal(err)
	}

	select {
	case payload := <-received:
		if string(payload) != "hi" {
			t.Fatalf("payload = %q, want %q", payload, "hi")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestSendToUnknownPeerErrors(t *testing.T) {
	node := NewNode(ids.PeerID{0x01}, "127.0.0.1:0", nil)
	if err := node.SendTo(ids.PeerID{0x02}, wire.TagPing, nil); err == nil {
		t.Fatal("expected error sending to unconnected peer")
	}
}
