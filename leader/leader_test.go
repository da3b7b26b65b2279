package leader

import (
	"testing"

	"github.com/tolelom/protoreg/ids"
)

func TestForIsDeterministic(t *testing.T) {
	var hash ids.ProposalHash
	hash[0] = 0xAB
	peers := []ids.PeerID{{1}, {2}, {3}, {4}}

	a := For(hash, 0, peers)
	b := For(hash, 0, peers)
	if a != b {
		t.Fatalf("leader selection not deterministic: %x != %x", a, b)
	}
}

func TestForChangesWithSkips(t *testing.T) {
	var hash ids.ProposalHash
	hash[0] = 0xAB
	peers := []ids.PeerID{{1}, {2}, {3}, {4}}

	seen := map[ids.PeerID]bool{}
	for skips := uint64(0); skips < 20; skips++ {
		seen[For(hash, skips, peers)] = true
	}
	if len(seen) < 2 {
		t.Fatal("expected skip counter to eventually rotate the elected leader")
	}
}

func TestForIsOrderIndependent(t *testing.T) {
	var hash ids.ProposalHash
	hash[0] = 0x01
	a := For(hash, 3, []ids.PeerID{{1}, {2}, {3}})
	b := For(hash, 3, []ids.PeerID{{3}, {1}, {2}})
	if a != b {
		t.Fatal("leader selection depends on peer slice order")
	}
}
