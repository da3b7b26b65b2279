package register

import (
	"testing"

	"github.com/tolelom/protoreg/ids"
	"github.com/tolelom/protoreg/wire"
)

func peer(b byte) ids.PeerID {
	var p ids.PeerID
	p[0] = b
	return p
}

func genesis() wire.ProposalManifest {
	return wire.ProposalManifest{Height: 0, PeerID: peer(1)}
}

func TestInsertGenesisThenChild(t *testing.T) {
	r := New(100)
	res, gHash := r.Insert(genesis())
	if res != Inserted {
		t.Fatalf("genesis insert = %s", res)
	}

	child := wire.ProposalManifest{LastProposalHash: gHash, Height: 1, PeerID: peer(2)}
	res, _ = r.Insert(child)
	if res != Inserted {
		t.Fatalf("child insert = %s", res)
	}
}

func TestInsertDuplicate(t *testing.T) {
	r := New(100)
	res, _ := r.Insert(genesis())
	if res != Inserted {
		t.Fatalf("first insert = %s", res)
	}
	res, _ = r.Insert(genesis())
	if res != Duplicate {
		t.Fatalf("second insert = %s, want Duplicate", res)
	}
}

func TestInsertOrphan(t *testing.T) {
	r := New(100)
	orphan := wire.ProposalManifest{LastProposalHash: ids.Hash([]byte("nope")), Height: 5, PeerID: peer(1)}
	res, _ := r.Insert(orphan)
	if res != Orphan {
		t.Fatalf("insert = %s, want Orphan", res)
	}
}

func TestInsertOutOfDateAfterCommit(t *testing.T) {
	r := New(100)
	_, gHash := r.Insert(genesis())
	if err := r.Commit(gHash); err != nil {
		t.Fatal(err)
	}
	res, _ := r.Insert(genesis())
	if res != OutOfDate {
		t.Fatalf("re-insert at committed height = %s, want OutOfDate", res)
	}
}

func TestQuorumForPicksLowestHashAtThreshold(t *testing.T) {
	r := New(100)
	n := 4 // 3f+1 with f=1
	threshold := QuorumThreshold(n)
	if threshold != 3 {
		t.Fatalf("QuorumThreshold(4) = %d, want 3", threshold)
	}

	var h1, h2 ids.ProposalHash
	h1[0], h2[0] = 0x01, 0x02
	low, high := h1, h2
	if high.Less(low) {
		low, high = high, low
	}

	for i := byte(0); i < 2; i++ {
		r.RecordAccept(wire.Accept{Height: 1, Skips: 0, ProposalHash: high, FromPeer: peer(i)})
	}
	if got, ok := r.QuorumFor(1, n); ok {
		t.Fatalf("expected no quorum yet, got %x", got)
	}
	for i := byte(0); i < 3; i++ {
		r.RecordAccept(wire.Accept{Height: 1, Skips: 0, ProposalHash: low, FromPeer: peer(i + 10)})
	}
	got, ok := r.QuorumFor(1, n)
	if !ok {
		t.Fatal("expected quorum")
	}
	if got != low {
		t.Fatalf("quorum_for = %x, want lowest hash %x", got, low)
	}
}

func TestRecordAcceptDedupesByPeer(t *testing.T) {
	r := New(100)
	var h ids.ProposalHash
	h[0] = 0x42
	a := wire.Accept{Height: 1, Skips: 0, ProposalHash: h, FromPeer: peer(1)}
	if n := r.RecordAccept(a); n != 1 {
		t.Fatalf("first accept tally = %d", n)
	}
	if n := r.RecordAccept(a); n != 1 {
		t.Fatalf("repeated accept from same peer tally = %d, want 1", n)
	}
}

func TestCommitPrunesSiblingsAndHistory(t *testing.T) {
	r := New(1) // keep only 1 height of history below commit_height
	_, gHash := r.Insert(genesis())
	if err := r.Commit(gHash); err != nil {
		t.Fatal(err)
	}

	siblingA := wire.ProposalManifest{LastProposalHash: gHash, Height: 1, PeerID: peer(2)}
	siblingB := wire.ProposalManifest{LastProposalHash: gHash, Height: 1, PeerID: peer(3)}
	_, hashA := r.Insert(siblingA)
	_, hashB := r.Insert(siblingB)

	if err := r.Commit(hashA); err != nil {
		t.Fatal(err)
	}
	if r.Known(hashB) {
		t.Fatal("expected sibling to be pruned on commit")
	}

	height2 := wire.ProposalManifest{LastProposalHash: hashA, Height: 2, PeerID: peer(2)}
	_, hash2 := r.Insert(height2)
	if err := r.Commit(hash2); err != nil {
		t.Fatal(err)
	}
	if r.Known(gHash) {
		t.Fatal("expected height 0 to be pruned once outside max_proposal_history")
	}

	height, hash := r.Tip()
	if height != 2 || hash != hash2 {
		t.Fatalf("tip = (%d, %x), want (2, %x)", height, hash, hash2)
	}
}

func TestMaxSeenHeightTracksHighestKnown(t *testing.T) {
	r := New(100)
	_, gHash := r.Insert(genesis())
	r.Insert(wire.ProposalManifest{LastProposalHash: gHash, Height: 1, PeerID: peer(2)})
	if got := r.MaxSeenHeight(); got != 1 {
		t.Fatalf("max_seen_height = %d, want 1", got)
	}
}
