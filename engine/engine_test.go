package engine

import (
	"testing"
	"time"

	"github.com/tolelom/protoreg/ids"
	"github.com/tolelom/protoreg/leader"
	"github.com/tolelom/protoreg/queue"
	"github.com/tolelom/protoreg/register"
	"github.com/tolelom/protoreg/wire"
)

func testConfig() Config {
	return Config{
		MinProposalDuration:   10 * time.Millisecond,
		SkipTimeout:           50 * time.Millisecond,
		OutOfSyncTimeout:      time.Second,
		MaxChangesPerProposal: 100,
	}
}

func peerAt(b byte) ids.PeerID {
	var p ids.PeerID
	p[0] = b
	return p
}

func findKind(out []Outbound, kind OutboundKind) (Outbound, bool) {
	for _, o := range out {
		if o.Kind == kind {
			return o, true
		}
	}
	return Outbound{}, false
}

// TestSingleNodeProgress covers spec scenario 1.
func TestSingleNodeProgress(t *testing.T) {
	self := peerAt(1)
	peers := []ids.PeerID{self}
	reg := register.New(1024)
	q := queue.New()
	now := time.Unix(1000, 0)

	e := New(self, peers, testConfig(), reg, q, wire.ProposalManifest{Height: 0, PeerID: self}, now)

	q.Insert([]byte{1}, []byte{0xAB})

	now = now.Add(testConfig().MinProposalDuration + time.Millisecond)
	out := e.Tick(now)
	propose, ok := findKind(out, Propose)
	if !ok {
		t.Fatal("expected Propose after min_proposal_duration")
	}
	if propose.Height != 1 || propose.Skips != 0 {
		t.Fatalf("propose = %+v", propose)
	}

	changes := e.DrainForProposal()
	if len(changes) != 1 {
		t.Fatalf("expected 1 drained change, got %d", len(changes))
	}
	m1 := wire.ProposalManifest{
		LastProposalHash: propose.LastHash,
		Height:           1,
		Skips:            0,
		PeerID:           self,
		Changes:          []wire.Change{{ID: changes[0].Key(), Kind: wire.ChangeCreate, Data: changes[0].Value()}},
	}
	h1 := wire.ManifestHash(m1)

	out = e.Step(now, Inbound{Kind: InProposal, Manifest: m1})
	accept, ok := findKind(out, Accept)
	if !ok {
		t.Fatal("expected Accept after proposal insertion")
	}
	if accept.Height != 1 || accept.ProposalHash != h1 {
		t.Fatalf("accept = %+v", accept)
	}

	m2 := wire.ProposalManifest{LastProposalHash: h1, Height: 2, Skips: 0, PeerID: self}
	out = e.Step(now, Inbound{Kind: InProposal, Manifest: m2})
	selfAccept, ok := findKind(out, Accept)
	if !ok {
		t.Fatal("expected self Accept for height 2 proposal")
	}
	// Orchestrator loops a node's own emitted Accept back in as a vote.
	out = e.Step(now, Inbound{Kind: InAccept, Accept: wire.Accept{
		Height: selfAccept.Height, Skips: selfAccept.Skips, ProposalHash: selfAccept.ProposalHash, FromPeer: self,
	}})
	commit, ok := findKind(out, Commit)
	if !ok {
		t.Fatal("expected Commit once height 2 cites height 1's hash")
	}
	if commit.ProposalHash != h1 {
		t.Fatalf("committed hash = %x, want %x", commit.ProposalHash, h1)
	}

	tipHeight, tipHash := reg.Tip()
	if tipHeight != 1 || tipHash != h1 {
		t.Fatalf("tip = (%d, %x), want (1, %x)", tipHeight, tipHash, h1)
	}
}

// TestLeaderSkip covers spec scenario 2.
func TestLeaderSkip(t *testing.T) {
	peers := []ids.PeerID{peerAt(1), peerAt(2), peerAt(3)}
	var genesisHash ids.ProposalHash
	initialLeader := leader.For(genesisHash, 0, peers)

	self := peerAt(1)
	for _, p := range peers {
		if p != initialLeader {
			self = p
			break
		}
	}

	reg := register.New(1024)
	q := queue.New()
	now := time.Unix(2000, 0)
	e := New(self, peers, testConfig(), reg, q, wire.ProposalManifest{Height: 0}, now)

	now = now.Add(testConfig().SkipTimeout + time.Millisecond)
	e.Tick(now)

	if e.Skips() == 0 {
		t.Fatal("expected skip counter to advance after skip_timeout")
	}

	newLeader := leader.For(genesisHash, e.Skips(), peers)
	if newLeader == initialLeader {
		t.Fatal("expected a new leader after skip (deterministic, but different from A)")
	}
}

// TestForkResolution covers spec scenario 3.
func TestForkResolution(t *testing.T) {
	peers := []ids.PeerID{peerAt(1), peerAt(2), peerAt(3)}
	self := peerAt(1)
	reg := register.New(1024)
	q := queue.New()
	now := time.Unix(3000, 0)
	e := New(self, peers, testConfig(), reg, q, wire.ProposalManifest{Height: 0}, now)

	m1 := wire.ProposalManifest{Height: 1, PeerID: peerAt(2)}
	m1prime := wire.ProposalManifest{Height: 1, PeerID: peerAt(3)}
	h1 := wire.ManifestHash(m1)
	h1prime := wire.ManifestHash(m1prime)

	e.Step(now, Inbound{Kind: InProposal, Manifest: m1})
	e.Step(now, Inbound{Kind: InProposal, Manifest: m1prime})

	e.Step(now, Inbound{Kind: InAccept, Accept: wire.Accept{Height: 1, ProposalHash: h1, FromPeer: peerAt(2)}})
	e.Step(now, Inbound{Kind: InAccept, Accept: wire.Accept{Height: 1, ProposalHash: h1prime, FromPeer: peerAt(3)}})

	m2 := wire.ProposalManifest{LastProposalHash: h1, Height: 2, PeerID: peerAt(2)}
	h2 := wire.ManifestHash(m2)
	out := e.Step(now, Inbound{Kind: InProposal, Manifest: m2})
	out = append(out, e.Step(now, Inbound{Kind: InAccept, Accept: wire.Accept{Height: 2, ProposalHash: h2, FromPeer: peerAt(1)}})...)
	out = append(out, e.Step(now, Inbound{Kind: InAccept, Accept: wire.Accept{Height: 2, ProposalHash: h2, FromPeer: peerAt(2)}})...)
	out = append(out, e.Step(now, Inbound{Kind: InAccept, Accept: wire.Accept{Height: 2, ProposalHash: h2, FromPeer: peerAt(3)}})...)

	commit, ok := findKind(out, Commit)
	if !ok {
		t.Fatal("expected Commit")
	}
	if commit.ProposalHash != h1 {
		t.Fatalf("committed %x, want M1 %x", commit.ProposalHash, h1)
	}
	if reg.Known(h1prime) {
		t.Fatal("expected sibling M1' to be pruned")
	}
}

// TestDuplicateProposal covers spec scenario 6.
func TestDuplicateProposal(t *testing.T) {
	self := peerAt(1)
	peers := []ids.PeerID{self}
	reg := register.New(1024)
	q := queue.New()
	now := time.Unix(4000, 0)
	e := New(self, peers, testConfig(), reg, q, wire.ProposalManifest{Height: 0}, now)

	m1 := wire.ProposalManifest{Height: 1, PeerID: self}
	out := e.Step(now, Inbound{Kind: InProposal, Manifest: m1})
	if _, ok := findKind(out, Accept); !ok {
		t.Fatal("expected Accept on first delivery")
	}

	out = e.Step(now, Inbound{Kind: InProposal, Manifest: m1})
	if len(out) != 0 {
		t.Fatalf("expected no outbound events on duplicate delivery, got %+v", out)
	}
}

// TestOutOfDateProposal checks the OutOfDate edge case.
func TestOutOfDateProposal(t *testing.T) {
	self := peerAt(1)
	peers := []ids.PeerID{self}
	reg := register.New(1024)
	q := queue.New()
	now := time.Unix(5000, 0)
	e := New(self, peers, testConfig(), reg, q, wire.ProposalManifest{Height: 0}, now)

	stale := wire.ProposalManifest{Height: 0, PeerID: self}
	out := e.Step(now, Inbound{Kind: InProposal, Manifest: stale})
	ev, ok := findKind(out, OutOfDate)
	if !ok {
		t.Fatal("expected OutOfDate for a manifest at or below commit_height")
	}
	if ev.Height != 0 {
		t.Fatalf("OutOfDate local height = %d, want 0", ev.Height)
	}
}

// TestOutOfSyncCarriesOrphanCatchUpTarget covers spec scenario 4: a node
// far behind the network learns its catch-up target (the orphan's
// predecessor height/hash) from the OutOfSync event itself.
func TestOutOfSyncCarriesOrphanCatchUpTarget(t *testing.T) {
	self := peerAt(1)
	peers := []ids.PeerID{self, peerAt(2)}
	reg := register.New(1024)
	q := queue.New()
	now := time.Unix(6000, 0)
	e := New(self, peers, testConfig(), reg, q, wire.ProposalManifest{Height: 0}, now)

	var predecessor ids.ProposalHash
	predecessor[0] = 0xEE
	m11 := wire.ProposalManifest{LastProposalHash: predecessor, Height: 11, PeerID: peerAt(2)}

	out := e.Step(now, Inbound{Kind: InProposal, Manifest: m11})
	ev, ok := findKind(out, OutOfSync)
	if !ok {
		t.Fatal("expected OutOfSync for a manifest whose predecessor is unknown")
	}
	if ev.Height != 0 {
		t.Fatalf("OutOfSync local height = %d, want 0", ev.Height)
	}
	if ev.MaxSeenHeight != 11 {
		t.Fatalf("OutOfSync max_seen_height = %d, want 11", ev.MaxSeenHeight)
	}
	if ev.OrphanHeight != 11 || ev.OrphanLastHash != predecessor {
		t.Fatalf("OutOfSync catch-up target = (%d, %x), want (11, %x)", ev.OrphanHeight, ev.OrphanLastHash, predecessor)
	}

	e.handleSnapshotRestored(now, ev.OrphanHeight-1, ev.OrphanLastHash)
	tipHeight, tipHash := reg.Tip()
	if tipHeight != 10 || tipHash != predecessor {
		t.Fatalf("after restore tip = (%d, %x), want (10, %x)", tipHeight, tipHash, predecessor)
	}
}
