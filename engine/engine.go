// Package engine implements the Protocol Engine: a single-threaded
// cooperative state machine that consumes inbound Proposal/Accept/
// OutOfSync/Snapshot events plus a tick signal, and emits outbound
// Propose/Accept/Commit/OutOfSync/OutOfDate events. It holds no locks and
// performs no I/O; all suspending work (network, disk, timers) lives in
// the orchestrator around it.
package engine

import (
	"time"

	"github.com/tolelom/protoreg/ids"
	"github.com/tolelom/protoreg/leader"
	"github.com/tolelom/protoreg/queue"
	"github.com/tolelom/protoreg/register"
	"github.com/tolelom/protoreg/wire"
)

// Config holds the durations and limits named in spec §6.
type Config struct {
	MinProposalDuration   time.Duration
	SkipTimeout           time.Duration
	OutOfSyncTimeout      time.Duration
	MaxChangesPerProposal int

	// QuorumSize overrides the N used in quorum_for's ceil((2N+1)/3); 0
	// means derive it from len(peers), the common case.
	QuorumSize int
}

// OutboundKind tags which fields of Outbound are meaningful.
type OutboundKind int

const (
	Propose OutboundKind = iota
	Accept
	Commit
	OutOfSync
	OutOfDate
)

// Outbound is a single emitted event. Only the fields relevant to Kind are
// populated; see the per-kind comment below.
type Outbound struct {
	Kind OutboundKind

	// Propose: LastHash, Height, Skips.
	// Accept: Height, Skips, ProposalHash, ToPeer (nil means broadcast).
	// Commit: Manifest, ProposalHash.
	// OutOfSync: Height (local), MaxSeenHeight, OrphanHeight, OrphanLastHash
	//   (the orphan manifest's height and predecessor hash, the catch-up
	//   target the orchestrator should bootstrap the register to once a
	//   snapshot restores the store).
	// OutOfDate: Height (local), ProposalHeight, ProposalHash, ToPeer.
	LastHash       ids.ProposalHash
	Height         uint64
	Skips          uint64
	ProposalHash   ids.ProposalHash
	ToPeer         *ids.PeerID
	Manifest       wire.ProposalManifest
	MaxSeenHeight  uint64
	ProposalHeight uint64
	OrphanHeight   uint64
	OrphanLastHash ids.ProposalHash
}

// InboundKind tags which fields of Inbound are meaningful.
type InboundKind int

const (
	InProposal InboundKind = iota
	InAccept
	InOutOfSync
	InSnapshotRestored
)

// Inbound is a single event delivered to Step.
type Inbound struct {
	Kind InboundKind

	Manifest  wire.ProposalManifest // InProposal
	Accept    wire.Accept           // InAccept
	OutOfSync wire.OutOfSync        // InOutOfSync

	RestoredHeight uint64           // InSnapshotRestored
	RestoredHash   ids.ProposalHash // InSnapshotRestored
}

// Engine is the Protocol Engine. Not safe for concurrent use — callers
// (the orchestrator) serialize access to Step and Tick.
type Engine struct {
	self  ids.PeerID
	peers []ids.PeerID
	cfg   Config

	reg     *register.Register
	pending *queue.Queue

	skips           uint64
	roundStartedAt  time.Time
	lastCommitAt    time.Time
	lastOutOfSyncAt time.Time

	// nextProposeHeight is the height this node will next propose, and
	// proposedHeight is the height it last actually proposed. They advance
	// independently of commitHeight: a leader may propose height H+2 while
	// H+1 is still only accepted, not committed, since commit of H+1
	// requires observing quorum Accepts on its child at H+2 (spec's
	// two-step commit rule). Pipelining is capped two heights ahead of the
	// committed tip so at most one uncommitted pair is ever in flight.
	nextProposeHeight uint64
	proposedHeight    uint64
	lastProposedHash  ids.ProposalHash

	quorumN int
}

// New creates an Engine. If reg has no committed tip yet and genesis is at
// height 0, New first inserts genesis into reg and commits it.
func New(self ids.PeerID, peers []ids.PeerID, cfg Config, reg *register.Register, pending *queue.Queue, genesis wire.ProposalManifest, now time.Time) *Engine {
	if genesis.Height == 0 {
		if _, hash := reg.Tip(); hash.IsZero() {
			if res, hash := reg.Insert(genesis); res == register.Inserted {
				reg.Commit(hash)
			}
		}
	}
	tipHeight, _ := reg.Tip()
	quorumN := cfg.QuorumSize
	if quorumN <= 0 {
		quorumN = len(peers)
	}
	return &Engine{
		self:              self,
		peers:             append([]ids.PeerID(nil), peers...),
		cfg:               cfg,
		reg:               reg,
		pending:           pending,
		roundStartedAt:    now,
		lastCommitAt:      now,
		nextProposeHeight: tipHeight + 1,
		quorumN:           quorumN,
	}
}

// Step processes a single inbound event and returns the (possibly empty)
// sequence of outbound events it produces.
func (e *Engine) Step(now time.Time, in Inbound) []Outbound {
	switch in.Kind {
	case InProposal:
		return e.handleProposal(now, in.Manifest)
	case InAccept:
		return e.handleAccept(now, in.Accept)
	case InOutOfSync:
		return e.handleOutOfSync(in.OutOfSync)
	case InSnapshotRestored:
		return e.handleSnapshotRestored(now, in.RestoredHeight, in.RestoredHash)
	default:
		return nil
	}
}

func (e *Engine) handleProposal(now time.Time, m wire.ProposalManifest) []Outbound {
	result, hash := e.reg.Insert(m)
	switch result {
	case register.Duplicate:
		return nil
	case register.OutOfDate:
		localHeight, _ := e.reg.Tip()
		return []Outbound{{
			Kind:           OutOfDate,
			Height:         localHeight,
			ProposalHeight: m.Height,
			ProposalHash:   hash,
			ToPeer:         &m.PeerID,
		}}
	case register.Orphan:
		return e.maybeEmitOutOfSync(now, m)
	case register.Inserted:
		if m.PeerID == e.self {
			e.lastProposedHash = hash
		}
		out := []Outbound{{
			Kind:         Accept,
			Height:       m.Height,
			Skips:        m.Skips,
			ProposalHash: hash,
		}}
		out = append(out, e.checkCommitLoop(now)...)
		return out
	default:
		return nil
	}
}

func (e *Engine) handleAccept(now time.Time, a wire.Accept) []Outbound {
	e.reg.RecordAccept(a)
	return e.checkCommitLoop(now)
}

func (e *Engine) handleOutOfSync(o wire.OutOfSync) []Outbound {
	tipHeight, tipHash := e.reg.Tip()
	if o.Height >= tipHeight {
		return nil
	}
	tipManifest, ok := e.reg.TipManifest()
	if !ok {
		return nil
	}
	peer := o.PeerID
	return []Outbound{{
		Kind:         Accept,
		Height:       tipHeight,
		Skips:        tipManifest.Skips,
		ProposalHash: tipHash,
		ToPeer:       &peer,
	}}
}

func (e *Engine) handleSnapshotRestored(now time.Time, height uint64, hash ids.ProposalHash) []Outbound {
	e.reg.Bootstrap(height, hash)
	e.skips = 0
	e.roundStartedAt = now
	e.lastCommitAt = now
	e.nextProposeHeight = height + 1
	e.proposedHeight = 0
	return nil
}

// checkCommitLoop commits as many pending heights as the register's
// accumulated accept tallies allow, cascading when possible.
func (e *Engine) checkCommitLoop(now time.Time) []Outbound {
	var out []Outbound
	for {
		manifest, hash, ok := e.checkCommit()
		if !ok {
			return out
		}
		out = append(out, Outbound{Kind: Commit, Manifest: manifest, ProposalHash: hash})
		e.skips = 0
		e.roundStartedAt = now
		e.lastCommitAt = now
		if e.nextProposeHeight <= manifest.Height {
			e.nextProposeHeight = manifest.Height + 1
		}
	}
}

func (e *Engine) checkCommit() (wire.ProposalManifest, ids.ProposalHash, bool) {
	tipHeight, _ := e.reg.Tip()
	childHash, ok := e.reg.QuorumFor(tipHeight+2, e.quorumN)
	if !ok {
		return wire.ProposalManifest{}, ids.ProposalHash{}, false
	}
	child, ok := e.reg.Get(childHash)
	if !ok {
		return wire.ProposalManifest{}, ids.ProposalHash{}, false
	}
	parentHash := child.LastProposalHash
	parent, ok := e.reg.Get(parentHash)
	if !ok || parent.Height != tipHeight+1 {
		return wire.ProposalManifest{}, ids.ProposalHash{}, false
	}
	if err := e.reg.Commit(parentHash); err != nil {
		return wire.ProposalManifest{}, ids.ProposalHash{}, false
	}
	return parent, parentHash, true
}

func (e *Engine) maybeEmitOutOfSync(now time.Time, orphan wire.ProposalManifest) []Outbound {
	if !e.lastOutOfSyncAt.IsZero() && now.Sub(e.lastOutOfSyncAt) < e.cfg.OutOfSyncTimeout {
		return nil
	}
	e.lastOutOfSyncAt = now
	tipHeight, _ := e.reg.Tip()
	return []Outbound{{
		Kind:           OutOfSync,
		Height:         tipHeight,
		MaxSeenHeight:  e.reg.MaxSeenHeight(),
		OrphanHeight:   orphan.Height,
		OrphanLastHash: orphan.LastProposalHash,
	}}
}

// Tick advances timers: proposes when this node is leader for the next
// pipeline slot and min_proposal_duration has elapsed since the last
// commit, and advances the skip counter when skip_timeout elapses without
// progress.
func (e *Engine) Tick(now time.Time) []Outbound {
	var out []Outbound

	tipHeight, tipHash := e.reg.Tip()

	e.tryPropose(now, tipHash, tipHeight, &out)

	if now.Sub(e.roundStartedAt) >= e.cfg.SkipTimeout {
		e.skips++
		e.roundStartedAt = now
		e.tryPropose(now, tipHash, tipHeight, &out)
	}

	return out
}

// tryPropose proposes e.nextProposeHeight if this node leads that slot,
// the pipeline isn't already two heights ahead of the committed tip, and
// it hasn't already proposed that exact height itself.
func (e *Engine) tryPropose(now time.Time, tipHash ids.ProposalHash, tipHeight uint64, out *[]Outbound) bool {
	targetHeight := e.nextProposeHeight
	if targetHeight > tipHeight+2 {
		return false
	}
	if e.proposedHeight == targetHeight {
		return false
	}
	if leader.For(tipHash, e.skips, e.peers) != e.self {
		return false
	}
	if now.Sub(e.lastCommitAt) < e.cfg.MinProposalDuration {
		return false
	}
	// The predecessor for tip+1 is the committed tip itself; beyond that,
	// it is whatever this node last proposed (the only predecessor it can
	// be sure of without consulting the register for a specific sibling).
	lastHash := tipHash
	if targetHeight > tipHeight+1 {
		lastHash = e.lastProposedHash
	}
	*out = append(*out, Outbound{Kind: Propose, LastHash: lastHash, Height: targetHeight, Skips: e.skips})
	e.proposedHeight = targetHeight
	e.nextProposeHeight = targetHeight + 1
	e.roundStartedAt = now
	return true
}

// DrainForProposal pulls up to cfg.MaxChangesPerProposal pending changes,
// for the orchestrator to fold into the manifest it builds after a
// Propose event.
func (e *Engine) DrainForProposal() []queue.Entry {
	n := e.cfg.MaxChangesPerProposal
	if n <= 0 {
		n = 500
	}
	return e.pending.Drain(n)
}

// Self returns this engine's peer identity.
func (e *Engine) Self() ids.PeerID { return e.self }

// Skips returns the current skip counter for the height being worked.
func (e *Engine) Skips() uint64 { return e.skips }
