// Package orchestrator is the blocking driver around the Protocol Engine:
// it pumps network frames into engine.Step, drives the skip-timer tick
// loop, dispatches the Engine's outbound events back onto the network,
// applies Commits to the Merkle Store, and streams/consumes snapshots for
// out-of-sync catch-up. The Engine itself holds no locks and does no I/O;
// all of that lives here, mirroring the split the teacher already has
// between PoA.ProduceBlock (pure) and PoA.Run (the blocking loop).
package orchestrator

import (
	"log"
	"time"

	"github.com/tolelom/protoreg/engine"
	"github.com/tolelom/protoreg/ids"
	"github.com/tolelom/protoreg/merkle"
	"github.com/tolelom/protoreg/network"
	"github.com/tolelom/protoreg/wire"
)

// DefaultSnapshotChunkBytes bounds how large a single SnapshotChunk frame's
// serialized KV payload may grow before it is flushed to the wire.
const DefaultSnapshotChunkBytes = 256 * 1024

// DefaultTickInterval is how often Run wakes the Engine's Tick even absent
// network activity, so skip timers and leader proposals still advance.
const DefaultTickInterval = 50 * time.Millisecond

type inboundFrame struct {
	peer *network.Peer
	tag  wire.Tag
	data []byte
}

// Orchestrator wires an Engine to a Node and a Merkle Store.
type Orchestrator struct {
	self  ids.PeerID
	peers []ids.PeerID

	eng     *engine.Engine
	node    *network.Node
	store   *merkle.Store
	emitter *Emitter

	tickInterval time.Duration
	chunkBytes   int

	inbox chan inboundFrame

	restoreTargetHeight uint64
	restoreTargetHash   ids.ProposalHash
	restoring           bool
}

// New creates an Orchestrator and registers its frame handlers on node.
// Call Run to start the blocking event pump.
func New(self ids.PeerID, peers []ids.PeerID, eng *engine.Engine, node *network.Node, store *merkle.Store, emitter *Emitter) *Orchestrator {
	o := &Orchestrator{
		self:         self,
		peers:        append([]ids.PeerID(nil), peers...),
		eng:          eng,
		node:         node,
		store:        store,
		emitter:      emitter,
		tickInterval: DefaultTickInterval,
		chunkBytes:   DefaultSnapshotChunkBytes,
		inbox:        make(chan inboundFrame, 256),
	}
	node.Handle(wire.TagProposal, o.onFrame)
	node.Handle(wire.TagAccept, o.onFrame)
	node.Handle(wire.TagOutOfSync, o.onFrame)
	node.Handle(wire.TagSnapshotReq, o.onFrame)
	node.Handle(wire.TagSnapshotChunk, o.onFrame)
	node.Handle(wire.TagTxn, o.onFrame)
	node.Handle(wire.TagPing, o.onFrame)
	return o
}

func (o *Orchestrator) onFrame(peer *network.Peer, tag wire.Tag, data []byte) {
	o.inbox <- inboundFrame{peer: peer, tag: tag, data: data}
}

// Run is the blocking event pump; it returns once done is closed.
func (o *Orchestrator) Run(done <-chan struct{}) {
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			o.step(time.Now(), engine.Inbound{}, true)
		case f := <-o.inbox:
			o.handleFrame(f)
		}
	}
}

func (o *Orchestrator) handleFrame(f inboundFrame) {
	now := time.Now()
	switch f.tag {
	case wire.TagProposal:
		p, err := wire.DecodeProposal(f.data)
		if err != nil {
			log.Printf("[orchestrator] decode proposal: %v", err)
			return
		}
		o.step(now, engine.Inbound{Kind: engine.InProposal, Manifest: p.Manifest}, false)
	case wire.TagAccept:
		a, err := wire.DecodeAccept(f.data)
		if err != nil {
			log.Printf("[orchestrator] decode accept: %v", err)
			return
		}
		o.step(now, engine.Inbound{Kind: engine.InAccept, Accept: a}, false)
	case wire.TagOutOfSync:
		ev, err := wire.DecodeOutOfSync(f.data)
		if err != nil {
			log.Printf("[orchestrator] decode out_of_sync: %v", err)
			return
		}
		o.step(now, engine.Inbound{Kind: engine.InOutOfSync, OutOfSync: ev}, false)
	case wire.TagSnapshotReq:
		req, err := wire.DecodeSnapshotRequest(f.data)
		if err != nil {
			log.Printf("[orchestrator] decode snapshot_request: %v", err)
			return
		}
		go o.serveSnapshot(f.peer, req)
	case wire.TagSnapshotChunk:
		chunk, err := wire.DecodeSnapshotChunk(f.data)
		if err != nil {
			log.Printf("[orchestrator] decode snapshot_chunk: %v", err)
			return
		}
		o.consumeSnapshotChunk(now, chunk)
	case wire.TagTxn:
		// Client-submitted changes enter the Pending Queue out of band
		// (see rpc.submitChange). A Txn frame from a peer is accepted and
		// dropped: its payload is not added to the Pending Queue.
	case wire.TagPing:
	}
}

// step runs one Engine transition and dispatches its outbound events.
// When tick is true, in is ignored and engine.Tick drives the transition.
func (o *Orchestrator) step(now time.Time, in engine.Inbound, tick bool) {
	var out []engine.Outbound
	if tick {
		out = o.eng.Tick(now)
	} else {
		out = o.eng.Step(now, in)
	}
	o.dispatch(now, out)
}

func (o *Orchestrator) dispatch(now time.Time, out []engine.Outbound) {
	for _, ev := range out {
		switch ev.Kind {
		case engine.Propose:
			o.handlePropose(now, ev)
		case engine.Accept:
			o.handleAccept(now, ev)
		case engine.Commit:
			o.handleCommit(ev)
		case engine.OutOfSync:
			o.handleOutOfSync(ev)
		case engine.OutOfDate:
			log.Printf("[orchestrator] out of date: local height %d saw proposal height %d (hash %s)",
				ev.Height, ev.ProposalHeight, ev.ProposalHash)
		}
	}
}

func (o *Orchestrator) handlePropose(now time.Time, ev engine.Outbound) {
	changes := o.eng.DrainForProposal()
	wireChanges := make([]wire.Change, len(changes))
	for i, c := range changes {
		wireChanges[i] = wire.Change{ID: c.Key(), Kind: wire.ChangeCreate, Data: c.Value()}
	}
	manifest := wire.ProposalManifest{
		LastProposalHash: ev.LastHash,
		Height:           ev.Height,
		Skips:            ev.Skips,
		PeerID:           o.self,
		Changes:          wireChanges,
	}
	hash := wire.ManifestHash(manifest)
	payload := wire.EncodeProposal(wire.Proposal{Manifest: manifest, Hash: hash})
	o.node.Broadcast(wire.TagProposal, payload)
	// A proposer also processes its own proposal, same as any peer would.
	o.step(now, engine.Inbound{Kind: engine.InProposal, Manifest: manifest}, false)
}

func (o *Orchestrator) handleAccept(now time.Time, ev engine.Outbound) {
	a := wire.Accept{Height: ev.Height, Skips: ev.Skips, ProposalHash: ev.ProposalHash, FromPeer: o.self}
	payload := wire.EncodeAccept(a)
	if ev.ToPeer != nil {
		if err := o.node.SendTo(*ev.ToPeer, wire.TagAccept, payload); err != nil {
			log.Printf("[orchestrator] send accept to %s: %v", *ev.ToPeer, err)
		}
	} else {
		o.node.Broadcast(wire.TagAccept, payload)
	}
	// A node also counts its own vote, same as any peer's Accept would be.
	o.step(now, engine.Inbound{Kind: engine.InAccept, Accept: a}, false)
}

func (o *Orchestrator) handleCommit(ev engine.Outbound) {
	ops := make([]merkle.Op, len(ev.Manifest.Changes))
	for i, c := range ev.Manifest.Changes {
		ops[i] = merkle.Op{Delete: c.Kind == wire.ChangeDelete, Key: c.ID, Value: c.Data}
	}
	if err := o.store.Apply(ops); err != nil {
		log.Fatalf("[orchestrator] FATAL: manifest %s committed but store apply failed: %v", ev.ProposalHash, err)
	}
	if err := o.store.PersistTip(ev.Manifest.Height, ev.ProposalHash); err != nil {
		log.Fatalf("[orchestrator] FATAL: manifest %s committed but tip persist failed: %v", ev.ProposalHash, err)
	}
	if o.emitter != nil {
		o.emitter.Emit(Event{
			Type:       EventCommitObserved,
			Height:     ev.Manifest.Height,
			Hash:       ev.ProposalHash,
			ChangeSize: len(ev.Manifest.Changes),
		})
	}
}

func (o *Orchestrator) handleOutOfSync(ev engine.Outbound) {
	o.node.Broadcast(wire.TagOutOfSync, wire.EncodeOutOfSync(wire.OutOfSync{PeerID: o.self, Height: ev.Height}))

	if o.restoring {
		return
	}
	target := o.peerToCatchUpFrom()
	if target == nil {
		return
	}
	o.restoring = true
	o.restoreTargetHeight = ev.OrphanHeight - 1
	o.restoreTargetHash = ev.OrphanLastHash
	if err := target.Send(wire.TagSnapshotReq, wire.EncodeSnapshotRequest(wire.SnapshotRequest{From: o.self})); err != nil {
		log.Printf("[orchestrator] send snapshot_request: %v", err)
		o.restoring = false
	}
}

func (o *Orchestrator) peerToCatchUpFrom() *network.Peer {
	for _, p := range o.peers {
		if p == o.self {
			continue
		}
		if peer := o.node.Peer(p); peer != nil {
			return peer
		}
	}
	return nil
}

func (o *Orchestrator) serveSnapshot(requester *network.Peer, _ wire.SnapshotRequest) {
	for chunk := range o.store.Snapshot(o.chunkBytes) {
		if err := requester.Send(wire.TagSnapshotChunk, wire.EncodeSnapshotChunk(chunk)); err != nil {
			log.Printf("[orchestrator] send snapshot_chunk to %s: %v", requester.ID, err)
			return
		}
	}
}

func (o *Orchestrator) consumeSnapshotChunk(now time.Time, chunk wire.SnapshotChunk) {
	if err := o.store.Restore(chunk); err != nil {
		log.Fatalf("[orchestrator] FATAL: snapshot restore failed: %v", err)
	}
	if chunk.More {
		return
	}
	if !o.restoring {
		return
	}
	o.restoring = false
	o.step(now, engine.Inbound{
		Kind:           engine.InSnapshotRestored,
		RestoredHeight: o.restoreTargetHeight,
		RestoredHash:   o.restoreTargetHash,
	}, false)
}
