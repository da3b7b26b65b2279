// Package register implements the ProposalRegister: the append-mostly
// manifest DAG indexed by hash and by height, the accept tally, and the
// quorum/commit/prune bookkeeping the Protocol Engine drives.
package register

import (
	"fmt"
	"sync"

	"github.com/tolelom/protoreg/ids"
	"github.com/tolelom/protoreg/wire"
)

// InsertResult reports the outcome of Insert.
type InsertResult int

const (
	// Inserted means the manifest was new and its predecessor (if any) is known.
	Inserted InsertResult = iota
	// Duplicate means a manifest with the same hash is already registered.
	Duplicate
	// Orphan means the manifest's predecessor is unknown; the caller should
	// consider issuing an OutOfSync request.
	Orphan
	// OutOfDate means the manifest's height is at or below the commit height.
	OutOfDate
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Orphan:
		return "orphan"
	case OutOfDate:
		return "out_of_date"
	default:
		return "unknown"
	}
}

type entry struct {
	manifest  wire.ProposalManifest
	hash      ids.ProposalHash
	committed bool
}

type acceptKey struct {
	height uint64
	skips  uint64
	hash   ids.ProposalHash
}

// Register is the manifest DAG keyed by hash and by height, together with
// the running Accept tally used to compute quorum. Not safe to share
// across goroutines without relying on its internal lock — in practice it
// is only ever touched from the single-threaded engine/orchestrator loop,
// but the lock is kept so RPC read paths (getTip, getManifest) can query
// it concurrently.
type Register struct {
	mu sync.RWMutex

	byHash   map[ids.ProposalHash]*entry
	byHeight map[uint64]map[ids.ProposalHash]*entry
	accepts  map[acceptKey]map[ids.PeerID]struct{}

	commitHeight  uint64
	commitHash    ids.ProposalHash
	maxSeenHeight uint64
	maxHistory    uint64
}

// New creates an empty register. maxHistory bounds how many heights below
// commitHeight are retained (spec's max_proposal_history).
func New(maxHistory uint64) *Register {
	return &Register{
		byHash:     make(map[ids.ProposalHash]*entry),
		byHeight:   make(map[uint64]map[ids.ProposalHash]*entry),
		accepts:    make(map[acceptKey]map[ids.PeerID]struct{}),
		maxHistory: maxHistory,
	}
}

// Insert stores m keyed by its manifest hash and by (height, hash). Height
// 0 (genesis) is exempt from the predecessor check.
func (r *Register) Insert(m wire.ProposalManifest) (InsertResult, ids.ProposalHash) {
	hash := wire.ManifestHash(m)

	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Height <= r.commitHeight && !(r.commitHeight == 0 && r.commitHash.IsZero()) {
		return OutOfDate, hash
	}
	if _, exists := r.byHash[hash]; exists {
		return Duplicate, hash
	}
	if m.Height > 0 {
		if _, known := r.byHash[m.LastProposalHash]; !known {
			if m.Height > r.maxSeenHeight {
				r.maxSeenHeight = m.Height
			}
			return Orphan, hash
		}
	}

	e := &entry{manifest: m, hash: hash}
	r.byHash[hash] = e
	if r.byHeight[m.Height] == nil {
		r.byHeight[m.Height] = make(map[ids.ProposalHash]*entry)
	}
	r.byHeight[m.Height][hash] = e
	if m.Height > r.maxSeenHeight {
		r.maxSeenHeight = m.Height
	}
	return Inserted, hash
}

// RecordAccept groups a by (height, skips, proposal_hash) and returns the
// running tally for that triple, deduplicated by FromPeer.
func (r *Register) RecordAccept(a wire.Accept) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := acceptKey{height: a.Height, skips: a.Skips, hash: a.ProposalHash}
	tally, ok := r.accepts[key]
	if !ok {
		tally = make(map[ids.PeerID]struct{})
		r.accepts[key] = tally
	}
	tally[a.FromPeer] = struct{}{}
	return len(tally)
}

// QuorumThreshold is the classic 2f+1 of 3f+1: ceil((2n+1)/3).
func QuorumThreshold(n int) int {
	return (2*n + 1 + 2) / 3
}

// QuorumFor returns the lowest-hashed proposal at height whose accept
// tally meets the quorum threshold for n peers.
func (r *Register) QuorumFor(height uint64, n int) (ids.ProposalHash, bool) {
	threshold := QuorumThreshold(n)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best ids.ProposalHash
	found := false
	for key, tally := range r.accepts {
		if key.height != height || len(tally) < threshold {
			continue
		}
		if !found || key.hash.Less(best) {
			best = key.hash
			found = true
		}
	}
	return best, found
}

// Commit marks the manifest named by hash committed, discards its
// siblings at that height, advances commit_height, and prunes manifests
// older than commit_height - max_proposal_history.
func (r *Register) Commit(hash ids.ProposalHash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHash[hash]
	if !ok {
		return fmt.Errorf("register: commit: unknown manifest %s", hash)
	}
	e.committed = true
	r.commitHeight = e.manifest.Height
	r.commitHash = hash

	for siblingHash, sibling := range r.byHeight[e.manifest.Height] {
		if siblingHash != hash {
			delete(r.byHash, siblingHash)
			delete(r.byHeight[e.manifest.Height], siblingHash)
			_ = sibling
		}
	}

	if r.commitHeight <= r.maxHistory {
		return nil
	}
	cutoff := r.commitHeight - r.maxHistory
	for height, siblings := range r.byHeight {
		if height >= cutoff {
			continue
		}
		for h := range siblings {
			delete(r.byHash, h)
		}
		delete(r.byHeight, height)
	}
	for key := range r.accepts {
		if key.height < cutoff {
			delete(r.accepts, key)
		}
	}
	return nil
}

// Tip returns the highest committed manifest's height and hash.
func (r *Register) Tip() (uint64, ids.ProposalHash) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commitHeight, r.commitHash
}

// MaxSeenHeight returns the highest height of any manifest Insert has
// accepted or reported as an orphan, committed or not.
func (r *Register) MaxSeenHeight() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxSeenHeight
}

// Get returns the manifest registered under hash, if any.
func (r *Register) Get(hash ids.ProposalHash) (wire.ProposalManifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byHash[hash]
	if !ok {
		return wire.ProposalManifest{}, false
	}
	return e.manifest, true
}

// TipManifest returns the currently committed tip's full manifest.
func (r *Register) TipManifest() (wire.ProposalManifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byHash[r.commitHash]
	if !ok {
		return wire.ProposalManifest{}, false
	}
	return e.manifest, true
}

// ManifestAtHeight returns the manifest at height if exactly one is known
// there (the common case once that height has committed and its siblings
// were pruned). It returns false for a height with zero or multiple
// competing manifests still in flight.
func (r *Register) ManifestAtHeight(height uint64) (wire.ProposalManifest, ids.ProposalHash, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	siblings := r.byHeight[height]
	if len(siblings) != 1 {
		return wire.ProposalManifest{}, ids.ProposalHash{}, false
	}
	for hash, e := range siblings {
		return e.manifest, hash, true
	}
	return wire.ProposalManifest{}, ids.ProposalHash{}, false
}

// Known reports whether hash is registered.
func (r *Register) Known(hash ids.ProposalHash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byHash[hash]
	return ok
}

// Bootstrap fast-forwards the register to treat hash as the committed tip
// at height, without requiring the manifest history between the previous
// tip and height to be known. Used after a snapshot restore (spec's
// out-of-sync catch-up path), where the engine learns (height, hash) from
// the predecessor field of the proposal that triggered the catch-up, and
// at node startup to resume from the tip persisted in the Merkle Store.
// The manifest body itself is not kept.
func (r *Register) Bootstrap(height uint64, hash ids.ProposalHash) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for h := range r.byHash {
		delete(r.byHash, h)
	}
	for ht := range r.byHeight {
		delete(r.byHeight, ht)
	}
	for k := range r.accepts {
		delete(r.accepts, k)
	}

	e := &entry{manifest: wire.ProposalManifest{Height: height, LastProposalHash: hash}, hash: hash, committed: true}
	r.byHash[hash] = e
	r.byHeight[height] = map[ids.ProposalHash]*entry{hash: e}
	r.commitHeight = height
	r.commitHash = hash
	if height > r.maxSeenHeight {
		r.maxSeenHeight = height
	}
}
