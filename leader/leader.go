// Package leader implements deterministic leader selection: a stateless
// hash-argmin over the peer set, generalizing the teacher's modular
// round-robin proposer rotation.
package leader

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/tolelom/protoreg/ids"
)

// For returns the elected leader for the height following the manifest
// hashed to lastHash, given the current skip counter and the live peer
// set. Deterministic, stable, and stateless given (lastHash, skips, peers):
// argmin_{peer} H(lastHash || skips || peer).
func For(lastHash ids.ProposalHash, skips uint64, peers []ids.PeerID) ids.PeerID {
	var best ids.PeerID
	var bestScore [32]byte
	found := false

	var skipBuf [8]byte
	binary.BigEndian.PutUint64(skipBuf[:], skips)

	for _, p := range peers {
		h := sha256.New()
		h.Write(lastHash[:])
		h.Write(skipBuf[:])
		h.Write(p[:])
		var score [32]byte
		copy(score[:], h.Sum(nil))

		if !found || bytes.Compare(score[:], bestScore[:]) < 0 {
			best = p
			bestScore = score
			found = true
		}
	}
	return best
}
