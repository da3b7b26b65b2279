// Package wire implements the protocol's deterministic on-wire encoding:
// the canonical manifest serialization used to compute a ProposalHash, and
// the length-prefixed frame codec used between peers.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tolelom/protoreg/ids"
)

// ChangeKind identifies what a Change does to the store.
type ChangeKind uint8

const (
	ChangeCreate ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Change is an immutable, client-submitted mutation of the store, identified
// by ID for deduplication in the PendingQueue.
type Change struct {
	ID   []byte
	Kind ChangeKind
	Data []byte // unused for ChangeDelete
}

// ProposalManifest is the canonical body of a proposal. Its digest (see
// ManifestHash) is the Proposal's identity.
type ProposalManifest struct {
	LastProposalHash ids.ProposalHash
	Height           uint64
	Skips            uint64
	PeerID           ids.PeerID
	Changes          []Change
}

// ManifestHash returns the SHA-256 digest of m's canonical serialization.
// Two manifests serialize identically iff all fields are equal, including
// Changes order, so ManifestHash is a pure function of the manifest's
// logical content.
func ManifestHash(m ProposalManifest) ids.ProposalHash {
	return ids.Hash(EncodeManifest(m))
}

// EncodeManifest writes m's canonical, deterministic byte representation:
// fixed-width big-endian integers, length-prefixed byte sequences.
func EncodeManifest(m ProposalManifest) []byte {
	var buf bytes.Buffer
	buf.Write(m.LastProposalHash[:])
	writeUint64(&buf, m.Height)
	writeUint64(&buf, m.Skips)
	buf.Write(m.PeerID[:])
	writeUint32(&buf, uint32(len(m.Changes)))
	for _, c := range m.Changes {
		writeBytes(&buf, c.ID)
		buf.WriteByte(byte(c.Kind))
		writeBytes(&buf, c.Data)
	}
	return buf.Bytes()
}

// DecodeManifest parses the canonical encoding produced by EncodeManifest.
func DecodeManifest(data []byte) (ProposalManifest, error) {
	r := bytes.NewReader(data)
	var m ProposalManifest

	if _, err := readFull(r, m.LastProposalHash[:]); err != nil {
		return m, fmt.Errorf("last_proposal_hash: %w", err)
	}
	height, err := readUint64(r)
	if err != nil {
		return m, fmt.Errorf("height: %w", err)
	}
	m.Height = height
	skips, err := readUint64(r)
	if err != nil {
		return m, fmt.Errorf("skips: %w", err)
	}
	m.Skips = skips
	if _, err := readFull(r, m.PeerID[:]); err != nil {
		return m, fmt.Errorf("peer_id: %w", err)
	}
	n, err := readUint32(r)
	if err != nil {
		return m, fmt.Errorf("changes count: %w", err)
	}
	if n > maxChanges {
		return m, fmt.Errorf("changes count %d exceeds limit %d", n, maxChanges)
	}
	m.Changes = make([]Change, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := readBytes(r)
		if err != nil {
			return m, fmt.Errorf("change[%d].id: %w", i, err)
		}
		kindByte, err := r.ReadByte()
		if err != nil {
			return m, fmt.Errorf("change[%d].kind: %w", i, err)
		}
		data, err := readBytes(r)
		if err != nil {
			return m, fmt.Errorf("change[%d].data: %w", i, err)
		}
		m.Changes = append(m.Changes, Change{ID: id, Kind: ChangeKind(kindByte), Data: data})
	}
	if r.Len() != 0 {
		return m, fmt.Errorf("%d trailing bytes after manifest", r.Len())
	}
	return m, nil
}

// maxChanges bounds how many changes a single decoded manifest may claim,
// so a corrupt or hostile length field cannot force an unbounded allocation.
const maxChanges = 1 << 20

const maxFieldLen = 32 << 20 // 32 MiB, matches the frame size cap in frame.go

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	return io.ReadFull(r, b)
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxFieldLen {
		return nil, fmt.Errorf("field length %d exceeds limit %d", n, maxFieldLen)
	}
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	if _, err := readFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
