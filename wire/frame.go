package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tolelom/protoreg/ids"
)

// Tag identifies a frame's payload kind on the wire (spec §6).
type Tag byte

const (
	TagProposal       Tag = 0x01
	TagAccept         Tag = 0x02
	TagOutOfSync      Tag = 0x03
	TagSnapshotReq    Tag = 0x04
	TagSnapshotChunk  Tag = 0x05
	TagTxn            Tag = 0x06
	TagPing           Tag = 0x07
)

// maxFrameLen bounds a single frame's payload size, matching the teacher's
// 32 MB transport-level safety cap.
const maxFrameLen = 32 << 20

// Proposal carries a manifest and its precomputed hash.
type Proposal struct {
	Manifest ProposalManifest
	Hash     ids.ProposalHash
}

// Accept is a vote for the leader elected for Height+1, naming the manifest
// observed at Height.
type Accept struct {
	Height        uint64
	Skips         uint64
	ProposalHash  ids.ProposalHash
	FromPeer      ids.PeerID
}

// OutOfSync reports that the sender's local height trails the network.
type OutOfSync struct {
	PeerID ids.PeerID
	Height uint64
}

// SnapshotRequest asks a peer to begin streaming a Merkle Store snapshot.
type SnapshotRequest struct {
	From ids.PeerID
}

// SnapshotChunk carries one group of key/value pairs from a snapshot
// stream. More is false on the final chunk.
type SnapshotChunk struct {
	Data []KV
	More bool
}

// KV is a single key/value pair, used by SnapshotChunk.
type KV struct {
	Key   []byte
	Value []byte
}

// Txn carries an opaque client-submitted change payload destined for the
// PendingQueue.
type Txn struct {
	Txn []byte
}

// Ping is a liveness probe with no payload.
type Ping struct{}

// EncodeFrame serializes a tagged message with a 4-byte big-endian length
// prefix, mirroring the teacher's length-prefixed transport framing.
func EncodeFrame(tag Tag, payload []byte) []byte {
	out := make([]byte, 0, 5+len(payload))
	out = append(out, byte(tag))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, payload...)
	return out
}

// WriteFrame writes a tagged message to w.
func WriteFrame(w io.Writer, tag Tag, payload []byte) error {
	_, err := w.Write(EncodeFrame(tag, payload))
	return err
}

// ReadFrame reads the next tag + length-prefixed payload from r.
func ReadFrame(r io.Reader) (Tag, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	tag := Tag(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFrameLen {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return tag, payload, nil
}

// EncodeProposal / DecodeProposal implement the 0x01 payload.
func EncodeProposal(p Proposal) []byte {
	body := EncodeManifest(p.Manifest)
	out := make([]byte, 0, len(body)+ids.Size)
	out = append(out, p.Hash[:]...)
	out = append(out, body...)
	return out
}

func DecodeProposal(data []byte) (Proposal, error) {
	if len(data) < ids.Size {
		return Proposal{}, fmt.Errorf("proposal frame too short")
	}
	var p Proposal
	copy(p.Hash[:], data[:ids.Size])
	m, err := DecodeManifest(data[ids.Size:])
	if err != nil {
		return Proposal{}, fmt.Errorf("manifest: %w", err)
	}
	p.Manifest = m
	return p, nil
}

// EncodeAccept / DecodeAccept implement the 0x02 payload.
func EncodeAccept(a Accept) []byte {
	out := make([]byte, 0, 8+8+ids.Size+ids.Size)
	out = appendUint64(out, a.Height)
	out = appendUint64(out, a.Skips)
	out = append(out, a.ProposalHash[:]...)
	out = append(out, a.FromPeer[:]...)
	return out
}

func DecodeAccept(data []byte) (Accept, error) {
	const want = 8 + 8 + ids.Size + ids.Size
	if len(data) != want {
		return Accept{}, fmt.Errorf("accept frame: got %d bytes want %d", len(data), want)
	}
	var a Accept
	a.Height = binary.BigEndian.Uint64(data[0:8])
	a.Skips = binary.BigEndian.Uint64(data[8:16])
	copy(a.ProposalHash[:], data[16:16+ids.Size])
	copy(a.FromPeer[:], data[16+ids.Size:])
	return a, nil
}

// EncodeOutOfSync / DecodeOutOfSync implement the 0x03 payload.
func EncodeOutOfSync(o OutOfSync) []byte {
	out := make([]byte, 0, ids.Size+8)
	out = append(out, o.PeerID[:]...)
	out = appendUint64(out, o.Height)
	return out
}

func DecodeOutOfSync(data []byte) (OutOfSync, error) {
	const want = ids.Size + 8
	if len(data) != want {
		return OutOfSync{}, fmt.Errorf("out_of_sync frame: got %d bytes want %d", len(data), want)
	}
	var o OutOfSync
	copy(o.PeerID[:], data[:ids.Size])
	o.Height = binary.BigEndian.Uint64(data[ids.Size:])
	return o, nil
}

// EncodeSnapshotRequest / DecodeSnapshotRequest implement the 0x04 payload.
func EncodeSnapshotRequest(r SnapshotRequest) []byte {
	out := make([]byte, ids.Size)
	copy(out, r.From[:])
	return out
}

func DecodeSnapshotRequest(data []byte) (SnapshotRequest, error) {
	if len(data) != ids.Size {
		return SnapshotRequest{}, fmt.Errorf("snapshot_request frame: got %d bytes want %d", len(data), ids.Size)
	}
	var r SnapshotRequest
	copy(r.From[:], data)
	return r, nil
}

// EncodeSnapshotChunk / DecodeSnapshotChunk implement the 0x05 payload.
func EncodeSnapshotChunk(c SnapshotChunk) []byte {
	var out []byte
	out = appendUint32(out, uint32(len(c.Data)))
	for _, kv := range c.Data {
		out = appendBytes(out, kv.Key)
		out = appendBytes(out, kv.Value)
	}
	if c.More {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out
}

func DecodeSnapshotChunk(data []byte) (SnapshotChunk, error) {
	if len(data) < 5 {
		return SnapshotChunk{}, fmt.Errorf("snapshot_chunk frame too short")
	}
	n := binary.BigEndian.Uint32(data[:4])
	if n > maxChanges {
		return SnapshotChunk{}, fmt.Errorf("snapshot_chunk count %d exceeds limit", n)
	}
	pos := 4
	var c SnapshotChunk
	c.Data = make([]KV, 0, n)
	for i := uint32(0); i < n; i++ {
		key, next, err := sliceBytes(data, pos)
		if err != nil {
			return SnapshotChunk{}, fmt.Errorf("entry[%d].key: %w", i, err)
		}
		pos = next
		value, next, err := sliceBytes(data, pos)
		if err != nil {
			return SnapshotChunk{}, fmt.Errorf("entry[%d].value: %w", i, err)
		}
		pos = next
		c.Data = append(c.Data, KV{Key: key, Value: value})
	}
	if pos >= len(data) {
		return SnapshotChunk{}, fmt.Errorf("snapshot_chunk missing more-flag")
	}
	c.More = data[pos] != 0
	pos++
	if pos != len(data) {
		return SnapshotChunk{}, fmt.Errorf("%d trailing bytes after snapshot_chunk", len(data)-pos)
	}
	return c, nil
}

// EncodeTxn / DecodeTxn implement the 0x06 payload.
func EncodeTxn(t Txn) []byte { return append([]byte(nil), t.Txn...) }

func DecodeTxn(data []byte) (Txn, error) {
	return Txn{Txn: append([]byte(nil), data...)}, nil
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendBytes(b, v []byte) []byte {
	b = appendUint32(b, uint32(len(v)))
	return append(b, v...)
}

func sliceBytes(data []byte, pos int) (value []byte, next int, err error) {
	if pos+4 > len(data) {
		return nil, 0, fmt.Errorf("truncated length")
	}
	n := binary.BigEndian.Uint32(data[pos : pos+4])
	if n > maxFieldLen {
		return nil, 0, fmt.Errorf("field length %d exceeds limit", n)
	}
	pos += 4
	if pos+int(n) > len(data) {
		return nil, 0, fmt.Errorf("truncated value")
	}
	out := make([]byte, n)
	copy(out, data[pos:pos+int(n)])
	return out, pos + int(n), nil
}
