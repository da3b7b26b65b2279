// Package merkle implements the sparse authenticated key/value store: a
// balanced-by-key-bits tree of fixed depth whose root hash is a pure
// function of the present (key, value) pairs, together with compact
// inclusion proofs.
//
// Hash recomputation is lazy: Insert/Delete mark the path from the touched
// leaf to the root dirty without recomputing anything; RootHash performs a
// post-order walk that only recomputes nodes still marked dirty. Subtrees
// that have never been touched are never materialized — they are nil
// pointers whose hash is looked up in a process-wide, depth-indexed table
// of well-known "empty subtree" hashes.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/tolelom/protoreg/ids"
	"github.com/tolelom/protoreg/store"
	"github.com/tolelom/protoreg/wire"
)

// DefaultDepth matches a SHA-256 key digest: every bit of the digest
// selects a branch.
const DefaultDepth = 256

// NullElement is the reserved key value; no caller may insert a key equal
// to it, and it doubles as the canonical "absent leaf" hash at depth 0.
var NullElement = make([]byte, 32)

// ErrReservedKey is returned when a caller attempts to insert NullElement.
var ErrReservedKey = errors.New("merkle: key must not equal the reserved null element")

const (
	leafTag     byte = 0x00
	internalTag byte = 0x01
)

// emptyHash[d] is H(emptyHash[d-1], emptyHash[d-1]) for d>=1, with
// emptyHash[0] = NullElement. It is built lazily on first use (spec: "the
// empty-tree-hash cache is process-wide") and rebuilt longer when a depth
// beyond its current length is requested; entry values never change.
var (
	emptyHashOnce  sync.Once
	emptyHashTable [][32]byte
)

func emptyHash(depth, maxDepth int) [32]byte {
	emptyHashOnce.Do(func() { buildEmptyHashTable(maxDepth) })
	if depth >= len(emptyHashTable) {
		buildEmptyHashTable(depth)
	}
	return emptyHashTable[depth]
}

func buildEmptyHashTable(depth int) {
	table := make([][32]byte, depth+1)
	copy(table[0][:], NullElement)
	for d := 1; d <= depth; d++ {
		table[d] = internalHash(table[d-1], table[d-1])
	}
	emptyHashTable = table
}

func leafHash(value []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{leafTag})
	h.Write(value)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func internalHash(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{internalTag})
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// node is an internal tree node for depth > 0, or a leaf holder for
// depth == 0 (in which case only rawKey/value are meaningful). A nil
// *node pointer always means "this subtree has never been touched".
type node struct {
	hash  [32]byte
	dirty bool
	left  *node
	right *node

	rawKey []byte // set only on leaf nodes (depth 0)
	value  []byte // set only on leaf nodes (depth 0)
}

// Store is a sparse Merkle tree of fixed Depth, backed by db for durable
// leaf storage (node hashes are an in-memory cache, rebuilt from the
// persisted leaves on Restore/startup).
type Store struct {
	mu    sync.Mutex
	depth int
	db    store.DB
	root  *node
}

const leafPrefix = "leaf:"

const (
	sysTipHeightKey = "sys:tip_height"
	sysTipHashKey   = "sys:tip_hash"
)

// New creates an empty Store of the given depth, backed by db for durable
// leaf persistence. Pass DefaultDepth unless the caller has a narrower key
// space (tests may use a smaller depth, as in spec's depth-64 example).
func New(db store.DB, depth int) (*Store, error) {
	s := &Store{db: db, depth: depth}
	if err := s.loadFromDB(); err != nil {
		return nil, fmt.Errorf("merkle: load from db: %w", err)
	}
	return s, nil
}

func (s *Store) loadFromDB() error {
	it := s.db.NewIterator([]byte(leafPrefix))
	defer it.Release()
	for it.Next() {
		key := append([]byte(nil), it.Key()[len(leafPrefix):]...)
		value := append([]byte(nil), it.Value()...)
		s.insertLeaf(key, value)
	}
	return it.Error()
}

func (s *Store) bitsFor(key []byte) []bool {
	digest := sha256.Sum256(key)
	bits := make([]bool, s.depth)
	// The path uses the depth least-significant bits of the digest, per
	// spec §3 ("D least-significant bits of the key's digest"): the i-th
	// least-significant bit lands at bits[depth-1-i], so the lowest bit
	// selects the branch nearest the leaf.
	for i := 0; i < s.depth; i++ {
		byteIdx := len(digest) - 1 - i/8
		bitIdx := uint(i % 8)
		bits[s.depth-1-i] = (digest[byteIdx]>>bitIdx)&1 == 1
	}
	return bits
}

// Insert inserts (key, value), or no-ops if key is already present.
func (s *Store) Insert(key, value []byte) error {
	if bytes.Equal(key, NullElement) {
		return ErrReservedKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Get(append([]byte(leafPrefix), key...)); err == nil {
		return nil // key already present: no-op
	}
	if err := s.db.Set(append([]byte(leafPrefix), key...), value); err != nil {
		return fmt.Errorf("merkle: persist leaf: %w", err)
	}
	s.insertLeaf(key, value)
	return nil
}

// insertLeaf updates the in-memory tree only; callers durable-write first.
func (s *Store) insertLeaf(key, value []byte) {
	bits := s.bitsFor(key)
	s.root = insertNode(s.root, s.depth, bits, 0, key, value)
}

func insertNode(n *node, depth int, bits []bool, idx int, key, value []byte) *node {
	if depth == 0 {
		if n != nil {
			return n // key already present: no-op
		}
		return &node{rawKey: key, value: value}
	}
	if n == nil {
		n = &node{}
	}
	if !bits[idx] {
		n.left = insertNode(n.left, depth-1, bits, idx+1, key, value)
	} else {
		n.right = insertNode(n.right, depth-1, bits, idx+1, key, value)
	}
	n.dirty = true
	return n
}

// Delete removes key if present; no-op otherwise.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete(append([]byte(leafPrefix), key...)); err != nil {
		return fmt.Errorf("merkle: delete leaf: %w", err)
	}
	bits := s.bitsFor(key)
	s.root, _ = deleteNode(s.root, s.depth, bits, 0)
	return nil
}

func deleteNode(n *node, depth int, bits []bool, idx int) (*node, bool) {
	if n == nil {
		return nil, false
	}
	if depth == 0 {
		return nil, true
	}
	var changed bool
	if !bits[idx] {
		n.left, changed = deleteNode(n.left, depth-1, bits, idx+1)
	} else {
		n.right, changed = deleteNode(n.right, depth-1, bits, idx+1)
	}
	if !changed {
		return n, false
	}
	n.dirty = true
	if n.left == nil && n.right == nil {
		return nil, true
	}
	return n, true
}

// Get returns the value for key, or (nil, false) if absent.
func (s *Store) Get(key []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bits := s.bitsFor(key)
	n := s.root
	for depth := s.depth; depth > 0 && n != nil; depth-- {
		if !bits[s.depth-depth] {
			n = n.left
		} else {
			n = n.right
		}
	}
	if n == nil {
		return nil, false
	}
	return n.value, true
}

// RootHash recomputes any dirty nodes and returns the current root.
func (s *Store) RootHash() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashOf(s.root, s.depth)
}

func (s *Store) hashOf(n *node, depth int) [32]byte {
	if n == nil {
		return emptyHash(depth, s.depth)
	}
	if depth == 0 {
		return leafHash(n.value)
	}
	if !n.dirty {
		return n.hash
	}
	left := s.hashOf(n.left, depth-1)
	right := s.hashOf(n.right, depth-1)
	n.hash = internalHash(left, right)
	n.dirty = false
	return n.hash
}

// MerklePath is an inclusion/exclusion proof: the sibling hash at every
// level from the leaf up to the root, ordered leaf-to-root, plus the side
// (Bits[i]==true means our node was the right child at that level) needed
// to recombine them without knowing the original key.
type MerklePath struct {
	Bits     []bool
	Siblings [][32]byte
	Root     [32]byte
}

// PathFor returns the Merkle path for key, settling any dirty nodes first.
func (s *Store) PathFor(key []byte) MerklePath {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := s.hashOf(s.root, s.depth) // settle dirty nodes before reading siblings
	bits := s.bitsFor(key)
	path := MerklePath{Root: root}
	s.collectPath(s.root, s.depth, bits, 0, &path)
	return path
}

func (s *Store) collectPath(n *node, depth int, bits []bool, idx int, path *MerklePath) {
	if depth == 0 {
		return
	}
	var left, right *node
	if n != nil {
		left, right = n.left, n.right
	}
	if !bits[idx] {
		s.collectPath(left, depth-1, bits, idx+1, path)
		path.Bits = append(path.Bits, false)
		path.Siblings = append(path.Siblings, s.hashOf(right, depth-1))
	} else {
		s.collectPath(right, depth-1, bits, idx+1, path)
		path.Bits = append(path.Bits, true)
		path.Siblings = append(path.Siblings, s.hashOf(left, depth-1))
	}
}

// Verify recomputes a candidate root from value and path's sibling hashes
// and compares it to path.Root. It does not need the original key.
func Verify(path MerklePath, value []byte) bool {
	h := leafHash(value)
	for i, sib := range path.Siblings {
		if path.Bits[i] {
			h = internalHash(sib, h)
		} else {
			h = internalHash(h, sib)
		}
	}
	return h == path.Root
}

// Op is a single mutation in an Apply batch.
type Op struct {
	Delete bool
	Key    []byte
	Value  []byte
}

// Apply applies an ordered batch of Insert/Delete operations, then performs
// a single hash-recomputation pass.
func (s *Store) Apply(ops []Op) error {
	for i, op := range ops {
		var err error
		if op.Delete {
			err = s.Delete(op.Key)
		} else {
			err = s.Insert(op.Key, op.Value)
		}
		if err != nil {
			return fmt.Errorf("merkle: apply op %d: %w", i, err)
		}
	}
	s.RootHash()
	return nil
}

// Snapshot streams the store's leaves, as of the moment Snapshot is called,
// in chunks whose serialized size is at least chunkSize bytes, except the
// final chunk, which carries whatever remains (possibly nothing). The
// producer runs in its own goroutine; the channel is closed after the
// final chunk (More == false).
func (s *Store) Snapshot(chunkSize int) <-chan wire.SnapshotChunk {
	out := make(chan wire.SnapshotChunk)
	s.mu.Lock()
	s.hashOf(s.root, s.depth) // settle the view before walking it
	leaves := make([]*node, 0)
	collectLeaves(s.root, s.depth, &leaves)
	s.mu.Unlock()

	go func() {
		defer close(out)
		var buf []wire.KV
		size := 0
		for _, leaf := range leaves {
			buf = append(buf, wire.KV{Key: leaf.rawKey, Value: leaf.value})
			size += len(leaf.rawKey) + len(leaf.value)
			if size >= chunkSize {
				out <- wire.SnapshotChunk{Data: buf, More: true}
				buf = nil
				size = 0
			}
		}
		out <- wire.SnapshotChunk{Data: buf, More: false}
	}()
	return out
}

func collectLeaves(n *node, depth int, out *[]*node) {
	if n == nil {
		return
	}
	if depth == 0 {
		*out = append(*out, n)
		return
	}
	collectLeaves(n.left, depth-1, out)
	collectLeaves(n.right, depth-1, out)
}

// PersistTip durably records (height, hash) as the committed Protocol tip,
// the sys:tip_height/sys:tip_hash keys spec §6 names, so a restarted node
// can resume without replaying the manifest history from height 0.
func (s *Store) PersistTip(height uint64, hash ids.ProposalHash) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	if err := s.db.Set([]byte(sysTipHeightKey), buf[:]); err != nil {
		return fmt.Errorf("merkle: persist tip height: %w", err)
	}
	if err := s.db.Set([]byte(sysTipHashKey), hash[:]); err != nil {
		return fmt.Errorf("merkle: persist tip hash: %w", err)
	}
	return nil
}

// LoadTip returns the last tip PersistTip recorded, or ok=false if this
// store has never committed anything.
func (s *Store) LoadTip() (height uint64, hash ids.ProposalHash, ok bool) {
	heightBytes, err := s.db.Get([]byte(sysTipHeightKey))
	if err != nil || len(heightBytes) != 8 {
		return 0, ids.ProposalHash{}, false
	}
	hashBytes, err := s.db.Get([]byte(sysTipHashKey))
	if err != nil || len(hashBytes) != ids.Size {
		return 0, ids.ProposalHash{}, false
	}
	copy(hash[:], hashBytes)
	return binary.BigEndian.Uint64(heightBytes), hash, true
}

// Restore merges chunk's entries into the store. Callers must restore
// chunks in the order they were produced; the root is only well-defined
// after the final chunk has been applied.
func (s *Store) Restore(chunk wire.SnapshotChunk) error {
	for _, kv := range chunk.Data {
		if err := s.Insert(kv.Key, kv.Value); err != nil {
			return fmt.Errorf("merkle: restore entry: %w", err)
		}
	}
	return nil
}
