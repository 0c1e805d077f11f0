// Package merkle builds keccak256 hash trees over sealed participant sets and
// extracts inclusion proofs for on-ledger claim verification.
//
// Pairing matches the on-ledger verifier: the two children of every pair are
// ordered by byte value before hashing, so proofs carry no direction flags.
// An unpaired trailing node is hashed with a copy of itself.
package merkle

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// HashSize is the width of every leaf, node and proof element.
const HashSize = 32

// LeafDomain separates participation leaves from any other use of keccak256
// in the protocol. Must match the deployed program constant.
const LeafDomain = "TWZRD:PARTICIPATION_V1"

var ErrIndexOutOfRange = errors.New("leaf index out of range")

func keccak256(parts ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, part := range parts {
		h.Write(part)
	}
	return h.Sum(nil)
}

// Leaf computes the claim leaf for one sealed participant:
// keccak256(domain || len(channel)_le || channel || epoch_le || index_le ||
// len(participant_id)_le || participant_id || amount_le).
// The variable-width fields carry a uint32 length prefix so the encoding is
// injective; without it, bytes could shift between adjacent fields and two
// distinct participants could hash to the same leaf.
func Leaf(channel string, epoch uint64, index uint32, participantID string, amount uint64) []byte {
	var epochBytes [8]byte
	binary.LittleEndian.PutUint64(epochBytes[:], epoch)
	var indexBytes [4]byte
	binary.LittleEndian.PutUint32(indexBytes[:], index)
	var amountBytes [8]byte
	binary.LittleEndian.PutUint64(amountBytes[:], amount)

	return keccak256(
		[]byte(LeafDomain),
		lengthPrefixed(channel),
		epochBytes[:],
		indexBytes[:],
		lengthPrefixed(participantID),
		amountBytes[:],
	)
}

func lengthPrefixed(s string) []byte {
	out := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(out, uint32(len(s)))
	copy(out[4:], s)
	return out
}

// EmptyRoot is the root of an epoch with zero participants:
// keccak256 of the leaf domain tag alone. An all-zero root cannot be used
// because the ledger treats it as the unpublished sentinel.
func EmptyRoot() []byte {
	return keccak256([]byte(LeafDomain))
}

// hashPair hashes two nodes in byte order, mirroring the on-ledger verifier.
func hashPair(a, b []byte) []byte {
	if bytes.Compare(a, b) <= 0 {
		return keccak256(a, b)
	}
	return keccak256(b, a)
}

// Tree is a fully materialized hash tree. It is pure derived state: rebuilding
// from the same leaves must reproduce the same root bit for bit.
type Tree struct {
	levels [][][]byte // levels[0] are the leaves, last level holds the root
}

// NewTree builds the tree bottom-up. An empty leaf set yields EmptyRoot.
func NewTree(leaves [][]byte) *Tree {
	if len(leaves) == 0 {
		return &Tree{levels: [][][]byte{{EmptyRoot()}}}
	}

	level := make([][]byte, len(leaves))
	copy(level, leaves)
	levels := [][][]byte{level}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}
}

func (t *Tree) Root() []byte {
	top := t.levels[len(t.levels)-1]
	root := make([]byte, HashSize)
	copy(root, top[0])
	return root
}

// Count returns the number of leaves.
func (t *Tree) Count() int {
	if len(t.levels) == 1 && len(t.levels[0]) == 1 && bytes.Equal(t.levels[0][0], EmptyRoot()) {
		return 0
	}
	return len(t.levels[0])
}

// Proof extracts the sibling path for the leaf at index. At each level the
// sibling is recorded; a node without a right neighbor records itself.
func (t *Tree) Proof(index int) ([][]byte, error) {
	if index < 0 || index >= len(t.levels[0]) || t.Count() == 0 {
		return nil, errors.Wrapf(ErrIndexOutOfRange, "index [%d] of [%d] leaves", index, t.Count())
	}

	proof := make([][]byte, 0, len(t.levels)-1)
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling >= len(level) {
			sibling = index // unpaired trailing node is its own sibling
		}
		node := make([]byte, HashSize)
		copy(node, level[sibling])
		proof = append(proof, node)
		index /= 2
	}
	return proof, nil
}

// Root computes the root without keeping the tree around.
func Root(leaves [][]byte) []byte {
	return NewTree(leaves).Root()
}

// Verify folds a proof into the leaf using sorted-pair hashing and compares
// against root. Proof elements of the wrong width fail verification.
func Verify(proof [][]byte, leaf, root []byte) bool {
	if len(leaf) != HashSize || len(root) != HashSize {
		return false
	}
	hash := leaf
	for _, sibling := range proof {
		if len(sibling) != HashSize {
			return false
		}
		hash = hashPair(hash, sibling)
	}
	return bytes.Equal(hash, root)
}
