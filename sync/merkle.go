package sync

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MerkleResult is what the Merkle Verifier yields from a merkleblock
// payload: the transaction ids the block commits to, and the merkle
// root it computed from them. The caller compares ComputedRoot against
// the block header's advertised root and rejects the block on
// mismatch.
type MerkleResult struct {
	MatchedTxIDs []chainhash.Hash
	ComputedRoot chainhash.Hash
}

// merkleTree reconstructs a BIP37 partial merkle tree from the hashes
// and flag bits a merkleblock message carries, following the same
// depth-first traversal bitcoinj and Bitcoin Core use to build and
// verify these structures. No off-the-shelf client-side verifier ships
// in the retrieval pack (btcd/bloom only builds these server-side), so
// this is a direct implementation of BIP37 §"Parsing a merkleblock
// message".
type merkleTree struct {
	numTransactions uint32
	hashes          []chainhash.Hash
	flags           []byte

	hashUsed int
	bitsUsed int
	matched  []chainhash.Hash
}

// VerifyMerkleBlock reconstructs the partial merkle tree described by
// (totalTransactions, hashes, flags) and returns the matched
// transaction ids plus the computed root. totalTransactions == 0 is a
// valid, degenerate case: the block is stored with no transactions
// expected.
func VerifyMerkleBlock(totalTransactions uint32, hashes []chainhash.Hash, flags []byte) (*MerkleResult, error) {
	if totalTransactions == 0 {
		return &MerkleResult{}, nil
	}
	if len(hashes) == 0 {
		return nil, fmt.Errorf("merkle: no hashes for %d transactions", totalTransactions)
	}

	t := &merkleTree{
		numTransactions: totalTransactions,
		hashes:          hashes,
		flags:           flags,
	}

	height := t.treeHeight()
	root, err := t.traverse(height, 0)
	if err != nil {
		return nil, err
	}

	return &MerkleResult{
		MatchedTxIDs: t.matched,
		ComputedRoot: root,
	}, nil
}

// treeWidth is the number of nodes at the given height, where height 0
// is the leaves (transactions) and greater heights move toward the
// root.
func (t *merkleTree) treeWidth(height uint) uint32 {
	return (t.numTransactions + (1 << height) - 1) >> height
}

// treeHeight is the smallest height whose width is 1, i.e. the root.
func (t *merkleTree) treeHeight() uint {
	var height uint
	for t.treeWidth(height) > 1 {
		height++
	}
	return height
}

// bitAt reads the next flag bit, LSB-first within each byte, per
// BIP37's flags encoding.
func (t *merkleTree) bitAt() (bool, error) {
	byteIdx := t.bitsUsed / 8
	if byteIdx >= len(t.flags) {
		return false, fmt.Errorf("merkle: flag bits exhausted")
	}
	bit := (t.flags[byteIdx] >> uint(t.bitsUsed%8)) & 1
	t.bitsUsed++
	return bit == 1, nil
}

func (t *merkleTree) nextHash() (chainhash.Hash, error) {
	if t.hashUsed >= len(t.hashes) {
		return chainhash.Hash{}, fmt.Errorf("merkle: hash list exhausted")
	}
	h := t.hashes[t.hashUsed]
	t.hashUsed++
	return h, nil
}

func (t *merkleTree) traverse(height uint, pos uint32) (chainhash.Hash, error) {
	parentOfMatch, err := t.bitAt()
	if err != nil {
		return chainhash.Hash{}, err
	}

	if height == 0 || !parentOfMatch {
		h, err := t.nextHash()
		if err != nil {
			return chainhash.Hash{}, err
		}
		if height == 0 && parentOfMatch {
			t.matched = append(t.matched, h)
		}
		return h, nil
	}

	left, err := t.traverse(height-1, pos*2)
	if err != nil {
		return chainhash.Hash{}, err
	}

	right := left
	if pos*2+1 < t.treeWidth(height-1) {
		right, err = t.traverse(height-1, pos*2+1)
		if err != nil {
			return chainhash.Hash{}, err
		}
	}

	return hashPair(left, right), nil
}

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	first := sha256.Sum256(buf[:])
	second := sha256.Sum256(first[:])
	return chainhash.Hash(second)
}
