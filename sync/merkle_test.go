package sync

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func leafHash(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func TestVerifyMerkleBlockZeroTransactions(t *testing.T) {
	res, err := VerifyMerkleBlock(0, nil, nil)
	require.NoError(t, err)
	require.Empty(t, res.MatchedTxIDs)
}

func TestVerifyMerkleBlockSingleMatch(t *testing.T) {
	// Four leaves, only leaf 1 matches. Tree:
	//        root
	//       /    \
	//      h01    h23
	//     /  \    /  \
	//    l0  l1  l2  l3
	l0 := leafHash(0)
	l1 := leafHash(1)
	l2 := leafHash(2)
	l3 := leafHash(3)

	h01 := hashPair(l0, l1)
	h23 := hashPair(l2, l3)
	root := hashPair(h01, h23)

	// Flags (LSB-first): bit0=1 (root has match), bit1=1 (h01 has
	// match), bit2=0 (l0 no match, emit hash), bit3=1 (l1 match, emit
	// hash+record), bit4=0 (h23 no match, emit hash).
	flags := []byte{0b00001011}
	hashes := []chainhash.Hash{l0, l1, h23}

	res, err := VerifyMerkleBlock(4, hashes, flags)
	require.NoError(t, err)
	require.Equal(t, root, res.ComputedRoot)
	require.Len(t, res.MatchedTxIDs, 1)
	require.Equal(t, l1, res.MatchedTxIDs[0])
}

func TestVerifyMerkleBlockNoMatches(t *testing.T) {
	l0 := leafHash(10)
	l1 := leafHash(11)
	root := hashPair(l0, l1)

	// bit0=0: root subtree has no match, single hash suffices.
	flags := []byte{0b00000000}
	hashes := []chainhash.Hash{root}

	res, err := VerifyMerkleBlock(2, hashes, flags)
	require.NoError(t, err)
	require.Equal(t, root, res.ComputedRoot)
	require.Empty(t, res.MatchedTxIDs)
}

func TestHashPairIsDoubleSHA256(t *testing.T) {
	var a, b chainhash.Hash
	a[0] = 1
	b[0] = 2

	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	first := sha256.Sum256(buf[:])
	second := sha256.Sum256(first[:])

	require.Equal(t, chainhash.Hash(second), hashPair(a, b))
}
