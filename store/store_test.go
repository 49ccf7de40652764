package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func hashOf(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func addMerkleBlock(t *testing.T, s *Store, height int32, hash byte, ts time.Time) MerkleBlock {
	t.Helper()
	mb := MerkleBlock{
		Header: Header{
			Hash:       hashOf(hash),
			Version:    1,
			PrevHash:   hashOf(hash - 1),
			MerkleRoot: hashOf(hash + 100),
			Timestamp:  ts,
			Bits:       0x1d00ffff,
			Nonce:      1,
		},
		Height:            height,
		TotalTransactions: 1,
	}
	require.NoError(t, s.AddMerkleBlock(mb))
	return mb
}

func TestBalanceFromOneTransaction(t *testing.T) {
	s := newTestStore(t)
	ts := time.Unix(1_700_000_000, 0)
	mb := addMerkleBlock(t, s, 100, 1, ts)

	tx := Transaction{
		TxID:      "tx1",
		BlockHash: mb.Hash,
		Version:   1,
		Outputs: []TxOut{
			{OutputIndex: 0, Value: 5000, Address: "A"},
		},
	}
	require.NoError(t, s.AddTransaction(tx))

	balance, err := s.CalculateBalance("A")
	require.NoError(t, err)
	require.Equal(t, int64(5000), balance)

	height, ok, err := s.LatestBlockHeight()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(100), height)
}

func TestSpendPreviousOutput(t *testing.T) {
	s := newTestStore(t)
	ts1 := time.Unix(1_700_000_000, 0)
	ts2 := time.Unix(1_700_000_600, 0)

	mb1 := addMerkleBlock(t, s, 100, 1, ts1)
	require.NoError(t, s.AddTransaction(Transaction{
		TxID:      "tx1",
		BlockHash: mb1.Hash,
		Outputs:   []TxOut{{OutputIndex: 0, Value: 5000, Address: "A"}},
	}))

	mb2 := addMerkleBlock(t, s, 101, 2, ts2)
	require.NoError(t, s.AddTransaction(Transaction{
		TxID:      "tx2",
		BlockHash: mb2.Hash,
		Inputs: []TxIn{
			{InputIndex: 0, PrevTxID: "tx1", PrevIndex: 0, Address: "A"},
		},
		Outputs: []TxOut{{OutputIndex: 0, Value: 4800, Address: "B"}},
	}))

	balanceA, err := s.CalculateBalance("A")
	require.NoError(t, err)
	require.Equal(t, int64(0), balanceA)

	balanceB, err := s.CalculateBalance("B")
	require.NoError(t, err)
	require.Equal(t, int64(4800), balanceB)

	paymentsA, err := s.Transactions("A")
	require.NoError(t, err)
	require.Len(t, paymentsA, 1)
	require.Equal(t, StateSent, paymentsA[0].State)
	require.Equal(t, int64(5000), paymentsA[0].Amount)

	paymentsB, err := s.Transactions("B")
	require.NoError(t, err)
	require.Len(t, paymentsB, 1)
	require.Equal(t, StateReceived, paymentsB[0].State)
	require.Equal(t, int64(4800), paymentsB[0].Amount)
	require.NotNil(t, paymentsB[0].Fee)
	require.Equal(t, int64(200), *paymentsB[0].Fee)
}

func TestSelfTransferSuppressedFromHistory(t *testing.T) {
	s := newTestStore(t)
	mb := addMerkleBlock(t, s, 100, 1, time.Unix(1_700_000_000, 0))

	require.NoError(t, s.AddTransaction(Transaction{
		TxID:      "tx1",
		BlockHash: mb.Hash,
		Inputs:    []TxIn{{InputIndex: 0, PrevTxID: "prev", PrevIndex: 0, Address: "C"}},
		Outputs:   []TxOut{{OutputIndex: 0, Value: 1000, Address: "C"}},
	}))

	payments, err := s.Transactions("C")
	require.NoError(t, err)
	require.Empty(t, payments)

	balance, err := s.CalculateBalance("C")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)
}

func TestAddTransactionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	mb := addMerkleBlock(t, s, 100, 1, time.Unix(1_700_000_000, 0))

	tx := Transaction{
		TxID:      "tx1",
		BlockHash: mb.Hash,
		Outputs:   []TxOut{{OutputIndex: 0, Value: 5000, Address: "A"}},
	}
	require.NoError(t, s.AddTransaction(tx))
	require.NoError(t, s.AddTransaction(tx))

	balance, err := s.CalculateBalance("A")
	require.NoError(t, err)
	require.Equal(t, int64(5000), balance)

	utxos, err := s.UnspentTransactions("A")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
}

func TestAddTransactionReplacesStaleRows(t *testing.T) {
	s := newTestStore(t)
	mb := addMerkleBlock(t, s, 100, 1, time.Unix(1_700_000_000, 0))

	require.NoError(t, s.AddTransaction(Transaction{
		TxID:      "tx1",
		BlockHash: mb.Hash,
		Outputs:   []TxOut{{OutputIndex: 0, Value: 1000, Address: "A"}},
	}))
	require.NoError(t, s.AddTransaction(Transaction{
		TxID:      "tx1",
		BlockHash: mb.Hash,
		Outputs:   []TxOut{{OutputIndex: 0, Value: 2000, Address: "B"}},
	}))

	balanceA, err := s.CalculateBalance("A")
	require.NoError(t, err)
	require.Equal(t, int64(0), balanceA)

	balanceB, err := s.CalculateBalance("B")
	require.NoError(t, err)
	require.Equal(t, int64(2000), balanceB)
}

func TestAddMerkleBlockWithTransactionsStoresBlockAndAllTransactions(t *testing.T) {
	s := newTestStore(t)
	mb := MerkleBlock{
		Header: Header{
			Hash:       hashOf(1),
			PrevHash:   hashOf(0),
			MerkleRoot: hashOf(101),
			Timestamp:  time.Unix(1_700_000_000, 0),
			Bits:       0x1d00ffff,
		},
		Height:            100,
		TotalTransactions: 2,
	}
	txs := []Transaction{
		{TxID: "tx1", BlockHash: mb.Hash, Outputs: []TxOut{{OutputIndex: 0, Value: 1000, Address: "A"}}},
		{TxID: "tx2", BlockHash: mb.Hash, Outputs: []TxOut{{OutputIndex: 0, Value: 2000, Address: "B"}}},
	}
	require.NoError(t, s.AddMerkleBlockWithTransactions(mb, txs))

	height, ok, err := s.LatestBlockHeight()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(100), height)

	balanceA, err := s.CalculateBalance("A")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balanceA)

	balanceB, err := s.CalculateBalance("B")
	require.NoError(t, err)
	require.Equal(t, int64(2000), balanceB)
}

func TestLatestBlockUnknownWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.LatestBlockHeight()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConfirmationsTrackLatestHeight(t *testing.T) {
	s := newTestStore(t)
	ts1 := time.Unix(1_700_000_000, 0)
	mb1 := addMerkleBlock(t, s, 100, 1, ts1)
	require.NoError(t, s.AddTransaction(Transaction{
		TxID:      "tx1",
		BlockHash: mb1.Hash,
		Outputs:   []TxOut{{OutputIndex: 0, Value: 5000, Address: "A"}},
	}))

	payments, err := s.Transactions("A")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, int32(0), payments[0].Confirmations)

	utxos, err := s.UnspentTransactions("A")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, int32(0), utxos[0].Confirmations)

	tx, ok, err := s.Transaction("tx1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(0), tx.Confirmations)

	addMerkleBlock(t, s, 105, 2, time.Unix(1_700_000_600, 0))

	payments, err = s.Transactions("A")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, int32(5), payments[0].Confirmations)

	utxos, err = s.UnspentTransactions("A")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, int32(5), utxos[0].Confirmations)

	tx, ok, err = s.Transaction("tx1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(5), tx.Confirmations)
}
