package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenEncryptedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.enc")

	s, err := OpenEncrypted(path, "correct horse battery staple")
	require.NoError(t, err)

	mb := addMerkleBlock(t, s, 100, 1, time.Unix(1_700_000_000, 0))
	require.NoError(t, s.AddTransaction(Transaction{
		TxID:      "tx1",
		BlockHash: mb.Hash,
		Outputs:   []TxOut{{OutputIndex: 0, Value: 5000, Address: "A"}},
	}))
	require.NoError(t, s.Close())

	reopened, err := OpenEncrypted(path, "correct horse battery staple")
	require.NoError(t, err)
	defer reopened.Close()

	balance, err := reopened.CalculateBalance("A")
	require.NoError(t, err)
	require.Equal(t, int64(5000), balance)
}

func TestOpenEncryptedWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.enc")

	s, err := OpenEncrypted(path, "right passphrase")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = OpenEncrypted(path, "wrong passphrase")
	require.Error(t, err)
}
