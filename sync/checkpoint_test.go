package sync

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/coinwatch/spvsync/chainparams"
	"github.com/coinwatch/spvsync/peer"
)

func TestNewCheckpointSyncerStartsFromLatestCheckpoint(t *testing.T) {
	params, err := chainparams.ByName(chainparams.BitcoinMainNet)
	require.NoError(t, err)
	latest, ok := params.LatestCheckpoint()
	require.True(t, ok)

	c := NewCheckpointSyncer(params, t.TempDir(), 4, nil)
	require.Equal(t, latest.Height, c.lastHeight)
	require.Equal(t, latest.Hash, c.lastHash)
}

func TestCheckpointSyncerFoldsHeadersThenFiresOnFinish(t *testing.T) {
	params, err := chainparams.ByName(chainparams.BitcoinMainNet)
	require.NoError(t, err)

	var fired chainparams.Checkpoint
	fireCount := 0
	c := NewCheckpointSyncer(params, t.TempDir(), 4, func(cp chainparams.Checkpoint) {
		fired = cp
		fireCount++
	})
	startHeight := c.lastHeight

	h1 := &wire.BlockHeader{Version: 1}
	h2 := &wire.BlockHeader{Version: 2}

	done := c.fold(peer.Event{Kind: peer.EventHeaders, Headers: []*wire.BlockHeader{h1, h2}})
	require.False(t, done)
	step := int32(params.CheckpointInterval)
	require.Equal(t, (startHeight/step+2)*step, c.lastHeight)
	require.Equal(t, h2.BlockHash(), c.lastHash)

	done = c.fold(peer.Event{Kind: peer.EventSynced})
	require.True(t, done)
	require.Equal(t, 1, fireCount)
	require.Equal(t, c.lastHeight, fired.Height)
	require.Equal(t, c.lastHash, fired.Hash)
}
