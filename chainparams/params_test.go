package chainparams

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	p, err := ByName(BitcoinMainNet)
	require.NoError(t, err)
	require.NotNil(t, p.Params)
	require.NotEmpty(t, p.Checkpoints)

	_, err = ByName("does-not-exist")
	require.Error(t, err)
}

func TestLatestCheckpoint(t *testing.T) {
	p, err := ByName(BitcoinTestNet)
	require.NoError(t, err)

	latest, ok := p.LatestCheckpoint()
	require.True(t, ok)
	require.Equal(t, p.Checkpoints[len(p.Checkpoints)-1].Height, latest.Height)
}

func TestScheme(t *testing.T) {
	p, err := ByName(BitcoinMainNet)
	require.NoError(t, err)

	scheme, name := p.Scheme()
	require.Equal(t, "btc", scheme)
	require.Equal(t, "mainnet", name)
}

func TestCheckpointBefore(t *testing.T) {
	p, err := ByName(BitcoinMainNet)
	require.NoError(t, err)

	cp, ok := p.CheckpointBefore(0)
	require.False(t, ok)
	require.Zero(t, cp.Height)

	cp, ok = p.CheckpointBefore(1 << 30)
	require.True(t, ok)
	require.Equal(t, p.Checkpoints[len(p.Checkpoints)-1].Height, cp.Height)
}
