package peergroup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coinwatch/spvsync/peer"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	require.Equal(t, 8, cfg.maxConnections())

	cfg.MaxConnections = 3
	require.Equal(t, 3, cfg.maxConnections())

	require.NotNil(t, cfg.lookup())
}

func TestNewGroupStartsEmpty(t *testing.T) {
	g := New(Config{})
	require.Empty(t, g.Peers())
}

func TestSendTransactionQueuesWhenNoPeers(t *testing.T) {
	g := New(Config{})
	g.SendTransaction(nil)

	g.mu.Lock()
	defer g.mu.Unlock()
	require.Len(t, g.pendingTxs, 1)
}

func TestHandleDroppedDoesNotPromoteNonReadyPeer(t *testing.T) {
	g := New(Config{})

	promoted := make(chan *peer.Peer, 1)
	g.cfg.OnPromote = func(p *peer.Peer) { promoted <- p }

	syncer := peer.New(peer.Config{})
	backup := peer.New(peer.Config{})

	g.peers[1] = &member{id: 1, peer: syncer}
	g.peers[2] = &member{id: 2, peer: backup}
	g.syncerID = 1

	g.handleDropped(1)

	g.mu.Lock()
	_, stillTracked := g.peers[1]
	syncerID := g.syncerID
	g.mu.Unlock()

	require.False(t, stillTracked)
	// Neither remaining peer is in the Ready state (both freshly built,
	// never connected), so no promotion happens and the group is left
	// without a syncer until a Ready event arrives.
	require.NotEqual(t, uint64(1), syncerID)
	select {
	case <-promoted:
		t.Fatal("unexpected promotion of a non-Ready peer")
	default:
	}
}
