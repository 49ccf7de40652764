package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	require.Equal(t, "ready", Ready.String())
	require.Equal(t, "dropped", Dropped.String())
	require.Equal(t, "unknown", State(99).String())
}

func TestHasBadPrefix(t *testing.T) {
	prefixes := []string{"Bitcoin ABC:0.16"}

	require.True(t, hasBadPrefix("Bitcoin ABC:0.16.2", prefixes))
	require.False(t, hasBadPrefix("Satoshi:0.21.0", prefixes))
	require.False(t, hasBadPrefix("Bitcoin AB", prefixes))
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	require.Equal(t, 15*time.Second, cfg.handshakeTimeout())
	require.Equal(t, 60*time.Second, cfg.idleTimeout())
	require.Equal(t, 30*time.Second, cfg.pongTimeout())

	cfg.HandshakeTimeout = 3 * time.Second
	cfg.IdleTimeout = 5 * time.Second
	cfg.PongTimeout = 2 * time.Second
	require.Equal(t, 3*time.Second, cfg.handshakeTimeout())
	require.Equal(t, 5*time.Second, cfg.idleTimeout())
	require.Equal(t, 2*time.Second, cfg.pongTimeout())
}

func TestNewPeerStartsDisconnected(t *testing.T) {
	p := New(Config{})
	require.Equal(t, Disconnected, p.State())
}

func TestHandshakeTimedOutDropsPeerStuckBeforeReady(t *testing.T) {
	p := New(Config{HandshakeTimeout: 10 * time.Millisecond})
	p.setState(VersionSent)
	p.events = make(chan Event, 1)

	p.handshakeTimedOut()

	require.Equal(t, Dropped, p.State())
	evt := <-p.events
	require.Equal(t, EventDropped, evt.Kind)
	require.Error(t, evt.Err)
}

func TestHandshakeTimedOutNoopOnceReady(t *testing.T) {
	p := New(Config{HandshakeTimeout: 10 * time.Millisecond})
	p.setState(Ready)

	p.handshakeTimedOut()

	require.Equal(t, Ready, p.State())
}
