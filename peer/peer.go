// Package peer owns a single TCP connection to a network node: it
// drives the version/verack handshake, idle/pong liveness checks, and
// bloom-filter-gated header/merkle-block sync for that one connection,
// and reports everything it sees to its controller as a stream of
// Events. It is a thin state machine layered over btcd/peer, which
// already speaks the wire handshake; this package adds the
// application-level states (Ready, Syncing, Dropped) and the sync
// commands a controller issues against them.
package peer

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcdpeer "github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"

	"github.com/coinwatch/spvsync/spverrors"
)

// State is this peer's position in its connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	VersionSent
	VersionAcked
	Ready
	Syncing
	Dropped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case VersionSent:
		return "version_sent"
	case VersionAcked:
		return "version_acked"
	case Ready:
		return "ready"
	case Syncing:
		return "syncing"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// EventKind tags the payload carried by an Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDropped
	EventHeaders
	EventMerkleBlock
	EventTx
	EventSynced
	EventReject
)

// Event is one item in the stream a Peer reports to its controller.
// Only the field matching Kind is populated.
type Event struct {
	Kind        EventKind
	Headers     []*wire.BlockHeader
	MerkleBlock *wire.MsgMerkleBlock
	Tx          *wire.MsgTx
	Err         error
}

const (
	// falsePositiveRate is the fixed BIP37 false-positive rate every
	// filter this package installs is sized for.
	falsePositiveRate = 0.00005

	// bloomHashFuncs is the fixed hash function count every filter this
	// package installs uses.
	bloomHashFuncs = 11

	// maxHeadersPerBatch is the largest headers response the wire
	// protocol allows in one message.
	maxHeadersPerBatch = 2000
)

// Config configures a Peer's handshake and liveness parameters.
type Config struct {
	ChainParams          *chaincfg.Params
	UserAgentName        string
	UserAgentVersion     string
	BadUserAgentPrefixes []string
	HandshakeTimeout     time.Duration
	IdleTimeout          time.Duration
	PongTimeout          time.Duration
	NewestBlock          func() (*chainhash.Hash, int32, error)
}

func (c *Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return 15 * time.Second
}

func (c *Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return 60 * time.Second
}

func (c *Config) pongTimeout() time.Duration {
	if c.PongTimeout > 0 {
		return c.PongTimeout
	}
	return 30 * time.Second
}

// Peer is a single outbound connection.
type Peer struct {
	cfg    Config
	events chan Event

	mu    sync.Mutex
	state State

	btcdPeer *btcdpeer.Peer

	idleTimer      *time.Timer
	pongTimer      *time.Timer
	handshakeTimer *time.Timer

	onlyCheckpoints bool
	checkpointStep  uint32
	lastReportedHt  int32
}

// New builds a Peer that will connect to addr once Connect is called.
func New(cfg Config) *Peer {
	return &Peer{
		cfg:    cfg,
		events: make(chan Event, 64),
		state:  Disconnected,
	}
}

// Events is the stream of everything this peer reports to its
// controller. The channel is closed once the peer reaches Dropped and
// has finished notifying.
func (p *Peer) Events() <-chan Event { return p.events }

// State returns the peer's current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Addr returns the remote address, once connected.
func (p *Peer) Addr() string {
	if p.btcdPeer == nil {
		return ""
	}
	return p.btcdPeer.Addr()
}

// UserAgent returns the remote's advertised user agent, once known.
func (p *Peer) UserAgent() string {
	if p.btcdPeer == nil {
		return ""
	}
	return p.btcdPeer.UserAgent()
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Connect dials addr and begins the handshake. It returns once the
// underlying connection attempt has started; handshake completion is
// reported asynchronously via Events (EventConnected) or a transition
// to Dropped.
func (p *Peer) Connect(addr string) error {
	bp, err := p.newOutboundPeer(addr)
	if err != nil {
		return err
	}

	go func() {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			p.drop(spverrors.NewWireError("connect", err))
			return
		}
		bp.AssociateConnection(conn)
		bp.WaitForDisconnect()
		p.drop(fmt.Errorf("connection closed"))
	}()

	return nil
}

// ConnectWithConn wires this peer to an already-established connection
// (dialed by a PeerGroup's connection manager) instead of dialing
// addr itself. This is the path connmgr.Config's OnConnection callback
// uses, mirroring how a ChainService.outboundPeerConnected hands a
// live net.Conn to a freshly built peer.
func (p *Peer) ConnectWithConn(addr string, conn net.Conn) error {
	bp, err := p.newOutboundPeer(addr)
	if err != nil {
		return err
	}

	bp.AssociateConnection(conn)

	go func() {
		bp.WaitForDisconnect()
		p.drop(fmt.Errorf("connection closed"))
	}()

	return nil
}

func (p *Peer) newOutboundPeer(addr string) (*btcdpeer.Peer, error) {
	p.setState(Connecting)

	peerCfg := &btcdpeer.Config{
		NewestBlock:      p.cfg.NewestBlock,
		UserAgentName:    p.cfg.UserAgentName,
		UserAgentVersion: p.cfg.UserAgentVersion,
		ChainParams:      p.cfg.ChainParams,
		ProtocolVersion:  wire.ProtocolVersion,
		DisableRelayTx:   true,
		Listeners: btcdpeer.MessageListeners{
			OnVersion:     p.onVersion,
			OnVerAck:      p.onVerAck,
			OnPing:        p.onPing,
			OnPong:        p.onPong,
			OnHeaders:     p.onHeaders,
			OnMerkleBlock: p.onMerkleBlock,
			OnTx:          p.onTx,
			OnReject:      p.onReject,
			OnRead:        p.onRead,
		},
	}

	bp, err := btcdpeer.NewOutboundPeer(peerCfg, addr)
	if err != nil {
		p.setState(Dropped)
		return nil, spverrors.NewWireError("connect", err)
	}
	p.btcdPeer = bp

	p.setState(VersionSent)
	p.resetIdleTimer()

	p.mu.Lock()
	p.handshakeTimer = time.AfterFunc(p.cfg.handshakeTimeout(), p.handshakeTimedOut)
	p.mu.Unlock()

	return bp, nil
}

// handshakeTimedOut drops the peer if the version/verack exchange
// hasn't reached Ready within Config.HandshakeTimeout.
func (p *Peer) handshakeTimedOut() {
	if p.State() == Ready || p.State() == Dropped {
		return
	}
	p.drop(spverrors.NewTimeoutError("handshake", p.cfg.handshakeTimeout().String()))
}

// StartSync installs a bloom filter built from elements and requests
// headers after latestHash. When onlyCheckpoints is true the peer
// reports header hashes only at checkpoint-interval heights and never
// fetches merkle-blocks, transitioning through EventSynced once headers
// reach the remote's advertised tip.
func (p *Peer) StartSync(elements [][]byte, latestHash chainhash.Hash, latestHeight int32, onlyCheckpoints bool, checkpointInterval uint32) error {
	if p.State() != Ready {
		return spverrors.NewProtocolError("start_sync", fmt.Errorf("peer not ready: %s", p.State()))
	}

	p.onlyCheckpoints = onlyCheckpoints
	p.checkpointStep = checkpointInterval
	p.lastReportedHt = latestHeight
	p.setState(Syncing)

	if !onlyCheckpoints {
		if err := p.installFilter(elements); err != nil {
			return err
		}
	}

	return p.requestHeaders(latestHash)
}

// installFilter builds and loads a BIP37 bloom filter sized for
// len(elements), with the false-positive rate and hash-function count
// spec.md fixes, and a random tweak.
func (p *Peer) installFilter(elements [][]byte) error {
	var tweak [4]byte
	if _, err := rand.Read(tweak[:]); err != nil {
		return spverrors.NewProtocolError("start_sync", err)
	}

	sized := bloom.NewFilter(
		uint32(len(elements)), binary.LittleEndian.Uint32(tweak[:]),
		falsePositiveRate, wire.BloomUpdateAll,
	).MsgFilterLoad()
	filter := bloom.LoadFilter(&wire.MsgFilterLoad{
		Filter:    sized.Filter,
		HashFuncs: bloomHashFuncs,
		Tweak:     sized.Tweak,
		Flags:     sized.Flags,
	})
	for _, el := range elements {
		filter.Add(el)
	}

	p.btcdPeer.QueueMessage(filter.MsgFilterLoad(), nil)
	return nil
}

// requestHeaders sends getheaders with a single-hash locator rooted at
// after.
func (p *Peer) requestHeaders(after chainhash.Hash) error {
	msg := wire.NewMsgGetHeaders()
	msg.BlockLocatorHashes = []*chainhash.Hash{&after}
	msg.HashStop = chainhash.Hash{}
	p.btcdPeer.QueueMessage(msg, nil)
	return nil
}

// RequestHeaders is requestHeaders exported for the sync controller,
// which re-anchors the header walk here on a chain discontinuity.
func (p *Peer) RequestHeaders(after chainhash.Hash) error {
	return p.requestHeaders(after)
}

// SendTransaction relays tx to this peer.
func (p *Peer) SendTransaction(tx *wire.MsgTx) error {
	if p.btcdPeer == nil {
		return spverrors.NewProtocolError("send_transaction", fmt.Errorf("not connected"))
	}
	p.btcdPeer.QueueMessage(tx, nil)
	return nil
}

// Disconnect severs the connection and moves the peer to Dropped.
func (p *Peer) Disconnect() {
	if p.btcdPeer != nil {
		p.btcdPeer.Disconnect()
	}
	p.drop(nil)
}

func (p *Peer) drop(err error) {
	prev := p.State()
	if prev == Dropped {
		return
	}
	p.setState(Dropped)
	p.stopTimers()
	log.Debugf("dropping peer %s: %v", p.Addr(), err)
	p.emit(Event{Kind: EventDropped, Err: err})
	close(p.events)
}

func (p *Peer) emit(e Event) {
	defer func() { recover() }() // guards a send racing a concurrent drop/close
	select {
	case p.events <- e:
	default:
	}
}

func (p *Peer) onVersion(_ *btcdpeer.Peer, msg *wire.MsgVersion) *wire.MsgReject {
	if hasBadPrefix(msg.UserAgent, p.cfg.BadUserAgentPrefixes) {
		log.Warnf("rejecting %s: blocked user agent %q", p.Addr(), msg.UserAgent)
		p.drop(fmt.Errorf("blocked user agent %q", msg.UserAgent))
	}
	return nil
}

// hasBadPrefix reports whether userAgent starts with any of prefixes,
// the mechanism spec.md uses to reject known-incompatible full nodes
// (e.g. "Bitcoin ABC:0.16") during the handshake.
func hasBadPrefix(userAgent string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if len(userAgent) >= len(prefix) && userAgent[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func (p *Peer) onVerAck(_ *btcdpeer.Peer, _ *wire.MsgVerAck) {
	if p.State() != VersionSent {
		return
	}
	p.setState(Ready)
	p.mu.Lock()
	if p.handshakeTimer != nil {
		p.handshakeTimer.Stop()
	}
	p.mu.Unlock()
	log.Infof("handshake complete with %s (%s)", p.Addr(), p.UserAgent())
	p.emit(Event{Kind: EventConnected})
}

func (p *Peer) onPing(_ *btcdpeer.Peer, _ *wire.MsgPing) {
	p.resetIdleTimer()
}

func (p *Peer) onPong(_ *btcdpeer.Peer, _ *wire.MsgPong) {
	p.mu.Lock()
	if p.pongTimer != nil {
		p.pongTimer.Stop()
		p.pongTimer = nil
	}
	p.mu.Unlock()
	p.resetIdleTimer()
}

func (p *Peer) onRead(_ *btcdpeer.Peer, _ int, _ wire.Message, _ error) {
	p.resetIdleTimer()
}

func (p *Peer) onReject(_ *btcdpeer.Peer, msg *wire.MsgReject) {
	p.emit(Event{Kind: EventReject, Err: fmt.Errorf("reject: %s: %s", msg.Cmd, msg.Reason)})
}

func (p *Peer) onHeaders(_ *btcdpeer.Peer, msg *wire.MsgHeaders) {
	if len(msg.Headers) == 0 {
		if p.onlyCheckpoints {
			p.emit(Event{Kind: EventSynced})
		}
		return
	}

	if p.onlyCheckpoints {
		p.reportCheckpointHeaders(msg.Headers)
	} else {
		p.emit(Event{Kind: EventHeaders, Headers: msg.Headers})
		p.dispatchMerkleBlockRequests(msg.Headers)
	}

	if len(msg.Headers) < maxHeadersPerBatch {
		last := msg.Headers[len(msg.Headers)-1]
		if p.onlyCheckpoints {
			p.emit(Event{Kind: EventSynced})
			return
		}
		hash := last.BlockHash()
		_ = p.requestHeaders(hash)
	} else {
		last := msg.Headers[len(msg.Headers)-1]
		_ = p.requestHeaders(last.BlockHash())
	}
}

// reportCheckpointHeaders emits only the headers landing on a
// checkpoint-interval height, tracked purely by counting headers
// received since lastReportedHt; the count is exact only while each
// batch continues directly from the previous one.
func (p *Peer) reportCheckpointHeaders(headers []*wire.BlockHeader) {
	if p.checkpointStep == 0 {
		p.checkpointStep = 2016
	}
	for _, h := range headers {
		p.lastReportedHt++
		if uint32(p.lastReportedHt)%p.checkpointStep == 0 {
			p.emit(Event{Kind: EventHeaders, Headers: []*wire.BlockHeader{h}})
		}
	}
}

// dispatchMerkleBlockRequests issues getdata for filtered merkle-blocks
// over every header just received.
func (p *Peer) dispatchMerkleBlockRequests(headers []*wire.BlockHeader) {
	getData := wire.NewMsgGetData()
	for _, h := range headers {
		hash := h.BlockHash()
		_ = getData.AddInvVect(wire.NewInvVect(wire.InvTypeFilteredBlock, &hash))
	}
	p.btcdPeer.QueueMessage(getData, nil)
}

func (p *Peer) onMerkleBlock(_ *btcdpeer.Peer, msg *wire.MsgMerkleBlock) {
	p.emit(Event{Kind: EventMerkleBlock, MerkleBlock: msg})
}

func (p *Peer) onTx(_ *btcdpeer.Peer, msg *wire.MsgTx) {
	p.emit(Event{Kind: EventTx, Tx: msg})
}

func (p *Peer) resetIdleTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Dropped {
		return
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(p.cfg.idleTimeout(), p.sendKeepalive)
}

func (p *Peer) sendKeepalive() {
	if p.State() == Dropped || p.btcdPeer == nil {
		return
	}
	var nonceBuf [8]byte
	_, _ = rand.Read(nonceBuf[:])
	nonce := binary.LittleEndian.Uint64(nonceBuf[:]) % math.MaxInt64
	p.btcdPeer.QueueMessage(wire.NewMsgPing(nonce), nil)

	p.mu.Lock()
	p.pongTimer = time.AfterFunc(p.cfg.pongTimeout(), func() {
		p.drop(spverrors.NewTimeoutError("pong", p.cfg.pongTimeout().String()))
	})
	p.mu.Unlock()
}

func (p *Peer) stopTimers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	if p.pongTimer != nil {
		p.pongTimer.Stop()
	}
	if p.handshakeTimer != nil {
		p.handshakeTimer.Stop()
	}
}
