// Package peergroup maintains the pool of connected peers, elects the
// single peer responsible for driving sync at any moment, and fans
// outbound transactions out to every connected peer. It is built on
// btcd's connmgr/addrmgr pair, the same connection-lifecycle and
// address-book machinery a full node's peer-to-peer layer uses.
package peergroup

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/addrmgr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/coinwatch/spvsync/peer"
	"github.com/coinwatch/spvsync/spverrors"
)

// requiredServices is the service bit set every candidate peer and DNS
// seed result must advertise: a full node capable of serving filtered
// blocks.
const requiredServices = wire.SFNodeNetwork | wire.SFNodeBloom

// LookupFunc resolves a hostname to a set of IPs, used for DNS seed
// discovery.
type LookupFunc func(host string) ([]net.IP, error)

// Config configures a PeerGroup.
type Config struct {
	ChainParams    *chaincfg.Params
	MaxConnections int
	DataDir        string
	Lookup         LookupFunc
	PeerConfig     peer.Config

	// OnPromote is called, synchronously and without the group's lock
	// held, whenever a peer becomes the syncer. The caller is expected
	// to invoke p.StartSync(...) on it.
	OnPromote func(p *peer.Peer)
}

func (c *Config) maxConnections() int {
	if c.MaxConnections > 0 {
		return c.MaxConnections
	}
	return 8
}

func (c *Config) lookup() LookupFunc {
	if c.Lookup != nil {
		return c.Lookup
	}
	return net.LookupIP
}

// PeerInfo is a diagnostic snapshot of one connected peer.
type PeerInfo struct {
	Addr      string
	UserAgent string
	State     peer.State
	IsSyncer  bool
}

type member struct {
	id   uint64
	peer *peer.Peer
	req  *connmgr.ConnReq
}

type taggedEvent struct {
	peerID uint64
	event  peer.Event
}

// PeerGroup owns the pool of peers, the connection manager driving it,
// and the address book fed by DNS seeds.
type PeerGroup struct {
	cfg Config

	addrManager *addrmgr.AddrManager
	connManager *connmgr.ConnManager

	mu         sync.Mutex
	peers      map[uint64]*member
	syncerID   uint64
	pendingTxs []*wire.MsgTx

	allEvents chan taggedEvent
	eventOut  chan peer.Event

	eg     *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a PeerGroup. Call Start to begin dialing peers.
func New(cfg Config) *PeerGroup {
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	return &PeerGroup{
		cfg:       cfg,
		peers:     make(map[uint64]*member),
		allEvents: make(chan taggedEvent, 256),
		eventOut:  make(chan peer.Event, 256),
		eg:        eg,
		ctx:       egCtx,
		cancel:    cancel,
	}
}

// Events yields the events reported by whichever peer currently holds
// the syncer role. If the syncer is dropped and a new one is promoted,
// this stream transparently switches sources.
func (g *PeerGroup) Events() <-chan peer.Event { return g.eventOut }

// Start begins DNS seed discovery and connection management.
func (g *PeerGroup) Start() error {
	amgr := addrmgr.New(g.cfg.DataDir, net.LookupIP)
	amgr.Start()
	g.addrManager = amgr

	connmgr.SeedFromDNS(g.cfg.ChainParams, requiredServices, g.cfg.lookup(),
		func(addrs []*wire.NetAddress) {
			if len(addrs) == 0 {
				return
			}
			for _, addr := range addrs {
				addr.Services = requiredServices
			}
			amgr.AddAddresses(addrs, addrs[0])
		})

	cmgrCfg := &connmgr.Config{
		TargetOutbound:  uint32(g.cfg.maxConnections()),
		RetryDuration:   5 * time.Second,
		OnConnection:    g.onConnection,
		OnDisconnection: g.onDisconnection,
		GetNewAddress:   g.getNewAddress,
		Dial:            net.Dial,
	}
	cmgr, err := connmgr.New(cmgrCfg)
	if err != nil {
		return spverrors.NewProtocolError("peergroup_start", err)
	}
	g.connManager = cmgr

	g.eg.Go(g.dispatch)
	cmgr.Start()
	return nil
}

// Stop tears down every connection and the connection manager, then
// blocks until the dispatch loop and every per-peer forward goroutine
// spawned under g.eg have actually exited.
func (g *PeerGroup) Stop() {
	g.cancel()
	if g.connManager != nil {
		g.connManager.Stop()
	}
	if g.addrManager != nil {
		g.addrManager.Stop()
	}
	if err := g.eg.Wait(); err != nil {
		log.Warnf("peergroup: goroutine group exited with error: %v", err)
	}
}

func (g *PeerGroup) getNewAddress() (net.Addr, error) {
	g.mu.Lock()
	connected := make(map[string]struct{}, len(g.peers))
	for _, m := range g.peers {
		connected[m.peer.Addr()] = struct{}{}
	}
	g.mu.Unlock()

	for tries := 0; tries < 50; tries++ {
		ka := g.addrManager.GetAddress()
		if ka == nil {
			break
		}
		na := ka.NetAddress()
		addrStr := net.JoinHostPort(na.IP.String(), fmt.Sprintf("%d", na.Port))
		if _, ok := connected[addrStr]; ok {
			continue
		}
		g.addrManager.Attempt(na)
		return &net.TCPAddr{IP: na.IP, Port: int(na.Port)}, nil
	}
	return nil, fmt.Errorf("peergroup: no candidate address available")
}

// onConnection is connmgr's callback once a dial succeeds. It wires a
// fresh Peer to the live connection and starts forwarding its events.
func (g *PeerGroup) onConnection(c *connmgr.ConnReq, conn net.Conn) {
	p := peer.New(g.cfg.PeerConfig)
	id := c.ID()

	g.mu.Lock()
	g.peers[id] = &member{id: id, peer: p, req: c}
	g.mu.Unlock()

	g.eg.Go(func() error { return g.forward(id, p) })

	if err := p.ConnectWithConn(c.Addr.String(), conn); err != nil {
		g.mu.Lock()
		delete(g.peers, id)
		g.mu.Unlock()
	}
}

func (g *PeerGroup) onDisconnection(c *connmgr.ConnReq) {
	g.mu.Lock()
	m, ok := g.peers[c.ID()]
	g.mu.Unlock()
	if ok {
		m.peer.Disconnect()
	}
}

// forward relays a single peer's events into the group's shared event
// stream until the peer's channel closes or the group is shutting
// down. It runs under g.eg: a dropped peer is expected and recoverable
// per the propagation policy, so forward always returns nil rather
// than an error that would tear down its sibling goroutines.
func (g *PeerGroup) forward(id uint64, p *peer.Peer) error {
	for evt := range p.Events() {
		select {
		case g.allEvents <- taggedEvent{peerID: id, event: evt}:
		case <-g.ctx.Done():
			return nil
		}
	}
	return nil
}

// dispatch is the group's single serialized coordination loop: it is
// the only goroutine that handles peer events, so syncer election
// never runs concurrently with itself. The peer map is also read and
// written by connmgr's callbacks and the exported methods, always
// under g.mu. It runs under g.eg alongside every forward goroutine, so Stop's
// g.eg.Wait doesn't return until dispatch has actually drained and
// exited.
func (g *PeerGroup) dispatch() error {
	for {
		select {
		case tagged := <-g.allEvents:
			g.handle(tagged)
		case <-g.ctx.Done():
			return nil
		}
	}
}

func (g *PeerGroup) handle(tagged taggedEvent) {
	switch tagged.event.Kind {
	case peer.EventConnected:
		g.handleConnected(tagged.peerID)
	case peer.EventDropped:
		g.handleDropped(tagged.peerID)
	}

	g.mu.Lock()
	isSyncer := tagged.peerID == g.syncerID
	g.mu.Unlock()
	if isSyncer {
		select {
		case g.eventOut <- tagged.event:
		case <-g.ctx.Done():
		}
	}
}

func (g *PeerGroup) handleConnected(id uint64) {
	g.mu.Lock()
	m, ok := g.peers[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	pending := g.pendingTxs
	g.pendingTxs = nil
	promote := g.syncerID == 0
	if promote {
		g.syncerID = id
	}
	g.mu.Unlock()

	for _, tx := range pending {
		_ = m.peer.SendTransaction(tx)
	}
	if promote {
		log.Infof("promoted %s to syncer", m.peer.Addr())
		if g.cfg.OnPromote != nil {
			g.cfg.OnPromote(m.peer)
		}
	}
}

func (g *PeerGroup) handleDropped(id uint64) {
	g.mu.Lock()
	delete(g.peers, id)
	wasSyncer := id == g.syncerID
	if wasSyncer {
		g.syncerID = 0
	}
	var next *member
	if wasSyncer {
		for _, m := range g.peers {
			if m.peer.State() == peer.Ready {
				next = m
				g.syncerID = m.id
				break
			}
		}
	}
	g.mu.Unlock()

	log.Debugf("peer %d dropped, was_syncer=%v", id, wasSyncer)

	if next != nil && g.cfg.OnPromote != nil {
		log.Infof("promoted %s to syncer after syncer drop", next.peer.Addr())
		g.cfg.OnPromote(next.peer)
	}
}

// SendTransaction fans tx out to every connected peer. If none are
// connected yet, it is queued and flushed to the first peer that
// becomes Ready.
func (g *PeerGroup) SendTransaction(tx *wire.MsgTx) {
	g.mu.Lock()
	if len(g.peers) == 0 {
		g.pendingTxs = append(g.pendingTxs, tx)
		g.mu.Unlock()
		return
	}
	members := make([]*member, 0, len(g.peers))
	for _, m := range g.peers {
		members = append(members, m)
	}
	g.mu.Unlock()

	for _, m := range members {
		_ = m.peer.SendTransaction(tx)
	}
}

// Peers returns a diagnostic snapshot of every currently tracked peer.
func (g *PeerGroup) Peers() []PeerInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]PeerInfo, 0, len(g.peers))
	for id, m := range g.peers {
		out = append(out, PeerInfo{
			Addr:      m.peer.Addr(),
			UserAgent: m.peer.UserAgent(),
			State:     m.peer.State(),
			IsSyncer:  id == g.syncerID,
		})
	}
	return out
}
