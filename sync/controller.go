package sync

import (
	"fmt"
	stdsync "sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/coinwatch/spvsync/chainparams"
	"github.com/coinwatch/spvsync/extract"
	"github.com/coinwatch/spvsync/peer"
	"github.com/coinwatch/spvsync/spverrors"
	"github.com/coinwatch/spvsync/store"
)

// quiescenceWindow is how long the controller waits for a merkle-block's
// remaining matched transactions before committing what it has.
const quiescenceWindow = 10 * time.Second

// SyncPeer is the subset of peer.Peer the controller needs to drive
// header-chain realignment. Kept as an interface so the controller
// doesn't depend on peergroup's connection-lifecycle machinery.
type SyncPeer interface {
	RequestHeaders(after chainhash.Hash) error
}

// pendingBlock accumulates the transactions a merkle-block promised
// until either every one has arrived or the quiescence timer fires.
type pendingBlock struct {
	header       store.Header
	height       int32
	total        uint32
	expectedTxID map[chainhash.Hash]struct{}
	arrived      map[chainhash.Hash]*wire.MsgTx
	order        []chainhash.Hash
	timer        *time.Timer
}

// Controller is the Sync Controller: it consumes header, merkle-block,
// and transaction events from the syncing peer, validates and buffers
// them, and commits confirmed blocks and their transactions to the
// Store.
type Controller struct {
	store  *store.Store
	params *chainparams.Params

	mu         stdsync.Mutex
	tipHash    chainhash.Hash
	nextHeight int32
	realigning bool
	pending    *pendingBlock
	activePeer SyncPeer
	haltErr    error

	// quiescence overrides quiescenceWindow; tests shrink it so the
	// assembly-timeout path doesn't need a real 10s sleep.
	quiescence time.Duration
}

// NewController builds a Controller against an already-open store,
// picking up wherever that store's tip left off.
func NewController(s *store.Store, params *chainparams.Params) (*Controller, error) {
	c := &Controller{store: s, params: params, quiescence: quiescenceWindow}

	hash, ok, err := s.LatestBlockHash()
	if err != nil {
		return nil, err
	}
	height, _, err := s.LatestBlockHeight()
	if err != nil {
		return nil, err
	}
	if ok {
		c.tipHash = hash
		c.nextHeight = height + 1
	}
	return c, nil
}

// Attach records the peer currently responsible for driving sync, used
// to re-request headers on a chain discontinuity.
func (c *Controller) Attach(p SyncPeer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activePeer = p
	c.realigning = false
}

// Tip returns the controller's current persisted tip, used to build
// the parameters a newly promoted peer's StartSync call needs.
func (c *Controller) Tip() (chainhash.Hash, int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tipHash, c.nextHeight - 1
}

// HandleEvent processes one event from the syncing peer. Once a store
// write has failed, every subsequent call returns that error until the
// caller reopens the store and builds a new Controller.
func (c *Controller) HandleEvent(evt peer.Event) error {
	c.mu.Lock()
	if c.haltErr != nil {
		err := c.haltErr
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	switch evt.Kind {
	case peer.EventHeaders:
		return c.onHeaders(evt.Headers)
	case peer.EventMerkleBlock:
		return c.onMerkleBlock(evt.MerkleBlock)
	case peer.EventTx:
		return c.onTx(evt.Tx)
	default:
		return nil
	}
}

// onHeaders checks that each header extends the one before it, the
// first extending the controller's tip, and re-requests headers from
// the tip on the first break. Work bits are not checked against known
// checkpoints.
func (c *Controller) onHeaders(headers []*wire.BlockHeader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.tipHash
	for _, h := range headers {
		if prev != (chainhash.Hash{}) && h.PrevBlock != prev && !c.realigning {
			c.realigning = true
			log.Warnf("chain discontinuity at height %d, re-requesting headers from %s", c.nextHeight, c.tipHash)
			if c.activePeer != nil {
				return c.activePeer.RequestHeaders(c.tipHash)
			}
			return nil
		}
		prev = h.BlockHash()
	}
	return nil
}

// onMerkleBlock verifies the partial merkle tree, rejecting the block
// on a root mismatch, and opens a pendingBlock to accumulate its
// matching transactions.
func (c *Controller) onMerkleBlock(mb *wire.MsgMerkleBlock) error {
	c.mu.Lock()
	if c.realigning {
		c.mu.Unlock()
		return nil
	}
	height := c.nextHeight
	c.mu.Unlock()

	hashes := make([]chainhash.Hash, len(mb.Hashes))
	for i, h := range mb.Hashes {
		hashes[i] = *h
	}
	result, err := VerifyMerkleBlock(mb.Transactions, hashes, mb.Flags)
	if err != nil {
		return spverrors.NewProtocolError("merkleblock", err)
	}
	// A block committing to no transactions has no tree to check.
	if mb.Transactions != 0 && result.ComputedRoot != mb.Header.MerkleRoot {
		return spverrors.NewProtocolError("merkleblock",
			fmt.Errorf("merkle root mismatch at height %d", height))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		if err := c.commitPendingLocked(); err != nil {
			return err
		}
	}

	pb := &pendingBlock{
		header:       headerFromWire(&mb.Header),
		height:       height,
		total:        mb.Transactions,
		expectedTxID: make(map[chainhash.Hash]struct{}, len(result.MatchedTxIDs)),
		arrived:      make(map[chainhash.Hash]*wire.MsgTx),
	}
	for _, id := range result.MatchedTxIDs {
		pb.expectedTxID[id] = struct{}{}
		pb.order = append(pb.order, id)
	}
	c.pending = pb

	if len(pb.expectedTxID) == 0 {
		return c.commitPendingLocked()
	}

	pb.timer = time.AfterFunc(c.quiescence, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pending == pb {
			if err := c.commitPendingLocked(); err != nil {
				log.Errorf("quiescence commit failed at height %d: %v", pb.height, err)
			}
		}
	})
	return nil
}

func (c *Controller) onTx(tx *wire.MsgTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return nil
	}
	txID := tx.TxHash()
	if _, expected := c.pending.expectedTxID[txID]; !expected {
		return nil
	}
	c.pending.arrived[txID] = tx

	if len(c.pending.arrived) == len(c.pending.expectedTxID) {
		return c.commitPendingLocked()
	}
	return nil
}

// commitPendingLocked persists the pending block's matching
// transactions together with the merkle-block row itself as a single
// atomic write, so a reader can never observe the block recorded
// without all of its arrived transactions. A write failure halts the
// controller: it neither advances the tip nor accepts further events,
// so no block is ever recorded with missing transactions. Called with
// c.mu held.
func (c *Controller) commitPendingLocked() error {
	pb := c.pending
	c.pending = nil
	if pb == nil {
		return nil
	}
	if pb.timer != nil {
		pb.timer.Stop()
	}

	blockHash := pb.header.Hash

	txs := make([]store.Transaction, 0, len(pb.arrived))
	for _, txID := range pb.order {
		tx, ok := pb.arrived[txID]
		if !ok {
			continue
		}
		txs = append(txs, transactionFromWire(tx, blockHash, c.params.Params))
	}

	mb := store.MerkleBlock{
		Header:            pb.header,
		Height:            pb.height,
		TotalTransactions: pb.total,
	}
	if err := c.store.AddMerkleBlockWithTransactions(mb, txs); err != nil {
		log.Errorf("failed to commit block at height %d: %v", pb.height, err)
		c.haltErr = err
		return err
	}
	log.Debugf("committed block %s at height %d with %d/%d matched transactions",
		blockHash, pb.height, len(pb.arrived), len(pb.order))

	c.tipHash = blockHash
	c.nextHeight = pb.height + 1
	return nil
}

func headerFromWire(h *wire.BlockHeader) store.Header {
	return store.Header{
		Hash:       h.BlockHash(),
		Version:    h.Version,
		PrevHash:   h.PrevBlock,
		MerkleRoot: h.MerkleRoot,
		Timestamp:  h.Timestamp,
		Bits:       h.Bits,
		Nonce:      h.Nonce,
	}
}

func transactionFromWire(tx *wire.MsgTx, blockHash chainhash.Hash, params *chaincfg.Params) store.Transaction {
	out := store.Transaction{
		TxID:      tx.TxHash().String(),
		BlockHash: blockHash,
		Version:   tx.Version,
		LockTime:  tx.LockTime,
	}

	for i, in := range tx.TxIn {
		addr, _, _ := extract.InputAddress(in.SignatureScript, params)
		out.Inputs = append(out.Inputs, store.TxIn{
			InputIndex: uint32(i),
			PrevTxID:   in.PreviousOutPoint.Hash.String(),
			PrevIndex:  in.PreviousOutPoint.Index,
			Script:     in.SignatureScript,
			Sequence:   in.Sequence,
			Address:    addr,
		})
	}

	for i, o := range tx.TxOut {
		addr, _ := extract.OutputAddress(o.PkScript, params)
		out.Outputs = append(out.Outputs, store.TxOut{
			OutputIndex: uint32(i),
			Value:       o.Value,
			Script:      o.PkScript,
			Address:     addr,
		})
	}

	return out
}
