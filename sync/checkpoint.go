package sync

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/coinwatch/spvsync/chainparams"
	"github.com/coinwatch/spvsync/peer"
	"github.com/coinwatch/spvsync/peergroup"
)

// CheckpointSyncer is a degenerate PeerGroup that never fetches
// merkle-blocks: it walks the header chain reporting only hashes at
// checkpoint-interval heights, then reports the latest checkpoint it
// reached and stops. It shares the header-walk logic with full sync by
// driving the same Peer.StartSync(onlyCheckpoints=true) path; the only
// thing specific to this mode lives here, in how the resulting header
// events are folded into a running checkpoint.
type CheckpointSyncer struct {
	group  *peergroup.PeerGroup
	params *chainparams.Params

	onFinish func(chainparams.Checkpoint)

	lastHeight int32
	lastHash   chainhash.Hash
}

// NewCheckpointSyncer builds a syncer that dials up to maxConnections
// peers on the given network and calls onFinish once headers reach
// the peer's advertised tip.
func NewCheckpointSyncer(params *chainparams.Params, dataDir string, maxConnections int, onFinish func(chainparams.Checkpoint)) *CheckpointSyncer {
	c := &CheckpointSyncer{params: params, onFinish: onFinish}

	if cp, ok := params.LatestCheckpoint(); ok {
		c.lastHeight = cp.Height
		c.lastHash = cp.Hash
	}

	c.group = peergroup.New(peergroup.Config{
		ChainParams:    params.Params,
		MaxConnections: maxConnections,
		DataDir:        dataDir,
		PeerConfig: peer.Config{
			ChainParams: params.Params,
		},
		OnPromote: c.onPromote,
	})

	return c
}

// Start begins peer discovery and the checkpoint-only header walk.
func (c *CheckpointSyncer) Start() error {
	go c.consume()
	return c.group.Start()
}

// Stop tears down the underlying PeerGroup.
func (c *CheckpointSyncer) Stop() { c.group.Stop() }

func (c *CheckpointSyncer) onPromote(p *peer.Peer) {
	_ = p.StartSync(nil, c.lastHash, c.lastHeight, true, c.params.CheckpointInterval)
}

func (c *CheckpointSyncer) consume() {
	for evt := range c.group.Events() {
		if c.fold(evt) {
			return
		}
	}
}

// fold applies one event to the running checkpoint, firing onFinish
// and reporting done=true once the peer reports EventSynced. Split
// out from consume so it can be driven directly in tests without a
// live PeerGroup.
func (c *CheckpointSyncer) fold(evt peer.Event) (done bool) {
	switch evt.Kind {
	case peer.EventHeaders:
		step := int32(c.params.CheckpointInterval)
		if step == 0 {
			step = 2016
		}
		// The peer reports only headers whose height is a multiple of
		// step, so each one lands on the next multiple above lastHeight.
		for _, h := range evt.Headers {
			c.lastHash = h.BlockHash()
			c.lastHeight = (c.lastHeight/step + 1) * step
		}
	case peer.EventSynced:
		log.Infof("checkpoint walk reached tip at height %d (%s)", c.lastHeight, c.lastHash)
		if c.onFinish != nil {
			c.onFinish(chainparams.Checkpoint{Height: c.lastHeight, Hash: c.lastHash})
		}
		return true
	}
	return false
}
