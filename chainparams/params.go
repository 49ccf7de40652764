// Package chainparams describes the Bitcoin-family networks this
// library can synchronize against, and the checkpoints that bound the
// depth of a possible reorganization.
package chainparams

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Checkpoint is a known-good (height, block hash) pair built into the
// client as a trust anchor. Checkpoints are ordered by height.
type Checkpoint struct {
	Height int32
	Hash   chainhash.Hash
}

// Params describes one network: its wire magic, address version
// bytes, DNS seeds, genesis hash and checkpoint list. It embeds the
// upstream btcd network parameters so callers already familiar with
// that ecosystem type can use it directly, and adds the checkpoint
// cadence spec.md requires for checkpoint-only sync.
type Params struct {
	*chaincfg.Params

	// ID is the registry key this Params was registered under, e.g.
	// "btc-mainnet". Its "<scheme>-<name>" shape feeds the database
	// file naming convention through Scheme.
	ID string

	// Checkpoints are ordered ascending by height. The last entry is
	// the latest known checkpoint and bounds the sync start point.
	Checkpoints []Checkpoint

	// CheckpointInterval is the block height stride at which
	// CheckpointSyncer reports headers, e.g. 2016 for Bitcoin's
	// difficulty-adjustment cadence.
	CheckpointInterval uint32
}

// Scheme splits ID's "<scheme>-<name>" shape into its two parts, e.g.
// "btc-mainnet" yields ("btc", "mainnet"). Used to build the
// database file name convention in package config.
func (p *Params) Scheme() (scheme, name string) {
	for i := 0; i < len(p.ID); i++ {
		if p.ID[i] == '-' {
			return p.ID[:i], p.ID[i+1:]
		}
	}
	return p.ID, ""
}

// LatestCheckpoint returns the highest checkpoint known for this
// network, or false if none are configured.
func (p *Params) LatestCheckpoint() (Checkpoint, bool) {
	if len(p.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return p.Checkpoints[len(p.Checkpoints)-1], true
}

// CheckpointBefore returns the highest checkpoint at or below height.
func (p *Params) CheckpointBefore(height int32) (Checkpoint, bool) {
	var best Checkpoint
	found := false
	for _, cp := range p.Checkpoints {
		if cp.Height <= height && (!found || cp.Height > best.Height) {
			best = cp
			found = true
		}
	}
	return best, found
}

// Registered network identifiers, mirroring btcd's own Name fields but
// kept local so callers do not need to import chaincfg to select one.
const (
	BitcoinMainNet = "btc-mainnet"
	BitcoinTestNet = "btc-testnet3"
	BCHMainNet     = "bch-mainnet"
)

var registry = map[string]*Params{}

func register(name string, p *Params) {
	registry[name] = p
}

// ByName looks up a registered network by its short identifier.
func ByName(name string) (*Params, error) {
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("chainparams: unknown network %q", name)
	}
	return p, nil
}

// fromUpstream converts btcd's own checkpoint list (already validated
// hex, shipped with the library) into our Checkpoint type, taking only
// the entries at or below maxHeight so LatestCheckpoint stays a bounded
// trust anchor rather than the library's full historical list.
func fromUpstream(cps []chaincfg.Checkpoint, maxHeight int32) []Checkpoint {
	out := make([]Checkpoint, 0, len(cps))
	for _, cp := range cps {
		if cp.Height > maxHeight {
			break
		}
		out = append(out, Checkpoint{Height: cp.Height, Hash: *cp.Hash})
	}
	return out
}

func init() {
	register(BitcoinMainNet, &Params{
		Params:             &chaincfg.MainNetParams,
		ID:                 BitcoinMainNet,
		CheckpointInterval: 2016,
		Checkpoints:        fromUpstream(chaincfg.MainNetParams.Checkpoints, 250000),
	})

	register(BitcoinTestNet, &Params{
		Params:             &chaincfg.TestNet3Params,
		ID:                 BitcoinTestNet,
		CheckpointInterval: 2016,
		Checkpoints:        fromUpstream(chaincfg.TestNet3Params.Checkpoints, 400002),
	})

	// BCH kept Bitcoin's legacy base58 address version bytes and wire
	// magic diverged from BTC's only after the 2017 fork; genesis and
	// early-history checkpoints below the fork height are therefore
	// identical to BTC mainnet's.
	bchParams := chaincfg.MainNetParams
	bchParams.Name = "bch-mainnet"
	bchParams.Net = 0xe3e1f3e8
	bchParams.DNSSeeds = []chaincfg.DNSSeed{
		{Host: "seed.bitcoinabc.org", HasFiltering: false},
		{Host: "seed-abc.bitcoinforks.org", HasFiltering: false},
	}
	register(BCHMainNet, &Params{
		Params:             &bchParams,
		ID:                 BCHMainNet,
		CheckpointInterval: 2016,
		Checkpoints:        fromUpstream(chaincfg.MainNetParams.Checkpoints, 250000),
	})
}
