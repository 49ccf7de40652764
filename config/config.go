// Package config defines the recognized configuration surface: network
// descriptor, connection limits, database location and passphrase,
// user-agent string, and the handshake/idle/pong timeouts. There are
// no environment variables and no global state; everything a caller
// needs flows through a *Config value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/coinwatch/spvsync/chainparams"
)

const (
	defaultNetwork        = chainparams.BitcoinMainNet
	defaultMaxConnections = 8
	defaultUserAgentName  = "spvsync"
	defaultUserAgentVer   = "0.1.0"
	defaultHandshake      = 15 * time.Second
	defaultIdle           = 60 * time.Second
	defaultPong           = 30 * time.Second
	defaultDebugLevel     = "info"
)

// Config is every option this library's consumer applications
// recognize. Struct tags follow go-flags' convention so a host binary
// can embed this directly in its own flags.Parser.
type Config struct {
	Network        string `long:"network" description:"Network to synchronize against" choice:"btc-mainnet" choice:"btc-testnet3" choice:"bch-mainnet"`
	MaxConnections int    `long:"maxconnections" description:"Maximum number of simultaneous peer connections"`

	CachesDir          string `long:"cachesdir" description:"Directory the database file and address book are stored in"`
	DatabaseName       string `long:"dbname" description:"Optional override for the database file's base name"`
	DatabasePassphrase string `long:"dbpassphrase" description:"Passphrase enabling symmetric encryption of the database file"`

	UserAgentName    string `long:"useragentname" description:"User agent name announced in the version handshake"`
	UserAgentVersion string `long:"useragentversion" description:"User agent version announced in the version handshake"`

	HandshakeTimeout time.Duration `long:"handshaketimeout" description:"Time allowed for a peer's version/verack handshake to complete"`
	IdleTimeout      time.Duration `long:"idletimeout" description:"Time without any message from a peer before it is sent a ping"`
	PongTimeout      time.Duration `long:"pongtimeout" description:"Time allowed for a pong to answer a ping before the peer is dropped"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,... to set individual subsystem levels"`
}

// DefaultConfig returns a Config with every field set to its default
// value, the starting point LoadConfig parses command-line flags on
// top of.
func DefaultConfig() Config {
	return Config{
		Network:          defaultNetwork,
		MaxConnections:   defaultMaxConnections,
		CachesDir:        defaultCachesDir(),
		UserAgentName:    defaultUserAgentName,
		UserAgentVersion: defaultUserAgentVer,
		HandshakeTimeout: defaultHandshake,
		IdleTimeout:      defaultIdle,
		PongTimeout:      defaultPong,
		DebugLevel:       defaultDebugLevel,
	}
}

func defaultCachesDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".spvsync"
	}
	return filepath.Join(dir, "spvsync")
}

// LoadConfig parses os.Args against a fresh DefaultConfig, returning
// the resolved Config and the chainparams.Params its Network field
// selects.
func LoadConfig() (*Config, *chainparams.Params, error) {
	cfg := DefaultConfig()
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, nil, err
	}
	return Validate(&cfg)
}

// Validate resolves cfg.Network into a chainparams.Params and checks
// the remaining fields for sane values, filling in any zero-valued
// timeout with its default.
func Validate(cfg *Config) (*Config, *chainparams.Params, error) {
	params, err := chainparams.ByName(cfg.Network)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshake
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdle
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPong
	}
	if cfg.CachesDir == "" {
		cfg.CachesDir = defaultCachesDir()
	}
	return cfg, params, nil
}

// DatabasePath builds the database file location from cfg and params,
// following the "<caches-dir>/<optional-name>-<network-scheme>-<network-name>-blockchain.sqlite"
// naming convention.
func DatabasePath(cfg *Config, params *chainparams.Params) string {
	scheme, name := params.Scheme()
	base := fmt.Sprintf("%s-%s-blockchain.sqlite", scheme, name)
	if cfg.DatabaseName != "" {
		base = fmt.Sprintf("%s-%s-%s-blockchain.sqlite", cfg.DatabaseName, scheme, name)
	}
	return filepath.Join(cfg.CachesDir, base)
}
