// Command spvsync-cli is a small diagnostic binary: it can drive a
// sync against a chosen network, or answer balance/history queries
// against an already-populated database file, without a host
// application in the loop.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/coinwatch/spvsync/chainparams"
	"github.com/coinwatch/spvsync/config"
	"github.com/coinwatch/spvsync/peer"
	"github.com/coinwatch/spvsync/peergroup"
	"github.com/coinwatch/spvsync/store"
	"github.com/coinwatch/spvsync/sync"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "spvsync-cli: %v\n", err)
	os.Exit(1)
}

// sharedCfg and sharedParams are resolved by validateShared, which
// each command's Execute calls first, from the flags go-flags has
// already parsed into opts.
var (
	sharedCfg    *config.Config
	sharedParams *chainparams.Params
)

func openStore() (*store.Store, error) {
	path := config.DatabasePath(sharedCfg, sharedParams)
	if err := os.MkdirAll(sharedCfg.CachesDir, 0o755); err != nil {
		return nil, err
	}
	if sharedCfg.DatabasePassphrase != "" {
		return store.OpenEncrypted(path, sharedCfg.DatabasePassphrase)
	}
	return store.Open(path)
}

type balanceCmd struct {
	Args struct {
		Address string `positional-arg-name:"address" required:"true"`
	} `positional-args:"true"`
}

func (c *balanceCmd) Execute(_ []string) error {
	if err := validateShared(); err != nil {
		return err
	}
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	balance, err := s.CalculateBalance(c.Args.Address)
	if err != nil {
		return err
	}
	fmt.Printf("%d\n", balance)
	return nil
}

type historyCmd struct {
	Args struct {
		Address string `positional-arg-name:"address" required:"true"`
	} `positional-args:"true"`
}

func (c *historyCmd) Execute(_ []string) error {
	if err := validateShared(); err != nil {
		return err
	}
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	payments, err := s.Transactions(c.Args.Address)
	if err != nil {
		return err
	}
	for _, p := range payments {
		fmt.Printf("%s %s %d %s\n", p.TxID, p.State, p.Amount, p.Timestamp.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

type syncCmd struct{}

func (c *syncCmd) Execute(_ []string) error {
	if err := validateShared(); err != nil {
		return err
	}
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	controller, err := sync.NewController(s, sharedParams)
	if err != nil {
		return err
	}

	group := peergroup.New(peergroup.Config{
		ChainParams:    sharedParams.Params,
		MaxConnections: sharedCfg.MaxConnections,
		DataDir:        sharedCfg.CachesDir,
		PeerConfig: peer.Config{
			ChainParams:      sharedParams.Params,
			UserAgentName:    sharedCfg.UserAgentName,
			UserAgentVersion: sharedCfg.UserAgentVersion,
			HandshakeTimeout: sharedCfg.HandshakeTimeout,
			IdleTimeout:      sharedCfg.IdleTimeout,
			PongTimeout:      sharedCfg.PongTimeout,
		},
		OnPromote: func(p *peer.Peer) {
			controller.Attach(p)
			tip, height := controller.Tip()
			_ = p.StartSync(nil, tip, height, false, sharedParams.CheckpointInterval)
		},
	})

	go func() {
		for evt := range group.Events() {
			if err := controller.HandleEvent(evt); err != nil {
				cliLog.Errorf("event handling failed: %v", err)
			}
		}
	}()

	if err := group.Start(); err != nil {
		return err
	}
	defer group.Stop()

	cliLog.Infof("syncing against %s, waiting for interrupt", sharedParams.Name)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	cliLog.Info("interrupt received, shutting down")
	return nil
}

func isHelp(err error) bool {
	flagsErr, ok := err.(*flags.Error)
	return ok && flagsErr.Type == flags.ErrHelp
}

// opts holds the config flags every subcommand shares (network,
// database location, timeouts). Command.Execute reads it through
// sharedCfg/sharedParams once validated, since go-flags gives each
// command's Execute only its own leftover arguments.
var opts = config.DefaultConfig()

func validateShared() error {
	cfg, params, err := config.Validate(&opts)
	if err != nil {
		return err
	}
	if err := initLogging(cfg.CachesDir, cfg.DebugLevel); err != nil {
		return err
	}
	sharedCfg = cfg
	sharedParams = params
	return nil
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	commands := []struct {
		name, short, long string
		data              flags.Commander
	}{
		{"sync", "Synchronize against the network", "Connect to peers and stream matching transactions into the database until interrupted.", &syncCmd{}},
		{"balance", "Print an address's confirmed balance", "", &balanceCmd{}},
		{"history", "Print an address's transaction history", "", &historyCmd{}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			fatal(err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		if isHelp(err) {
			return
		}
		fatal(err)
	}
}
