package main

import (
	"io"

	"github.com/btcsuite/btclog"

	"github.com/coinwatch/spvsync/build"
	"github.com/coinwatch/spvsync/peer"
	"github.com/coinwatch/spvsync/peergroup"
	"github.com/coinwatch/spvsync/store"
	"github.com/coinwatch/spvsync/sync"
)

const (
	defaultMaxLogFileSize = 20
	defaultMaxLogFiles    = 10
)

var (
	logWriter = &build.LogWriter{}

	// backendLog is the logging backend every subsystem logger below
	// is created from. Its output goes to stdout; once initLogging has
	// run, it is also copied to the rotated log file.
	backendLog = btclog.NewBackend(logWriter)

	logRotator = build.NewRotatingLogWriter()

	cliLog  = build.NewSubLogger("CLIB", backendLog)
	peerLog = build.NewSubLogger("PEER", backendLog)
	pgrpLog = build.NewSubLogger("PGRP", backendLog)
	syncLog = build.NewSubLogger("SYNC", backendLog)
	storLog = build.NewSubLogger("STOR", backendLog)
)

func init() {
	peer.UseLogger(peerLog)
	peergroup.UseLogger(pgrpLog)
	sync.UseLogger(syncLog)
	store.UseLogger(storLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = build.SubLoggers{
	"CLIB": cliLog,
	"PEER": peerLog,
	"PGRP": pgrpLog,
	"SYNC": syncLog,
	"STOR": storLog,
}

// leveledLoggers implements build.LeveledSubLogger over subsystemLoggers,
// letting the --debuglevel flag drive every subsystem uniformly.
type leveledLoggers struct{}

func (leveledLoggers) SubLoggers() build.SubLoggers { return subsystemLoggers }

func (leveledLoggers) SupportedSubsystems() []string {
	names := make([]string, 0, len(subsystemLoggers))
	for name := range subsystemLoggers {
		names = append(names, name)
	}
	return names
}

func (leveledLoggers) SetLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

func (l leveledLoggers) SetLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		l.SetLogLevel(subsystemID, logLevel)
	}
}

// initLogging points every subsystem logger at a rotated file under
// cachesDir and applies the debug-level string, e.g. "info" or
// "info,SYNC=debug,STOR=trace".
func initLogging(cachesDir, debugLevel string) error {
	logFile := cachesDir + "/logs/spvsync.log"
	if err := logRotator.InitLogRotator(logFile, defaultMaxLogFileSize, defaultMaxLogFiles); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go io.Copy(logRotator, pr)
	logWriter.RotatorPipe = pw

	return build.ParseAndSetDebugLevels(debugLevel, leveledLoggers{})
}
