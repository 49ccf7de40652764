package sync

import (
	"github.com/btcsuite/btclog"

	"github.com/coinwatch/spvsync/build"
)

var log btclog.Logger

func init() {
	UseLogger(build.NewSubLogger("SYNC", nil))
}

// DisableLog disables all library log output.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}
