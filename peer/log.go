package peer

import (
	"github.com/btcsuite/btclog"

	"github.com/coinwatch/spvsync/build"
)

// log is the package-level subsystem logger. It is disabled until a
// caller wires up a backend with UseLogger.
var log btclog.Logger

func init() {
	UseLogger(build.NewSubLogger("PEER", nil))
}

// DisableLog disables all library log output.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}
