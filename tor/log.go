package tor

import (
	"github.com/btcsuite/btclog"
)

// Subsystem defines the logging code's subsystem name, used by the
// logging infrastructure to distinguish the logs of this package from
// other packages sharing the same process.
const Subsystem = "TORC"

// log is the package-level logger used throughout tor. It defaults to
// the no-op backend so importers that never call UseLogger still link
// cleanly.
var log = btclog.Disabled

// DisableLog disables all logging output from this package. It is
// provided for callers that are not interested in the library's debug
// output.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger sets the subsystem logger used by this package. This
// follows the same convention lnd uses for every subsystem: the caller
// constructs a btclog.Logger from their preferred backend and hands it
// in once, at process start.
func UseLogger(logger btclog.Logger) {
	log = logger
}
