package mutualcredit

import "github.com/btcsuite/btclog"

// log is the package-level subsystem logger. The daemon entry point wires
// a real backend in via UseLogger; until then we log to nowhere, the same
// bootstrap idiom used throughout the lnd-derived packages this module is
// adapted from.
var log = btclog.Disabled

// UseLogger lets the daemon or test harness plug in a configured logger
// for this subsystem.
func UseLogger(logger btclog.Logger) {
	log = logger
}
