package funderstate

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger lets the daemon or test harness plug in a configured logger
// for this subsystem.
func UseLogger(logger btclog.Logger) {
	log = logger
}
