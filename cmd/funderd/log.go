package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/funder-network/funder-core/funder"
	"github.com/funder-network/funder-core/funderhandler"
	"github.com/funder-network/funder-core/funderstate"
	"github.com/funder-network/funder-core/friendstate"
	"github.com/funder-network/funder-core/mutualcredit"
	"github.com/funder-network/funder-core/tokenchannel"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements io.Writer, sending logs to both stdout and a
// logrotate-managed file, the same split every lnd-derived daemon in this
// stack uses so a developer watching the console doesn't have to tail a
// file too.
type logWriter struct {
	rotator *rotator.Rotator
}

func (w *logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return w.rotator.Write(p)
}

var (
	backendLog = btclog.NewBackend(nil)

	subsystemLoggers = map[string]btclog.Logger{
		"FNDD": backendLog.Logger("FNDD"),
		"FNDH": backendLog.Logger("FNDH"),
		"FNDR": backendLog.Logger("FNDR"),
		"FNST": backendLog.Logger("FNST"),
		"FRST": backendLog.Logger("FRST"),
		"MTCR": backendLog.Logger("MTCR"),
		"TKCH": backendLog.Logger("TKCH"),
	}

	// log is funderd's own subsystem logger, used directly by main.go
	// rather than through a UseLogger hook since this is the
	// top-level binary, not a library package.
	log = subsystemLoggers["FNDD"]
)

// initLogRotator opens (creating if necessary) the rotating log file at
// logFile and points backendLog's writer at both it and stdout.
func initLogRotator(logFile string) error {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("funderd: creating log directory: %w", err)
	}

	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("funderd: creating log rotator: %w", err)
	}

	backendLog = btclog.NewBackend(&logWriter{rotator: r})
	for name := range subsystemLoggers {
		subsystemLoggers[name] = backendLog.Logger(name)
	}
	log = subsystemLoggers["FNDD"]
	wireSubsystemLoggers()
	return nil
}

// wireSubsystemLoggers installs backendLog.Logger(...) into every package
// that exposes a UseLogger hook, the same per-package registration idiom
// htlcswitch/peer/etc each follow in the upstream daemon this is adapted
// from.
func wireSubsystemLoggers() {
	funderhandler.UseLogger(subsystemLoggers["FNDH"])
	funder.UseLogger(subsystemLoggers["FNDR"])
	funderstate.UseLogger(subsystemLoggers["FNST"])
	friendstate.UseLogger(subsystemLoggers["FRST"])
	mutualcredit.UseLogger(subsystemLoggers["MTCR"])
	tokenchannel.UseLogger(subsystemLoggers["TKCH"])
}

// setLogLevels applies levelStr (e.g. "info", "debug") to every registered
// subsystem logger.
func setLogLevels(levelStr string) error {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		return fmt.Errorf("funderd: unknown log level %q", levelStr)
	}
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
	return nil
}
