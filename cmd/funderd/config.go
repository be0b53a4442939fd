package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "funderd.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "funderd.log"
	defaultRPCPort        = 10029
	defaultTickInterval   = 2 * time.Second
	defaultRetransmitTicks = 5
	defaultLivenessTicks   = 6
)

var (
	defaultFunderDir    = btcutilAppDataDir("funderd", false)
	defaultConfigFile   = filepath.Join(defaultFunderDir, defaultConfigFilename)
	defaultDataDir      = filepath.Join(defaultFunderDir, defaultDataDirname)
	defaultLogDir       = filepath.Join(defaultFunderDir, defaultLogDirname)
)

// config mirrors lnd's top-level Config: a flat, flags-tagged struct
// parsed first from the command line, then (for anything left unset) from
// an ini-format config file, the same two-pass load every lnd-derived
// daemon in this stack uses.
type config struct {
	ConfigFile string `long:"configfile" description:"Path to configuration file"`
	DataDir    string `long:"datadir" description:"Directory to store the funder.db state file"`
	LogDir     string `long:"logdir" description:"Directory to log output"`

	RPCListen string `long:"rpclisten" description:"Address to listen for gRPC connections"`

	TickInterval       time.Duration `long:"tickinterval" description:"How often the funder loop fires its periodic tick"`
	RetransmitTicks    uint32        `long:"retransmitticks" description:"Idle ticks before retransmitting an unacknowledged move token"`
	LivenessResetTicks uint32        `long:"livenessticks" description:"Consecutive silent ticks before a friend is declared offline"`

	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems"`
}

// defaultConfig returns a config populated with the same defaults lnd's
// loadConfig seeds before the flag/ini passes override them.
func defaultConfig() config {
	return config{
		ConfigFile:         defaultConfigFile,
		DataDir:            defaultDataDir,
		LogDir:             defaultLogDir,
		RPCListen:          fmt.Sprintf("localhost:%d", defaultRPCPort),
		TickInterval:       defaultTickInterval,
		RetransmitTicks:    defaultRetransmitTicks,
		LivenessResetTicks: defaultLivenessTicks,
		DebugLevel:         "info",
	}
}

// loadConfig parses the command line first (so -configfile can be
// overridden), then layers in the ini-format config file for anything the
// command line left at its zero value, then re-parses the command line so
// flags still win over the file.
func loadConfig() (*config, error) {
	cfg := defaultConfig()

	preCfg := cfg
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	cfg = preCfg
	if err := flags.IniParse(preCfg.ConfigFile, &cfg); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("funderd: parsing config file: %w", err)
		}
	}

	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("funderd: creating %s: %w", dir, err)
		}
	}

	return &cfg, nil
}

// btcutilAppDataDir mirrors btcutil.AppDataDir's per-OS config directory
// resolution closely enough for a single-binary daemon: $HOME/.<name> on
// unix-likes, with no special-casing for roaming vs local on Windows since
// funderd never ships there in this exercise.
func btcutilAppDataDir(name string, roaming bool) string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, "."+name)
	}
	return filepath.Join(".", name)
}
