// Command funderd runs a single Funder node: it owns one FunderState/
// Ephemeral pair behind the funder loop (C9), persists it via funderstore,
// and runs a gRPC server that registers only the health and reflection
// services (no control or friend-message RPCs). Grounded on
// lnd.go's top-level bring-up sequence — parse config, wire logging, open
// the database, construct and start the core subsystem, block until a
// shutdown signal — generalized from lnd's wallet/chain/peer bring-up to
// the funder core's identity/store/loop bring-up.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/funder-network/funder-core/funder"
	"github.com/funder-network/funder-core/funderstore"
	"github.com/funder-network/funder-core/mutualcredit"
	"github.com/funder-network/funder-core/signing"
)

const identityKeyFilename = "identity.key"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "funderd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename)); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return fmt.Errorf("setting log level: %w", err)
	}

	// mutualcredit.VerifySignature defaults to a structural-only check
	// (mutualcredit/incoming.go's defaultVerify) until this call wires in
	// the real Schnorr verifier. tokenchannel's equivalent already
	// defaults to signing.Verify, so only this one needs wiring here.
	mutualcredit.SetVerifier(signing.Verify)

	signer, err := loadOrCreateIdentity(filepath.Join(cfg.DataDir, identityKeyFilename))
	if err != nil {
		return fmt.Errorf("loading node identity: %w", err)
	}
	log.Infof("Node identity: %s", signer.PublicKey())

	store, err := funderstore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening funder store: %w", err)
	}
	defer store.Close()

	loop, err := funder.New(&funder.Config{
		Store:              store,
		Signer:             signer,
		TickInterval:       cfg.TickInterval,
		RetransmitTicks:    cfg.RetransmitTicks,
		LivenessResetTicks: cfg.LivenessResetTicks,
	}, signer.PublicKey())
	if err != nil {
		return fmt.Errorf("constructing funder loop: %w", err)
	}
	if err := loop.Start(); err != nil {
		return fmt.Errorf("starting funder loop: %w", err)
	}
	defer loop.Stop()

	srv := newServer(loop)
	lis, err := srv.listen(cfg.RPCListen)
	if err != nil {
		return fmt.Errorf("listening for rpc: %w", err)
	}
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Errorf("rpc server exited: %v", err)
		}
	}()
	defer srv.Stop()

	log.Infof("funderd ready, rpc listening on %s", cfg.RPCListen)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	log.Infof("shutdown signal received")
	return nil
}

// loadOrCreateIdentity loads the node's persistent secp256k1 identity key
// from keyPath, generating and saving a fresh one on first run.
func loadOrCreateIdentity(keyPath string) (*signing.LocalClient, error) {
	raw, err := os.ReadFile(keyPath)
	if err == nil {
		priv, _ := btcec.PrivKeyFromBytes(raw)
		return signing.NewLocalClient(priv)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading identity key: %w", err)
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating identity key: %w", err)
	}
	if err := os.WriteFile(keyPath, priv.Serialize(), 0600); err != nil {
		return nil, fmt.Errorf("writing identity key: %w", err)
	}
	return signing.NewLocalClient(priv)
}
