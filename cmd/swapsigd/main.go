// Package main provides swapsigd, the swapsig coordinator daemon: a
// libp2p node that advertises signing capability, discovers counterparties,
// and drives n-of-n Taproot swap pools through setup, signing, and
// settlement.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/klingon-exchange/swapsig-core/internal/chainquery"
	"github.com/klingon-exchange/swapsig-core/internal/config"
	"github.com/klingon-exchange/swapsig-core/internal/directory"
	"github.com/klingon-exchange/swapsig-core/internal/discovery"
	"github.com/klingon-exchange/swapsig-core/internal/keys"
	"github.com/klingon-exchange/swapsig-core/internal/musig"
	"github.com/klingon-exchange/swapsig-core/internal/security"
	"github.com/klingon-exchange/swapsig-core/internal/swappool"
	"github.com/klingon-exchange/swapsig-core/internal/transport"
	"github.com/klingon-exchange/swapsig-core/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.swapsig", "Data directory")
		listenAddr  = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		bootstrap   = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		esploraURL  = flag.String("esplora", "https://blockstream.info/api", "Esplora-compatible chain query base URL")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("swapsigd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := expandPath(*dataDir)
	if *testnet {
		effectiveDataDir = filepath.Join(effectiveDataDir, "testnet")
	}

	cfg, err := config.LoadConfig(effectiveDataDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *listenAddr != "" {
		cfg.Transport.ListenAddrs = []string{*listenAddr}
	}
	if *bootstrap != "" {
		cfg.Transport.BootstrapPeers = parseBootstrapPeers(*bootstrap)
	}
	cfg.Logging.Level = *logLevel
	if *testnet {
		cfg.NetworkType = config.NetworkTestnet
	} else {
		cfg.NetworkType = config.NetworkMainnet
	}
	cfg.Transport.DHTPrefix = cfg.DHTPrefix()
	cfg.Transport.DiscoveryNamespace = cfg.DiscoveryNamespace()

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.ConfigPath(effectiveDataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signerKeys, err := keys.LoadOrCreate(cfg.Identity.KeyFile)
	if err != nil {
		log.Fatal("failed to load signing identity", "error", err)
	}
	log.Info("signing identity loaded", "peerIdentity", signerKeys.Identity())

	p2pKey, err := loadOrCreateLibp2pKey(filepath.Join(effectiveDataDir, "libp2p.key"))
	if err != nil {
		log.Fatal("failed to load transport identity", "error", err)
	}

	t, err := transport.New(ctx, cfg.Transport, p2pKey)
	if err != nil {
		log.Fatal("failed to create transport", "error", err)
	}
	defer t.Close()
	log.Info("transport started", "peerId", t.PeerID())

	store, err := directory.NewStore(cfg.Store)
	if err != nil {
		log.Fatal("failed to open directory store", "error", err)
	}
	defer store.Close()

	dir := directory.New(cfg.Directory, t)
	if err := dir.AttachStore(store); err != nil {
		log.Warn("failed to hydrate directory from store", "error", err)
	}

	gate := security.New(cfg.Security)

	musigMgr := musig.NewManager(cfg.Musig)

	disc := discovery.New(cfg.Discovery, dir, t, musigMgr)
	disc.SetGate(gate)
	disc.OnSessionReady(func(requestID string) {
		log.Info("signing session ready", "requestId", requestID)
	})

	chainAdapter := chainquery.NewEsploraAdapter(*esploraURL)

	orchestrator := swappool.NewOrchestrator(dir, disc, musigMgr, chainAdapter)
	_ = orchestrator // exercised via the pool lifecycle once a CLI front-end drives it

	if err := disc.ListenAndAutoJoin(ctx, signerKeys.Priv); err != nil {
		log.Warn("failed to start auto-join listener", "error", err)
	}

	go func() {
		if err := disc.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("discovery run loop exited", "error", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				musigMgr.CheckTimeouts()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dir.PurgeExpired()
			}
		}
	}()

	printBanner(log, cfg, t.PeerID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")
	cancel()
	log.Info("goodbye")
}

// loadOrCreateLibp2pKey loads the node's persisted libp2p transport
// identity, generating and saving a fresh Ed25519 key on first run —
// adapted from the teacher's Node.loadOrCreateKey, split out from the
// application-layer signing identity (internal/keys) since the two serve
// different layers of the stack.
func loadOrCreateLibp2pKey(keyPath string) (crypto.PrivKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}
	return priv, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func printBanner(log *logging.Logger, cfg *config.Config, peerID string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  swapsig coordinator (%s)", networkLabel)
	log.Infof("  version: %s", version)
	log.Info("=================================================")
	log.Infof("  peer id: %s", peerID)
	log.Infof("  dht prefix: %s | discovery ns: %s", cfg.DHTPrefix(), cfg.DiscoveryNamespace())
	log.Infof("  min pool size: %d | max pool size: %d", cfg.Pool.MinParticipants, cfg.Pool.MaxParticipants)
	log.Info("=================================================")
	log.Info("")
}
