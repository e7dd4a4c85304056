// Package main provides swapd, the BCH/XMR atomic swap daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Cyrix126/bch-xmr-swap/internal/backend"
	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
	"github.com/Cyrix126/bch-xmr-swap/internal/config"
	"github.com/Cyrix126/bch-xmr-swap/internal/node"
	"github.com/Cyrix126/bch-xmr-swap/internal/rpc"
	"github.com/Cyrix126/bch-xmr-swap/internal/storage"
	"github.com/Cyrix126/bch-xmr-swap/internal/swap"
	"github.com/Cyrix126/bch-xmr-swap/internal/wallet"
	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.bch-xmr-swap", "Data directory")
		listenAddr     = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		apiAddr        = flag.String("api", "", "JSON-RPC API address, overrides config")
		electrumAddr   = flag.String("electrum", "", "Electrum server address, overrides config")
		monerodURL     = flag.String("monerod", "", "monerod RPC URL, overrides config")
		walletRPCURL   = flag.String("wallet-rpc", "", "monero-wallet-rpc URL, overrides config")
		testnet        = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		regtest        = flag.Bool("regtest", false, "Run on regtest")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		fmt.Printf("swapd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	switch {
	case *testnet:
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	case *regtest:
		effectiveDataDir = filepath.Join(*dataDir, "regtest")
	}

	cfg, err := node.LoadConfig(effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	if *apiAddr != "" {
		cfg.RPC.ListenAddr = *apiAddr
	}
	if *electrumAddr != "" {
		cfg.Chains.Electrum.Addr = *electrumAddr
	}
	if *monerodURL != "" {
		cfg.Chains.Monero.DaemonURL = *monerodURL
	}
	if *walletRPCURL != "" {
		cfg.Chains.Monero.WalletRPCURL = *walletRPCURL
	}
	if *bootstrapPeers != "" {
		cfg.Network.BootstrapPeers = parseBootstrapPeers(*bootstrapPeers)
	}
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = effectiveDataDir
	switch {
	case *testnet:
		cfg.NetworkType = node.NetworkTestnet
	case *regtest:
		cfg.NetworkType = node.NetworkRegtest
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", node.ConfigPath(effectiveDataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	dataPath := expandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Wallet. The seed also keys the cipher sealing session records, so the
	// wallet must come up before any session is touched.
	w, err := openWallet(log, dataPath, cfg.ChainNetwork())
	if err != nil {
		log.Fatal("Failed to open wallet", "error", err)
	}
	sessionCipher, err := w.SessionCipher()
	if err != nil {
		log.Fatal("Failed to derive session cipher", "error", err)
	}
	store.UseSessionCipher(sessionCipher)
	log.Info("Wallet opened", "network", cfg.NetworkType)

	// Chain backends
	electrum, err := backend.NewTCPElectrum(ctx, cfg.Chains.Electrum.Addr, cfg.Chains.Electrum.TLS)
	if err != nil {
		log.Fatal("Failed to connect to electrum server", "addr", cfg.Chains.Electrum.Addr, "error", err)
	}
	defer electrum.Close()
	log.Info("Electrum connected", "addr", cfg.Chains.Electrum.Addr)

	moneroDaemon := backend.NewMoneroDaemon(cfg.Chains.Monero.DaemonURL)
	moneroWallet := backend.NewMoneroWallet(cfg.Chains.Monero.WalletRPCURL)
	log.Info("Monero backends configured",
		"daemon", cfg.Chains.Monero.DaemonURL,
		"wallet_rpc", cfg.Chains.Monero.WalletRPCURL)

	// P2P node
	n, err := node.New(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to create node", "error", err)
	}

	n.SetPeerStoreAdapter(node.NewPeerStoreAdapter(store))
	if err := n.LoadPersistedPeers(); err != nil {
		log.Warn("Failed to load persisted peers", "error", err)
	}
	if err := n.SetupDirectMessaging(store); err != nil {
		log.Warn("Failed to setup direct messaging", "error", err)
	}

	// Sessions
	supervisor := swap.NewSupervisor()

	runnerPolicy := config.DefaultSwapConfig()
	if cfg.Swap.PollInterval > 0 {
		runnerPolicy.PollInterval = cfg.Swap.PollInterval
	}

	var rpcServer *rpc.Server
	newRunner := func(id uuid.UUID, bob *swap.Bob) *swap.Runner {
		r := swap.NewRunner(id, bob, electrum, moneroDaemon, moneroWallet, store, cfg.Swap.MinConfirmations, runnerPolicy)
		r.OnEvent = func(ev swap.Event) {
			if rpcServer != nil {
				rpcServer.RunnerEventSink()(ev)
			}
		}
		return r
	}

	swapService := node.NewSwapService(n, store, supervisor, newRunner)

	if err := n.Start(); err != nil {
		log.Fatal("Failed to start node", "error", err)
	}

	if resumed, err := swapService.ResumeSessions(); err != nil {
		log.Warn("Failed to resume sessions", "error", err)
	} else if resumed > 0 {
		log.Info("Sessions resumed", "count", resumed)
	}

	// Control API
	if cfg.RPC.Enabled {
		rpcServer = rpc.NewServer(n, store, w, swapService, supervisor)
		if err := rpcServer.Start(cfg.RPC.ListenAddr); err != nil {
			log.Fatal("Failed to start RPC server", "error", err)
		}
	}

	printBanner(log, n, cfg)

	nodeLog := log.Component("p2p")
	n.OnPeerConnected(func(p peer.ID) {
		nodeLog.Info("Peer connected", "peer", shortID(p), "total", n.PeerCount())
	})
	n.OnPeerDisconnected(func(p peer.ID) {
		nodeLog.Info("Peer disconnected", "peer", shortID(p), "total", n.PeerCount())
	})

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("Status",
					"peers", n.PeerCount(),
					"sessions", len(supervisor.List()),
					"uptime", n.Uptime().Round(time.Second))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	if err := n.SavePeerCache(); err != nil {
		log.Error("Error saving peer cache", "error", err)
	}

	cancel()

	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}
	supervisor.Stop()
	if err := n.Stop(); err != nil {
		log.Error("Error during shutdown", "error", err)
	}

	log.Info("Goodbye!")
}

// openWallet loads the encrypted seed, creating a fresh one on first run.
// The password comes from SWAPD_WALLET_PASSWORD; refusing to start without
// it beats silently running with unprotected keys.
func openWallet(log *logging.Logger, dataDir string, network chain.Network) (*wallet.Wallet, error) {
	password := os.Getenv("SWAPD_WALLET_PASSWORD")
	if password == "" {
		return nil, fmt.Errorf("SWAPD_WALLET_PASSWORD is not set")
	}

	seedPath := filepath.Join(dataDir, "wallet.seed")
	if _, err := os.Stat(seedPath); os.IsNotExist(err) {
		mnemonic, err := wallet.GenerateMnemonic()
		if err != nil {
			return nil, fmt.Errorf("generate mnemonic: %w", err)
		}
		encrypted, err := wallet.EncryptMnemonic(mnemonic, password)
		if err != nil {
			return nil, fmt.Errorf("encrypt mnemonic: %w", err)
		}
		if err := wallet.SaveEncryptedSeed(encrypted, seedPath); err != nil {
			return nil, fmt.Errorf("save seed: %w", err)
		}
		log.Warn("New wallet created. Write down the recovery phrase, it is shown only once.")
		fmt.Fprintf(os.Stderr, "\n  %s\n\n", mnemonic)
		return wallet.NewFromMnemonic(mnemonic, "", network)
	}

	encrypted, err := wallet.LoadEncryptedSeed(seedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}
	mnemonic, err := wallet.DecryptMnemonic(encrypted, password)
	if err != nil {
		return nil, err
	}
	return wallet.NewFromMnemonic(mnemonic, "", network)
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, n *node.Node, cfg *node.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  bch-xmr-swap daemon (%s)", cfg.NetworkType)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer ID: %s", n.ID().String())
	log.Info("")
	log.Info("  Listening on:")
	for _, addr := range n.Addrs() {
		log.Infof("    %s/p2p/%s", addr.String(), n.ID().String())
	}
	log.Info("")
	if cfg.RPC.Enabled {
		log.Infof("  API: http://%s", cfg.RPC.ListenAddr)
		log.Infof("  WS:  ws://%s/ws", cfg.RPC.ListenAddr)
		log.Info("")
	}
	log.Infof("  Network: %s | mDNS: %v | DHT: %v", cfg.NetworkType, cfg.Network.EnableMDNS, cfg.Network.EnableDHT)
	log.Infof("  Electrum: %s", cfg.Chains.Electrum.Addr)
	log.Infof("  Monero: %s", cfg.Chains.Monero.DaemonURL)
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
