// Package node provides the libp2p peer network for the swap daemon: peer
// discovery, offer gossip, and the direct message streams that carry swap
// protocol messages between counterparties.
package node

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
)

// NetworkType selects which chain networks the daemon trades on. Peers on
// different networks never discover each other.
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
	NetworkRegtest NetworkType = "regtest"
)

// Network-specific constants for peer separation.
const (
	MainnetDHTPrefix   = "/bch-xmr-swap"
	MainnetDiscoveryNS = "bch-xmr-swap-mainnet"

	TestnetDHTPrefix   = "/bch-xmr-swap-testnet"
	TestnetDiscoveryNS = "bch-xmr-swap-testnet"
)

// Config holds all configuration for the daemon.
type Config struct {
	// NetworkType is mainnet, testnet or regtest.
	NetworkType NetworkType `yaml:"network_type"`

	// Identity
	Identity IdentityConfig `yaml:"identity"`

	// Network settings
	Network NetworkConfig `yaml:"network"`

	// Chains holds the chain backend endpoints.
	Chains ChainsConfig `yaml:"chains"`

	// Swap holds swap policy settings.
	Swap SwapPolicyConfig `yaml:"swap"`

	// RPC holds the local control API settings.
	RPC RPCConfig `yaml:"rpc"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DHTPrefix returns the DHT protocol prefix for the configured network.
// Testnet and regtest share the testnet prefix; regtest peers only ever meet
// over mDNS or explicit bootstrap anyway.
func (c *Config) DHTPrefix() string {
	if c.NetworkType == NetworkMainnet {
		return MainnetDHTPrefix
	}
	return TestnetDHTPrefix
}

// DiscoveryNamespace returns the discovery namespace for the configured
// network.
func (c *Config) DiscoveryNamespace() string {
	if c.NetworkType == NetworkMainnet {
		return MainnetDiscoveryNS
	}
	return TestnetDiscoveryNS
}

// ChainNetwork maps the daemon network type onto the chain package's network
// identifier, shared by both chains.
func (c *Config) ChainNetwork() chain.Network {
	switch c.NetworkType {
	case NetworkTestnet:
		return chain.Testnet
	case NetworkRegtest:
		return chain.Regtest
	default:
		return chain.Mainnet
	}
}

// IdentityConfig holds identity-related settings.
type IdentityConfig struct {
	// KeyFile is the path to the node's private key file, relative to the
	// data directory unless absolute.
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds P2P network settings.
type NetworkConfig struct {
	// ListenAddrs are the multiaddrs to listen on.
	ListenAddrs []string `yaml:"listen_addrs"`

	// BootstrapPeers are the initial peers to connect to.
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// EnableMDNS enables local peer discovery via mDNS.
	EnableMDNS bool `yaml:"enable_mdns"`

	// EnableDHT enables the Kademlia DHT for peer discovery.
	EnableDHT bool `yaml:"enable_dht"`

	// EnableRelay enables circuit relay for NAT traversal.
	EnableRelay bool `yaml:"enable_relay"`

	// EnableNAT enables NAT port mapping (UPnP/NAT-PMP).
	EnableNAT bool `yaml:"enable_nat"`

	// EnableHolePunching enables direct connection establishment through NAT.
	EnableHolePunching bool `yaml:"enable_hole_punching"`

	// ConnectionManager settings
	ConnMgr ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds connection manager settings.
type ConnMgrConfig struct {
	// LowWater is the minimum number of connections to maintain.
	LowWater int `yaml:"low_water"`

	// HighWater is the maximum number of connections before pruning.
	HighWater int `yaml:"high_water"`

	// GracePeriod is how long to wait before closing new connections.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// ChainsConfig holds the chain backend endpoints. The daemon needs all three
// to drive a session: electrum watches the BCH covenants, monerod provides
// chain height and monero-wallet-rpc manages the shared account wallets.
type ChainsConfig struct {
	Electrum ElectrumConfig `yaml:"electrum"`
	Monero   MoneroConfig   `yaml:"monero"`
}

// ElectrumConfig points at a Fulcrum or ElectrumX server.
type ElectrumConfig struct {
	// Addr is host:port.
	Addr string `yaml:"addr"`

	// TLS wraps the connection in TLS. Public servers require it.
	TLS bool `yaml:"tls"`
}

// MoneroConfig points at monerod and a monero-wallet-rpc instance. The
// wallet-rpc must run with --wallet-dir so the daemon can create per-session
// wallets.
type MoneroConfig struct {
	DaemonURL    string `yaml:"daemon_url"`
	WalletRPCURL string `yaml:"wallet_rpc_url"`
}

// SwapPolicyConfig holds the operator's session policy.
type SwapPolicyConfig struct {
	// MinConfirmations is the confirmation floor before a BCH transaction
	// feeds the state machine.
	MinConfirmations uint32 `yaml:"min_confirmations"`

	// PollInterval is how often each session polls both chains.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Timelock1 and Timelock2 are the relative timelocks (blocks) this node
	// proposes for the two covenant stages.
	Timelock1 uint32 `yaml:"timelock1"`
	Timelock2 uint32 `yaml:"timelock2"`
}

// RPCConfig holds the local control API settings.
type RPCConfig struct {
	// Enabled turns the HTTP API on.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the bind address. Keep it loopback; the API is
	// unauthenticated.
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stdout).
	File string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: NetworkMainnet,
		Identity: IdentityConfig{
			KeyFile: "node.key",
		},
		Network: NetworkConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4001",
				"/ip4/0.0.0.0/udp/4001/quic-v1",
				"/ip6/::/tcp/4001",
				"/ip6/::/udp/4001/quic-v1",
			},
			BootstrapPeers:     []string{},
			EnableMDNS:         true,
			EnableDHT:          true,
			EnableRelay:        true,
			EnableNAT:          true,
			EnableHolePunching: true,
			ConnMgr: ConnMgrConfig{
				LowWater:    50,
				HighWater:   200,
				GracePeriod: time.Minute,
			},
		},
		Chains: ChainsConfig{
			Electrum: ElectrumConfig{
				Addr: "electrum.imaginary.cash:50002",
				TLS:  true,
			},
			Monero: MoneroConfig{
				DaemonURL:    "http://127.0.0.1:18081",
				WalletRPCURL: "http://127.0.0.1:18083",
			},
		},
		Swap: SwapPolicyConfig{
			MinConfirmations: 2,
			PollInterval:     15 * time.Second,
			Timelock1:        36,
			Timelock2:        36,
		},
		RPC: RPCConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:7777",
		},
		Storage: StorageConfig{
			DataDir: "~/.bch-xmr-swap",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file in the data directory,
// creating one with defaults on first run. Endpoint settings can be
// overridden through the environment (optionally from a .env file next to
// the config), which keeps node keys and chain endpoints out of shared
// config files.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	// Best effort; a missing .env file is the normal case.
	_ = godotenv.Load(filepath.Join(expandedDir, ".env"))

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		cfg.applyEnv()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyEnv()

	return cfg, nil
}

// applyEnv overrides endpoint and logging settings from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("SWAPD_ELECTRUM_ADDR"); v != "" {
		c.Chains.Electrum.Addr = v
	}
	if v := os.Getenv("SWAPD_MONEROD_URL"); v != "" {
		c.Chains.Monero.DaemonURL = v
	}
	if v := os.Getenv("SWAPD_WALLET_RPC_URL"); v != "" {
		c.Chains.Monero.WalletRPCURL = v
	}
	if v := os.Getenv("SWAPD_RPC_ADDR"); v != "" {
		c.RPC.ListenAddr = v
	}
	if v := os.Getenv("SWAPD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# bch-xmr-swap daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data
// directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// KeyFilePath resolves the identity key file against the data directory.
func (c *Config) KeyFilePath() string {
	if filepath.IsAbs(c.Identity.KeyFile) {
		return c.Identity.KeyFile
	}
	return filepath.Join(expandPath(c.Storage.DataDir), c.Identity.KeyFile)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
