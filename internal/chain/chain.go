// Package chain defines network parameters for the two chains a swap touches.
// All chain-specific values are hardcoded here - no external configuration needed.
package chain

// Network represents which instance of a chain the daemon runs against.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// ChainType represents the blockchain family.
type ChainType string

const (
	ChainTypeUTXO   ChainType = "utxo"   // Bitcoin Cash
	ChainTypeMonero ChainType = "monero" // Monero
)

// Params contains all parameters for a blockchain on one network.
type Params struct {
	// Identity
	Symbol   string    // BCH, XMR
	Name     string    // Bitcoin Cash, Monero
	Type     ChainType // utxo, monero
	Decimals uint8     // 8 for BCH, 12 for XMR

	// BIP44 derivation (UTXO chains)
	CoinType       uint32 // BIP44 coin type (145 for BCH)
	DefaultPurpose uint32

	// Bitcoin Cash params
	CashAddrPrefix   string // cashaddr human-readable prefix (bitcoincash, bchtest, bchreg)
	PubKeyHashAddrID byte   // legacy P2PKH version byte
	ScriptHashAddrID byte   // legacy P2SH version byte
	WIF              byte   // private key prefix
	DefaultElectrum  string // host:port of a public electrum (fulcrum) server

	// Monero params
	AddressPrefix    byte   // standard-address network prefix byte
	DefaultWalletRPC string // monero-wallet-rpc endpoint
	DefaultDaemonRPC string // monerod endpoint

	// Policy
	MinConfirmations uint32 // confirmation floor for swap-relevant transactions
}

// Registry holds all chain parameters indexed by symbol then network.
var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// List returns all registered chain symbols.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}

// DerivationPath returns the BIP44 derivation path for this chain.
// Format: m/purpose'/coin'/account'/change/index
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.DefaultPurpose + 0x80000000,
		p.CoinType + 0x80000000,
		account + 0x80000000,
		change,
		index,
	}
}
