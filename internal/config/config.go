// Package config provides centralized protocol configuration for the swap daemon.
// ALL protocol parameters (amount limits, timelock bounds, fees, intervals) MUST be
// defined here. No hardcoded values should exist elsewhere in the codebase.
package config

import "time"

// =============================================================================
// Coin Definitions
// =============================================================================

// Coin represents one side of a swap pair.
type Coin struct {
	Symbol    string // "BCH", "XMR"
	Name      string
	Decimals  uint8  // 8 for BCH, 12 for XMR
	MinAmount uint64 // Minimum trade amount in smallest unit
	MaxAmount uint64 // Maximum trade amount in smallest unit (0 = no limit)
}

// SupportedCoins defines the two coins the daemon trades.
var SupportedCoins = map[string]Coin{
	"BCH": {
		Symbol:    "BCH",
		Name:      "Bitcoin Cash",
		Decimals:  8,
		MinAmount: 10000,        // 0.0001 BCH
		MaxAmount: 100000000000, // 1000 BCH
	},
	"XMR": {
		Symbol:    "XMR",
		Name:      "Monero",
		Decimals:  12,
		MinAmount: 1000000000, // 0.001 XMR
		MaxAmount: 0,
	},
}

// GetCoin returns the coin definition for a symbol.
func GetCoin(symbol string) (Coin, bool) {
	coin, ok := SupportedCoins[symbol]
	return coin, ok
}

// =============================================================================
// Covenant Parameters
// =============================================================================

const (
	// MiningFee is the fixed fee in satoshis paid per covenant hop. The refund
	// chain spends two hops, so a refunded session pays MiningFee twice.
	MiningFee = 1000

	// MinTimelock is the lowest relative timelock (blocks) accepted from a
	// counterparty for either contract stage.
	MinTimelock = 2

	// MaxTimelock is the highest relative timelock (blocks) accepted. BIP68
	// block-based sequences cap out at 65535; anything near that would park
	// funds for over a year.
	MaxTimelock = 1008 // ~1 week of BCH blocks
)

// ValidTimelocks reports whether a counterparty-proposed timelock pair is
// acceptable. Both stages must sit inside the bounds; the refund stage opens
// strictly after the lock stage.
func ValidTimelocks(timelock1, timelock2 uint32) bool {
	if timelock1 < MinTimelock || timelock1 > MaxTimelock {
		return false
	}
	if timelock2 < MinTimelock || timelock2 > MaxTimelock {
		return false
	}
	return true
}

// =============================================================================
// Runner Policy
// =============================================================================

// SwapConfig holds runner-level timing policy.
type SwapConfig struct {
	// PollInterval is how often the supervisor drives CheckBch/CheckXmr
	// for each active session.
	PollInterval time.Duration

	// RefundBroadcastDelay separates the two refund-chain broadcasts so the
	// second transaction never races the mempool acceptance of the first,
	// whose output it spends.
	RefundBroadcastDelay time.Duration

	// RPCTimeout bounds every individual chain RPC call.
	RPCTimeout time.Duration
}

// DefaultSwapConfig returns the default runner policy.
func DefaultSwapConfig() SwapConfig {
	return SwapConfig{
		PollInterval:         15 * time.Second,
		RefundBroadcastDelay: 5 * time.Second,
		RPCTimeout:           30 * time.Second,
	}
}
