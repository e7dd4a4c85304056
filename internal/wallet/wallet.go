// Package wallet provides the responder's BCH payout key: a BIP39 seed,
// BIP44 derivation, and Argon2id + AES-256-GCM encrypted storage at rest.
package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
)

// Wallet holds the HD master key the payout key is derived from.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	seed      []byte
	network   chain.Network
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)

	return NewFromSeed(seed, network)
}

// NewFromSeed creates a wallet from a raw 64-byte seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	// The chaincfg params only pick the xprv version bytes; the payout
	// address itself is encoded as cashaddr from the chain registry.
	params := &chaincfg.MainNetParams
	if network != chain.Mainnet {
		params = &chaincfg.TestNet3Params
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		seed:      append([]byte(nil), seed...),
		network:   network,
	}, nil
}

// Network returns the wallet's network.
func (w *Wallet) Network() chain.Network {
	return w.network
}

// PayoutKey derives the responder's BCH payout key at
// m/purpose'/coin'/account'/0/index per the chain registry's BIP44 params.
func (w *Wallet) PayoutKey(account, index uint32) (*btcec.PrivateKey, error) {
	params, ok := chain.Get("BCH", w.network)
	if !ok {
		return nil, fmt.Errorf("no BCH params for network %s", w.network)
	}

	key := w.masterKey
	for _, step := range params.DerivationPath(account, 0, index) {
		var err error
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive payout key: %w", err)
		}
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	return privKey, nil
}
