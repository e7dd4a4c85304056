// Package wallet - payout script and cashaddr encoding.
package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
	"github.com/Cyrix126/bch-xmr-swap/internal/swap"
)

// PayoutScript returns the P2PKH locking script paying the derived payout
// key. Swap sessions carry this as their BCH receiving script.
func (w *Wallet) PayoutScript(account, index uint32) ([]byte, error) {
	priv, err := w.PayoutKey(account, index)
	if err != nil {
		return nil, err
	}

	hash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	script, err := swap.P2PKHLockingScript(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to build payout script: %w", err)
	}
	return script, nil
}

// PayoutAddress returns the cashaddr form of the payout script.
func (w *Wallet) PayoutAddress(account, index uint32) (string, error) {
	priv, err := w.PayoutKey(account, index)
	if err != nil {
		return "", err
	}

	params, ok := chain.Get("BCH", w.network)
	if !ok {
		return "", fmt.Errorf("no BCH params for network %s", w.network)
	}

	hash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := swap.EncodeCashAddress(params.CashAddrPrefix, swap.P2PKH, hash)
	if err != nil {
		return "", fmt.Errorf("failed to encode payout address: %w", err)
	}
	return addr, nil
}
