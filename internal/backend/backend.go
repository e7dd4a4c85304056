// Package backend provides chain access for the swap daemon: a multiplexed
// electrum client for Bitcoin Cash and JSON-RPC clients for monerod and
// monero-wallet-rpc. This package never touches private keys; signing happens
// in the swap and wallet packages.
package backend

import "errors"

// Common errors
var (
	ErrNotConnected    = errors.New("backend not connected")
	ErrConnectionLost  = errors.New("connection lost")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrRPC             = errors.New("rpc error")
)

// HistoryItem is one entry of an address's transaction history. Height 0
// means the transaction sits in the mempool; -1 means it has unconfirmed
// parents.
type HistoryItem struct {
	Height int64  `json:"height"`
	TxHash string `json:"tx_hash"`
	Fee    uint64 `json:"fee,omitempty"`
}

// TxVerbose is the verbose form of blockchain.transaction.get, trimmed to
// the fields the swap runner consumes.
type TxVerbose struct {
	TxID          string `json:"txid"`
	Hex           string `json:"hex"`
	Confirmations uint32 `json:"confirmations"`
	BlockTime     int64  `json:"blocktime,omitempty"`
}

// ConfirmedTx is a raw transaction that passed the confirmation floor.
type ConfirmedTx struct {
	TxID          string
	Raw           []byte
	Confirmations uint32
}
