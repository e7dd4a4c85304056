package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// moneroRPC is the shared JSON-RPC 2.0 plumbing for monerod and
// monero-wallet-rpc, both of which serve a single /json_rpc endpoint.
type moneroRPC struct {
	url        string
	httpClient *http.Client
	requestID  atomic.Uint64
}

type moneroRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type moneroResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *moneroRPCError `json:"error"`
}

type moneroRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *moneroRPCError) Error() string {
	return fmt.Sprintf("monero rpc error %d: %s", e.Code, e.Message)
}

func newMoneroRPC(url string) *moneroRPC {
	return &moneroRPC{
		url:        url,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (m *moneroRPC) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(moneroRequest{
		JSONRPC: "2.0",
		ID:      m.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url+"/json_rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	defer resp.Body.Close()

	var envelope moneroResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrRPC, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%w: %v", ErrRPC, envelope.Error)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("%w: %v", ErrRPC, err)
		}
	}
	return nil
}

// =============================================================================
// monerod
// =============================================================================

// MoneroDaemon talks to a monerod node.
type MoneroDaemon struct {
	rpc *moneroRPC
}

// NewMoneroDaemon builds a client against the daemon RPC endpoint.
func NewMoneroDaemon(url string) *MoneroDaemon {
	return &MoneroDaemon{rpc: newMoneroRPC(url)}
}

// GetBlockCount returns the current chain height.
func (d *MoneroDaemon) GetBlockCount(ctx context.Context) (uint64, error) {
	var result struct {
		Count uint64 `json:"count"`
	}
	if err := d.rpc.call(ctx, "get_block_count", nil, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

// =============================================================================
// monero-wallet-rpc
// =============================================================================

// MoneroWallet talks to a monero-wallet-rpc instance. Opening and closing
// named wallets is a single-active-session affair, so every call runs behind
// one mutex.
type MoneroWallet struct {
	mu  sync.Mutex
	rpc *moneroRPC
}

// NewMoneroWallet builds a client against the wallet RPC endpoint.
func NewMoneroWallet(url string) *MoneroWallet {
	return &MoneroWallet{rpc: newMoneroRPC(url)}
}

// Balance is an account's total and unlocked balance in atomic units.
type Balance struct {
	Total    uint64 `json:"balance"`
	Unlocked uint64 `json:"unlocked_balance"`
}

// GenerateViewWallet creates a named view-only wallet from an address and
// view key, scanning from restoreHeight. Generating over an existing file
// fails; callers treat that as "already created" and open instead.
func (w *MoneroWallet) GenerateViewWallet(ctx context.Context, filename, address, viewKeyHex string, restoreHeight uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	params := struct {
		Filename      string `json:"filename"`
		Address       string `json:"address"`
		ViewKey       string `json:"viewkey"`
		RestoreHeight uint64 `json:"restore_height"`
		Password      string `json:"password"`
	}{Filename: filename, Address: address, ViewKey: viewKeyHex, RestoreHeight: restoreHeight}
	return w.rpc.call(ctx, "generate_from_keys", params, nil)
}

// GenerateSpendWallet creates a named full wallet from a reconstructed key
// set. Used once on swap success to take custody of the shared account.
func (w *MoneroWallet) GenerateSpendWallet(ctx context.Context, filename, address, spendKeyHex, viewKeyHex string, restoreHeight uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	params := struct {
		Filename      string `json:"filename"`
		Address       string `json:"address"`
		SpendKey      string `json:"spendkey"`
		ViewKey       string `json:"viewkey"`
		RestoreHeight uint64 `json:"restore_height"`
		Password      string `json:"password"`
	}{Filename: filename, Address: address, SpendKey: spendKeyHex, ViewKey: viewKeyHex, RestoreHeight: restoreHeight}
	return w.rpc.call(ctx, "generate_from_keys", params, nil)
}

// OpenWallet opens a previously generated named wallet.
func (w *MoneroWallet) OpenWallet(ctx context.Context, filename string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	params := struct {
		Filename string `json:"filename"`
		Password string `json:"password"`
	}{Filename: filename}
	return w.rpc.call(ctx, "open_wallet", params, nil)
}

// CloseWallet closes the currently open wallet.
func (w *MoneroWallet) CloseWallet(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rpc.call(ctx, "close_wallet", nil, nil)
}

// GetBalance reads account 0's balance of the open wallet.
func (w *MoneroWallet) GetBalance(ctx context.Context) (Balance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	params := struct {
		AccountIndex uint32 `json:"account_index"`
	}{AccountIndex: 0}
	var balance Balance
	if err := w.rpc.call(ctx, "get_balance", params, &balance); err != nil {
		return Balance{}, err
	}
	return balance, nil
}
