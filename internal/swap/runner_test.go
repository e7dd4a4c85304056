package swap

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/Cyrix126/bch-xmr-swap/internal/backend"
	"github.com/Cyrix126/bch-xmr-swap/internal/config"
)

type fakeStore struct {
	mu      sync.Mutex
	saves   int
	deleted bool
}

func (s *fakeStore) SaveSession(id uuid.UUID, swap *Swap, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return nil
}

func (s *fakeStore) DeleteSession(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = true
	return nil
}

// fakeMoneroServer answers daemon and wallet JSON-RPC methods with canned
// results.
func fakeMoneroServer(t *testing.T, results map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad rpc request: %v", err)
			return
		}
		result, ok := results[req.Method]
		resp := map[string]any{"id": req.ID, "jsonrpc": "2.0"}
		if !ok {
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestRunner(t *testing.T, bob *Bob, store SessionStore, daemonURL, walletURL string) *Runner {
	t.Helper()
	var (
		daemon *backend.MoneroDaemon
		wallet *backend.MoneroWallet
	)
	if daemonURL != "" {
		daemon = backend.NewMoneroDaemon(daemonURL)
	}
	if walletURL != "" {
		wallet = backend.NewMoneroWallet(walletURL)
	}
	return NewRunner(uuid.New(), bob, nil, daemon, wallet, store, 2, config.DefaultSwapConfig())
}

// scriptedElectrum builds an electrum client whose server end answers each
// request line with handler's result.
func scriptedElectrum(t *testing.T, handler func(method string, params []any) (any, error)) *backend.TCPElectrum {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	go func() {
		scanner := bufio.NewScanner(serverConn)
		for scanner.Scan() {
			var req struct {
				ID     uint64 `json:"id"`
				Method string `json:"method"`
				Params []any  `json:"params"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			result, err := handler(req.Method, req.Params)
			var line []byte
			if err != nil {
				line, _ = json.Marshal(map[string]any{
					"id":    req.ID,
					"error": map[string]any{"code": 1, "message": err.Error()},
				})
			} else {
				line, _ = json.Marshal(map[string]any{"id": req.ID, "result": result})
			}
			if _, err := serverConn.Write(append(line, '\n')); err != nil {
				return
			}
		}
	}()
	client := backend.WrapElectrumConn(clientConn)
	t.Cleanup(func() { client.Close() })
	return client
}

func txHex(t *testing.T, tx *wire.MsgTx) string {
	t.Helper()
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize tx: %v", err)
	}
	return hex.EncodeToString(buf.Bytes())
}

func TestPubTransitionWhitelist(t *testing.T) {
	bob := NewBob(newTestSwap(t))
	r := newTestRunner(t, bob, &fakeStore{}, "", "")

	tests := []struct {
		name string
		tr   Transition
	}{
		{name: "xmr locked", tr: TransitionXmrLocked{Amount: 1}},
		{name: "bch confirmed", tr: TransitionBchConfirmed{}},
		{name: "restore height", tr: TransitionSetRestoreHeight{Height: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.PubTransition(context.Background(), tt.tr)
			if !errors.Is(err, ErrTransitionNotAllowed) {
				t.Fatalf("err = %v, want ErrTransitionNotAllowed", err)
			}
		})
	}
	// The state machine never saw the events.
	if _, ok := bob.State.(StateInit); !ok {
		t.Fatalf("state mutated to %s", bob.State)
	}
}

func TestPrivTransitionPurgesOnInvalidProof(t *testing.T) {
	bob := NewBob(newTestSwap(t))
	alice := newTestAlice(t)
	other := newTestAlice(t)
	store := &fakeStore{}
	r := newTestRunner(t, bob, store, "", "")

	keys := alice.keys.Public()
	keys.Proof = other.keys.Proof
	err := r.PubTransition(context.Background(), TransitionKeys{Keys: keys, Receiving: alice.recv})
	if !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("err = %v, want ErrInvalidProof", err)
	}
	if !store.deleted {
		t.Error("session was not purged")
	}
	if store.saves != 0 {
		t.Error("state committed despite error")
	}
	if _, ok := bob.State.(StateInit); !ok {
		t.Fatalf("state mutated to %s", bob.State)
	}
}

func TestPrivTransitionCommitsAfterActions(t *testing.T) {
	daemon := fakeMoneroServer(t, map[string]any{
		"get_block_count": map[string]any{"count": 1234},
	})
	defer daemon.Close()
	wallet := fakeMoneroServer(t, map[string]any{
		"generate_from_keys": map[string]any{"address": "ok"},
	})
	defer wallet.Close()

	bob := NewBob(newTestSwap(t))
	alice := newTestAlice(t)
	store := &fakeStore{}
	r := newTestRunner(t, bob, store, daemon.URL, wallet.URL)

	err := r.PubTransition(context.Background(), TransitionKeys{Keys: alice.keys.Public(), Receiving: alice.recv})
	if err != nil {
		t.Fatalf("PubTransition: %v", err)
	}

	state, ok := bob.State.(StateWithAliceKey)
	if !ok {
		t.Fatalf("state = %s, want WithAliceKey", bob.State)
	}
	// The wallet-creation height was folded in before the commit.
	if state.RestoreHeight != 1234 {
		t.Errorf("restore height = %d, want 1234", state.RestoreHeight)
	}
	if store.saves != 1 {
		t.Errorf("saves = %d, want 1", store.saves)
	}
}

func TestCreateViewWalletOpensExisting(t *testing.T) {
	// The wallet RPC refuses to generate over an existing file. The runner
	// falls back to opening it, so a replayed key exchange still commits.
	daemon := fakeMoneroServer(t, map[string]any{
		"get_block_count": map[string]any{"count": 77},
	})
	defer daemon.Close()
	wallet := fakeMoneroServer(t, map[string]any{
		"open_wallet": map[string]any{},
	})
	defer wallet.Close()

	bob := NewBob(newTestSwap(t))
	alice := newTestAlice(t)
	store := &fakeStore{}
	r := newTestRunner(t, bob, store, daemon.URL, wallet.URL)

	err := r.PubTransition(context.Background(), TransitionKeys{Keys: alice.keys.Public(), Receiving: alice.recv})
	if err != nil {
		t.Fatalf("PubTransition: %v", err)
	}
	state, ok := bob.State.(StateWithAliceKey)
	if !ok {
		t.Fatalf("state = %s, want WithAliceKey", bob.State)
	}
	if state.RestoreHeight != 77 {
		t.Errorf("restore height = %d, want 77", state.RestoreHeight)
	}
	if store.saves != 1 {
		t.Errorf("saves = %d, want 1", store.saves)
	}
}

func TestPrivTransitionFailedActionRollsBack(t *testing.T) {
	// The daemon answers but the wallet endpoint rejects everything, so
	// the create-view-wallet action fails and nothing commits.
	daemon := fakeMoneroServer(t, map[string]any{
		"get_block_count": map[string]any{"count": 50},
	})
	defer daemon.Close()
	wallet := fakeMoneroServer(t, map[string]any{})
	defer wallet.Close()

	bob := NewBob(newTestSwap(t))
	alice := newTestAlice(t)
	store := &fakeStore{}
	r := newTestRunner(t, bob, store, daemon.URL, wallet.URL)

	err := r.PubTransition(context.Background(), TransitionKeys{Keys: alice.keys.Public(), Receiving: alice.recv})
	if err == nil {
		t.Fatal("expected action failure")
	}
	if _, ok := bob.State.(StateInit); !ok {
		t.Fatalf("state mutated to %s", bob.State)
	}
	if store.saves != 0 {
		t.Errorf("saves = %d, want 0", store.saves)
	}
}

func TestCheckBchContinuesPastYoungFunding(t *testing.T) {
	swap := newTestSwap(t)
	alice := newTestAlice(t)
	bob := NewBob(swap)

	advance(t, bob, TransitionKeys{Keys: alice.keys.Public(), Receiving: alice.recv})
	bchAddr, xmrAddr, err := bob.ContractAddresses()
	if err != nil {
		t.Fatalf("ContractAddresses: %v", err)
	}
	advance(t, bob, TransitionContract{BchAddress: bchAddr, XmrAddress: xmrAddr})
	encSig, err := EncryptedSign(alice.keys.Ves, swap.Keys.SpendBch.PubKey(), doubleSHA256(swap.BchRecv))
	if err != nil {
		t.Fatalf("EncryptedSign: %v", err)
	}
	advance(t, bob, TransitionEncSig{EncSig: encSig})

	info, _ := bob.aliceInfo()
	pair, err := bob.contractPair(info)
	if err != nil {
		t.Fatalf("contractPair: %v", err)
	}
	prefix, err := bob.bchPrefix()
	if err != nil {
		t.Fatalf("bchPrefix: %v", err)
	}

	// The SwapLock history holds the funding transaction, still inside the
	// cooperative window. The counterparty has meanwhile pushed the coins
	// into the Refund covenant; that transaction sits on the other address.
	lockTx := wire.NewMsgTx(2)
	lockTx.AddTxIn(&wire.TxIn{})
	lockTx.AddTxOut(wire.NewTxOut(int64(swap.BchAmount), pair.SwapLock.P2SHLockingBytecode()))
	refundTx := wire.NewMsgTx(2)
	refundTx.AddTxIn(&wire.TxIn{})
	refundTx.AddTxOut(wire.NewTxOut(int64(swap.BchAmount)-1000, pair.Refund.P2SHLockingBytecode()))

	swapLockAddr := pair.SwapLock.CashAddress(prefix)
	refundAddr := pair.Refund.CashAddress(prefix)
	rawByTxid := map[string]string{"aa": txHex(t, lockTx), "bb": txHex(t, refundTx)}
	confByTxid := map[string]uint32{"aa": swap.Timelock1 - 2, "bb": 3}

	var broadcasts atomic.Int32
	electrum := scriptedElectrum(t, func(method string, params []any) (any, error) {
		switch method {
		case "blockchain.address.get_history":
			switch params[0].(string) {
			case swapLockAddr:
				return []map[string]any{{"height": 100, "tx_hash": "aa"}}, nil
			case refundAddr:
				return []map[string]any{{"height": 101, "tx_hash": "bb"}}, nil
			}
			return []map[string]any{}, nil
		case "blockchain.transaction.get":
			txid := params[0].(string)
			return map[string]any{
				"txid":          txid,
				"hex":           rawByTxid[txid],
				"confirmations": confByTxid[txid],
			}, nil
		case "blockchain.transaction.broadcast":
			broadcasts.Add(1)
			return "feedbeef", nil
		default:
			return nil, fmt.Errorf("unexpected method %s", method)
		}
	})

	store := &fakeStore{}
	r := NewRunner(uuid.New(), bob, electrum, nil, nil, store, 2, config.DefaultSwapConfig())

	if err := r.CheckBch(context.Background()); err != nil {
		t.Fatalf("CheckBch: %v", err)
	}
	refundState, ok := bob.State.(StateProceedRefund)
	if !ok {
		t.Fatalf("state = %s, want ProceedRefund", bob.State)
	}
	if refundState.Trigger.Side != ToRefund {
		t.Errorf("trigger side = %v, want %v", refundState.Trigger.Side, ToRefund)
	}
	// The single-stage fallback chain went out before the commit.
	if n := broadcasts.Load(); n != 1 {
		t.Errorf("broadcasts = %d, want 1", n)
	}
	// Both accepted transitions persisted: the funding no-op and the
	// refund trigger.
	if store.saves != 2 {
		t.Errorf("saves = %d, want 2", store.saves)
	}
}
