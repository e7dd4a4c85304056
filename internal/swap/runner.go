// Package swap - session runner.
//
// The runner drives one swap session against the outside world: it polls both
// chains, feeds transitions into the pure state machine, and executes the
// actions that come back. Peer-originated messages enter through
// PubTransition, which admits only the transitions a counterparty may
// legitimately send.
package swap

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/Cyrix126/bch-xmr-swap/internal/backend"
	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
	"github.com/Cyrix126/bch-xmr-swap/internal/config"
	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

// ErrTransitionNotAllowed rejects peer messages that carry internally
// sourced transitions (chain observations, restore-height updates).
var ErrTransitionNotAllowed = errors.New("transition not accepted from peer")

// SessionStore persists the evolving session state. Implemented by the
// storage package.
type SessionStore interface {
	SaveSession(id uuid.UUID, swap *Swap, state State) error
	DeleteSession(id uuid.UUID) error
}

// EventType classifies runner events surfaced to the operator.
type EventType string

const (
	EventFundingInstructions EventType = "funding_instructions"
	EventWatchingXmr         EventType = "watching_xmr"
	EventRefundBroadcast     EventType = "refund_broadcast"
	EventTradeSuccess        EventType = "trade_success"
	EventSessionPurged       EventType = "session_purged"
)

// Event is a structured notice for the presentation layer (RPC websocket,
// logs). The core state machine never prints; it hands data here.
type Event struct {
	Session uuid.UUID `json:"session"`
	Type    EventType `json:"type"`
	Amount  uint64    `json:"amount,omitempty"`
	Address string    `json:"address,omitempty"`
	TxID    string    `json:"txid,omitempty"`
}

// Runner owns one live session. One mutex serializes peer-delivered
// transitions against the polling loop, so a runner is safe to share
// between the node layer and its supervisor goroutine.
type Runner struct {
	ID  uuid.UUID
	Bob *Bob

	mu sync.Mutex

	Electrum *backend.TCPElectrum
	Daemon   *backend.MoneroDaemon
	Wallet   *backend.MoneroWallet
	Store    SessionStore

	MinConf uint32
	Config  config.SwapConfig

	// OnEvent receives operator-facing notices. Optional. Called with the
	// runner's mutex held, so it must not call back into the runner.
	OnEvent func(Event)

	log *logging.Logger
}

// NewRunner wires a runner for a session.
func NewRunner(id uuid.UUID, bob *Bob, electrum *backend.TCPElectrum, daemon *backend.MoneroDaemon, wallet *backend.MoneroWallet, store SessionStore, minConf uint32, cfg config.SwapConfig) *Runner {
	return &Runner{
		ID:       id,
		Bob:      bob,
		Electrum: electrum,
		Daemon:   daemon,
		Wallet:   wallet,
		Store:    store,
		MinConf:  minConf,
		Config:   cfg,
		log:      logging.Component("runner").With("session", id.String()),
	}
}

func (r *Runner) emit(ev Event) {
	ev.Session = r.ID
	if r.OnEvent != nil {
		r.OnEvent(ev)
	}
}

// viewWalletName is the monero-wallet-rpc filename for this session.
func (r *Runner) viewWalletName() string {
	return "swap-" + r.ID.String() + "-view"
}

func (r *Runner) spendWalletName() string {
	return "swap-" + r.ID.String() + "-spend"
}

// =============================================================================
// Transitions
// =============================================================================

// PubTransition applies a transition originating from the counterparty. Only
// the three message-borne transitions pass; everything else is rejected
// before it reaches the state machine.
func (r *Runner) PubTransition(ctx context.Context, t Transition) error {
	switch t.(type) {
	case TransitionKeys, TransitionContract, TransitionEncSig:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.privTransition(ctx, t)
	default:
		return fmt.Errorf("%w: %s", ErrTransitionNotAllowed, t)
	}
}

// State returns the current phase.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Bob.State
}

// ContractAddresses returns the derived covenant address and shared account
// address. Errors until the counterparty's keys have arrived.
func (r *Runner) ContractAddresses() (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Bob.ContractAddresses()
}

// Outbound returns the message owed to the counterparty in the current
// phase, expressed as the transition they would apply on their side: this
// node's keys after theirs were accepted, the derived contract addresses
// after they matched, the encrypted signature once theirs verified. Nil when
// nothing is owed.
func (r *Runner) Outbound() (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.Bob.State.(type) {
	case StateWithAliceKey:
		return TransitionKeys{Keys: r.Bob.PublicKeys(), Receiving: r.Bob.Swap.BchRecv}, nil
	case StateContractMatch:
		bch, xmr, err := r.Bob.ContractAddresses()
		if err != nil {
			return nil, err
		}
		return TransitionContract{BchAddress: bch, XmrAddress: xmr}, nil
	case StateVerifiedEncSig, StateMoneroLocked:
		encSig, err := r.Bob.SwaplockEncSig()
		if err != nil {
			return nil, err
		}
		return TransitionEncSig{EncSig: encSig}, nil
	default:
		return nil, nil
	}
}

// PrivTransition performs one step: run the pure transition against the
// current state, execute the resulting actions in order, and only then commit
// the new state. On error the stored state is untouched, except that a
// safe-delete action purges the session outright.
func (r *Runner) PrivTransition(ctx context.Context, t Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.privTransition(ctx, t)
}

func (r *Runner) privTransition(ctx context.Context, t Transition) error {
	next, actions, err := r.Bob.Transition(t)
	if err != nil {
		for _, action := range actions {
			if _, ok := action.(ActionSafeDelete); ok {
				r.purge()
				break
			}
		}
		return err
	}

	for _, action := range actions {
		next, err = r.execute(ctx, action, next)
		if err != nil {
			return fmt.Errorf("action failed, state not committed: %w", err)
		}
	}

	r.Bob.State = next
	if r.Store != nil {
		if err := r.Store.SaveSession(r.ID, r.Bob.Swap, next); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
	}
	return nil
}

// purge deletes the session before any funds have moved.
func (r *Runner) purge() {
	if r.Store != nil {
		if err := r.Store.DeleteSession(r.ID); err != nil {
			r.log.Error("failed to purge session", "err", err)
		}
	}
	r.emit(Event{Type: EventSessionPurged})
}

// execute performs one action against the candidate state. Actions may fold
// data back into the state (the wallet restore height) before it commits.
func (r *Runner) execute(ctx context.Context, action Action, next State) (State, error) {
	switch a := action.(type) {
	case ActionSafeDelete:
		r.purge()
		return next, nil

	case ActionCreateXmrView:
		return r.createViewWallet(ctx, a, next)

	case ActionLockBch:
		r.log.Info("awaiting BCH lock", "amount", a.Amount, "address", a.Address)
		r.emit(Event{Type: EventFundingInstructions, Amount: a.Amount, Address: a.Address})
		return next, nil

	case ActionWatchXmr:
		r.log.Info("watching shared monero account", "address", a.Address)
		r.emit(Event{Type: EventWatchingXmr, Address: a.Address})
		return next, nil

	case ActionRefundFallback:
		return next, r.broadcastRefund(ctx, next)

	case ActionTradeSuccess:
		return next, r.claimSuccess(ctx, next)

	default:
		return next, fmt.Errorf("unknown action %T", action)
	}
}

// createViewWallet creates the shared view-only wallet and records the chain
// height at creation time as the restore height, folding it into the state so
// a later recreation does not rescan from genesis.
func (r *Runner) createViewWallet(ctx context.Context, a ActionCreateXmrView, next State) (State, error) {
	height, err := r.Daemon.GetBlockCount(ctx)
	if err != nil {
		return next, fmt.Errorf("query chain height: %w", err)
	}
	address, err := a.ViewPair.Address(r.Bob.Swap.XmrNetwork)
	if err != nil {
		return next, err
	}
	viewKey := hex.EncodeToString(a.ViewPair.View.Bytes())
	if err := r.Wallet.GenerateViewWallet(ctx, r.viewWalletName(), address, viewKey, height); err != nil {
		// A retry after a crash finds the wallet file already on disk
		// and the RPC refuses to overwrite it. Opening the existing
		// wallet resumes the session; any other failure surfaces.
		if openErr := r.Wallet.OpenWallet(ctx, r.viewWalletName()); openErr != nil {
			return next, fmt.Errorf("create view wallet: %w", err)
		}
	}

	// Feed the height back through the state machine so the candidate
	// state carries it when it commits.
	staged := &Bob{Swap: r.Bob.Swap, State: next}
	next, _, err = staged.Transition(TransitionSetRestoreHeight{Height: height})
	if err != nil {
		return next, err
	}
	r.log.Info("created shared view wallet", "restore_height", height)
	return next, nil
}

// broadcastRefund publishes the fallback chain. The second transaction
// spends the first's output, so a delay separates the two broadcasts.
func (r *Runner) broadcastRefund(ctx context.Context, next State) error {
	refundState, ok := next.(StateProceedRefund)
	if !ok {
		return fmt.Errorf("refund requested in %s", next)
	}
	txs, err := r.Bob.RefundTxs(refundState)
	if err != nil {
		return err
	}

	for i, tx := range txs {
		var buf bytes.Buffer
		if err := tx.Serialize(&buf); err != nil {
			return err
		}
		txid, err := r.Electrum.Broadcast(ctx, hex.EncodeToString(buf.Bytes()))
		if err != nil {
			if i == 0 && len(txs) == 2 {
				// The timelock spend may already be on chain if the
				// counterparty raced us into the refund covenant.
				r.log.Warn("refund stage broadcast failed, continuing", "err", err)
				continue
			}
			return err
		}
		r.log.Info("broadcast refund transaction", "txid", txid)
		r.emit(Event{Type: EventRefundBroadcast, TxID: txid})

		if i < len(txs)-1 {
			select {
			case <-time.After(r.Config.RefundBroadcastDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// claimSuccess takes custody of the shared account with the reconstructed
// key pair.
func (r *Runner) claimSuccess(ctx context.Context, next State) error {
	success, ok := next.(StateSwapSuccess)
	if !ok {
		return fmt.Errorf("trade success requested in %s", next)
	}
	address, err := success.Keys.Address(r.Bob.Swap.XmrNetwork)
	if err != nil {
		return err
	}
	spendKey := hex.EncodeToString(success.Keys.Spend.Bytes())
	viewKey := hex.EncodeToString(success.Keys.View.Bytes())
	if err := r.Wallet.CloseWallet(ctx); err != nil {
		r.log.Warn("closing view wallet failed", "err", err)
	}
	if err := r.Wallet.GenerateSpendWallet(ctx, r.spendWalletName(), address, spendKey, viewKey, success.RestoreHeight); err != nil {
		return fmt.Errorf("create spend wallet: %w", err)
	}
	r.log.Info("swap complete, spend wallet created", "address", address)
	r.emit(Event{Type: EventTradeSuccess, Address: address})
	return nil
}

// =============================================================================
// Chain polling
// =============================================================================

// CheckXmr reads the shared account's balance and feeds a Monero-lock
// transition when it matches the expected amount. Only meaningful while the
// session waits for the lock.
func (r *Runner) CheckXmr(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkXmr(ctx)
}

func (r *Runner) checkXmr(ctx context.Context) error {
	if _, ok := r.Bob.State.(StateVerifiedEncSig); !ok {
		return nil
	}
	if err := r.Wallet.OpenWallet(ctx, r.viewWalletName()); err != nil {
		return fmt.Errorf("open view wallet: %w", err)
	}
	balance, err := r.Wallet.GetBalance(ctx)
	if err != nil {
		return err
	}

	// Test networks may not enforce maturity, so settle for the raw
	// balance off mainnet.
	amount := balance.Total
	if r.Bob.Swap.XmrNetwork == chain.Mainnet {
		amount = balance.Unlocked
	}
	if amount != r.Bob.Swap.XmrAmount {
		return nil
	}
	return r.privTransition(ctx, TransitionXmrLocked{Amount: amount})
}

// CheckBch scans both covenant addresses and feeds every confirmed
// transaction through the state machine. Per-transaction protocol errors
// (history entries that are not the event being waited for) are skipped.
func (r *Runner) CheckBch(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkBch(ctx)
}

func (r *Runner) checkBch(ctx context.Context) error {
	switch r.Bob.State.(type) {
	case StateVerifiedEncSig, StateMoneroLocked:
	default:
		return nil
	}
	info, ok := r.Bob.aliceInfo()
	if !ok {
		return nil
	}
	pair, err := r.Bob.contractPair(info)
	if err != nil {
		return err
	}
	prefix, err := r.Bob.bchPrefix()
	if err != nil {
		return err
	}

	for _, contract := range []*Contract{&pair.SwapLock, &pair.Refund} {
		txs, err := r.Electrum.ScanAddress(ctx, contract.CashAddress(prefix), r.MinConf)
		if err != nil {
			return err
		}
		for _, confirmed := range txs {
			tx := wire.NewMsgTx(2)
			if err := tx.Deserialize(bytes.NewReader(confirmed.Raw)); err != nil {
				r.log.Debug("undecodable transaction in history", "txid", confirmed.TxID)
				continue
			}
			err := r.privTransition(ctx, TransitionBchConfirmed{Tx: tx, Confirmations: confirmed.Confirmations})
			if err != nil && !errors.Is(err, ErrInvalidTransaction) && !errors.Is(err, ErrInvalidStateTransition) {
				return err
			}
			// A nil error does not mean the phase moved: a lock funding
			// still inside the cooperative window is accepted as a no-op.
			// Keep scanning until a terminal phase is reached, otherwise a
			// later history entry (the counterparty's refund trigger) is
			// never seen.
			switch r.Bob.State.(type) {
			case StateProceedRefund, StateSwapSuccess:
				return nil
			}
		}
	}
	return nil
}

// Poll runs one polling round across both chains.
func (r *Runner) Poll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkBch(ctx); err != nil {
		return err
	}
	return r.checkXmr(ctx)
}

// Run polls until the session reaches a terminal state or the context ends.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Poll(ctx); err != nil {
				r.log.Warn("polling round failed", "err", err)
			}
			switch r.State().(type) {
			case StateSwapSuccess, StateProceedRefund:
				return nil
			}
		}
	}
}
