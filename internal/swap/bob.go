// Package swap - responder state machine.
//
// Bob's protocol phase is a closed sum type: each variant carries exactly the
// data that phase has, so code cannot read fields that do not exist yet. The
// transition function is pure; all side effects come back as Actions for the
// runner to execute.
package swap

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
	"github.com/Cyrix126/bch-xmr-swap/internal/config"
)

// =============================================================================
// States
// =============================================================================

// State is one protocol phase. The set is closed; transitions replace the
// value wholesale and never mutate it in place.
type State interface {
	fmt.Stringer
	isState()
}

// AliceInfo is the counterparty material shared by every post-key-exchange
// phase. The contract pair is not stored: derivation is deterministic, so it
// is rebuilt on demand from this data plus the immutable Swap.
type AliceInfo struct {
	Keys          KeyPublicWithoutProof `json:"keys"`
	BchRecv       HexBytes              `json:"bch_recv"`
	SharedKeys    MoneroViewPair        `json:"shared_keys"`
	RestoreHeight uint64                `json:"restore_height"`
}

// StateInit is the phase before the counterparty's first message.
type StateInit struct{}

// StateWithAliceKey holds verified counterparty keys; the contract addresses
// have not been confirmed yet.
type StateWithAliceKey struct {
	AliceInfo
}

// StateContractMatch means both parties agree on the derived addresses.
type StateContractMatch struct {
	AliceInfo
}

// StateVerifiedEncSig adds the decrypted refund signature. From here on the
// session must survive restarts: funds may be locked at any moment.
type StateVerifiedEncSig struct {
	AliceInfo
	DecSig Signature `json:"dec_sig"`
}

// StateMoneroLocked means the expected XMR sits in the shared account and the
// swap is waiting for the counterparty's on-chain claim.
type StateMoneroLocked struct {
	AliceInfo
	DecSig Signature `json:"dec_sig"`
}

// RefundTrigger records the confirmed output that put the session on the
// refund path.
type RefundTrigger struct {
	TxID  HexBytes     `json:"txid"`
	Vout  uint32       `json:"vout"`
	Side  ContractSide `json:"side"`
	Value int64        `json:"value"`
}

// OutPoint converts the trigger back to wire form.
func (rt RefundTrigger) OutPoint() (wire.OutPoint, error) {
	hash, err := chainhash.NewHash(rt.TxID)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("%w: bad trigger txid", ErrInvalidTransaction)
	}
	return wire.OutPoint{Hash: *hash, Index: rt.Vout}, nil
}

// StateProceedRefund is the fallback path: the refund chain must be
// broadcast before the second timelock expires.
type StateProceedRefund struct {
	AliceInfo
	DecSig  Signature     `json:"dec_sig"`
	Trigger RefundTrigger `json:"trigger"`
}

// StateSwapSuccess is terminal: the combined spend secret is known and the
// shared account is spendable.
type StateSwapSuccess struct {
	Keys          MoneroKeyPair `json:"keys"`
	RestoreHeight uint64        `json:"restore_height"`
}

func (StateInit) isState()           {}
func (StateWithAliceKey) isState()   {}
func (StateContractMatch) isState()  {}
func (StateVerifiedEncSig) isState() {}
func (StateMoneroLocked) isState()   {}
func (StateProceedRefund) isState()  {}
func (StateSwapSuccess) isState()    {}

func (StateInit) String() string           { return "State::Init" }
func (StateWithAliceKey) String() string   { return "State::WithAliceKey" }
func (StateContractMatch) String() string  { return "State::ContractMatch" }
func (StateVerifiedEncSig) String() string { return "State::VerifiedEncSig" }
func (StateMoneroLocked) String() string   { return "State::MoneroLocked" }
func (StateProceedRefund) String() string  { return "State::ProceedRefund" }
func (StateSwapSuccess) String() string    { return "State::SwapSuccess" }

// =============================================================================
// Bob
// =============================================================================

// Bob pairs the immutable swap parameters with the current phase.
type Bob struct {
	Swap  *Swap
	State State
}

// NewBob starts a fresh session.
func NewBob(s *Swap) *Bob {
	return &Bob{Swap: s, State: StateInit{}}
}

// PublicKeys returns this node's first-contact key material.
func (b *Bob) PublicKeys() KeyPublic {
	return b.Swap.Keys.Public()
}

// contractPair rebuilds the covenants for the given counterparty material.
// Parameters were validated when the keys were first accepted, so a failure
// here means corrupted state.
func (b *Bob) contractPair(info *AliceInfo) (*ContractPair, error) {
	return CreateContractPair(ContractParams{
		Timelock1: b.Swap.Timelock1,
		Timelock2: b.Swap.Timelock2,
		BobRecv:   b.Swap.BchRecv,
		AliceRecv: info.BchRecv,
		BobVes:    b.Swap.Keys.Ves.PubKey(),
		AliceVes:  info.Keys.Ves.PublicKey,
	})
}

// bchPrefix returns the cashaddr prefix for the session's BCH network.
func (b *Bob) bchPrefix() (string, error) {
	params, ok := chain.Get("BCH", b.Swap.BchNetwork)
	if !ok {
		return "", fmt.Errorf("unsupported bch network %q", b.Swap.BchNetwork)
	}
	return params.CashAddrPrefix, nil
}

// ContractAddresses derives the SwapLock cash address and the shared Monero
// account address. Valid once the counterparty's keys are known.
func (b *Bob) ContractAddresses() (bch, xmr string, err error) {
	info, ok := b.aliceInfo()
	if !ok {
		return "", "", ErrInvalidStateTransition
	}
	pair, err := b.contractPair(info)
	if err != nil {
		return "", "", err
	}
	prefix, err := b.bchPrefix()
	if err != nil {
		return "", "", err
	}
	xmr, err = info.SharedKeys.Address(b.Swap.XmrNetwork)
	if err != nil {
		return "", "", err
	}
	return pair.SwapLock.CashAddress(prefix), xmr, nil
}

// SwaplockEncSig produces the encrypted signature handed to the counterparty:
// a signature under this node's ves key over her receiving commitment,
// encrypted to her BCH spend key. Nonces are deterministic, so the same bytes
// come out after a restart.
func (b *Bob) SwaplockEncSig() (*EncryptedSignature, error) {
	info, ok := b.aliceInfo()
	if !ok {
		return nil, ErrInvalidStateTransition
	}
	return EncryptedSign(b.Swap.Keys.Ves, info.Keys.SpendBch.PublicKey, doubleSHA256(info.BchRecv))
}

// aliceInfo extracts the shared payload from any post-key-exchange phase.
func (b *Bob) aliceInfo() (*AliceInfo, bool) {
	switch s := b.State.(type) {
	case StateWithAliceKey:
		return &s.AliceInfo, true
	case StateContractMatch:
		return &s.AliceInfo, true
	case StateVerifiedEncSig:
		return &s.AliceInfo, true
	case StateMoneroLocked:
		return &s.AliceInfo, true
	case StateProceedRefund:
		return &s.AliceInfo, true
	default:
		return nil, false
	}
}

// =============================================================================
// Transition function
// =============================================================================

// Transition computes the successor of the current phase under one event. It
// is pure: the receiver is never modified, and either the full (state,
// actions) pair is returned or the original state comes back with an error.
func (b *Bob) Transition(t Transition) (State, []Action, error) {
	switch state := b.State.(type) {
	case StateInit:
		if keys, ok := t.(TransitionKeys); ok {
			return b.onKeys(keys)
		}
	case StateWithAliceKey:
		switch tr := t.(type) {
		case TransitionContract:
			return b.onContract(state, tr)
		case TransitionSetRestoreHeight:
			state.RestoreHeight = tr.Height
			return state, nil, nil
		}
	case StateContractMatch:
		switch tr := t.(type) {
		case TransitionEncSig:
			return b.onEncSig(state, tr)
		case TransitionSetRestoreHeight:
			state.RestoreHeight = tr.Height
			return state, nil, nil
		}
	case StateVerifiedEncSig:
		switch tr := t.(type) {
		case TransitionXmrLocked:
			if tr.Amount != b.Swap.XmrAmount {
				return state, nil, ErrInvalidXmrAmount
			}
			return StateMoneroLocked{AliceInfo: state.AliceInfo, DecSig: state.DecSig}, nil, nil
		case TransitionBchConfirmed:
			return b.onRefundCandidate(state, tr)
		case TransitionSetRestoreHeight:
			state.RestoreHeight = tr.Height
			return state, nil, nil
		}
	case StateMoneroLocked:
		switch tr := t.(type) {
		case TransitionBchConfirmed:
			return b.onClaim(state, tr)
		case TransitionSetRestoreHeight:
			state.RestoreHeight = tr.Height
			return state, nil, nil
		}
	case StateProceedRefund:
		if tr, ok := t.(TransitionSetRestoreHeight); ok {
			state.RestoreHeight = tr.Height
			return state, nil, nil
		}
	case StateSwapSuccess:
		if tr, ok := t.(TransitionSetRestoreHeight); ok {
			state.RestoreHeight = tr.Height
			return state, nil, nil
		}
	}
	return b.State, nil, fmt.Errorf("%w: %s in %s", ErrInvalidStateTransition, t, b.State)
}

// onKeys handles the counterparty's opening message: verify the cross-curve
// proof, derive the covenants, combine the view keys.
func (b *Bob) onKeys(t TransitionKeys) (State, []Action, error) {
	if t.Keys.Proof == nil || !t.Keys.Proof.Verify(t.Keys.SpendBch.PublicKey, t.Keys.MoneroSpend) {
		return b.State, []Action{ActionSafeDelete{}}, ErrInvalidProof
	}

	info := AliceInfo{
		Keys:    t.Keys.WithoutProof(),
		BchRecv: t.Receiving,
		SharedKeys: SharedViewPair(
			b.Swap.Keys.MoneroView, b.Swap.Keys.MoneroSpend.PublicKey(),
			t.Keys.MoneroView, t.Keys.MoneroSpend,
		),
	}
	if _, err := b.contractPair(&info); err != nil {
		return b.State, []Action{ActionSafeDelete{}}, err
	}

	return StateWithAliceKey{AliceInfo: info},
		[]Action{ActionCreateXmrView{ViewPair: info.SharedKeys}},
		nil
}

// onContract checks the counterparty's claimed addresses against the locally
// derived ones. A mismatch is reported but keeps the session alive.
func (b *Bob) onContract(state StateWithAliceKey, t TransitionContract) (State, []Action, error) {
	pair, err := b.contractPair(&state.AliceInfo)
	if err != nil {
		return state, nil, err
	}
	prefix, err := b.bchPrefix()
	if err != nil {
		return state, nil, err
	}
	if t.BchAddress != pair.SwapLock.CashAddress(prefix) {
		return state, nil, ErrInvalidBchAddress
	}
	xmrAddr, err := state.SharedKeys.Address(b.Swap.XmrNetwork)
	if err != nil {
		return state, nil, err
	}
	if t.XmrAddress != xmrAddr {
		return state, nil, ErrInvalidXmrAddress
	}
	return StateContractMatch{AliceInfo: state.AliceInfo}, nil, nil
}

// onEncSig verifies and decrypts the counterparty's encrypted refund
// signature. Nothing has been funded yet, so an invalid signature purges the
// session.
func (b *Bob) onEncSig(state StateContractMatch, t TransitionEncSig) (State, []Action, error) {
	digest := doubleSHA256(b.Swap.BchRecv)
	if t.EncSig == nil ||
		!VerifyEncryptedSignature(state.Keys.Ves.PublicKey, b.Swap.Keys.SpendBch.PubKey(), digest, t.EncSig) {
		return state, []Action{ActionSafeDelete{}}, ErrInvalidSignature
	}
	decSig, err := DecryptSignature(b.Swap.Keys.SpendBch, t.EncSig)
	if err != nil || !decSig.Verify(digest, state.Keys.Ves.PublicKey) {
		return state, []Action{ActionSafeDelete{}}, ErrInvalidSignature
	}

	pair, err := b.contractPair(&state.AliceInfo)
	if err != nil {
		return state, nil, err
	}
	prefix, err := b.bchPrefix()
	if err != nil {
		return state, nil, err
	}
	xmrAddr, err := state.SharedKeys.Address(b.Swap.XmrNetwork)
	if err != nil {
		return state, nil, err
	}

	return StateVerifiedEncSig{AliceInfo: state.AliceInfo, DecSig: *decSig},
		[]Action{
			ActionLockBch{Amount: b.Swap.BchAmount, Address: pair.SwapLock.CashAddress(prefix)},
			ActionWatchXmr{Address: xmrAddr},
		},
		nil
}

// onRefundCandidate reacts to a confirmed transaction touching a covenant
// while the swap is still waiting for the Monero lock. A SwapLock output aged
// past the first timelock, or any Refund output, starts the fallback.
func (b *Bob) onRefundCandidate(state StateVerifiedEncSig, t TransitionBchConfirmed) (State, []Action, error) {
	if t.Tx == nil {
		return state, nil, ErrInvalidTransaction
	}
	pair, err := b.contractPair(&state.AliceInfo)
	if err != nil {
		return state, nil, err
	}
	match, ok := pair.AnalyzeTx(t.Tx)
	if !ok {
		return state, nil, ErrInvalidTransaction
	}
	if match.Side == ToSwapLock && t.Confirmations < b.Swap.Timelock1 {
		// Still inside the cooperative window.
		return state, nil, nil
	}

	return StateProceedRefund{
		AliceInfo: state.AliceInfo,
		DecSig:    state.DecSig,
		Trigger: RefundTrigger{
			TxID:  match.Outpoint.Hash[:],
			Vout:  match.Outpoint.Index,
			Side:  match.Side,
			Value: match.Value,
		},
	}, []Action{ActionRefundFallback{}}, nil
}

// onClaim handles the counterparty's SwapLock spend: extract her disclosed
// plain signature, recover the adaptor decryption key, and combine the spend
// secrets.
func (b *Bob) onClaim(state StateMoneroLocked, t TransitionBchConfirmed) (State, []Action, error) {
	if t.Tx == nil {
		return state, nil, ErrInvalidTransaction
	}
	pair, err := b.contractPair(&state.AliceInfo)
	if err != nil {
		return state, nil, err
	}
	sigDER, ok := pair.ExtractClaimSig(t.Tx)
	if !ok {
		return state, nil, ErrInvalidTransaction
	}
	plainSig, err := ParseDERSignature(sigDER)
	if err != nil {
		return state, nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}

	// The encrypted signature this node handed over is deterministic, so it
	// can be recomputed here instead of being carried in state.
	encSig, err := EncryptedSign(b.Swap.Keys.Ves, state.Keys.SpendBch.PublicKey, doubleSHA256(state.BchRecv))
	if err != nil {
		return state, nil, err
	}
	aliceSecret, err := RecoverDecryptionKey(state.Keys.SpendBch.PublicKey, plainSig, encSig)
	if err != nil {
		return state, nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	secretBytes := aliceSecret.Serialize()
	aliceSpend, err := MoneroPrivateFromSecpBytes(secretBytes)
	if err != nil {
		return state, nil, fmt.Errorf("%w: recovered key not a monero scalar", ErrInvalidTransaction)
	}

	keys := MoneroKeyPair{
		View:  state.SharedKeys.View,
		Spend: b.Swap.Keys.MoneroSpend.Add(aliceSpend),
	}
	return StateSwapSuccess{Keys: keys, RestoreHeight: state.RestoreHeight},
		[]Action{ActionTradeSuccess{}},
		nil
}

// =============================================================================
// Refund construction
// =============================================================================

// RefundTxs builds the fallback transaction chain, fully, before anything is
// broadcast. A SwapLock trigger yields two transactions: the timelock spend
// into the Refund covenant and the claim spend out of it. A Refund trigger
// (the counterparty already moved the coins) yields only the claim spend.
func (b *Bob) RefundTxs(state StateProceedRefund) ([]*wire.MsgTx, error) {
	pair, err := b.contractPair(&state.AliceInfo)
	if err != nil {
		return nil, err
	}
	outpoint, err := state.Trigger.OutPoint()
	if err != nil {
		return nil, err
	}
	decSigDER := state.DecSig.SerializeDER()

	if state.Trigger.Side == ToRefund {
		if state.Trigger.Value <= int64(config.MiningFee) {
			return nil, ErrInvalidTransaction
		}
		claim := wire.NewMsgTx(2)
		claim.AddTxIn(&wire.TxIn{
			PreviousOutPoint: outpoint,
			SignatureScript:  pair.Refund.UnlockingScript(decSigDER),
			Sequence:         0,
		})
		claim.AddTxOut(wire.NewTxOut(state.Trigger.Value-int64(config.MiningFee), b.Swap.BchRecv))
		return []*wire.MsgTx{claim}, nil
	}

	if state.Trigger.Value <= 2*int64(config.MiningFee) {
		return nil, ErrInvalidTransaction
	}

	toRefund := wire.NewMsgTx(2)
	toRefund.AddTxIn(&wire.TxIn{
		PreviousOutPoint: outpoint,
		SignatureScript:  pair.SwapLock.UnlockingScript(nil),
		Sequence:         b.Swap.Timelock1,
	})
	toRefund.AddTxOut(wire.NewTxOut(state.Trigger.Value-int64(config.MiningFee), pair.Refund.P2SHLockingBytecode()))

	claim := wire.NewMsgTx(2)
	claim.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: toRefund.TxHash(), Index: 0},
		SignatureScript:  pair.Refund.UnlockingScript(decSigDER),
		Sequence:         0,
	})
	claim.AddTxOut(wire.NewTxOut(state.Trigger.Value-2*int64(config.MiningFee), b.Swap.BchRecv))

	return []*wire.MsgTx{toRefund, claim}, nil
}

// =============================================================================
// State persistence
// =============================================================================

// stateEnvelope tags the serialized phase so it can be decoded back into the
// right variant.
type stateEnvelope struct {
	State string          `json:"state"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	stateTagInit           = "init"
	stateTagWithAliceKey   = "with_alice_key"
	stateTagContractMatch  = "contract_match"
	stateTagVerifiedEncSig = "verified_enc_sig"
	stateTagMoneroLocked   = "monero_locked"
	stateTagProceedRefund  = "proceed_refund"
	stateTagSwapSuccess    = "swap_success"
)

// MarshalState encodes a phase for storage.
func MarshalState(s State) ([]byte, error) {
	var env stateEnvelope
	switch s.(type) {
	case StateInit:
		env.State = stateTagInit
	case StateWithAliceKey:
		env.State = stateTagWithAliceKey
	case StateContractMatch:
		env.State = stateTagContractMatch
	case StateVerifiedEncSig:
		env.State = stateTagVerifiedEncSig
	case StateMoneroLocked:
		env.State = stateTagMoneroLocked
	case StateProceedRefund:
		env.State = stateTagProceedRefund
	case StateSwapSuccess:
		env.State = stateTagSwapSuccess
	default:
		return nil, fmt.Errorf("unknown state %T", s)
	}
	if env.State != stateTagInit {
		data, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// UnmarshalState decodes a stored phase.
func UnmarshalState(b []byte) (State, error) {
	var env stateEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	switch env.State {
	case stateTagInit:
		return StateInit{}, nil
	case stateTagWithAliceKey:
		var s StateWithAliceKey
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case stateTagContractMatch:
		var s StateContractMatch
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case stateTagVerifiedEncSig:
		var s StateVerifiedEncSig
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case stateTagMoneroLocked:
		var s StateMoneroLocked
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case stateTagProceedRefund:
		var s StateProceedRefund
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case stateTagSwapSuccess:
		var s StateSwapSuccess
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown state tag %q", env.State)
	}
}

// P2PKHLockingScript builds the standard pay-to-pubkey-hash bytecode used as
// a receiving script.
func P2PKHLockingScript(pubKeyHash []byte) ([]byte, error) {
	if len(pubKeyHash) != 20 {
		return nil, ErrInvalidBchAddress
	}
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_DUP)
	b.AddOp(txscript.OP_HASH160)
	b.AddData(pubKeyHash)
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_CHECKSIG)
	return b.Script()
}
