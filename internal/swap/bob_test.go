package swap

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/wire"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
)

func newTestSwap(t *testing.T) *Swap {
	t.Helper()
	keys, err := GenerateKeyPrivate()
	if err != nil {
		t.Fatalf("GenerateKeyPrivate: %v", err)
	}
	return &Swap{
		Keys:       keys,
		BchRecv:    p2pkhScript(0x01),
		BchAmount:  100000,
		XmrAmount:  2000000000000,
		Timelock1:  5,
		Timelock2:  10,
		BchNetwork: chain.Regtest,
		XmrNetwork: chain.Regtest,
	}
}

type testAlice struct {
	keys *KeyPrivate
	recv HexBytes
}

func newTestAlice(t *testing.T) *testAlice {
	t.Helper()
	keys, err := GenerateKeyPrivate()
	if err != nil {
		t.Fatalf("GenerateKeyPrivate: %v", err)
	}
	return &testAlice{keys: keys, recv: p2pkhScript(0x02)}
}

// advance feeds a transition and commits the new state, failing on error.
func advance(t *testing.T, bob *Bob, tr Transition) []Action {
	t.Helper()
	next, actions, err := bob.Transition(tr)
	if err != nil {
		t.Fatalf("%s in %s: %v", tr, bob.State, err)
	}
	bob.State = next
	return actions
}

func TestBobHappyPath(t *testing.T) {
	swap := newTestSwap(t)
	alice := newTestAlice(t)
	bob := NewBob(swap)

	// Key exchange.
	actions := advance(t, bob, TransitionKeys{Keys: alice.keys.Public(), Receiving: alice.recv})
	if _, ok := bob.State.(StateWithAliceKey); !ok {
		t.Fatalf("state = %s, want WithAliceKey", bob.State)
	}
	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(actions))
	}
	view, ok := actions[0].(ActionCreateXmrView)
	if !ok {
		t.Fatalf("action = %T, want ActionCreateXmrView", actions[0])
	}
	wantView := swap.Keys.MoneroView.Add(alice.keys.MoneroView)
	if !bytes.Equal(view.ViewPair.View.Bytes(), wantView.Bytes()) {
		t.Error("shared view key is not the scalar sum")
	}

	// Contract confirmation with the locally derived addresses.
	bchAddr, xmrAddr, err := bob.ContractAddresses()
	if err != nil {
		t.Fatalf("ContractAddresses: %v", err)
	}
	actions = advance(t, bob, TransitionContract{BchAddress: bchAddr, XmrAddress: xmrAddr})
	if _, ok := bob.State.(StateContractMatch); !ok {
		t.Fatalf("state = %s, want ContractMatch", bob.State)
	}
	if len(actions) != 0 {
		t.Fatalf("contract match produced %d actions, want 0", len(actions))
	}

	// Alice's encrypted signature over Bob's receiving commitment,
	// encrypted to Bob's spend key.
	encSig, err := EncryptedSign(alice.keys.Ves, swap.Keys.SpendBch.PubKey(), doubleSHA256(swap.BchRecv))
	if err != nil {
		t.Fatalf("EncryptedSign: %v", err)
	}
	actions = advance(t, bob, TransitionEncSig{EncSig: encSig})
	if _, ok := bob.State.(StateVerifiedEncSig); !ok {
		t.Fatalf("state = %s, want VerifiedEncSig", bob.State)
	}
	if len(actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(actions))
	}
	lock, ok := actions[0].(ActionLockBch)
	if !ok {
		t.Fatalf("first action = %T, want ActionLockBch", actions[0])
	}
	if lock.Amount != swap.BchAmount || lock.Address != bchAddr {
		t.Errorf("lock prompt = (%d, %s), want (%d, %s)", lock.Amount, lock.Address, swap.BchAmount, bchAddr)
	}
	if watch, ok := actions[1].(ActionWatchXmr); !ok || watch.Address != xmrAddr {
		t.Errorf("second action = %#v, want watch on %s", actions[1], xmrAddr)
	}

	// Monero lock with the exact amount.
	advance(t, bob, TransitionXmrLocked{Amount: swap.XmrAmount})
	if _, ok := bob.State.(StateMoneroLocked); !ok {
		t.Fatalf("state = %s, want MoneroLocked", bob.State)
	}

	// Alice claims SwapLock, disclosing the decrypted signature on chain.
	bobEncSig, err := bob.SwaplockEncSig()
	if err != nil {
		t.Fatalf("SwaplockEncSig: %v", err)
	}
	aliceSig, err := DecryptSignature(alice.keys.SpendBch, bobEncSig)
	if err != nil {
		t.Fatalf("DecryptSignature: %v", err)
	}
	info, _ := bob.aliceInfo()
	pair, err := bob.contractPair(info)
	if err != nil {
		t.Fatalf("contractPair: %v", err)
	}
	claim := wire.NewMsgTx(2)
	claim.AddTxIn(&wire.TxIn{SignatureScript: pair.SwapLock.UnlockingScript(aliceSig.SerializeDER())})
	claim.AddTxOut(wire.NewTxOut(int64(swap.BchAmount-1000), alice.recv))

	actions = advance(t, bob, TransitionBchConfirmed{Tx: claim, Confirmations: 1})
	success, ok := bob.State.(StateSwapSuccess)
	if !ok {
		t.Fatalf("state = %s, want SwapSuccess", bob.State)
	}
	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(actions))
	}
	if _, ok := actions[0].(ActionTradeSuccess); !ok {
		t.Fatalf("action = %T, want ActionTradeSuccess", actions[0])
	}

	// The reconstructed spend secret must be the sum of both parties'
	// Monero spend secrets.
	wantSpend := swap.Keys.MoneroSpend.Add(alice.keys.MoneroSpend)
	if !bytes.Equal(success.Keys.Spend.Bytes(), wantSpend.Bytes()) {
		t.Error("recovered spend key is not the scalar sum")
	}
	if !bytes.Equal(success.Keys.View.Bytes(), wantView.Bytes()) {
		t.Error("success state lost the shared view key")
	}
}

func TestBobRefundPath(t *testing.T) {
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

	// A young lock transaction must not trigger the refund.
	lockTx := wire.NewMsgTx(2)
	lockTx.AddTxOut(wire.NewTxOut(int64(swap.BchAmount), pair.SwapLock.P2SHLockingBytecode()))
	next, actions, err := bob.Transition(TransitionBchConfirmed{Tx: lockTx, Confirmations: swap.Timelock1 - 1})
	if err != nil {
		t.Fatalf("young lock tx: %v", err)
	}
	if _, ok := next.(StateVerifiedEncSig); !ok {
		t.Fatalf("state = %s, want VerifiedEncSig", next)
	}
	if len(actions) != 0 {
		t.Fatalf("young lock tx produced %d actions", len(actions))
	}

	// At the timelock it does.
	actions = advance(t, bob, TransitionBchConfirmed{Tx: lockTx, Confirmations: swap.Timelock1})
	refundState, ok := bob.State.(StateProceedRefund)
	if !ok {
		t.Fatalf("state = %s, want ProceedRefund", bob.State)
	}
	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(actions))
	}
	if _, ok := actions[0].(ActionRefundFallback); !ok {
		t.Fatalf("action = %T, want ActionRefundFallback", actions[0])
	}
	if refundState.Trigger.Side != ToSwapLock {
		t.Errorf("trigger side = %v, want %v", refundState.Trigger.Side, ToSwapLock)
	}

	txs, err := bob.RefundTxs(refundState)
	if err != nil {
		t.Fatalf("RefundTxs: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("refund chain = %d txs, want 2", len(txs))
	}
	if len(txs[1].TxIn) != 1 {
		t.Fatalf("claim tx has %d inputs, want 1", len(txs[1].TxIn))
	}
	prev := txs[1].TxIn[0].PreviousOutPoint
	if prev.Hash != txs[0].TxHash() || prev.Index != 0 {
		t.Error("claim tx does not spend the first refund tx's output 0")
	}
	if txs[0].TxIn[0].Sequence != swap.Timelock1 {
		t.Errorf("refund tx sequence = %d, want %d", txs[0].TxIn[0].Sequence, swap.Timelock1)
	}
	wantValue := int64(swap.BchAmount) - 2000
	if txs[1].TxOut[0].Value != wantValue {
		t.Errorf("claim value = %d, want %d", txs[1].TxOut[0].Value, wantValue)
	}
	if !bytes.Equal(txs[1].TxOut[0].PkScript, swap.BchRecv) {
		t.Error("claim tx does not pay the swap's receiving script")
	}
}

func TestBobRefundPreempted(t *testing.T) {
	swap := newTestSwap(t)
	alice := newTestAlice(t)
	bob := NewBob(swap)

	advance(t, bob, TransitionKeys{Keys: alice.keys.Public(), Receiving: alice.recv})
	bchAddr, xmrAddr, _ := bob.ContractAddresses()
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

	// The counterparty already pushed the coins into the Refund covenant;
	// only the claim spend remains for this side.
	refundTx := wire.NewMsgTx(2)
	refundTx.AddTxOut(wire.NewTxOut(int64(swap.BchAmount)-1000, pair.Refund.P2SHLockingBytecode()))
	advance(t, bob, TransitionBchConfirmed{Tx: refundTx, Confirmations: 1})
	refundState, ok := bob.State.(StateProceedRefund)
	if !ok {
		t.Fatalf("state = %s, want ProceedRefund", bob.State)
	}
	if refundState.Trigger.Side != ToRefund {
		t.Fatalf("trigger side = %v, want %v", refundState.Trigger.Side, ToRefund)
	}

	txs, err := bob.RefundTxs(refundState)
	if err != nil {
		t.Fatalf("RefundTxs: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("refund chain = %d txs, want 1", len(txs))
	}
	if !bytes.Equal(txs[0].TxOut[0].PkScript, swap.BchRecv) {
		t.Error("claim tx does not pay the swap's receiving script")
	}
}

func TestBobRejectsInvalidProof(t *testing.T) {
	swap := newTestSwap(t)
	alice := newTestAlice(t)
	other := newTestAlice(t)
	bob := NewBob(swap)

	// Key material from one party, proof from another.
	keys := alice.keys.Public()
	keys.Proof = other.keys.Proof
	_, actions, err := bob.Transition(TransitionKeys{Keys: keys, Receiving: alice.recv})
	if !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("err = %v, want ErrInvalidProof", err)
	}
	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(actions))
	}
	if _, ok := actions[0].(ActionSafeDelete); !ok {
		t.Fatalf("action = %T, want ActionSafeDelete", actions[0])
	}
	if _, ok := bob.State.(StateInit); !ok {
		t.Fatalf("state mutated to %s", bob.State)
	}
}

func TestBobRejectsInvalidTimelocks(t *testing.T) {
	swap := newTestSwap(t)
	swap.Timelock1 = 1 // below the policy floor
	alice := newTestAlice(t)
	bob := NewBob(swap)

	_, actions, err := bob.Transition(TransitionKeys{Keys: alice.keys.Public(), Receiving: alice.recv})
	if !errors.Is(err, ErrInvalidTimelock) {
		t.Fatalf("err = %v, want ErrInvalidTimelock", err)
	}
	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(actions))
	}
	if _, ok := actions[0].(ActionSafeDelete); !ok {
		t.Fatalf("action = %T, want ActionSafeDelete", actions[0])
	}
}

func TestBobRejectsAddressMismatch(t *testing.T) {
	swap := newTestSwap(t)
	alice := newTestAlice(t)
	bob := NewBob(swap)

	advance(t, bob, TransitionKeys{Keys: alice.keys.Public(), Receiving: alice.recv})
	bchAddr, xmrAddr, err := bob.ContractAddresses()
	if err != nil {
		t.Fatalf("ContractAddresses: %v", err)
	}

	_, _, err = bob.Transition(TransitionContract{BchAddress: "bchreg:wrong", XmrAddress: xmrAddr})
	if !errors.Is(err, ErrInvalidBchAddress) {
		t.Errorf("err = %v, want ErrInvalidBchAddress", err)
	}
	_, _, err = bob.Transition(TransitionContract{BchAddress: bchAddr, XmrAddress: "4wrong"})
	if !errors.Is(err, ErrInvalidXmrAddress) {
		t.Errorf("err = %v, want ErrInvalidXmrAddress", err)
	}
	// Mismatches keep the session alive.
	if _, ok := bob.State.(StateWithAliceKey); !ok {
		t.Fatalf("state mutated to %s", bob.State)
	}
}

func TestBobRejectsWrongXmrAmount(t *testing.T) {
	swap := newTestSwap(t)
	alice := newTestAlice(t)
	bob := NewBob(swap)

	advance(t, bob, TransitionKeys{Keys: alice.keys.Public(), Receiving: alice.recv})
	bchAddr, xmrAddr, _ := bob.ContractAddresses()
	advance(t, bob, TransitionContract{BchAddress: bchAddr, XmrAddress: xmrAddr})
	encSig, err := EncryptedSign(alice.keys.Ves, swap.Keys.SpendBch.PubKey(), doubleSHA256(swap.BchRecv))
	if err != nil {
		t.Fatalf("EncryptedSign: %v", err)
	}
	advance(t, bob, TransitionEncSig{EncSig: encSig})

	next, _, err := bob.Transition(TransitionXmrLocked{Amount: swap.XmrAmount + 1})
	if !errors.Is(err, ErrInvalidXmrAmount) {
		t.Fatalf("err = %v, want ErrInvalidXmrAmount", err)
	}
	if _, ok := next.(StateVerifiedEncSig); !ok {
		t.Fatalf("state = %s, want unchanged VerifiedEncSig", next)
	}
}

func TestBobInvalidTransitions(t *testing.T) {
	swap := newTestSwap(t)
	bob := NewBob(swap)

	tests := []struct {
		name string
		tr   Transition
	}{
		{name: "enc sig in init", tr: TransitionEncSig{}},
		{name: "contract in init", tr: TransitionContract{}},
		{name: "xmr lock in init", tr: TransitionXmrLocked{Amount: 1}},
		{name: "bch tx in init", tr: TransitionBchConfirmed{Tx: wire.NewMsgTx(2)}},
		{name: "restore height in init", tr: TransitionSetRestoreHeight{Height: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, actions, err := bob.Transition(tt.tr)
			if !errors.Is(err, ErrInvalidStateTransition) {
				t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
			}
			if _, ok := next.(StateInit); !ok {
				t.Fatalf("state = %s, want unchanged Init", next)
			}
			if len(actions) != 0 {
				t.Fatalf("actions = %d, want 0", len(actions))
			}
		})
	}
}

func TestBobSetRestoreHeight(t *testing.T) {
	swap := newTestSwap(t)
	alice := newTestAlice(t)
	bob := NewBob(swap)

	advance(t, bob, TransitionKeys{Keys: alice.keys.Public(), Receiving: alice.recv})
	advance(t, bob, TransitionSetRestoreHeight{Height: 4242})

	state, ok := bob.State.(StateWithAliceKey)
	if !ok {
		t.Fatalf("state = %s, want WithAliceKey", bob.State)
	}
	if state.RestoreHeight != 4242 {
		t.Errorf("restore height = %d, want 4242", state.RestoreHeight)
	}
}

func TestStatePersistenceRoundTrip(t *testing.T) {
	swap := newTestSwap(t)
	alice := newTestAlice(t)
	bob := NewBob(swap)

	advance(t, bob, TransitionKeys{Keys: alice.keys.Public(), Receiving: alice.recv})
	bchAddr, xmrAddr, _ := bob.ContractAddresses()
	advance(t, bob, TransitionContract{BchAddress: bchAddr, XmrAddress: xmrAddr})
	encSig, err := EncryptedSign(alice.keys.Ves, swap.Keys.SpendBch.PubKey(), doubleSHA256(swap.BchRecv))
	if err != nil {
		t.Fatalf("EncryptedSign: %v", err)
	}
	advance(t, bob, TransitionEncSig{EncSig: encSig})

	blob, err := MarshalState(bob.State)
	if err != nil {
		t.Fatalf("MarshalState: %v", err)
	}
	restored, err := UnmarshalState(blob)
	if err != nil {
		t.Fatalf("UnmarshalState: %v", err)
	}
	again, err := MarshalState(restored)
	if err != nil {
		t.Fatalf("MarshalState after restore: %v", err)
	}
	if !bytes.Equal(blob, again) {
		t.Fatal("state encoding not stable across a restore")
	}

	// The restored session keeps working where it left off.
	resumed := &Bob{Swap: swap, State: restored}
	next, _, err := resumed.Transition(TransitionXmrLocked{Amount: swap.XmrAmount})
	if err != nil {
		t.Fatalf("transition after restore: %v", err)
	}
	if _, ok := next.(StateMoneroLocked); !ok {
		t.Fatalf("state = %s, want MoneroLocked", next)
	}
}
