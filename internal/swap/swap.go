// Package swap implements the responder side of a BCH/XMR atomic swap.
// This package contains ONLY protocol-specific logic (key material, contracts,
// the state machine, the runner). It uses existing packages directly:
//   - chain.Get() for chain parameters
//   - backend for electrum and monero RPC
//   - config for fees and timelock policy
package swap

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
)

// Protocol errors returned by the transition function. Pre-funding errors
// travel with an ActionSafeDelete; post-funding errors leave the session
// resumable.
var (
	ErrInvalidProof           = errors.New("invalid cross-curve key proof")
	ErrInvalidTimelock        = errors.New("invalid timelock parameters")
	ErrInvalidBchAddress      = errors.New("claimed bch address does not match derived contract")
	ErrInvalidXmrAddress      = errors.New("claimed xmr address does not match shared keys")
	ErrInvalidSignature       = errors.New("invalid encrypted signature")
	ErrInvalidXmrAmount       = errors.New("locked xmr amount does not match swap")
	ErrInvalidTransaction     = errors.New("malformed transaction")
	ErrInvalidStateTransition = errors.New("transition not valid from current state")
)

// HexBytes is a byte slice that marshals as lowercase hex. Receiving scripts
// and other raw script material cross the wire and the database in this form.
type HexBytes []byte

// MarshalText implements encoding.TextMarshaler.
func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *HexBytes) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*h = b
	return nil
}

// SecpPublic wraps a secp256k1 public key with hex text marshaling
// (compressed, 33 bytes).
type SecpPublic struct {
	*secp256k1.PublicKey
}

// MarshalText implements encoding.TextMarshaler.
func (p SecpPublic) MarshalText() ([]byte, error) {
	if p.PublicKey == nil {
		return nil, errors.New("nil secp256k1 public key")
	}
	return []byte(hex.EncodeToString(p.SerializeCompressed())), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *SecpPublic) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return err
	}
	p.PublicKey = pub
	return nil
}

// Equal reports whether two public keys are the same point.
func (p SecpPublic) Equal(other SecpPublic) bool {
	if p.PublicKey == nil || other.PublicKey == nil {
		return false
	}
	return p.PublicKey.IsEqual(other.PublicKey)
}

// =============================================================================
// Key material
// =============================================================================

// KeyPrivate holds one party's long-term secrets for a single swap session.
//
// SpendBch and MoneroSpend carry the SAME integer: the joint spend scalar is
// sampled below 2^252 so its big-endian form is a valid secp256k1 secret and
// its little-endian form is a canonical ed25519 scalar. The cross-curve proof
// binds the two public forms together; the adaptor signature leaks the secp
// form, which IS the Monero spend secret.
type KeyPrivate struct {
	SpendBch    *secp256k1.PrivateKey `json:"-"`
	MoneroSpend MoneroPrivate         `json:"monero_spend"`
	MoneroView  MoneroPrivate         `json:"monero_view"`
	Ves         *secp256k1.PrivateKey `json:"-"`
	Proof       *CrossCurveProof      `json:"proof"`
}

// keyPrivateJSON is the storage form: secp secrets as hex scalars. The
// storage layer encrypts the whole record at rest.
type keyPrivateJSON struct {
	SpendBch    HexBytes         `json:"spend_bch"`
	MoneroSpend MoneroPrivate    `json:"monero_spend"`
	MoneroView  MoneroPrivate    `json:"monero_view"`
	Ves         HexBytes         `json:"ves"`
	Proof       *CrossCurveProof `json:"proof"`
}

// MarshalJSON implements json.Marshaler.
func (k *KeyPrivate) MarshalJSON() ([]byte, error) {
	if k.SpendBch == nil || k.Ves == nil {
		return nil, errors.New("incomplete private key set")
	}
	return json.Marshal(keyPrivateJSON{
		SpendBch:    k.SpendBch.Serialize(),
		MoneroSpend: k.MoneroSpend,
		MoneroView:  k.MoneroView,
		Ves:         k.Ves.Serialize(),
		Proof:       k.Proof,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *KeyPrivate) UnmarshalJSON(data []byte) error {
	var raw keyPrivateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.SpendBch) != 32 || len(raw.Ves) != 32 {
		return errors.New("private scalar must be 32 bytes")
	}
	k.SpendBch = secp256k1.PrivKeyFromBytes(raw.SpendBch)
	k.MoneroSpend = raw.MoneroSpend
	k.MoneroView = raw.MoneroView
	k.Ves = secp256k1.PrivKeyFromBytes(raw.Ves)
	k.Proof = raw.Proof
	return nil
}

// GenerateKeyPrivate samples a fresh key set: a joint spend scalar valid on
// both curves, an independent view scalar, and an independent verification
// (ves) key for the adaptor signatures.
func GenerateKeyPrivate() (*KeyPrivate, error) {
	joint, err := generateJointScalar()
	if err != nil {
		return nil, err
	}

	spendBch := secp256k1.PrivKeyFromBytes(joint[:])
	moneroSpend, err := MoneroPrivateFromSecpBytes(joint[:])
	if err != nil {
		return nil, fmt.Errorf("joint scalar rejected by ed25519: %w", err)
	}

	moneroView, err := NewMoneroPrivate()
	if err != nil {
		return nil, err
	}

	ves, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ves key: %w", err)
	}

	proof, err := NewCrossCurveProof(joint[:])
	if err != nil {
		return nil, fmt.Errorf("failed to build key proof: %w", err)
	}

	return &KeyPrivate{
		SpendBch:    spendBch,
		MoneroSpend: moneroSpend,
		MoneroView:  moneroView,
		Ves:         ves,
		Proof:       proof,
	}, nil
}

// generateJointScalar samples 32 big-endian bytes below 2^252. Both group
// orders exceed 2^252, so the value is canonical on secp256k1 and ed25519.
func generateJointScalar() ([32]byte, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return b, fmt.Errorf("failed to sample joint scalar: %w", err)
	}
	b[0] &= 0x0f
	if isAllZero(b[:]) {
		return generateJointScalar()
	}
	return b, nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Public returns the disclosed form of the key set, proof included. The view
// secret travels in the clear: the protocol shares view keys so both parties
// can watch the joint account.
func (k *KeyPrivate) Public() KeyPublic {
	return KeyPublic{
		KeyPublicWithoutProof: KeyPublicWithoutProof{
			SpendBch:    SecpPublic{k.SpendBch.PubKey()},
			MoneroView:  k.MoneroView,
			MoneroSpend: k.MoneroSpend.PublicKey(),
			Ves:         SecpPublic{k.Ves.PubKey()},
		},
		Proof: k.Proof,
	}
}

// KeyPublicWithoutProof is a party's public key material once the proof has
// been verified at first contact. Downstream state never re-checks it.
type KeyPublicWithoutProof struct {
	SpendBch    SecpPublic    `json:"spend_bch"`
	MoneroView  MoneroPrivate `json:"monero_view"`
	MoneroSpend MoneroPublic  `json:"monero_spend"`
	Ves         SecpPublic    `json:"ves"`
}

// KeyPublic is the first-contact form: key material plus the cross-curve
// proof binding SpendBch and MoneroSpend to one scalar.
type KeyPublic struct {
	KeyPublicWithoutProof
	Proof *CrossCurveProof `json:"proof"`
}

// WithoutProof strips the proof after verification.
func (k KeyPublic) WithoutProof() KeyPublicWithoutProof {
	return k.KeyPublicWithoutProof
}

// =============================================================================
// Swap
// =============================================================================

// Swap holds the immutable per-session parameters. It is created once per
// trade attempt and never mutated; all evolving data lives in State.
type Swap struct {
	Keys *KeyPrivate `json:"keys"`

	// BchRecv is the locking script of this node's BCH payout.
	BchRecv HexBytes `json:"bch_recv"`

	BchAmount uint64 `json:"bch_amount"` // satoshis expected into SwapLock
	XmrAmount uint64 `json:"xmr_amount"` // atomic units expected into the shared account

	// Timelock1 gates the SwapLock refund path, Timelock2 the Refund
	// contract's counterparty path. Relative, in blocks.
	Timelock1 uint32 `json:"timelock1"`
	Timelock2 uint32 `json:"timelock2"`

	BchNetwork chain.Network `json:"bch_network"`
	XmrNetwork chain.Network `json:"xmr_network"`
}

// =============================================================================
// Transitions
// =============================================================================

// Transition is one protocol event. The set is closed: every variant lives in
// this file and nothing outside the package can add one.
type Transition interface {
	fmt.Stringer
	isTransition()
}

// TransitionKeys is the counterparty's opening key-exchange message.
type TransitionKeys struct {
	Keys      KeyPublic `json:"keys"`
	Receiving HexBytes  `json:"receiving"` // counterparty's BCH payout script
}

// TransitionContract is the counterparty's confirmation of the derived
// contract addresses.
type TransitionContract struct {
	BchAddress string `json:"bch_address"`
	XmrAddress string `json:"xmr_address"`
}

// TransitionEncSig carries the counterparty's encrypted signature over this
// node's receiving commitment.
type TransitionEncSig struct {
	EncSig *EncryptedSignature `json:"enc_sig"`
}

// TransitionXmrLocked reports the observed balance of the shared account.
type TransitionXmrLocked struct {
	Amount uint64 `json:"amount"`
}

// TransitionBchConfirmed is a confirmed transaction touching a contract
// address, with its confirmation count.
type TransitionBchConfirmed struct {
	Tx            *wire.MsgTx
	Confirmations uint32
}

// TransitionSetRestoreHeight records the height the view wallet scans from.
// Internal only; never accepted from the counterparty.
type TransitionSetRestoreHeight struct {
	Height uint64 `json:"height"`
}

func (TransitionKeys) isTransition()             {}
func (TransitionContract) isTransition()         {}
func (TransitionEncSig) isTransition()           {}
func (TransitionXmrLocked) isTransition()        {}
func (TransitionBchConfirmed) isTransition()     {}
func (TransitionSetRestoreHeight) isTransition() {}

func (TransitionKeys) String() string             { return "Transition::Keys" }
func (TransitionContract) String() string         { return "Transition::Contract" }
func (TransitionEncSig) String() string           { return "Transition::EncSig" }
func (TransitionXmrLocked) String() string        { return "Transition::XmrLocked" }
func (TransitionBchConfirmed) String() string     { return "Transition::BchConfirmed" }
func (TransitionSetRestoreHeight) String() string { return "Transition::SetRestoreHeight" }

// =============================================================================
// Actions
// =============================================================================

// Action is a side effect the runner must execute after an accepted
// transition, in the order returned.
type Action interface {
	isAction()
}

// ActionSafeDelete purges the session. Only requested before any funds move.
type ActionSafeDelete struct{}

// ActionCreateXmrView creates the view-only wallet for the shared account.
type ActionCreateXmrView struct {
	ViewPair MoneroViewPair
}

// ActionLockBch surfaces funding instructions to the operator.
type ActionLockBch struct {
	Amount  uint64
	Address string
}

// ActionWatchXmr begins watching the shared account's address.
type ActionWatchXmr struct {
	Address string
}

// ActionRefundFallback broadcasts the two-transaction refund chain.
type ActionRefundFallback struct{}

// ActionTradeSuccess declares the swap complete.
type ActionTradeSuccess struct{}

func (ActionSafeDelete) isAction()     {}
func (ActionCreateXmrView) isAction()  {}
func (ActionLockBch) isAction()        {}
func (ActionWatchXmr) isAction()       {}
func (ActionRefundFallback) isAction() {}
func (ActionTradeSuccess) isAction()   {}
