// Package swap - Monero key material and address encoding.
package swap

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
)

// Monero errors
var (
	ErrInvalidMoneroScalar  = errors.New("invalid monero scalar")
	ErrInvalidMoneroPoint   = errors.New("invalid monero point")
	ErrInvalidMoneroAddress = errors.New("invalid monero address")
)

// Keccak256 computes the legacy Keccak-256 hash (used throughout Monero).
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// =============================================================================
// Key types
// =============================================================================

// MoneroPrivate is a secret scalar on ed25519, reduced mod the group order.
type MoneroPrivate struct {
	scalar *edwards25519.Scalar
}

// MoneroPublic is a public point on ed25519.
type MoneroPublic struct {
	point *edwards25519.Point
}

// NewMoneroPrivate generates a random private key (full scalar range).
func NewMoneroPrivate() (MoneroPrivate, error) {
	var seed [64]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return MoneroPrivate{}, fmt.Errorf("failed to generate monero key: %w", err)
	}
	s, err := new(edwards25519.Scalar).SetUniformBytes(seed[:])
	if err != nil {
		return MoneroPrivate{}, fmt.Errorf("failed to reduce monero scalar: %w", err)
	}
	return MoneroPrivate{scalar: s}, nil
}

// MoneroPrivateFromBytes parses a canonical little-endian scalar.
func MoneroPrivateFromBytes(b []byte) (MoneroPrivate, error) {
	if len(b) != 32 {
		return MoneroPrivate{}, ErrInvalidMoneroScalar
	}
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(b)
	if err != nil {
		return MoneroPrivate{}, ErrInvalidMoneroScalar
	}
	return MoneroPrivate{scalar: s}, nil
}

// MoneroPrivateFromSecpBytes converts a big-endian secp256k1 scalar into a
// Monero scalar. The two curves share the swap's joint secret, which is
// sampled below 2^252 so the same integer is canonical in both groups.
func MoneroPrivateFromSecpBytes(be []byte) (MoneroPrivate, error) {
	if len(be) != 32 {
		return MoneroPrivate{}, ErrInvalidMoneroScalar
	}
	var le [32]byte
	for i := 0; i < 32; i++ {
		le[i] = be[31-i]
	}
	return MoneroPrivateFromBytes(le[:])
}

// Bytes returns the canonical little-endian scalar encoding.
func (k MoneroPrivate) Bytes() []byte {
	return k.scalar.Bytes()
}

// IsZero reports whether the key is unset or the zero scalar.
func (k MoneroPrivate) IsZero() bool {
	if k.scalar == nil {
		return true
	}
	zero := [32]byte{}
	s, _ := new(edwards25519.Scalar).SetCanonicalBytes(zero[:])
	return k.scalar.Equal(s) == 1
}

// Add returns k + other mod the group order.
func (k MoneroPrivate) Add(other MoneroPrivate) MoneroPrivate {
	sum := new(edwards25519.Scalar).Add(k.scalar, other.scalar)
	return MoneroPrivate{scalar: sum}
}

// PublicKey returns the corresponding public point k*G.
func (k MoneroPrivate) PublicKey() MoneroPublic {
	return MoneroPublic{point: new(edwards25519.Point).ScalarBaseMult(k.scalar)}
}

// MarshalText encodes the scalar as hex.
func (k MoneroPrivate) MarshalText() ([]byte, error) {
	if k.scalar == nil {
		return nil, ErrInvalidMoneroScalar
	}
	return []byte(hex.EncodeToString(k.Bytes())), nil
}

// UnmarshalText decodes a hex-encoded scalar.
func (k *MoneroPrivate) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return ErrInvalidMoneroScalar
	}
	parsed, err := MoneroPrivateFromBytes(b)
	if err != nil {
		return err
	}
	k.scalar = parsed.scalar
	return nil
}

// MoneroPublicFromBytes parses a compressed edwards point.
func MoneroPublicFromBytes(b []byte) (MoneroPublic, error) {
	if len(b) != 32 {
		return MoneroPublic{}, ErrInvalidMoneroPoint
	}
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return MoneroPublic{}, ErrInvalidMoneroPoint
	}
	return MoneroPublic{point: p}, nil
}

// Bytes returns the compressed point encoding.
func (p MoneroPublic) Bytes() []byte {
	return p.point.Bytes()
}

// Add returns the point sum p + other.
func (p MoneroPublic) Add(other MoneroPublic) MoneroPublic {
	sum := new(edwards25519.Point).Add(p.point, other.point)
	return MoneroPublic{point: sum}
}

// Equal reports whether two public keys are the same point.
func (p MoneroPublic) Equal(other MoneroPublic) bool {
	if p.point == nil || other.point == nil {
		return false
	}
	return p.point.Equal(other.point) == 1
}

// MarshalText encodes the point as hex.
func (p MoneroPublic) MarshalText() ([]byte, error) {
	if p.point == nil {
		return nil, ErrInvalidMoneroPoint
	}
	return []byte(hex.EncodeToString(p.Bytes())), nil
}

// UnmarshalText decodes a hex-encoded point.
func (p *MoneroPublic) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return ErrInvalidMoneroPoint
	}
	parsed, err := MoneroPublicFromBytes(b)
	if err != nil {
		return err
	}
	p.point = parsed.point
	return nil
}

// =============================================================================
// Key pairs
// =============================================================================

// MoneroKeyPair holds both secret halves of a Monero account.
type MoneroKeyPair struct {
	View  MoneroPrivate `json:"view"`
	Spend MoneroPrivate `json:"spend"`
}

// Address derives the standard address owned by this key pair.
func (kp MoneroKeyPair) Address(network chain.Network) (string, error) {
	return EncodeMoneroAddress(network, kp.Spend.PublicKey(), kp.View.PublicKey())
}

// ViewPair returns the watch-only form: secret view half, public spend half.
func (kp MoneroKeyPair) ViewPair() MoneroViewPair {
	return MoneroViewPair{View: kp.View, Spend: kp.Spend.PublicKey()}
}

// MoneroViewPair is the watch-only key set for a shared account: the summed
// secret view scalar plus the summed public spend point. It can see incoming
// funds but cannot spend them.
type MoneroViewPair struct {
	View  MoneroPrivate `json:"view"`
	Spend MoneroPublic  `json:"spend"`
}

// Address derives the standard address watched by this view pair.
func (vp MoneroViewPair) Address(network chain.Network) (string, error) {
	return EncodeMoneroAddress(network, vp.Spend, vp.View.PublicKey())
}

// SharedViewPair combines both parties' key material into the swap's joint
// account: view scalars add, spend points add. Neither party alone can spend.
func SharedViewPair(ownView MoneroPrivate, ownSpendPub MoneroPublic, otherView MoneroPrivate, otherSpendPub MoneroPublic) MoneroViewPair {
	return MoneroViewPair{
		View:  ownView.Add(otherView),
		Spend: ownSpendPub.Add(otherSpendPub),
	}
}

// =============================================================================
// Address encoding
// =============================================================================

// moneroBase58Alphabet is the bitcoin base58 alphabet, applied block-wise.
const moneroBase58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// Encoded size of a partial final block, indexed by its byte length.
var moneroBase58BlockSizes = [9]int{0, 2, 3, 5, 6, 7, 9, 10, 11}

// EncodeMoneroAddress builds a standard address for the network:
// prefix byte, spend public key, view public key, then the first four bytes
// of the Keccak-256 of everything so far, block-base58 encoded.
func EncodeMoneroAddress(network chain.Network, spendPub, viewPub MoneroPublic) (string, error) {
	params, ok := chain.Get("XMR", network)
	if !ok {
		return "", fmt.Errorf("unknown monero network %q", network)
	}

	raw := make([]byte, 0, 69)
	raw = append(raw, params.AddressPrefix)
	raw = append(raw, spendPub.Bytes()...)
	raw = append(raw, viewPub.Bytes()...)
	checksum := Keccak256(raw)
	raw = append(raw, checksum[:4]...)

	return moneroBase58Encode(raw), nil
}

// DecodeMoneroAddress parses and checksum-validates a standard address,
// returning the network prefix byte and the two public keys.
func DecodeMoneroAddress(address string) (prefix byte, spendPub, viewPub MoneroPublic, err error) {
	raw, err := moneroBase58Decode(address)
	if err != nil {
		return 0, MoneroPublic{}, MoneroPublic{}, err
	}
	if len(raw) != 69 {
		return 0, MoneroPublic{}, MoneroPublic{}, ErrInvalidMoneroAddress
	}

	body, checksum := raw[:65], raw[65:]
	want := Keccak256(body)
	for i := 0; i < 4; i++ {
		if checksum[i] != want[i] {
			return 0, MoneroPublic{}, MoneroPublic{}, ErrInvalidMoneroAddress
		}
	}

	spendPub, err = MoneroPublicFromBytes(body[1:33])
	if err != nil {
		return 0, MoneroPublic{}, MoneroPublic{}, ErrInvalidMoneroAddress
	}
	viewPub, err = MoneroPublicFromBytes(body[33:65])
	if err != nil {
		return 0, MoneroPublic{}, MoneroPublic{}, ErrInvalidMoneroAddress
	}
	return body[0], spendPub, viewPub, nil
}

// moneroBase58Encode encodes data in 8-byte blocks, each rendered as a fixed
// 11-character base58 chunk (shorter for the final partial block).
func moneroBase58Encode(data []byte) string {
	out := make([]byte, 0, (len(data)+7)/8*11)
	for i := 0; i < len(data); i += 8 {
		end := i + 8
		if end > len(data) {
			end = len(data)
		}
		out = append(out, moneroBase58EncodeBlock(data[i:end])...)
	}
	return string(out)
}

func moneroBase58EncodeBlock(block []byte) []byte {
	var num uint64
	for _, b := range block {
		num = num<<8 | uint64(b)
	}

	size := moneroBase58BlockSizes[len(block)]
	out := make([]byte, size)
	for i := range out {
		out[i] = moneroBase58Alphabet[0]
	}
	for i := size - 1; num > 0; i-- {
		out[i] = moneroBase58Alphabet[num%58]
		num /= 58
	}
	return out
}

// moneroBase58Decode reverses moneroBase58Encode.
func moneroBase58Decode(s string) ([]byte, error) {
	var out []byte
	for i := 0; i < len(s); i += 11 {
		end := i + 11
		if end > len(s) {
			end = len(s)
		}
		block, err := moneroBase58DecodeBlock(s[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	return out, nil
}

func moneroBase58DecodeBlock(chunk string) ([]byte, error) {
	size := -1
	for n, encoded := range moneroBase58BlockSizes {
		if encoded == len(chunk) {
			size = n
			break
		}
	}
	if size <= 0 {
		return nil, ErrInvalidMoneroAddress
	}

	var num uint64
	for i := 0; i < len(chunk); i++ {
		digit := -1
		for j := 0; j < len(moneroBase58Alphabet); j++ {
			if moneroBase58Alphabet[j] == chunk[i] {
				digit = j
				break
			}
		}
		if digit < 0 {
			return nil, ErrInvalidMoneroAddress
		}
		next := num*58 + uint64(digit)
		if next < num {
			return nil, ErrInvalidMoneroAddress
		}
		num = next
	}

	out := make([]byte, size)
	for i := size - 1; i >= 0; i-- {
		out[i] = byte(num)
		num >>= 8
	}
	if num != 0 {
		return nil, ErrInvalidMoneroAddress
	}
	return out, nil
}
