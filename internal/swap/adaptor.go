// Package swap - ECDSA adaptor signatures.
//
// An encrypted signature verifies against the signer's key and an encryption
// public key Y, but only becomes a plain ECDSA signature once decrypted with
// the secret y behind Y. Publishing the plain signature leaks y to anyone
// holding the encrypted form; that leak is the swap's atomicity mechanism.
package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Adaptor errors
var (
	ErrAdaptorBadHash     = errors.New("adaptor message hash must be 32 bytes")
	ErrAdaptorParse       = errors.New("malformed encrypted signature")
	ErrAdaptorNoKey       = errors.New("decryption key recovery failed")
	ErrSignatureMalformed = errors.New("malformed ecdsa signature")
)

// encryptedSignatureLen is the serialized size: R (33) + Rhat (33) +
// sHat (32) + proof challenge (32) + proof response (32).
const encryptedSignatureLen = 162

// Deterministic-nonce domain tags. The encryption key is folded into the
// extra data so re-signing the same message under the same keys reproduces the
// same encrypted signature byte for byte; the happy path relies on that when
// it re-derives the counterparty's encrypted signature locally.
var (
	adaptorNonceTag = []byte("bch-xmr-swap/adaptor/nonce")
	adaptorProofTag = []byte("bch-xmr-swap/adaptor/proof")
)

// Signature is a plain ECDSA signature in (r, s) scalar form. The chain only
// ever sees the DER encoding; recovery needs the raw scalars.
type Signature struct {
	R secp256k1.ModNScalar
	S secp256k1.ModNScalar
}

// Verify reports whether the signature is valid for the hash under pub.
func (sig *Signature) Verify(hash []byte, pub *secp256k1.PublicKey) bool {
	if len(hash) != 32 {
		return false
	}
	return ecdsa.NewSignature(&sig.R, &sig.S).Verify(hash, pub)
}

// SerializeDER returns the DER encoding used in unlocking scripts.
func (sig *Signature) SerializeDER() []byte {
	return ecdsa.NewSignature(&sig.R, &sig.S).Serialize()
}

// SerializeCompact returns the fixed 64-byte r||s encoding.
func (sig *Signature) SerializeCompact() []byte {
	out := make([]byte, 64)
	r := sig.R.Bytes()
	s := sig.S.Bytes()
	copy(out[:32], r[:])
	copy(out[32:], s[:])
	return out
}

// ParseCompactSignature parses the 64-byte r||s encoding.
func ParseCompactSignature(b []byte) (*Signature, error) {
	if len(b) != 64 {
		return nil, ErrSignatureMalformed
	}
	var sig Signature
	if overflow := sig.R.SetByteSlice(b[:32]); overflow {
		return nil, ErrSignatureMalformed
	}
	if overflow := sig.S.SetByteSlice(b[32:]); overflow {
		return nil, ErrSignatureMalformed
	}
	if sig.R.IsZero() || sig.S.IsZero() {
		return nil, ErrSignatureMalformed
	}
	return &sig, nil
}

// ParseDERSignature parses a DER-encoded ECDSA signature into scalar form.
// Strict enough for the signatures this daemon itself produces and observes
// in covenant unlocking scripts.
func ParseDERSignature(der []byte) (*Signature, error) {
	// SEQUENCE { INTEGER r, INTEGER s }
	if len(der) < 8 || der[0] != 0x30 {
		return nil, ErrSignatureMalformed
	}
	if int(der[1]) != len(der)-2 {
		return nil, ErrSignatureMalformed
	}
	rest := der[2:]

	r, rest, err := parseDERInt(rest)
	if err != nil {
		return nil, err
	}
	s, rest, err := parseDERInt(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrSignatureMalformed
	}

	var sig Signature
	if overflow := sig.R.SetByteSlice(r); overflow {
		return nil, ErrSignatureMalformed
	}
	if overflow := sig.S.SetByteSlice(s); overflow {
		return nil, ErrSignatureMalformed
	}
	if sig.R.IsZero() || sig.S.IsZero() {
		return nil, ErrSignatureMalformed
	}
	return &sig, nil
}

// parseDERInt pulls one INTEGER off the front of a DER body and returns its
// magnitude bytes plus the remainder.
func parseDERInt(b []byte) (value, rest []byte, err error) {
	if len(b) < 2 || b[0] != 0x02 {
		return nil, nil, ErrSignatureMalformed
	}
	n := int(b[1])
	if n == 0 || n > 33 || len(b) < 2+n {
		return nil, nil, ErrSignatureMalformed
	}
	v := b[2 : 2+n]
	// A leading zero is only valid to clear a would-be sign bit. Once it
	// is stripped the remaining magnitude legitimately starts with a high
	// bit; only an unpadded high bit makes the INTEGER negative.
	if v[0] == 0x00 {
		if n == 1 || v[1]&0x80 == 0 {
			return nil, nil, ErrSignatureMalformed
		}
		v = v[1:]
	} else if v[0]&0x80 != 0 {
		return nil, nil, ErrSignatureMalformed
	}
	return v, b[2+n:], nil
}

// MarshalText encodes the signature as compact hex. Value receiver so the
// encoding applies when the signature sits in a struct field.
func (sig Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(sig.SerializeCompact())), nil
}

// UnmarshalText decodes compact hex.
func (sig *Signature) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return ErrSignatureMalformed
	}
	parsed, err := ParseCompactSignature(b)
	if err != nil {
		return err
	}
	*sig = *parsed
	return nil
}

// EncryptedSignature is an ECDSA signature encrypted to a public key Y.
// R = k*Y supplies the ECDSA r component, Rhat = k*G anchors the proof, and
// sHat = k^-1(m + r*x) is the encrypted s. The embedded Chaum-Pedersen proof
// shows both points share the nonce k, so a verifier knows decryption with y
// yields a valid plain signature.
type EncryptedSignature struct {
	r    *secp256k1.PublicKey // k*Y
	rHat *secp256k1.PublicKey // k*G
	sHat secp256k1.ModNScalar

	// proof: z*G == A + c*Rhat and z*Y == B + c*R for the hashed (A, B)
	proofC secp256k1.ModNScalar
	proofZ secp256k1.ModNScalar
}

// EncryptedSign produces the encrypted signature of a 32-byte hash under
// priv, encrypted to encPub. Nonces are deterministic (RFC6979 with the
// encryption key folded in), so identical inputs give identical output.
func EncryptedSign(priv *secp256k1.PrivateKey, encPub *secp256k1.PublicKey, hash []byte) (*EncryptedSignature, error) {
	if len(hash) != 32 {
		return nil, ErrAdaptorBadHash
	}

	var m secp256k1.ModNScalar
	m.SetByteSlice(hash)
	x := &priv.Key

	var encJ secp256k1.JacobianPoint
	encPub.AsJacobian(&encJ)

	privBytes := priv.Serialize()
	nonceExtra := taggedExtra(adaptorNonceTag, encPub)
	proofExtra := taggedExtra(adaptorProofTag, encPub)

	for iteration := uint32(0); ; iteration++ {
		k := secp256k1.NonceRFC6979(privBytes, hash, nonceExtra, nil, iteration)

		// R = k*Y and Rhat = k*G
		var rJ, rHatJ secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(k, &encJ, &rJ)
		secp256k1.ScalarBaseMultNonConst(k, &rHatJ)
		rJ.ToAffine()
		rHatJ.ToAffine()

		var r secp256k1.ModNScalar
		rBytes := rJ.X.Bytes()
		r.SetBytes(rBytes)
		if r.IsZero() {
			continue
		}

		// sHat = k^-1 (m + r*x)
		var kInv secp256k1.ModNScalar
		kInv.InverseValNonConst(k)
		sHat := new(secp256k1.ModNScalar).Mul2(&r, x).Add(&m).Mul(&kInv)
		if sHat.IsZero() {
			continue
		}

		rPub := secp256k1.NewPublicKey(&rJ.X, &rJ.Y)
		rHatPub := secp256k1.NewPublicKey(&rHatJ.X, &rHatJ.Y)

		// Chaum-Pedersen: prove log_G(Rhat) == log_Y(R).
		t := secp256k1.NonceRFC6979(privBytes, hash, proofExtra, nil, iteration)
		var aJ, bJ secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(t, &aJ)
		secp256k1.ScalarMultNonConst(t, &encJ, &bJ)
		aJ.ToAffine()
		bJ.ToAffine()

		c := adaptorChallenge(encPub, rHatPub, rPub, &aJ, &bJ, hash)
		z := new(secp256k1.ModNScalar).Mul2(c, k).Add(t)

		enc := &EncryptedSignature{r: rPub, rHat: rHatPub}
		enc.sHat.Set(sHat)
		enc.proofC.Set(c)
		enc.proofZ.Set(z)

		k.Zero()
		t.Zero()
		return enc, nil
	}
}

// VerifyEncryptedSignature reports whether the encrypted signature is a valid
// encryption (to encPub) of a signature by pub over hash.
func VerifyEncryptedSignature(pub, encPub *secp256k1.PublicKey, hash []byte, enc *EncryptedSignature) bool {
	if len(hash) != 32 || enc == nil || enc.r == nil || enc.rHat == nil {
		return false
	}
	if enc.sHat.IsZero() {
		return false
	}

	var encJ, rJ, rHatJ secp256k1.JacobianPoint
	encPub.AsJacobian(&encJ)
	enc.r.AsJacobian(&rJ)
	enc.rHat.AsJacobian(&rHatJ)

	// Recompute the proof announcements: A = z*G - c*Rhat, B = z*Y - c*R.
	var cNeg secp256k1.ModNScalar
	cNeg.NegateVal(&enc.proofC)

	var zG, cRhat, aJ secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&enc.proofZ, &zG)
	secp256k1.ScalarMultNonConst(&cNeg, &rHatJ, &cRhat)
	secp256k1.AddNonConst(&zG, &cRhat, &aJ)

	var zY, cR, bJ secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&enc.proofZ, &encJ, &zY)
	secp256k1.ScalarMultNonConst(&cNeg, &rJ, &cR)
	secp256k1.AddNonConst(&zY, &cR, &bJ)

	if (aJ.X.IsZero() && aJ.Y.IsZero()) || (bJ.X.IsZero() && bJ.Y.IsZero()) {
		return false
	}
	aJ.ToAffine()
	bJ.ToAffine()

	c := adaptorChallenge(encPub, enc.rHat, enc.r, &aJ, &bJ, hash)
	if !c.Equals(&enc.proofC) {
		return false
	}

	// ECDSA relation on the anchored nonce: Rhat == sHat^-1 (m*G + r*X).
	var m, r secp256k1.ModNScalar
	m.SetByteSlice(hash)
	rBytes := enc.r.X()
	r.SetByteSlice(rBytes.Bytes())
	if r.IsZero() {
		return false
	}

	var sHatInv secp256k1.ModNScalar
	sHatInv.InverseValNonConst(&enc.sHat)
	u1 := new(secp256k1.ModNScalar).Mul2(&m, &sHatInv)
	u2 := new(secp256k1.ModNScalar).Mul2(&r, &sHatInv)

	var pubJ, u1G, u2X, sum secp256k1.JacobianPoint
	pub.AsJacobian(&pubJ)
	secp256k1.ScalarBaseMultNonConst(u1, &u1G)
	secp256k1.ScalarMultNonConst(u2, &pubJ, &u2X)
	secp256k1.AddNonConst(&u1G, &u2X, &sum)
	if sum.X.IsZero() && sum.Y.IsZero() {
		return false
	}
	sum.ToAffine()

	return sum.X.Equals(&rHatJ.X) && sum.Y.Equals(&rHatJ.Y)
}

// DecryptSignature turns the encrypted signature into a plain ECDSA
// signature using the decryption secret y: s = sHat * y^-1, low-s normalized.
func DecryptSignature(secret *secp256k1.PrivateKey, enc *EncryptedSignature) (*Signature, error) {
	if enc == nil || enc.r == nil || secret.Key.IsZero() {
		return nil, ErrAdaptorParse
	}

	var yInv secp256k1.ModNScalar
	yInv.InverseValNonConst(&secret.Key)

	var sig Signature
	rBytes := enc.r.X()
	sig.R.SetByteSlice(rBytes.Bytes())
	sig.S.Mul2(&enc.sHat, &yInv)
	if sig.R.IsZero() || sig.S.IsZero() {
		return nil, ErrAdaptorParse
	}
	if sig.S.IsOverHalfOrder() {
		sig.S.Negate()
	}
	return &sig, nil
}

// RecoverDecryptionKey recovers the decryption secret from a plain signature
// and the encrypted signature it was decrypted from: y = sHat * s^-1, up to
// sign, resolved against the known encryption public key.
func RecoverDecryptionKey(encPub *secp256k1.PublicKey, sig *Signature, enc *EncryptedSignature) (*secp256k1.PrivateKey, error) {
	if enc == nil || sig == nil || sig.S.IsZero() {
		return nil, ErrAdaptorNoKey
	}

	var sInv secp256k1.ModNScalar
	sInv.InverseValNonConst(&sig.S)

	y := new(secp256k1.ModNScalar).Mul2(&enc.sHat, &sInv)
	for i := 0; i < 2; i++ {
		var yG secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(y, &yG)
		yG.ToAffine()
		candidate := secp256k1.NewPublicKey(&yG.X, &yG.Y)
		if candidate.IsEqual(encPub) {
			b := y.Bytes()
			return secp256k1.PrivKeyFromBytes(b[:]), nil
		}
		y.Negate()
	}
	return nil, ErrAdaptorNoKey
}

// Serialize returns the fixed-size wire encoding.
func (enc *EncryptedSignature) Serialize() []byte {
	out := make([]byte, 0, encryptedSignatureLen)
	out = append(out, enc.r.SerializeCompressed()...)
	out = append(out, enc.rHat.SerializeCompressed()...)
	sHat := enc.sHat.Bytes()
	out = append(out, sHat[:]...)
	c := enc.proofC.Bytes()
	out = append(out, c[:]...)
	z := enc.proofZ.Bytes()
	out = append(out, z[:]...)
	return out
}

// ParseEncryptedSignature parses the wire encoding.
func ParseEncryptedSignature(b []byte) (*EncryptedSignature, error) {
	if len(b) != encryptedSignatureLen {
		return nil, ErrAdaptorParse
	}
	r, err := secp256k1.ParsePubKey(b[0:33])
	if err != nil {
		return nil, ErrAdaptorParse
	}
	rHat, err := secp256k1.ParsePubKey(b[33:66])
	if err != nil {
		return nil, ErrAdaptorParse
	}
	enc := &EncryptedSignature{r: r, rHat: rHat}
	if overflow := enc.sHat.SetByteSlice(b[66:98]); overflow {
		return nil, ErrAdaptorParse
	}
	if overflow := enc.proofC.SetByteSlice(b[98:130]); overflow {
		return nil, ErrAdaptorParse
	}
	if overflow := enc.proofZ.SetByteSlice(b[130:162]); overflow {
		return nil, ErrAdaptorParse
	}
	return enc, nil
}

// MarshalText encodes the encrypted signature as hex.
func (enc *EncryptedSignature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(enc.Serialize())), nil
}

// UnmarshalText decodes hex.
func (enc *EncryptedSignature) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return ErrAdaptorParse
	}
	parsed, err := ParseEncryptedSignature(b)
	if err != nil {
		return err
	}
	*enc = *parsed
	return nil
}

// IsEqual reports byte equality of two encrypted signatures.
func (enc *EncryptedSignature) IsEqual(other *EncryptedSignature) bool {
	if enc == nil || other == nil {
		return enc == other
	}
	a := enc.Serialize()
	b := other.Serialize()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// taggedExtra folds a domain tag and the encryption key into the 32-byte
// RFC6979 extra-data slot.
func taggedExtra(tag []byte, encPub *secp256k1.PublicKey) []byte {
	h := sha256.New()
	h.Write(tag)
	h.Write(encPub.SerializeCompressed())
	return h.Sum(nil)
}

// adaptorChallenge hashes the proof transcript to a scalar.
func adaptorChallenge(encPub, rHat, r *secp256k1.PublicKey, a, b *secp256k1.JacobianPoint, hash []byte) *secp256k1.ModNScalar {
	h := sha256.New()
	h.Write([]byte("bch-xmr-swap/adaptor/challenge"))
	h.Write(encPub.SerializeCompressed())
	h.Write(rHat.SerializeCompressed())
	h.Write(r.SerializeCompressed())
	h.Write(secp256k1.NewPublicKey(&a.X, &a.Y).SerializeCompressed())
	h.Write(secp256k1.NewPublicKey(&b.X, &b.Y).SerializeCompressed())
	h.Write(hash)

	var c secp256k1.ModNScalar
	c.SetByteSlice(h.Sum(nil))
	if c.IsZero() {
		c.SetInt(1)
	}
	return &c
}

// doubleSHA256 is the commitment hash over protected receiving scripts.
func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}
