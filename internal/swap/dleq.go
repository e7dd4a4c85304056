// Package swap - cross-curve key-equality proof.
//
// A CrossCurveProof shows that one scalar underlies both a secp256k1 public
// key and an ed25519 public key. The scalar is decomposed into 252 bits; each
// bit is Pedersen-committed on both curves and a two-branch ring equation with
// a split 128-bit challenge ties the two commitments to the same bit. The
// weighted commitment sums collapse to the public keys themselves, so no
// separate opening is revealed.
package swap

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Proof errors
var (
	ErrProofMalformed = errors.New("malformed cross-curve proof")
	ErrProofScalar    = errors.New("proof scalar must be below 2^252")
)

const (
	// proofBits is the bit width of the joint scalar. Both group orders
	// exceed 2^252, so 252 bits cover every joint scalar the key generator
	// can emit.
	proofBits = 252

	// challengeLen is the per-branch challenge size. The two branch
	// challenges XOR to the transcript challenge.
	challengeLen = 16

	// bitProofLen is the serialized size of one bit's material:
	// secp commitment (33) + ed commitment (32) + two challenges (16 each)
	// + two secp responses (32 each) + two ed responses (32 each).
	bitProofLen = 33 + 32 + 2*challengeLen + 2*32 + 2*32

	// crossCurveProofLen is the full serialized proof size.
	crossCurveProofLen = proofBits * bitProofLen
)

// Secondary generators, derived by try-and-increment hashing from fixed
// domain tags so no one knows their discrete logs.
var (
	secpAuxGen = deriveSecpGenerator("bch-xmr-swap/dleq/secp/aux")
	edAuxGen   = deriveEdGenerator("bch-xmr-swap/dleq/ed25519/aux")
)

// bitProof carries one bit's commitments and ring equations. Branch 0 claims
// the commitments hide a zero bit, branch 1 a one bit; only the branch
// matching the real bit is honestly computed.
type bitProof struct {
	commitSecp *secp256k1.PublicKey
	commitEd   *edwards25519.Point

	c0, c1 [challengeLen]byte
	z0, z1 secp256k1.ModNScalar
	w0, w1 *edwards25519.Scalar
}

// CrossCurveProof proves that the discrete log of a secp256k1 point base G
// equals the discrete log of an ed25519 point base G'.
type CrossCurveProof struct {
	bits [proofBits]bitProof
}

// NewCrossCurveProof builds a proof for the 32-byte big-endian scalar, which
// must be below 2^252.
func NewCrossCurveProof(scalarBE []byte) (*CrossCurveProof, error) {
	if len(scalarBE) != 32 || scalarBE[0]&0xf0 != 0 {
		return nil, ErrProofScalar
	}

	var secpScalar secp256k1.ModNScalar
	if overflow := secpScalar.SetByteSlice(scalarBE); overflow {
		return nil, ErrProofScalar
	}
	edScalar, err := edScalarFromSecpBytes(scalarBE)
	if err != nil {
		return nil, ErrProofScalar
	}

	proof := &CrossCurveProof{}

	// Per-bit blinders. The top bit's blinders close the weighted sums to
	// zero so the commitment sums equal the public keys exactly.
	var (
		secpBlinders [proofBits]secp256k1.ModNScalar
		edBlinders   [proofBits]*edwards25519.Scalar

		secpAcc  secp256k1.ModNScalar // sum 2^i * r_i over i < 251
		edAcc    = edwards25519.NewScalar()
		secpPow2 = new(secp256k1.ModNScalar).SetInt(1)
		edPow2   = edScalarOne()
	)
	for i := 0; i < proofBits-1; i++ {
		r, err := randomSecpScalar()
		if err != nil {
			return nil, err
		}
		s, err := randomEdScalar()
		if err != nil {
			return nil, err
		}
		secpBlinders[i].Set(r)
		edBlinders[i] = s

		var weighted secp256k1.ModNScalar
		weighted.Mul2(secpPow2, r)
		secpAcc.Add(&weighted)
		edAcc.Add(edAcc, new(edwards25519.Scalar).Multiply(edPow2, s))

		doubleSecpScalar(secpPow2)
		edPow2.Add(edPow2, edPow2)
	}
	// r_top = -acc / 2^251 on both curves.
	var secpTopInv secp256k1.ModNScalar
	secpTopInv.InverseValNonConst(secpPow2)
	secpBlinders[proofBits-1].NegateVal(&secpAcc)
	secpBlinders[proofBits-1].Mul(&secpTopInv)
	edBlinders[proofBits-1] = new(edwards25519.Scalar).Negate(edAcc)
	edBlinders[proofBits-1].Multiply(edBlinders[proofBits-1], new(edwards25519.Scalar).Invert(edPow2))

	var auxJ secp256k1.JacobianPoint
	secpAuxGen.AsJacobian(&auxJ)

	// Commitments C_i = b_i*G + r_i*H (and the ed mirror), plus the
	// announcements for both ring branches.
	type bitNonces struct {
		u *secp256k1.ModNScalar // real-branch secp nonce
		v *edwards25519.Scalar  // real-branch ed nonce
	}
	var (
		nonces        [proofBits]bitNonces
		announcements [proofBits][4][]byte // A0, B0, A1, B1
	)

	transcript := sha256.New()
	transcript.Write([]byte("bch-xmr-swap/dleq/transcript"))
	xSecp := pubKeyFromScalar(&secpScalar)
	xEd := new(edwards25519.Point).ScalarBaseMult(edScalar)
	transcript.Write(xSecp.SerializeCompressed())
	transcript.Write(xEd.Bytes())

	for i := 0; i < proofBits; i++ {
		bp := &proof.bits[i]
		bit := scalarBit(scalarBE, i)

		// Commit.
		bp.commitSecp = pedersenSecp(bit, &secpBlinders[i])
		bp.commitEd = pedersenEd(bit, edBlinders[i])

		// Real branch: honest announcements from fresh nonces.
		u, err := randomSecpScalar()
		if err != nil {
			return nil, err
		}
		v, err := randomEdScalar()
		if err != nil {
			return nil, err
		}
		nonces[i] = bitNonces{u: u, v: v}

		var uH secp256k1.JacobianPoint
		secp256k1.ScalarMultNonConst(u, &auxJ, &uH)
		uH.ToAffine()
		realA := secp256k1.NewPublicKey(&uH.X, &uH.Y).SerializeCompressed()
		realB := new(edwards25519.Point).ScalarMult(v, edAuxGen).Bytes()

		// Fake branch: sample the challenge and responses, derive the
		// announcements backwards.
		fakeBit := 1 - bit
		var cFake [challengeLen]byte
		if _, err := rand.Read(cFake[:]); err != nil {
			return nil, fmt.Errorf("failed to sample ring challenge: %w", err)
		}
		zFake, err := randomSecpScalar()
		if err != nil {
			return nil, err
		}
		wFake, err := randomEdScalar()
		if err != nil {
			return nil, err
		}
		fakeA := ringAnnounceSecp(zFake, &cFake, bp.commitSecp, fakeBit)
		fakeB := ringAnnounceEd(wFake, &cFake, bp.commitEd, fakeBit)

		if bit == 0 {
			bp.c1 = cFake
			bp.z1.Set(zFake)
			bp.w1 = wFake
			announcements[i] = [4][]byte{realA, realB, fakeA, fakeB}
		} else {
			bp.c0 = cFake
			bp.z0.Set(zFake)
			bp.w0 = wFake
			announcements[i] = [4][]byte{fakeA, fakeB, realA, realB}
		}

		transcript.Write(bp.commitSecp.SerializeCompressed())
		transcript.Write(bp.commitEd.Bytes())
		for _, a := range announcements[i] {
			transcript.Write(a)
		}
	}

	root := transcript.Sum(nil)

	// Split each bit's challenge and close the real branch.
	for i := 0; i < proofBits; i++ {
		bp := &proof.bits[i]
		bit := scalarBit(scalarBE, i)
		e := bitChallenge(root, i)

		var cReal [challengeLen]byte
		if bit == 0 {
			xorChallenge(&cReal, &e, &bp.c1)
			bp.c0 = cReal
			closeSecpBranch(&bp.z0, nonces[i].u, &cReal, &secpBlinders[i])
			bp.w0 = closeEdBranch(nonces[i].v, &cReal, edBlinders[i])
		} else {
			xorChallenge(&cReal, &e, &bp.c0)
			bp.c1 = cReal
			closeSecpBranch(&bp.z1, nonces[i].u, &cReal, &secpBlinders[i])
			bp.w1 = closeEdBranch(nonces[i].v, &cReal, edBlinders[i])
		}
	}

	return proof, nil
}

// Verify checks the proof against the two claimed public keys.
func (p *CrossCurveProof) Verify(bchPub *secp256k1.PublicKey, moneroPub MoneroPublic) bool {
	if p == nil || bchPub == nil || moneroPub.point == nil {
		return false
	}

	transcript := sha256.New()
	transcript.Write([]byte("bch-xmr-swap/dleq/transcript"))
	transcript.Write(bchPub.SerializeCompressed())
	transcript.Write(moneroPub.Bytes())

	for i := 0; i < proofBits; i++ {
		bp := &p.bits[i]
		if bp.commitSecp == nil || bp.commitEd == nil || bp.w0 == nil || bp.w1 == nil {
			return false
		}

		a0 := ringAnnounceSecp(&bp.z0, &bp.c0, bp.commitSecp, 0)
		b0 := ringAnnounceEd(bp.w0, &bp.c0, bp.commitEd, 0)
		a1 := ringAnnounceSecp(&bp.z1, &bp.c1, bp.commitSecp, 1)
		b1 := ringAnnounceEd(bp.w1, &bp.c1, bp.commitEd, 1)
		if a0 == nil || a1 == nil {
			return false
		}

		transcript.Write(bp.commitSecp.SerializeCompressed())
		transcript.Write(bp.commitEd.Bytes())
		transcript.Write(a0)
		transcript.Write(b0)
		transcript.Write(a1)
		transcript.Write(b1)
	}

	root := transcript.Sum(nil)
	for i := 0; i < proofBits; i++ {
		bp := &p.bits[i]
		e := bitChallenge(root, i)
		var combined [challengeLen]byte
		xorChallenge(&combined, &bp.c0, &bp.c1)
		if combined != e {
			return false
		}
	}

	// The weighted commitment sums must equal the claimed keys: the
	// blinders cancel and only sum(2^i * b_i) = x survives.
	var sumSecp secp256k1.JacobianPoint
	for i := proofBits - 1; i >= 0; i-- {
		var cJ secp256k1.JacobianPoint
		p.bits[i].commitSecp.AsJacobian(&cJ)
		if i == proofBits-1 {
			sumSecp = cJ
			continue
		}
		var doubled secp256k1.JacobianPoint
		secp256k1.DoubleNonConst(&sumSecp, &doubled)
		secp256k1.AddNonConst(&doubled, &cJ, &sumSecp)
	}
	if sumSecp.X.IsZero() && sumSecp.Y.IsZero() {
		return false
	}
	sumSecp.ToAffine()
	var wantJ secp256k1.JacobianPoint
	bchPub.AsJacobian(&wantJ)
	if !sumSecp.X.Equals(&wantJ.X) || !sumSecp.Y.Equals(&wantJ.Y) {
		return false
	}

	sumEd := new(edwards25519.Point).Set(p.bits[proofBits-1].commitEd)
	for i := proofBits - 2; i >= 0; i-- {
		sumEd.Add(sumEd, sumEd)
		sumEd.Add(sumEd, p.bits[i].commitEd)
	}
	return sumEd.Equal(moneroPub.point) == 1
}

// Serialize returns the fixed-size wire encoding.
func (p *CrossCurveProof) Serialize() []byte {
	out := make([]byte, 0, crossCurveProofLen)
	for i := range p.bits {
		bp := &p.bits[i]
		out = append(out, bp.commitSecp.SerializeCompressed()...)
		out = append(out, bp.commitEd.Bytes()...)
		out = append(out, bp.c0[:]...)
		out = append(out, bp.c1[:]...)
		z0 := bp.z0.Bytes()
		out = append(out, z0[:]...)
		z1 := bp.z1.Bytes()
		out = append(out, z1[:]...)
		out = append(out, bp.w0.Bytes()...)
		out = append(out, bp.w1.Bytes()...)
	}
	return out
}

// ParseCrossCurveProof parses the wire encoding.
func ParseCrossCurveProof(b []byte) (*CrossCurveProof, error) {
	if len(b) != crossCurveProofLen {
		return nil, ErrProofMalformed
	}
	proof := &CrossCurveProof{}
	for i := 0; i < proofBits; i++ {
		bp := &proof.bits[i]
		chunk := b[i*bitProofLen : (i+1)*bitProofLen]

		commitSecp, err := secp256k1.ParsePubKey(chunk[0:33])
		if err != nil {
			return nil, ErrProofMalformed
		}
		bp.commitSecp = commitSecp
		bp.commitEd, err = new(edwards25519.Point).SetBytes(chunk[33:65])
		if err != nil {
			return nil, ErrProofMalformed
		}
		copy(bp.c0[:], chunk[65:81])
		copy(bp.c1[:], chunk[81:97])
		if overflow := bp.z0.SetByteSlice(chunk[97:129]); overflow {
			return nil, ErrProofMalformed
		}
		if overflow := bp.z1.SetByteSlice(chunk[129:161]); overflow {
			return nil, ErrProofMalformed
		}
		bp.w0, err = edwards25519.NewScalar().SetCanonicalBytes(chunk[161:193])
		if err != nil {
			return nil, ErrProofMalformed
		}
		bp.w1, err = edwards25519.NewScalar().SetCanonicalBytes(chunk[193:225])
		if err != nil {
			return nil, ErrProofMalformed
		}
	}
	return proof, nil
}

// MarshalText encodes the proof as hex.
func (p *CrossCurveProof) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(p.Serialize())), nil
}

// UnmarshalText decodes hex.
func (p *CrossCurveProof) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return ErrProofMalformed
	}
	parsed, err := ParseCrossCurveProof(b)
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}

// =============================================================================
// Ring helpers
// =============================================================================

// ringAnnounceSecp computes A = z*H - c*(C - bit*G), the announcement implied
// by a (challenge, response) pair for one branch. Returns nil for a branch
// whose implied announcement is the point at infinity.
func ringAnnounceSecp(z *secp256k1.ModNScalar, c *[challengeLen]byte, commit *secp256k1.PublicKey, bit int) []byte {
	var target secp256k1.JacobianPoint
	commit.AsJacobian(&target)
	if bit == 1 {
		// C - G
		var one secp256k1.ModNScalar
		one.SetInt(1)
		one.Negate()
		var negG secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(&one, &negG)
		var diff secp256k1.JacobianPoint
		secp256k1.AddNonConst(&target, &negG, &diff)
		target = diff
	}

	var cScalar secp256k1.ModNScalar
	cScalar.SetByteSlice(c[:])
	cScalar.Negate()

	var zH, cT, a secp256k1.JacobianPoint
	var auxJ secp256k1.JacobianPoint
	secpAuxGen.AsJacobian(&auxJ)
	secp256k1.ScalarMultNonConst(z, &auxJ, &zH)
	secp256k1.ScalarMultNonConst(&cScalar, &target, &cT)
	secp256k1.AddNonConst(&zH, &cT, &a)
	if a.X.IsZero() && a.Y.IsZero() {
		return nil
	}
	a.ToAffine()
	return secp256k1.NewPublicKey(&a.X, &a.Y).SerializeCompressed()
}

// ringAnnounceEd computes B = w*H' - c*(D - bit*G') on ed25519.
func ringAnnounceEd(w *edwards25519.Scalar, c *[challengeLen]byte, commit *edwards25519.Point, bit int) []byte {
	target := new(edwards25519.Point).Set(commit)
	if bit == 1 {
		target.Subtract(target, edwards25519.NewGeneratorPoint())
	}

	b := new(edwards25519.Point).ScalarMult(w, edAuxGen)
	b.Subtract(b, new(edwards25519.Point).ScalarMult(edScalarFromChallenge(c), target))
	return b.Bytes()
}

// closeSecpBranch sets z = u + c*r.
func closeSecpBranch(z, u *secp256k1.ModNScalar, c *[challengeLen]byte, r *secp256k1.ModNScalar) {
	var cScalar secp256k1.ModNScalar
	cScalar.SetByteSlice(c[:])
	z.Mul2(&cScalar, r).Add(u)
}

// closeEdBranch returns w = v + c*s.
func closeEdBranch(v *edwards25519.Scalar, c *[challengeLen]byte, s *edwards25519.Scalar) *edwards25519.Scalar {
	w := new(edwards25519.Scalar).Multiply(edScalarFromChallenge(c), s)
	return w.Add(w, v)
}

// bitChallenge derives bit i's 128-bit challenge from the transcript root.
func bitChallenge(root []byte, i int) [challengeLen]byte {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(i))
	h := sha256.New()
	h.Write(root)
	h.Write(idx[:])
	var out [challengeLen]byte
	copy(out[:], h.Sum(nil)[:challengeLen])
	return out
}

func xorChallenge(dst, a, b *[challengeLen]byte) {
	for i := 0; i < challengeLen; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

// =============================================================================
// Scalar and point helpers
// =============================================================================

// pedersenSecp computes bit*G + r*H.
func pedersenSecp(bit int, r *secp256k1.ModNScalar) *secp256k1.PublicKey {
	var auxJ, rH secp256k1.JacobianPoint
	secpAuxGen.AsJacobian(&auxJ)
	secp256k1.ScalarMultNonConst(r, &auxJ, &rH)
	if bit == 1 {
		var one secp256k1.ModNScalar
		one.SetInt(1)
		var g, sum secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(&one, &g)
		secp256k1.AddNonConst(&rH, &g, &sum)
		rH = sum
	}
	rH.ToAffine()
	return secp256k1.NewPublicKey(&rH.X, &rH.Y)
}

// pedersenEd computes bit*G' + s*H'.
func pedersenEd(bit int, s *edwards25519.Scalar) *edwards25519.Point {
	c := new(edwards25519.Point).ScalarMult(s, edAuxGen)
	if bit == 1 {
		c.Add(c, edwards25519.NewGeneratorPoint())
	}
	return c
}

func scalarBit(scalarBE []byte, i int) int {
	return int(scalarBE[31-i/8]>>(i%8)) & 1
}

func randomSecpScalar() (*secp256k1.ModNScalar, error) {
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("failed to sample scalar: %w", err)
		}
		var s secp256k1.ModNScalar
		if overflow := s.SetBytes(&buf); overflow == 0 && !s.IsZero() {
			return &s, nil
		}
	}
}

func randomEdScalar() (*edwards25519.Scalar, error) {
	var buf [64]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("failed to sample scalar: %w", err)
	}
	return edwards25519.NewScalar().SetUniformBytes(buf[:])
}

func edScalarOne() *edwards25519.Scalar {
	var b [32]byte
	b[0] = 1
	s, _ := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	return s
}

// edScalarFromChallenge interprets a 128-bit challenge as an ed25519 scalar.
func edScalarFromChallenge(c *[challengeLen]byte) *edwards25519.Scalar {
	var le [32]byte
	for i := 0; i < challengeLen; i++ {
		le[i] = c[challengeLen-1-i]
	}
	s, _ := edwards25519.NewScalar().SetCanonicalBytes(le[:])
	return s
}

// edScalarFromSecpBytes reads a big-endian scalar below 2^252 as ed25519.
func edScalarFromSecpBytes(be []byte) (*edwards25519.Scalar, error) {
	var le [32]byte
	for i := 0; i < 32; i++ {
		le[i] = be[31-i]
	}
	return edwards25519.NewScalar().SetCanonicalBytes(le[:])
}

func doubleSecpScalar(s *secp256k1.ModNScalar) {
	var t secp256k1.ModNScalar
	t.Set(s)
	s.Add(&t)
}

func pubKeyFromScalar(s *secp256k1.ModNScalar) *secp256k1.PublicKey {
	var j secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(s, &j)
	j.ToAffine()
	return secp256k1.NewPublicKey(&j.X, &j.Y)
}

// deriveSecpGenerator hashes the tag to a curve point by try-and-increment
// over candidate x coordinates.
func deriveSecpGenerator(tag string) *secp256k1.PublicKey {
	seed := sha256.Sum256([]byte(tag))
	for {
		candidate := make([]byte, 33)
		candidate[0] = 0x02
		copy(candidate[1:], seed[:])
		if pub, err := secp256k1.ParsePubKey(candidate); err == nil {
			return pub
		}
		seed = sha256.Sum256(seed[:])
	}
}

// deriveEdGenerator hashes the tag to a prime-order ed25519 point.
func deriveEdGenerator(tag string) *edwards25519.Point {
	seed := sha256.Sum256([]byte(tag))
	identity := edwards25519.NewIdentityPoint()
	for {
		if p, err := new(edwards25519.Point).SetBytes(seed[:]); err == nil {
			p.MultByCofactor(p)
			if p.Equal(identity) != 1 {
				return p
			}
		}
		seed = sha256.Sum256(seed[:])
	}
}
