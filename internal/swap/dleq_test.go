package swap

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func testJointScalar(t *testing.T) [32]byte {
	t.Helper()
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	b[0] &= 0x0f
	return b
}

func jointPublicKeys(t *testing.T, scalar [32]byte) (*secp256k1.PublicKey, MoneroPublic) {
	t.Helper()
	priv := secp256k1.PrivKeyFromBytes(scalar[:])
	edPriv, err := MoneroPrivateFromSecpBytes(scalar[:])
	if err != nil {
		t.Fatalf("MoneroPrivateFromSecpBytes: %v", err)
	}
	return priv.PubKey(), edPriv.PublicKey()
}

func TestCrossCurveProofRoundTrip(t *testing.T) {
	scalar := testJointScalar(t)
	bchPub, xmrPub := jointPublicKeys(t, scalar)

	proof, err := NewCrossCurveProof(scalar[:])
	if err != nil {
		t.Fatalf("NewCrossCurveProof: %v", err)
	}
	if !proof.Verify(bchPub, xmrPub) {
		t.Fatal("valid proof did not verify")
	}

	ser := proof.Serialize()
	if len(ser) != crossCurveProofLen {
		t.Fatalf("serialized length = %d, want %d", len(ser), crossCurveProofLen)
	}
	parsed, err := ParseCrossCurveProof(ser)
	if err != nil {
		t.Fatalf("ParseCrossCurveProof: %v", err)
	}
	if !parsed.Verify(bchPub, xmrPub) {
		t.Fatal("parsed proof did not verify")
	}
	if !bytes.Equal(parsed.Serialize(), ser) {
		t.Fatal("serialization not stable across parse")
	}
}

func TestCrossCurveProofWrongKeys(t *testing.T) {
	scalar := testJointScalar(t)
	bchPub, xmrPub := jointPublicKeys(t, scalar)

	proof, err := NewCrossCurveProof(scalar[:])
	if err != nil {
		t.Fatalf("NewCrossCurveProof: %v", err)
	}

	other := testJointScalar(t)
	otherBch, otherXmr := jointPublicKeys(t, other)

	if proof.Verify(otherBch, xmrPub) {
		t.Fatal("proof verified against wrong secp256k1 key")
	}
	if proof.Verify(bchPub, otherXmr) {
		t.Fatal("proof verified against wrong ed25519 key")
	}
	if proof.Verify(otherBch, otherXmr) {
		t.Fatal("proof verified against unrelated key pair")
	}
}

func TestCrossCurveProofTampered(t *testing.T) {
	scalar := testJointScalar(t)
	bchPub, xmrPub := jointPublicKeys(t, scalar)

	proof, err := NewCrossCurveProof(scalar[:])
	if err != nil {
		t.Fatalf("NewCrossCurveProof: %v", err)
	}

	// Flipping a challenge byte breaks the XOR split for that bit.
	proof.bits[7].c0[0] ^= 0x01
	if proof.Verify(bchPub, xmrPub) {
		t.Fatal("tampered proof verified")
	}
}

func TestCrossCurveProofScalarRange(t *testing.T) {
	var high [32]byte
	high[0] = 0x10 // bit 252 set
	if _, err := NewCrossCurveProof(high[:]); err == nil {
		t.Fatal("expected range error for scalar at 2^252")
	}
	if _, err := NewCrossCurveProof(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short scalar")
	}
}

func TestCrossCurveProofParseErrors(t *testing.T) {
	if _, err := ParseCrossCurveProof(make([]byte, 10)); err == nil {
		t.Fatal("expected error for truncated proof")
	}

	scalar := testJointScalar(t)
	proof, err := NewCrossCurveProof(scalar[:])
	if err != nil {
		t.Fatalf("NewCrossCurveProof: %v", err)
	}
	ser := proof.Serialize()
	// Corrupt a commitment prefix so the point no longer parses.
	ser[0] = 0x05
	if _, err := ParseCrossCurveProof(ser); err == nil {
		t.Fatal("expected error for corrupted commitment")
	}
}
