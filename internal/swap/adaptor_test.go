package swap

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func testPrivKey(t *testing.T, fill byte) *secp256k1.PrivateKey {
	t.Helper()
	return secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{fill}, 32))
}

func TestEncryptedSignatureRoundTrip(t *testing.T) {
	signer := testPrivKey(t, 0x21)
	encKey := testPrivKey(t, 0x42)
	digest := doubleSHA256([]byte("receiving script"))

	enc, err := EncryptedSign(signer, encKey.PubKey(), digest)
	if err != nil {
		t.Fatalf("EncryptedSign: %v", err)
	}
	if !VerifyEncryptedSignature(signer.PubKey(), encKey.PubKey(), digest, enc) {
		t.Fatal("encrypted signature did not verify")
	}

	sig, err := DecryptSignature(encKey, enc)
	if err != nil {
		t.Fatalf("DecryptSignature: %v", err)
	}
	if !sig.Verify(digest, signer.PubKey()) {
		t.Fatal("decrypted signature invalid under signer key")
	}

	recovered, err := RecoverDecryptionKey(encKey.PubKey(), sig, enc)
	if err != nil {
		t.Fatalf("RecoverDecryptionKey: %v", err)
	}
	if !bytes.Equal(recovered.Serialize(), encKey.Serialize()) {
		t.Errorf("recovered key = %x, want %x", recovered.Serialize(), encKey.Serialize())
	}
}

func TestEncryptedSignDeterministic(t *testing.T) {
	signer := testPrivKey(t, 0x07)
	encKey := testPrivKey(t, 0x09)
	digest := doubleSHA256([]byte("commitment"))

	a, err := EncryptedSign(signer, encKey.PubKey(), digest)
	if err != nil {
		t.Fatalf("EncryptedSign: %v", err)
	}
	b, err := EncryptedSign(signer, encKey.PubKey(), digest)
	if err != nil {
		t.Fatalf("EncryptedSign: %v", err)
	}
	// A restart must reproduce the exact same bytes, since the encrypted
	// signature is recomputed rather than persisted.
	if !bytes.Equal(a.Serialize(), b.Serialize()) {
		t.Fatal("encrypted signature not reproducible")
	}
}

func TestVerifyEncryptedSignatureRejects(t *testing.T) {
	signer := testPrivKey(t, 0x11)
	encKey := testPrivKey(t, 0x22)
	wrong := testPrivKey(t, 0x33)
	digest := doubleSHA256([]byte("message"))

	enc, err := EncryptedSign(signer, encKey.PubKey(), digest)
	if err != nil {
		t.Fatalf("EncryptedSign: %v", err)
	}

	tests := []struct {
		name   string
		pub    *secp256k1.PublicKey
		encPub *secp256k1.PublicKey
		digest []byte
	}{
		{name: "wrong signer key", pub: wrong.PubKey(), encPub: encKey.PubKey(), digest: digest},
		{name: "wrong encryption key", pub: signer.PubKey(), encPub: wrong.PubKey(), digest: digest},
		{name: "wrong message", pub: signer.PubKey(), encPub: encKey.PubKey(), digest: doubleSHA256([]byte("other"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifyEncryptedSignature(tt.pub, tt.encPub, tt.digest, enc) {
				t.Fatal("verification should have failed")
			}
		})
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	signer := testPrivKey(t, 0x44)
	encKey := testPrivKey(t, 0x55)
	wrong := testPrivKey(t, 0x66)
	digest := doubleSHA256([]byte("payload"))

	enc, err := EncryptedSign(signer, encKey.PubKey(), digest)
	if err != nil {
		t.Fatalf("EncryptedSign: %v", err)
	}
	sig, err := DecryptSignature(wrong, enc)
	if err != nil {
		t.Fatalf("DecryptSignature: %v", err)
	}
	if sig.Verify(digest, signer.PubKey()) {
		t.Fatal("wrong-key decryption yielded a valid signature")
	}
}

func TestEncryptedSignatureSerialization(t *testing.T) {
	signer := testPrivKey(t, 0x77)
	encKey := testPrivKey(t, 0x88)
	digest := doubleSHA256([]byte("wire"))

	enc, err := EncryptedSign(signer, encKey.PubKey(), digest)
	if err != nil {
		t.Fatalf("EncryptedSign: %v", err)
	}
	ser := enc.Serialize()
	if len(ser) != encryptedSignatureLen {
		t.Fatalf("serialized length = %d, want %d", len(ser), encryptedSignatureLen)
	}
	parsed, err := ParseEncryptedSignature(ser)
	if err != nil {
		t.Fatalf("ParseEncryptedSignature: %v", err)
	}
	if !parsed.IsEqual(enc) {
		t.Fatal("parsed signature differs from original")
	}
	if !VerifyEncryptedSignature(signer.PubKey(), encKey.PubKey(), digest, parsed) {
		t.Fatal("parsed signature did not verify")
	}

	if _, err := ParseEncryptedSignature(ser[:len(ser)-1]); err == nil {
		t.Fatal("expected error for truncated encoding")
	}
}

func TestSignatureDERRoundTrip(t *testing.T) {
	signer := testPrivKey(t, 0x99)
	encKey := testPrivKey(t, 0xaa)
	digest := doubleSHA256([]byte("der"))

	enc, err := EncryptedSign(signer, encKey.PubKey(), digest)
	if err != nil {
		t.Fatalf("EncryptedSign: %v", err)
	}
	sig, err := DecryptSignature(encKey, enc)
	if err != nil {
		t.Fatalf("DecryptSignature: %v", err)
	}

	der := sig.SerializeDER()
	parsed, err := ParseDERSignature(der)
	if err != nil {
		t.Fatalf("ParseDERSignature: %v", err)
	}
	if !bytes.Equal(parsed.SerializeCompact(), sig.SerializeCompact()) {
		t.Fatal("DER round trip changed the signature")
	}

	if _, err := ParseDERSignature([]byte{0x30, 0x01}); err == nil {
		t.Fatal("expected error for garbage DER")
	}
}

func TestParseDERSignatureHighBitMagnitude(t *testing.T) {
	// An r or s magnitude with its top bit set is DER-encoded with a 0x00
	// pad byte ahead of it. Parsing must accept the padded form; roughly
	// half of all signatures carry one.
	rMag := append([]byte{0xe7}, bytes.Repeat([]byte{0x5a}, 31)...)
	der := []byte{0x30, 0x26, 0x02, 0x21, 0x00}
	der = append(der, rMag...)
	der = append(der, 0x02, 0x01, 0x01)

	sig, err := ParseDERSignature(der)
	if err != nil {
		t.Fatalf("ParseDERSignature: %v", err)
	}
	rBytes := sig.R.Bytes()
	if !bytes.Equal(rBytes[:], rMag) {
		t.Fatalf("r = %x, want %x", rBytes, rMag)
	}
	if !bytes.Equal(sig.SerializeDER(), der) {
		t.Fatal("re-serialization changed the padded encoding")
	}

	// An unpadded negative INTEGER is still invalid.
	bad := []byte{0x30, 0x25, 0x02, 0x20}
	bad = append(bad, rMag...)
	bad = append(bad, 0x02, 0x01, 0x01)
	if _, err := ParseDERSignature(bad); err == nil {
		t.Fatal("expected error for unpadded high-bit magnitude")
	}

	// A pad byte in front of a low magnitude is a non-minimal encoding.
	nonMinimal := []byte{0x30, 0x07, 0x02, 0x02, 0x00, 0x01, 0x02, 0x01, 0x01}
	if _, err := ParseDERSignature(nonMinimal); err == nil {
		t.Fatal("expected error for non-minimal padding")
	}
}

func TestSignatureDERRoundTripManyMessages(t *testing.T) {
	signer := testPrivKey(t, 0xbb)
	encKey := testPrivKey(t, 0xcc)

	// Deterministic nonces make every iteration reproducible. Enough of
	// them that both padded and unpadded r and s encodings appear.
	sawPadded := false
	for i := 0; i < 32; i++ {
		digest := doubleSHA256([]byte{byte(i)})
		enc, err := EncryptedSign(signer, encKey.PubKey(), digest)
		if err != nil {
			t.Fatalf("EncryptedSign #%d: %v", i, err)
		}
		sig, err := DecryptSignature(encKey, enc)
		if err != nil {
			t.Fatalf("DecryptSignature #%d: %v", i, err)
		}
		der := sig.SerializeDER()
		if der[3] == 33 || der[int(der[3])+5] == 33 {
			sawPadded = true
		}
		parsed, err := ParseDERSignature(der)
		if err != nil {
			t.Fatalf("ParseDERSignature #%d (%x): %v", i, der, err)
		}
		if !bytes.Equal(parsed.SerializeCompact(), sig.SerializeCompact()) {
			t.Fatalf("round trip #%d changed the signature", i)
		}
	}
	if !sawPadded {
		t.Fatal("no padded encoding exercised")
	}
}

func TestDoubleSHA256(t *testing.T) {
	input := []byte("script bytes")
	first := sha256.Sum256(input)
	second := sha256.Sum256(first[:])
	if !bytes.Equal(doubleSHA256(input), second[:]) {
		t.Fatal("doubleSHA256 mismatch")
	}
}
