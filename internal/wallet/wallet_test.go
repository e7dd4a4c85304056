package wallet

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
	"github.com/Cyrix126/bch-xmr-swap/internal/swap"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}

	words := strings.Fields(mnemonic)
	if len(words) != 24 {
		t.Errorf("expected 24 words, got %d", len(words))
	}

	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic should be valid")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		mnemonic string
		valid    bool
	}{
		{testMnemonic, true},
		{"invalid mnemonic words", false},
		{"", false},
		{"abandon", false}, // Too short
	}

	for _, tc := range tests {
		result := ValidateMnemonic(tc.mnemonic)
		if result != tc.valid {
			t.Errorf("ValidateMnemonic(%q) = %v, want %v", tc.mnemonic, result, tc.valid)
		}
	}
}

func TestNewFromMnemonic(t *testing.T) {
	wallet, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}

	if wallet.Network() != chain.Mainnet {
		t.Errorf("Network() = %s, want mainnet", wallet.Network())
	}
}

func TestNewFromMnemonicInvalid(t *testing.T) {
	_, err := NewFromMnemonic("invalid mnemonic", "", chain.Mainnet)
	if err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

func TestPayoutKeyDeterministic(t *testing.T) {
	w1, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	w2, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}

	k1, err := w1.PayoutKey(0, 0)
	if err != nil {
		t.Fatalf("PayoutKey() error = %v", err)
	}
	k2, err := w2.PayoutKey(0, 0)
	if err != nil {
		t.Fatalf("PayoutKey() error = %v", err)
	}

	if !bytes.Equal(k1.Serialize(), k2.Serialize()) {
		t.Error("same mnemonic should derive the same payout key")
	}

	// Different index yields a different key.
	k3, err := w1.PayoutKey(0, 1)
	if err != nil {
		t.Fatalf("PayoutKey(0, 1) error = %v", err)
	}
	if bytes.Equal(k1.Serialize(), k3.Serialize()) {
		t.Error("different index should derive a different key")
	}

	// Passphrase changes the seed entirely.
	w3, err := NewFromMnemonic(testMnemonic, "passphrase", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() with passphrase error = %v", err)
	}
	k4, err := w3.PayoutKey(0, 0)
	if err != nil {
		t.Fatalf("PayoutKey() error = %v", err)
	}
	if bytes.Equal(k1.Serialize(), k4.Serialize()) {
		t.Error("passphrase should change the derived key")
	}
}

func TestPayoutScriptMatchesAddress(t *testing.T) {
	wallet, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}

	script, err := wallet.PayoutScript(0, 0)
	if err != nil {
		t.Fatalf("PayoutScript() error = %v", err)
	}
	if len(script) != 25 {
		t.Fatalf("script length = %d, want 25", len(script))
	}
	if script[0] != 0x76 { // OP_DUP opens a P2PKH script
		t.Errorf("script[0] = %#x, want OP_DUP", script[0])
	}

	addr, err := wallet.PayoutAddress(0, 0)
	if err != nil {
		t.Fatalf("PayoutAddress() error = %v", err)
	}
	if !strings.HasPrefix(addr, "bitcoincash:") {
		t.Errorf("mainnet address = %q, want bitcoincash: prefix", addr)
	}

	// The address encodes the same hash the script pays.
	kind, hash, err := swap.DecodeCashAddress(addr, "bitcoincash")
	if err != nil {
		t.Fatalf("DecodeCashAddress() error = %v", err)
	}
	if kind != swap.P2PKH {
		t.Errorf("address type = %d, want P2PKH", kind)
	}
	if !bytes.Equal(hash, script[3:23]) {
		t.Error("address hash does not match the script's pubkey hash")
	}
}

func TestPayoutAddressNetworkPrefix(t *testing.T) {
	tests := []struct {
		network chain.Network
		prefix  string
	}{
		{chain.Mainnet, "bitcoincash:"},
		{chain.Testnet, "bchtest:"},
		{chain.Regtest, "bchreg:"},
	}

	for _, tc := range tests {
		t.Run(string(tc.network), func(t *testing.T) {
			wallet, err := NewFromMnemonic(testMnemonic, "", tc.network)
			if err != nil {
				t.Fatalf("NewFromMnemonic() error = %v", err)
			}
			addr, err := wallet.PayoutAddress(0, 0)
			if err != nil {
				t.Fatalf("PayoutAddress() error = %v", err)
			}
			if !strings.HasPrefix(addr, tc.prefix) {
				t.Errorf("address = %q, want prefix %q", addr, tc.prefix)
			}
		})
	}
}

func TestEncryptDecryptMnemonic(t *testing.T) {
	password := "TestPassword123!"

	encrypted, err := EncryptMnemonic(testMnemonic, password)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}

	if encrypted.Version != 1 {
		t.Errorf("version = %d, want 1", encrypted.Version)
	}

	decrypted, err := DecryptMnemonic(encrypted, password)
	if err != nil {
		t.Fatalf("DecryptMnemonic() error = %v", err)
	}

	if decrypted != testMnemonic {
		t.Error("decrypted mnemonic doesn't match original")
	}
}

func TestEncryptMnemonicWeakPassword(t *testing.T) {
	_, err := EncryptMnemonic(testMnemonic, "weak")
	if err == nil {
		t.Error("should reject weak password")
	}
}

func TestDecryptMnemonicWrongPassword(t *testing.T) {
	encrypted, _ := EncryptMnemonic(testMnemonic, "TestPassword123!")

	_, err := DecryptMnemonic(encrypted, "WrongPassword123!")
	if err == nil {
		t.Error("should fail with wrong password")
	}
}

func TestSaveLoadEncryptedSeed(t *testing.T) {
	password := "TestPassword123!"
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "wallet.json")

	encrypted, _ := EncryptMnemonic(testMnemonic, password)

	err := SaveEncryptedSeed(encrypted, path)
	if err != nil {
		t.Fatalf("SaveEncryptedSeed() error = %v", err)
	}

	loaded, err := LoadEncryptedSeed(path)
	if err != nil {
		t.Fatalf("LoadEncryptedSeed() error = %v", err)
	}

	decrypted, err := DecryptMnemonic(loaded, password)
	if err != nil {
		t.Fatalf("DecryptMnemonic() error = %v", err)
	}

	if decrypted != testMnemonic {
		t.Error("loaded and decrypted mnemonic doesn't match")
	}
}

func TestSaveEncryptedSeedPermissions(t *testing.T) {
	password := "TestPassword123!"
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "wallet.json")

	encrypted, _ := EncryptMnemonic(testMnemonic, password)
	SaveEncryptedSeed(encrypted, path)

	info, _ := os.Stat(path)
	perm := info.Mode().Perm()

	// Should be 0600 (owner read/write only)
	if perm != 0600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		valid    bool
	}{
		{"TestPassword123!", true},  // Has all 4 types
		{"TestPassword123", true},   // Has 3 of 4 (upper, lower, number)
		{"TestPassword!", true},     // Has 3 of 4 (upper, lower, special)
		{"Test123!", true},          // Has all 4 types
		{"Testpass1", true},         // Has 3 of 4 (upper, lower, number)
		{"short", false},            // Too short
		{"testpassword", false},     // Only lowercase
		{"12345678", false},         // Only numbers
		{"TESTPASSWORD", false},     // Only uppercase
		{"testpassword123", false},  // Only 2 types (lower + number)
		{"TESTPASSWORD123", false},  // Only 2 types (upper + number)
		{strings.Repeat("a", 257), false}, // Too long
	}

	for _, tc := range tests {
		err := ValidatePassword(tc.password)
		if tc.valid && err != nil {
			t.Errorf("ValidatePassword(%q) should be valid, got error: %v", tc.password, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("ValidatePassword(%q) should be invalid", tc.password)
		}
	}
}

func TestSecureClear(t *testing.T) {
	data := []byte("sensitive data")
	SecureClear(data)

	for _, b := range data {
		if b != 0 {
			t.Error("data should be cleared to zeros")
			break
		}
	}
}

func TestConstantTimeCompare(t *testing.T) {
	a := []byte("test")
	b := []byte("test")
	c := []byte("diff")

	if !ConstantTimeCompare(a, b) {
		t.Error("equal slices should compare true")
	}
	if ConstantTimeCompare(a, c) {
		t.Error("different slices should compare false")
	}
}

func TestSessionCipherRoundTrip(t *testing.T) {
	wallet, err := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	c, err := wallet.SessionCipher()
	if err != nil {
		t.Fatalf("SessionCipher() error = %v", err)
	}

	plaintext := []byte(`{"keys":"secret"}`)
	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("sealed record leaks the plaintext")
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}

	// A cipher rebuilt from the same wallet opens records from before.
	c2, err := wallet.SessionCipher()
	if err != nil {
		t.Fatalf("SessionCipher() error = %v", err)
	}
	if _, err := c2.Open(sealed); err != nil {
		t.Errorf("rebuilt cipher failed to open: %v", err)
	}
}

func TestSessionCipherRejectsTampering(t *testing.T) {
	wallet, _ := NewFromMnemonic(testMnemonic, "", chain.Mainnet)
	c, err := wallet.SessionCipher()
	if err != nil {
		t.Fatalf("SessionCipher() error = %v", err)
	}

	sealed, err := c.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := c.Open(sealed); err == nil {
		t.Error("expected tampered record to fail")
	}

	if _, err := c.Open([]byte("short")); err == nil {
		t.Error("expected truncated record to fail")
	}

	// A different seed cannot open the record.
	other, _ := NewFromMnemonic(testMnemonic, "other", chain.Mainnet)
	c2, err := other.SessionCipher()
	if err != nil {
		t.Fatalf("SessionCipher() error = %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01 // undo the flip
	if _, err := c2.Open(sealed); err == nil {
		t.Error("expected foreign cipher to fail")
	}
}
