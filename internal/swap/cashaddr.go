// Package swap - CashAddr address codec.
//
// Implements the Bitcoin Cash base32 address format: a lowercase prefix, a
// version byte carrying the address type and hash size, and a 40-bit BCH
// checksum over the whole string.
package swap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/txscript"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
)

// Address errors
var (
	ErrCashAddrChecksum = errors.New("cashaddr checksum mismatch")
	ErrCashAddrFormat   = errors.New("malformed cashaddr string")
)

// AddressType is the CashAddr version type.
type AddressType uint8

const (
	// P2PKH pays to a public key hash.
	P2PKH AddressType = 0
	// P2SH pays to a script hash.
	P2SH AddressType = 1
)

const cashAddrCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var cashAddrCharsetRev = func() [128]int8 {
	var rev [128]int8
	for i := range rev {
		rev[i] = -1
	}
	for i, c := range cashAddrCharset {
		rev[c] = int8(i)
	}
	return rev
}()

// cashAddrPolymod is the BCH checksum over 5-bit symbols.
func cashAddrPolymod(values []byte) uint64 {
	c := uint64(1)
	for _, d := range values {
		c0 := c >> 35
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)
		if c0&0x01 != 0 {
			c ^= 0x98f2bc8e61
		}
		if c0&0x02 != 0 {
			c ^= 0x79b76d99e2
		}
		if c0&0x04 != 0 {
			c ^= 0xf33e5fb3c4
		}
		if c0&0x08 != 0 {
			c ^= 0xae2eabe2a8
		}
		if c0&0x10 != 0 {
			c ^= 0x1e4f43e470
		}
	}
	return c ^ 1
}

// expandPrefix maps the prefix to its checksum symbols: the low five bits of
// each character followed by a zero separator.
func expandPrefix(prefix string) []byte {
	out := make([]byte, 0, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		out = append(out, prefix[i]&0x1f)
	}
	return append(out, 0)
}

// convertBits regroups the data between bit widths, padding on encode and
// rejecting nonzero padding on decode.
func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	var acc, bits uint
	maxv := uint(1<<toBits) - 1
	out := make([]byte, 0, len(data)*int(fromBits)/int(toBits)+1)
	for _, b := range data {
		if uint(b)>>fromBits != 0 {
			return nil, ErrCashAddrFormat
		}
		acc = acc<<fromBits | uint(b)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits)&maxv))
		}
	} else if bits >= fromBits || acc<<(toBits-bits)&maxv != 0 {
		return nil, ErrCashAddrFormat
	}
	return out, nil
}

// EncodeCashAddress encodes a 20-byte hash under the given network prefix.
func EncodeCashAddress(prefix string, kind AddressType, hash []byte) (string, error) {
	if len(hash) != 20 {
		return "", fmt.Errorf("%w: hash must be 20 bytes, got %d", ErrCashAddrFormat, len(hash))
	}
	payload := make([]byte, 0, 21)
	payload = append(payload, byte(kind)<<3)
	payload = append(payload, hash...)
	data, err := convertBits(payload, 8, 5, true)
	if err != nil {
		return "", err
	}

	checksumInput := append(expandPrefix(prefix), data...)
	checksumInput = append(checksumInput, make([]byte, 8)...)
	mod := cashAddrPolymod(checksumInput)

	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte(':')
	for _, d := range data {
		sb.WriteByte(cashAddrCharset[d])
	}
	for i := 0; i < 8; i++ {
		sb.WriteByte(cashAddrCharset[mod>>uint(5*(7-i))&0x1f])
	}
	return sb.String(), nil
}

// DecodeCashAddress decodes an address, verifying the checksum and that the
// prefix matches the expected network prefix. The prefix may be omitted from
// the input string.
func DecodeCashAddress(addr, expectedPrefix string) (AddressType, []byte, error) {
	addr = strings.ToLower(addr)
	prefix := expectedPrefix
	if idx := strings.IndexByte(addr, ':'); idx >= 0 {
		prefix = addr[:idx]
		addr = addr[idx+1:]
	}
	if prefix != expectedPrefix {
		return 0, nil, fmt.Errorf("%w: prefix %q, want %q", ErrCashAddrFormat, prefix, expectedPrefix)
	}
	if len(addr) < 8 {
		return 0, nil, ErrCashAddrFormat
	}

	data := make([]byte, len(addr))
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		if c >= 128 || cashAddrCharsetRev[c] < 0 {
			return 0, nil, fmt.Errorf("%w: invalid character %q", ErrCashAddrFormat, c)
		}
		data[i] = byte(cashAddrCharsetRev[c])
	}

	if cashAddrPolymod(append(expandPrefix(prefix), data...)) != 0 {
		return 0, nil, ErrCashAddrChecksum
	}

	payload, err := convertBits(data[:len(data)-8], 5, 8, false)
	if err != nil {
		return 0, nil, err
	}
	if len(payload) != 21 {
		return 0, nil, fmt.Errorf("%w: unsupported payload size %d", ErrCashAddrFormat, len(payload))
	}
	version := payload[0]
	if version&0x80 != 0 || version&0x07 != 0 {
		return 0, nil, fmt.Errorf("%w: unsupported version byte %#x", ErrCashAddrFormat, version)
	}
	kind := AddressType(version >> 3)
	if kind != P2PKH && kind != P2SH {
		return 0, nil, fmt.Errorf("%w: unsupported address type %d", ErrCashAddrFormat, kind)
	}
	return kind, payload[1:], nil
}

// ReceivingScript decodes a cash address on the given network and returns the
// locking script that pays it.
func ReceivingScript(addr string, network chain.Network) (HexBytes, error) {
	params, ok := chain.Get("BCH", network)
	if !ok {
		return nil, fmt.Errorf("unknown BCH network %q", network)
	}
	kind, hash, err := DecodeCashAddress(addr, params.CashAddrPrefix)
	if err != nil {
		return nil, err
	}

	b := txscript.NewScriptBuilder()
	switch kind {
	case P2PKH:
		b.AddOp(txscript.OP_DUP)
		b.AddOp(txscript.OP_HASH160)
		b.AddData(hash)
		b.AddOp(txscript.OP_EQUALVERIFY)
		b.AddOp(txscript.OP_CHECKSIG)
	case P2SH:
		b.AddOp(txscript.OP_HASH160)
		b.AddData(hash)
		b.AddOp(txscript.OP_EQUAL)
	}
	script, err := b.Script()
	if err != nil {
		return nil, err
	}
	return script, nil
}
