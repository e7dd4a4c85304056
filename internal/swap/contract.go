// Package swap - BCH covenant contracts.
//
// The swap uses two chained P2SH covenants. SwapLock holds the traded coins:
// its claim branch forwards them to the counterparty's receiving script under
// a data signature, its timelock branch forwards them to the Refund covenant.
// Refund mirrors the shape with the roles swapped. Both scripts pin output
// zero's locking bytecode, so coins can only ever move along the two agreed
// paths.
package swap

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Cyrix126/bch-xmr-swap/internal/config"
)

// BCH script opcodes missing from txscript. CHECKDATASIG shipped in the 2018
// upgrade, the introspection opcodes in 2022.
const (
	opCheckDataSig       = 0xba
	opCheckDataSigVerify = 0xbb
	opOutputBytecode     = 0xcd
)

// maxRecvScriptLen bounds a receiving script to the standard push limit, as
// the locking script embeds it whole.
const maxRecvScriptLen = 520

// ContractSide identifies which covenant of the pair an output pays.
type ContractSide int

const (
	ToSwapLock ContractSide = iota
	ToRefund
)

func (s ContractSide) String() string {
	if s == ToSwapLock {
		return "swaplock"
	}
	return "refund"
}

// Contract is one covenant: a data-signature claim branch forwarding to
// SuccessOutput and a relative-timelock branch forwarding to FailureOutput.
type Contract struct {
	VesPub        *secp256k1.PublicKey
	Timelock      uint32
	SuccessOutput []byte
	FailureOutput []byte
}

// LockingScript builds the redeem script. Derivation is deterministic, so the
// pair can be rebuilt from its creation parameters after a restart.
func (c *Contract) LockingScript() []byte {
	successHash := sha256.Sum256(c.SuccessOutput)

	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_IF)
	b.AddData(successHash[:])
	b.AddData(c.VesPub.SerializeCompressed())
	b.AddOp(opCheckDataSigVerify)
	b.AddOp(txscript.OP_0)
	b.AddOp(opOutputBytecode)
	b.AddData(c.SuccessOutput)
	b.AddOp(txscript.OP_EQUAL)
	b.AddOp(txscript.OP_ELSE)
	b.AddInt64(int64(c.Timelock))
	b.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	b.AddOp(txscript.OP_DROP)
	b.AddOp(txscript.OP_0)
	b.AddOp(opOutputBytecode)
	b.AddData(c.FailureOutput)
	b.AddOp(txscript.OP_EQUAL)
	b.AddOp(txscript.OP_ENDIF)

	script, err := b.Script()
	if err != nil {
		// The builder only fails on oversized pushes, which the
		// receiving-script length check rules out.
		panic(fmt.Sprintf("contract script build: %v", err))
	}
	return script
}

// UnlockingScript builds the scriptSig. A non-nil DER signature takes the
// claim branch; nil takes the timelock branch.
func (c *Contract) UnlockingScript(sigDER []byte) []byte {
	b := txscript.NewScriptBuilder()
	if sigDER != nil {
		b.AddData(sigDER)
		b.AddOp(txscript.OP_1)
	} else {
		b.AddOp(txscript.OP_0)
	}
	b.AddData(c.LockingScript())
	script, err := b.Script()
	if err != nil {
		panic(fmt.Sprintf("contract unlock build: %v", err))
	}
	return script
}

// P2SHLockingBytecode returns the pay-to-script-hash output script.
func (c *Contract) P2SHLockingBytecode() []byte {
	hash := btcutil.Hash160(c.LockingScript())
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_HASH160)
	b.AddData(hash)
	b.AddOp(txscript.OP_EQUAL)
	script, _ := b.Script()
	return script
}

// CashAddress renders the contract's P2SH address under the network prefix.
func (c *Contract) CashAddress(prefix string) string {
	addr, err := EncodeCashAddress(prefix, P2SH, btcutil.Hash160(c.LockingScript()))
	if err != nil {
		panic(fmt.Sprintf("contract address: %v", err))
	}
	return addr
}

// ClaimDigest is the digest the claim-branch signature commits to. The
// embedded message is sha256 of the receiving script, and CHECKDATASIG hashes
// the message once more before verifying.
func (c *Contract) ClaimDigest() []byte {
	return doubleSHA256(c.SuccessOutput)
}

// ContractParams are the agreed covenant parameters. Receiving outputs are
// raw locking bytecode, not addresses.
type ContractParams struct {
	Timelock1 uint32
	Timelock2 uint32
	BobRecv   []byte
	AliceRecv []byte
	BobVes    *secp256k1.PublicKey
	AliceVes  *secp256k1.PublicKey
}

// ContractPair is the SwapLock covenant and the Refund covenant it falls
// back to.
type ContractPair struct {
	SwapLock Contract
	Refund   Contract
}

// CreateContractPair derives both covenants from the agreed parameters.
//
// SwapLock: Alice claims with the decrypted signature under Bob's ves key,
// or after timelock1 the coins move to Refund. Refund: Bob reclaims with the
// signature Alice handed over under her ves key, or after timelock2 Alice
// may sweep to her own output.
func CreateContractPair(params ContractParams) (*ContractPair, error) {
	if !config.ValidTimelocks(params.Timelock1, params.Timelock2) {
		return nil, ErrInvalidTimelock
	}
	if len(params.BobRecv) == 0 || len(params.BobRecv) > maxRecvScriptLen {
		return nil, fmt.Errorf("%w: bad bob receiving script", ErrInvalidBchAddress)
	}
	if len(params.AliceRecv) == 0 || len(params.AliceRecv) > maxRecvScriptLen {
		return nil, fmt.Errorf("%w: bad alice receiving script", ErrInvalidBchAddress)
	}
	if params.BobVes == nil || params.AliceVes == nil {
		return nil, fmt.Errorf("%w: missing ves key", ErrInvalidBchAddress)
	}

	refund := Contract{
		VesPub:        params.AliceVes,
		Timelock:      params.Timelock2,
		SuccessOutput: params.BobRecv,
		FailureOutput: params.AliceRecv,
	}
	swapLock := Contract{
		VesPub:        params.BobVes,
		Timelock:      params.Timelock1,
		SuccessOutput: params.AliceRecv,
		FailureOutput: refund.P2SHLockingBytecode(),
	}
	return &ContractPair{SwapLock: swapLock, Refund: refund}, nil
}

// ContractMatch is an in-transaction output paying one of the covenants.
type ContractMatch struct {
	Outpoint wire.OutPoint
	Side     ContractSide
	Value    int64
}

// AnalyzeTx scans a transaction's outputs for a payment to either covenant
// address and returns the first match.
func (p *ContractPair) AnalyzeTx(tx *wire.MsgTx) (ContractMatch, bool) {
	swapLockScript := p.SwapLock.P2SHLockingBytecode()
	refundScript := p.Refund.P2SHLockingBytecode()
	txid := tx.TxHash()

	for i, out := range tx.TxOut {
		var side ContractSide
		switch {
		case bytes.Equal(out.PkScript, swapLockScript):
			side = ToSwapLock
		case bytes.Equal(out.PkScript, refundScript):
			side = ToRefund
		default:
			continue
		}
		return ContractMatch{
			Outpoint: wire.OutPoint{Hash: txid, Index: uint32(i)},
			Side:     side,
			Value:    out.Value,
		}, true
	}
	return ContractMatch{}, false
}

// ExtractClaimSig pulls the counterparty's decrypted signature out of a
// transaction spending SwapLock's claim branch. The scriptSig grammar is
// <sigDER> OP_1 <redeem script>.
func (p *ContractPair) ExtractClaimSig(tx *wire.MsgTx) ([]byte, bool) {
	redeem := p.SwapLock.LockingScript()
	for _, in := range tx.TxIn {
		pushes, err := parsePushes(in.SignatureScript)
		if err != nil || len(pushes) != 3 {
			continue
		}
		sig, branch, got := pushes[0], pushes[1], pushes[2]
		if len(sig) == 0 || !bytes.Equal(branch, []byte{1}) {
			continue
		}
		if !bytes.Equal(got, redeem) {
			continue
		}
		return sig, true
	}
	return nil, false
}

// parsePushes decodes a push-only script. Small-integer opcodes decode to
// their minimal byte form, OP_0 to an empty push.
func parsePushes(script []byte) ([][]byte, error) {
	var pushes [][]byte
	for i := 0; i < len(script); {
		op := script[i]
		i++
		switch {
		case op == txscript.OP_0:
			pushes = append(pushes, []byte{})
		case op >= txscript.OP_1 && op <= txscript.OP_16:
			pushes = append(pushes, []byte{op - txscript.OP_1 + 1})
		case op <= 0x4b:
			n := int(op)
			if i+n > len(script) {
				return nil, ErrInvalidTransaction
			}
			pushes = append(pushes, script[i:i+n])
			i += n
		case op == txscript.OP_PUSHDATA1:
			if i >= len(script) {
				return nil, ErrInvalidTransaction
			}
			n := int(script[i])
			i++
			if i+n > len(script) {
				return nil, ErrInvalidTransaction
			}
			pushes = append(pushes, script[i:i+n])
			i += n
		case op == txscript.OP_PUSHDATA2:
			if i+2 > len(script) {
				return nil, ErrInvalidTransaction
			}
			n := int(script[i]) | int(script[i+1])<<8
			i += 2
			if i+n > len(script) {
				return nil, ErrInvalidTransaction
			}
			pushes = append(pushes, script[i:i+n])
			i += n
		default:
			return nil, ErrInvalidTransaction
		}
	}
	return pushes, nil
}
