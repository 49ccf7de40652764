// Package extract recovers a payment address from a script for
// indexing purposes only. It never validates a script: an address
// extracted here may belong to an invalid or already-spent input; that
// is the Index's business, not this package's.
package extract

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/btcutil"
)

// AddressType identifies which of the three recognized script shapes
// produced an address.
type AddressType int

const (
	// TypeNone means no recognized shape matched.
	TypeNone AddressType = iota
	TypeP2PKH
	TypeP2SH
	TypeP2WPKHInP2SH
)

// payFromScriptHashOps is the set of terminal opcodes this package
// treats as evidence that a signature script's final push is a P2SH
// redeem script rather than an ordinary data push. This is a coarse
// classifier tuned for the shapes real wallets emit (single-sig,
// multisig, and CLTV/CSV-gated redeem scripts), not a full script
// interpreter.
var payFromScriptHashOps = map[byte]bool{
	txscript.OP_CHECKSIG:            true,
	txscript.OP_CHECKSIGVERIFY:      true,
	txscript.OP_CHECKMULTISIG:       true,
	txscript.OP_CHECKMULTISIGVERIFY: true,
	txscript.OP_EQUAL:               true,
	txscript.OP_EQUALVERIFY:         true,
	txscript.OP_CHECKLOCKTIMEVERIFY: true,
	txscript.OP_CHECKSEQUENCEVERIFY: true,
}

// OutputAddress recovers the payee address from a locking script.
// Recognizes P2PKH, P2SH, and P2SH-wrapped-witness output shapes
// (a P2SH-wrapped-witness output is an ordinary P2SH script on chain,
// which txscript.ExtractPkScriptAddrs classifies as ScriptHashTy, since
// the witness program only becomes visible when the output is spent).
// Returns ("", false) for any other shape, per spec.md's "otherwise
// the recorded address is the empty string."
func OutputAddress(pkScript []byte, params *chaincfg.Params) (string, bool) {
	class, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil || len(addrs) != 1 {
		return "", false
	}
	switch class {
	case txscript.PubKeyHashTy, txscript.ScriptHashTy:
		return addrs[0].EncodeAddress(), true
	default:
		return "", false
	}
}

// InputAddress recovers the payer address from a signature script,
// trying the three recognized shapes in the order spec.md specifies:
// P2SH-redeem, then P2PKH, then P2WPKH-SH. Returns TypeNone and ("",
// false) if none match.
func InputAddress(sigScript []byte, params *chaincfg.Params) (string, AddressType, bool) {
	if addr, ok := p2shRedeemAddress(sigScript, params); ok {
		return addr, TypeP2SH, true
	}
	if addr, ok := p2pkhInputAddress(sigScript, params); ok {
		return addr, TypeP2PKH, true
	}
	if addr, ok := p2wpkhInP2SHAddress(sigScript, params); ok {
		return addr, TypeP2WPKHInP2SH, true
	}
	return "", TypeNone, false
}

// p2shRedeemAddress implements shape 1: the signature script's last
// pushed data element parses as a script whose final opcode (or the
// opcode just before a terminal OP_ENDIF) is a known pay-from-scripthash
// opcode. The payload for hashing is the whole redeem script.
func p2shRedeemAddress(sigScript []byte, params *chaincfg.Params) (string, bool) {
	pushes, err := txscript.PushedData(sigScript)
	if err != nil || len(pushes) == 0 {
		return "", false
	}
	redeemScript := pushes[len(pushes)-1]
	if len(redeemScript) == 0 {
		return "", false
	}

	terminalOp, ok := terminalOpcode(redeemScript)
	if !ok || !payFromScriptHashOps[terminalOp] {
		return "", false
	}

	return scriptHashAddress(redeemScript, params)
}

// terminalOpcode returns the last opcode of script, skipping a
// trailing OP_ENDIF and reporting the opcode just before it instead,
// per spec.md's "or the opcode just before a terminal OP_ENDIF".
func terminalOpcode(script []byte) (byte, bool) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	var ops []byte
	for tokenizer.Next() {
		ops = append(ops, tokenizer.Opcode())
	}
	if tokenizer.Err() != nil || len(ops) == 0 {
		return 0, false
	}

	last := ops[len(ops)-1]
	if last == txscript.OP_ENDIF && len(ops) >= 2 {
		return ops[len(ops)-2], true
	}
	return last, true
}

// p2pkhInputAddress implements shape 2: <sig><pubkey> where sig is a
// 71-74 byte DER push and pubkey is a 33 or 65 byte push that ends the
// script exactly.
func p2pkhInputAddress(sigScript []byte, params *chaincfg.Params) (string, bool) {
	if len(sigScript) < 106 {
		return "", false
	}

	sigPushOp := sigScript[0]
	if sigPushOp < 71 || sigPushOp > 74 {
		return "", false
	}

	// The push opcode for a 71-74 byte push equals the byte count
	// itself (below OP_PUSHDATA1's threshold of 76), so the pubkey
	// length byte sits right after the signature bytes.
	pubKeyLenIdx := 1 + int(sigPushOp)
	if pubKeyLenIdx >= len(sigScript) {
		return "", false
	}
	pubKeyLen := int(sigScript[pubKeyLenIdx])
	if pubKeyLen != 33 && pubKeyLen != 65 {
		return "", false
	}

	pubKeyStart := pubKeyLenIdx + 1
	pubKeyEnd := pubKeyStart + pubKeyLen
	if pubKeyEnd != len(sigScript) {
		return "", false
	}

	pubKey := sigScript[pubKeyStart:pubKeyEnd]
	return pubKeyHashAddress(pubKey, params)
}

// p2wpkhInP2SHAddress implements shape 3: a signature script that is
// exactly a 23-byte push of a 22-byte witness program: 0x16 <version>
// 0x14 <20-byte hash>.
func p2wpkhInP2SHAddress(sigScript []byte, params *chaincfg.Params) (string, bool) {
	if len(sigScript) != 23 {
		return "", false
	}
	if sigScript[0] != 0x16 {
		return "", false
	}
	version := sigScript[1]
	if !(version == 0x00 || (version >= 0x51 && version <= 0x60)) {
		return "", false
	}
	if sigScript[2] != 0x14 {
		return "", false
	}

	witnessProgram := sigScript[1:23]
	return scriptHashAddress(witnessProgram, params)
}

// scriptHashAddress hash160's payload and base58check-encodes it with
// the network's script-hash version byte, used for the P2SH-redeem and
// P2WPKH-SH shapes (both spend a P2SH-style previous output).
func scriptHashAddress(payload []byte, params *chaincfg.Params) (string, bool) {
	hash := btcutil.Hash160(payload)
	addr, err := btcutil.NewAddressScriptHashFromHash(hash, params)
	if err != nil {
		return "", false
	}
	return addr.EncodeAddress(), true
}

// pubKeyHashAddress hash160's payload and base58check-encodes it with
// the network's pubkey-hash version byte, used for the plain P2PKH
// input shape.
func pubKeyHashAddress(payload []byte, params *chaincfg.Params) (string, bool) {
	hash := btcutil.Hash160(payload)
	addr, err := btcutil.NewAddressPubKeyHash(hash, params)
	if err != nil {
		return "", false
	}
	return addr.EncodeAddress(), true
}
