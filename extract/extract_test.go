package extract

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"

	"github.com/btcsuite/btcd/btcutil"
)

func TestOutputAddressP2PKH(t *testing.T) {
	hash := make([]byte, 20)
	hash[0] = 0xAB

	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(hash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(t, err)

	addr, ok := OutputAddress(script, &chaincfg.MainNetParams)
	require.True(t, ok)

	want, err := btcutil.NewAddressPubKeyHash(hash, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, want.EncodeAddress(), addr)
}

func TestOutputAddressUnrecognized(t *testing.T) {
	script, err := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).Script()
	require.NoError(t, err)

	_, ok := OutputAddress(script, &chaincfg.MainNetParams)
	require.False(t, ok)
}

func TestInputAddressP2PKH(t *testing.T) {
	sig := make([]byte, 72)
	pubKey := make([]byte, 33)
	pubKey[0] = 0x02

	var sigScript []byte
	sigScript = append(sigScript, byte(len(sig)))
	sigScript = append(sigScript, sig...)
	sigScript = append(sigScript, byte(len(pubKey)))
	sigScript = append(sigScript, pubKey...)

	addr, addrType, ok := InputAddress(sigScript, &chaincfg.MainNetParams)
	require.True(t, ok)
	require.Equal(t, TypeP2PKH, addrType)

	want, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey), &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, want.EncodeAddress(), addr)
}

func TestInputAddressP2WPKHInP2SH(t *testing.T) {
	witnessProgram := make([]byte, 22)
	witnessProgram[0] = 0x00
	witnessProgram[1] = 0x14

	sigScript := append([]byte{0x16}, witnessProgram...)

	addr, addrType, ok := InputAddress(sigScript, &chaincfg.MainNetParams)
	require.True(t, ok)
	require.Equal(t, TypeP2WPKHInP2SH, addrType)

	want, err := btcutil.NewAddressScriptHashFromHash(btcutil.Hash160(witnessProgram), &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, want.EncodeAddress(), addr)
}

func TestInputAddressP2SHRedeem(t *testing.T) {
	redeem, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_2).
		AddData(make([]byte, 33)).
		AddData(make([]byte, 33)).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
	require.NoError(t, err)

	sigScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(redeem).
		Script()
	require.NoError(t, err)

	addr, addrType, ok := InputAddress(sigScript, &chaincfg.MainNetParams)
	require.True(t, ok)
	require.Equal(t, TypeP2SH, addrType)

	want, err := btcutil.NewAddressScriptHashFromHash(btcutil.Hash160(redeem), &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, want.EncodeAddress(), addr)
}

func TestInputAddressNoMatch(t *testing.T) {
	_, addrType, ok := InputAddress([]byte{0x01, 0x02}, &chaincfg.MainNetParams)
	require.False(t, ok)
	require.Equal(t, TypeNone, addrType)
}
