// Package devrt assembles development runtimes in Go.
//
// The balances runtime is a small but complete state transition function:
// it moves u64 balances between accounts on behalf of their keys, can
// replace itself through a sudo-gated set_code and exposes a read-only
// balance query. The fault runtimes exercise every failure path of the
// sandbox. Both are built with the wasm package's encoder, so no external
// toolchain is needed to produce them.
package devrt

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/extrinsic"
	"github.com/wippyai/wasm-node/hashing"
)

// Key derives a well-known development key from a name. Anyone can
// recompute it, so it only guards test chains.
func Key(name string) ed25519.PrivateKey {
	seed := hashing.Sum([]byte("devrt:"), []byte(name))
	return ed25519.NewKeyFromSeed(seed[:])
}

// AccountOf returns the account controlled by pub: the first eight bytes
// of its BLAKE2b-256 digest, little endian.
func AccountOf(pub ed25519.PublicKey) uint64 {
	h := hashing.Sum(pub)
	return binary.LittleEndian.Uint64(h[:8])
}

// Account returns the account of the development key of name.
func Account(name string) uint64 {
	return AccountOf(Key(name).Public().(ed25519.PublicKey))
}

// BalanceKey returns the state key holding the balance of id.
func BalanceKey(id uint64) []byte {
	key := make([]byte, 12)
	copy(key, "bal:")
	binary.LittleEndian.PutUint64(key[4:], id)
	return key
}

// NonceKey returns the state key holding the next nonce of signer.
func NonceKey(signer ed25519.PublicKey) []byte {
	return append([]byte("non:"), signer...)
}

// EncodeU64 returns v little endian.
func EncodeU64(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}

// DecodeU64 parses a little endian value; short input decodes as zero.
func DecodeU64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Endow returns genesis storage giving each account its balance.
func Endow(balances map[uint64]uint64) map[string][]byte {
	out := make(map[string][]byte, len(balances))
	for id, v := range balances {
		out[string(BalanceKey(id))] = EncodeU64(v)
	}
	return out
}

// TransferCall encodes a transfer call.
func TransferCall(from, to, amount uint64) []byte {
	c := make([]byte, 25)
	c[0] = CallTransfer
	binary.LittleEndian.PutUint64(c[1:], from)
	binary.LittleEndian.PutUint64(c[9:], to)
	binary.LittleEndian.PutUint64(c[17:], amount)
	return c
}

// Transfer returns an unsigned transfer extrinsic.
func Transfer(from, to, amount uint64) []byte {
	return extrinsic.NewUnsigned(TransferCall(from, to, amount)).Encode()
}

// SignedTransfer returns a transfer extrinsic signed by key.
func SignedTransfer(key ed25519.PrivateKey, nonce, from, to, amount uint64) []byte {
	return extrinsic.Sign(key, nonce, TransferCall(from, to, amount)).Encode()
}

// SetCodeCall encodes a runtime upgrade call.
func SetCodeCall(code []byte) []byte {
	return append([]byte{CallSetCode}, code...)
}

// SetCode returns an unsigned runtime upgrade extrinsic.
func SetCode(code []byte) []byte {
	return extrinsic.NewUnsigned(SetCodeCall(code)).Encode()
}

// SignedSetCode returns a runtime upgrade extrinsic signed by key.
func SignedSetCode(key ed25519.PrivateKey, nonce uint64, code []byte) []byte {
	return extrinsic.Sign(key, nonce, SetCodeCall(code)).Encode()
}

// Genesis returns the storage entries of a chain running code with the
// given balances.
func Genesis(code []byte, balances map[uint64]uint64) map[string][]byte {
	out := Endow(balances)
	out[bytecode.CodeKey] = code
	return out
}
