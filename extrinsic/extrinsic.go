// Package extrinsic encodes the envelope around a runtime call.
//
// Layout, after a single version byte:
//
//	unsigned: call...
//	signed:   signer[32] signature[64] nonce[8, LE] call...
//
// The low nibble of the version byte is the envelope version (1). Bit 0x80
// marks a signed envelope; bits 0x40 (delegated authority) and 0x20 (fee
// exchange) are reserved and rejected. The call itself is opaque to the
// node and interpreted only by the runtime.
package extrinsic

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/hashing"
)

const (
	Version      byte = 1
	MaskVersion  byte = 0x0F
	BitSigned    byte = 0x80
	BitDelegated byte = 0x40
	BitFeeSwap   byte = 0x20

	// MaxPayload is the largest signing payload signed directly; longer
	// payloads are signed over their BLAKE2b-256 digest.
	MaxPayload = 256

	// SignedHeader is the envelope overhead of a signed extrinsic.
	SignedHeader = 1 + ed25519.PublicKeySize + ed25519.SignatureSize + 8
)

// Extrinsic is a decoded envelope.
type Extrinsic struct {
	Signed    bool
	Signer    [ed25519.PublicKeySize]byte
	Signature [ed25519.SignatureSize]byte
	Nonce     uint64
	Call      []byte
}

// NewUnsigned wraps call in an unsigned envelope.
func NewUnsigned(call []byte) *Extrinsic {
	return &Extrinsic{Call: call}
}

// Sign wraps call in an envelope signed by key.
func Sign(key ed25519.PrivateKey, nonce uint64, call []byte) *Extrinsic {
	x := &Extrinsic{Signed: true, Nonce: nonce, Call: call}
	copy(x.Signer[:], key.Public().(ed25519.PublicKey))
	copy(x.Signature[:], ed25519.Sign(key, SigningPayload(nonce, call)))
	return x
}

// SigningPayload returns the bytes a signer signs for nonce and call.
func SigningPayload(nonce uint64, call []byte) []byte {
	payload := make([]byte, 8+len(call))
	binary.LittleEndian.PutUint64(payload, nonce)
	copy(payload[8:], call)
	if len(payload) > MaxPayload {
		d := hashing.Sum(payload)
		return d[:]
	}
	return payload
}

// Decode parses an envelope.
func Decode(data []byte) (*Extrinsic, error) {
	if len(data) == 0 {
		return nil, errors.Decode("extrinsic", fmt.Errorf("empty envelope"))
	}
	v := data[0]
	if v&MaskVersion != Version {
		return nil, errors.Decode("extrinsic", fmt.Errorf("unsupported envelope version %d", v&MaskVersion))
	}
	if v&(BitDelegated|BitFeeSwap) != 0 {
		return nil, errors.Decode("extrinsic", fmt.Errorf("reserved envelope flags 0x%02x", v&(BitDelegated|BitFeeSwap)))
	}
	x := &Extrinsic{Signed: v&BitSigned != 0}
	rest := data[1:]
	if x.Signed {
		if len(data) < SignedHeader {
			return nil, errors.Decode("extrinsic", fmt.Errorf("signed envelope of %d bytes", len(data)))
		}
		copy(x.Signer[:], rest[:32])
		copy(x.Signature[:], rest[32:96])
		x.Nonce = binary.LittleEndian.Uint64(rest[96:104])
		rest = rest[104:]
	}
	x.Call = append([]byte(nil), rest...)
	return x, nil
}

// Encode returns the wire form.
func (x *Extrinsic) Encode() []byte {
	if !x.Signed {
		out := make([]byte, 1+len(x.Call))
		out[0] = Version
		copy(out[1:], x.Call)
		return out
	}
	out := make([]byte, SignedHeader+len(x.Call))
	out[0] = Version | BitSigned
	copy(out[1:], x.Signer[:])
	copy(out[33:], x.Signature[:])
	binary.LittleEndian.PutUint64(out[97:], x.Nonce)
	copy(out[SignedHeader:], x.Call)
	return out
}

// Hash identifies the extrinsic.
func (x *Extrinsic) Hash() hashing.Hash {
	return hashing.Sum(x.Encode())
}

// Verify checks the signature of a signed envelope. Unsigned envelopes
// always verify.
func (x *Extrinsic) Verify() error {
	if !x.Signed {
		return nil
	}
	if !ed25519.Verify(x.Signer[:], SigningPayload(x.Nonce, x.Call), x.Signature[:]) {
		return errors.New(errors.PhaseDecode, errors.KindInvalidInput).
			Host(errors.HostVerificationFailed).
			Detail("bad signature in extrinsic").
			Build()
	}
	return nil
}
