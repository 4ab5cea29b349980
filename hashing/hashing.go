// Package hashing defines the 32-byte digest used for module identity,
// state roots and block hashes.
package hashing

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Size is the digest length in bytes.
const Size = 32

// Hash is a BLAKE2b-256 digest.
type Hash [Size]byte

// Zero is the all-zero hash, used as the parent of genesis.
var Zero Hash

// Sum hashes the concatenation of parts.
func Sum(parts ...[]byte) Hash {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// FromBytes copies b into a Hash. b must be exactly Size bytes.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, fmt.Errorf("hash: want %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Parse decodes a hex string, with or without a 0x prefix.
func Parse(s string) (Hash, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("hash: %w", err)
	}
	return FromBytes(b)
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Bytes returns a copy of the digest.
func (h Hash) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, h[:])
	return out
}

// String returns the 0x-prefixed hex form.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// Short returns an abbreviated form for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
