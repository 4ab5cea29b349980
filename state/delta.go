package state

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/wippyai/wasm-node/hashing"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("state: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Change is one key write or deletion.
type Change struct {
	Key     []byte `cbor:"1,keyasint" json:"key"`
	Value   []byte `cbor:"2,keyasint,omitempty" json:"value,omitempty"`
	Deleted bool   `cbor:"3,keyasint,omitempty" json:"deleted,omitempty"`
}

// Delta is a set of changes sorted by key.
type Delta []Change

func (d Delta) sort() {
	sort.Slice(d, func(i, j int) bool { return bytes.Compare(d[i].Key, d[j].Key) < 0 })
}

// Lookup returns the change for key, if any.
func (d Delta) Lookup(key []byte) (Change, bool) {
	i := sort.Search(len(d), func(i int) bool { return bytes.Compare(d[i].Key, key) >= 0 })
	if i < len(d) && bytes.Equal(d[i].Key, key) {
		return d[i], true
	}
	return Change{}, false
}

// Encode returns the canonical encoding used for root computation.
func (d Delta) Encode() ([]byte, error) {
	if d == nil {
		d = Delta{}
	}
	return encMode.Marshal(d)
}

// DecodeDelta parses an encoded delta.
func DecodeDelta(data []byte) (Delta, error) {
	var d Delta
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("state: unmarshal delta: %w", err)
	}
	return d, nil
}

// NextRoot chains prev with the encoding of d. Identical deltas applied to
// identical roots yield identical roots on every node.
func NextRoot(prev hashing.Hash, d Delta) (hashing.Hash, error) {
	enc, err := d.Encode()
	if err != nil {
		return hashing.Hash{}, err
	}
	return hashing.Sum(prev[:], enc), nil
}
