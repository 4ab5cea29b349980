// Package chain defines blocks, their canonical encoding, the block store
// and the genesis description.
package chain

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/hashing"
	"github.com/wippyai/wasm-node/hostapi"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("chain: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("chain: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

// Header identifies a block and the state it builds on.
type Header struct {
	ParentHash      hashing.Hash `cbor:"1,keyasint" json:"parentHash"`
	Number          uint64       `cbor:"2,keyasint" json:"number"`
	Timestamp       uint64       `cbor:"3,keyasint" json:"timestamp"`
	ParentStateRoot hashing.Hash `cbor:"4,keyasint" json:"parentStateRoot"`
	ExtrinsicsRoot  hashing.Hash `cbor:"5,keyasint" json:"extrinsicsRoot"`
	Author          []byte       `cbor:"6,keyasint,omitempty" json:"author,omitempty"`
}

// Hash is the block identity: blake2b-256 of the encoded header.
func (h *Header) Hash() hashing.Hash {
	data, err := encMode.Marshal(h)
	if err != nil {
		// Header has no fields that can fail to encode.
		panic(fmt.Sprintf("chain: encode header: %v", err))
	}
	return hashing.Sum(data)
}

// Env is the execution environment handed to the runtime.
func (h *Header) Env() hostapi.Env {
	return hostapi.Env{
		Number:          h.Number,
		Timestamp:       h.Timestamp,
		ParentHash:      h.ParentHash,
		ParentStateRoot: h.ParentStateRoot,
	}
}

// Block is a header and its ordered extrinsics.
type Block struct {
	Header     Header   `cbor:"1,keyasint" json:"header"`
	Extrinsics [][]byte `cbor:"2,keyasint" json:"extrinsics"`
}

// NewBlock builds a block on parent, computing the extrinsics root.
func NewBlock(parent hashing.Hash, number, timestamp uint64, parentStateRoot hashing.Hash, extrinsics [][]byte) *Block {
	return &Block{
		Header: Header{
			ParentHash:      parent,
			Number:          number,
			Timestamp:       timestamp,
			ParentStateRoot: parentStateRoot,
			ExtrinsicsRoot:  ExtrinsicsRoot(extrinsics),
		},
		Extrinsics: extrinsics,
	}
}

// Hash returns the header hash.
func (b *Block) Hash() hashing.Hash { return b.Header.Hash() }

// Verify checks that the block is internally consistent.
func (b *Block) Verify() error {
	if got := ExtrinsicsRoot(b.Extrinsics); got != b.Header.ExtrinsicsRoot {
		return errors.InvalidBlock(
			fmt.Sprintf("extrinsics root %s does not match header %s", got.Short(), b.Header.ExtrinsicsRoot.Short()), nil)
	}
	return nil
}

// Encode returns the canonical encoding of b.
func (b *Block) Encode() ([]byte, error) {
	return encMode.Marshal(b)
}

// DecodeBlock parses an encoded block.
func DecodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := decMode.Unmarshal(data, &b); err != nil {
		return nil, errors.Decode("block", err)
	}
	return &b, nil
}

// ExtrinsicsRoot commits to the ordered list of extrinsic hashes.
func ExtrinsicsRoot(extrinsics [][]byte) hashing.Hash {
	parts := make([][]byte, len(extrinsics))
	for i, x := range extrinsics {
		h := hashing.Sum(x)
		parts[i] = h[:]
	}
	return hashing.Sum(parts...)
}
