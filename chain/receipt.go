package chain

import (
	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/hashing"
)

// Stage identifies which part of block execution emitted an event.
type Stage string

const (
	StageInitialize Stage = "initialize"
	StageApply      Stage = "apply"
	StageFinalize   Stage = "finalize"

	// StageExecute marks events of runtimes that execute whole blocks.
	StageExecute Stage = "execute"
)

// Event is a runtime or system event in emission order.
type Event struct {
	Stage  Stage  `cbor:"1,keyasint" json:"stage"`
	Index  int    `cbor:"2,keyasint" json:"index"`
	System string `cbor:"3,keyasint,omitempty" json:"system,omitempty"`
	Data   []byte `cbor:"4,keyasint,omitempty" json:"data,omitempty"`
}

// Outcome describes how one extrinsic was applied.
type Outcome struct {
	Hash       hashing.Hash `cbor:"1,keyasint" json:"hash"`
	OK         bool         `cbor:"2,keyasint" json:"ok"`
	Diagnostic string       `cbor:"3,keyasint,omitempty" json:"diagnostic,omitempty"`
	Weight     uint64       `cbor:"4,keyasint" json:"weight"`
}

// Receipt is stored next to every committed block.
type Receipt struct {
	StateRoot   hashing.Hash `cbor:"1,keyasint" json:"stateRoot"`
	CodeHash    hashing.Hash `cbor:"2,keyasint" json:"codeHash"`
	SpecVersion uint32       `cbor:"3,keyasint" json:"specVersion"`
	Weight      uint64       `cbor:"4,keyasint" json:"weight"`
	Extrinsics  []Outcome    `cbor:"5,keyasint" json:"extrinsics"`
	Events      []Event      `cbor:"6,keyasint" json:"events"`
}

// Encode returns the canonical encoding of r.
func (r *Receipt) Encode() ([]byte, error) {
	return encMode.Marshal(r)
}

// DecodeReceipt parses an encoded receipt.
func DecodeReceipt(data []byte) (*Receipt, error) {
	var r Receipt
	if err := decMode.Unmarshal(data, &r); err != nil {
		return nil, errors.Decode("receipt", err)
	}
	return &r, nil
}
