package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/hashing"
	"github.com/wippyai/wasm-node/state"
)

// Bytes is a byte string written as 0x-prefixed hex in JSON.
type Bytes []byte

func (b Bytes) MarshalText() ([]byte, error) {
	return []byte("0x" + hex.EncodeToString(b)), nil
}

func (b *Bytes) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.TrimPrefix(string(text), "0x"), "0X")
	out, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("bytes: %w", err)
	}
	*b = out
	return nil
}

// Entry is one initial storage item.
type Entry struct {
	Key   Bytes `cbor:"1,keyasint" json:"key"`
	Value Bytes `cbor:"2,keyasint" json:"value"`
}

// Genesis describes the initial chain state.
type Genesis struct {
	Timestamp uint64  `cbor:"1,keyasint" json:"timestamp"`
	Code      Bytes   `cbor:"2,keyasint" json:"code"`
	Storage   []Entry `cbor:"3,keyasint" json:"storage"`
}

// NewGenesis builds a genesis from a runtime and a storage map.
func NewGenesis(timestamp uint64, code []byte, storage map[string][]byte) *Genesis {
	g := &Genesis{Timestamp: timestamp, Code: code}
	for k, v := range storage {
		if k == bytecode.CodeKey {
			continue
		}
		g.Storage = append(g.Storage, Entry{Key: Bytes(k), Value: v})
	}
	sort.Slice(g.Storage, func(i, j int) bool { return string(g.Storage[i].Key) < string(g.Storage[j].Key) })
	return g
}

// LoadGenesis reads a genesis file; ".cbor" files are CBOR, anything else
// JSON.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var g Genesis
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		err = decMode.Unmarshal(data, &g)
	} else {
		err = json.Unmarshal(data, &g)
	}
	if err != nil {
		return nil, errors.Decode("genesis", err)
	}
	return &g, nil
}

// Save writes g to path in the format chosen by its extension.
func (g *Genesis) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		data, err = encMode.Marshal(g)
	} else {
		data, err = json.MarshalIndent(g, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode genesis: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Delta returns the initial state as a change set, :code included.
func (g *Genesis) Delta() state.Delta {
	o := state.NewOverlay(nil)
	for _, e := range g.Storage {
		o.Put(e.Key, e.Value)
	}
	o.Put([]byte(bytecode.CodeKey), g.Code)
	return o.Delta()
}

// Commit writes the genesis block and state. A store that already holds a
// chain is left untouched if its genesis matches and rejected otherwise.
func (g *Genesis) Commit(db *state.Store, blocks *BlockStore) (*Block, error) {
	if len(g.Code) == 0 {
		return nil, errors.InvalidInput(errors.PhaseStorage, "genesis has no runtime code")
	}
	version, err := bytecode.ReadVersion(g.Code)
	if err != nil {
		return nil, err
	}

	delta := g.Delta()
	root, err := state.NextRoot(hashing.Zero, delta)
	if err != nil {
		return nil, err
	}
	block := NewBlock(hashing.Zero, 0, g.Timestamp, hashing.Zero, nil)

	if _, ok := blocks.Head(); ok {
		existing, err := blocks.ByNumber(0)
		if err != nil {
			return nil, err
		}
		receipt, err := blocks.Receipt(existing.Hash())
		if err != nil {
			return nil, err
		}
		if existing.Hash() != block.Hash() || receipt.StateRoot != root {
			return nil, errors.InvalidInput(errors.PhaseStorage,
				fmt.Sprintf("store holds genesis with state %s, not %s", receipt.StateRoot.Short(), root.Short()))
		}
		return existing, nil
	}

	codeHash := hashing.Sum(g.Code)
	batch := db.NewBatch()
	batch.ApplyDelta(delta, root)
	batch.PutCode(codeHash, g.Code)
	batch.IndexCode(root, codeHash)
	head, err := blocks.Stage(batch, block, &Receipt{
		StateRoot:   root,
		CodeHash:    codeHash,
		SpecVersion: version.SpecVersion,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Write(batch); err != nil {
		return nil, err
	}
	blocks.Accepted(block, head)
	return block, nil
}
